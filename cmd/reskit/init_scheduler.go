package main

import (
	"context"
	"fmt"
	"log/slog"

	"reskit/internal/infra/config"
	"reskit/internal/usecase/scheduling"
)

// initScheduler registers the maintenance actions and the configured tasks.
func initScheduler(cfg config.SchedulerConfig, store persistence, turns scheduling.Trigger, log *slog.Logger) (*scheduling.Scheduler, error) {
	sched := scheduling.NewScheduler(log)
	recovery := scheduling.NewRecovery(store, turns, log)

	sched.RegisterAction(scheduling.ActionTurnRecovery, func(ctx context.Context) error {
		n, err := recovery.Sweep(ctx)
		if n > 0 {
			log.Info("recovered unanswered chats", "count", n)
		}
		return err
	})
	sched.RegisterAction(scheduling.ActionStoreCheckpoint, store.Checkpoint)

	for _, t := range cfg.Tasks {
		err := sched.AddTask(scheduling.ScheduledTask{
			Name:     t.Name,
			Schedule: t.Schedule,
			Action:   scheduling.ScheduledAction(t.Action),
			Timeout:  t.Timeout,
			OneShot:  t.OneShot,
		})
		if err != nil {
			return nil, fmt.Errorf("scheduler: %w", err)
		}
	}
	return sched, nil
}
