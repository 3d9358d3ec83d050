package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"reskit/internal/domain"
)

// TurnRunner runs one turn for a chat.
type TurnRunner interface {
	RunTurn(ctx context.Context, chatID string) error
}

// Dispatcher starts one goroutine per trigger. Serialization within a chat
// is the runner's job; the dispatcher only tracks lifetimes.
type Dispatcher struct {
	runner TurnRunner
	logger *slog.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Int64

	// mu orders the closed check and wg.Add against Shutdown's Wait.
	mu     sync.Mutex
	closed bool
}

// NewDispatcher creates a dispatcher whose turns are children of a context
// that Shutdown cancels.
func NewDispatcher(runner TurnRunner, logger *slog.Logger) *Dispatcher {
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{runner: runner, logger: logger, base: base, cancel: cancel}
}

// Trigger schedules a turn for chatID and reports whether it was accepted.
// Triggers after Shutdown are rejected.
func (d *Dispatcher) Trigger(chatID string) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.wg.Add(1)
	d.active.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer d.active.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("turn panicked", "chat_id", chatID, "panic", r)
			}
		}()
		if err := d.runner.RunTurn(d.base, chatID); err != nil {
			level := slog.LevelError
			if errors.Is(err, domain.ErrTurnCancelled) || errors.Is(err, context.Canceled) {
				level = slog.LevelWarn
			}
			d.logger.Log(d.base, level, "turn ended with error",
				"chat_id", chatID,
				"code", string(domain.ErrorCodeOf(err)),
				"error", err,
			)
		}
	}()
	return true
}

// Active returns the number of running or waiting turns.
func (d *Dispatcher) Active() int { return int(d.active.Load()) }

// Shutdown stops accepting triggers and waits for in-flight turns. When ctx
// ends first the remaining turns are cancelled and awaited.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		remaining := d.Active()
		d.cancel()
		<-done
		return fmt.Errorf("dispatcher shutdown: cancelled %d turns: %w", remaining, ctx.Err())
	}
}
