package usecase

import (
	"context"

	"reskit/internal/domain"
)

// publishEvent publishes on bus, scoped to the room and chat carried by ctx.
// A nil bus disables events.
func publishEvent(bus domain.EventBus, ctx context.Context, eventType domain.EventType, payload any) {
	if bus == nil {
		return
	}
	bus.Publish(ctx, domain.NewEvent(eventType, domain.RoomFromContext(ctx), domain.ChatIDFromContext(ctx), payload))
}
