package events

import (
	"context"

	"harvestline/internal/domain"
)

// EventStore appends events to the events table.
type EventStore interface {
	InsertEvent(ctx context.Context, e domain.Event) error
}

// Writer is the table sink; its rows back `hl log tail` and GET /events.
type Writer struct {
	Store EventStore
}

func (w Writer) Name() string { return "table" }

func (w Writer) Publish(ctx context.Context, e domain.Event) error {
	return w.Store.InsertEvent(ctx, e)
}
