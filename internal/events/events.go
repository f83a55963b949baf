// Package events fans domain notifications out to the configured sinks.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"harvestline/internal/domain"
)

const (
	HarvestCompleted   = "harvest.completed"
	ProblemClaimed     = "problem.claimed"
	ProblemReleased    = "problem.released"
	ProblemExpired     = "problem.expired"
	SolutionSubmitted  = "solution.submitted"
	SolutionCrossPost  = "solution.crossposted"
	FeedbackRecorded   = "feedback.recorded"
	EntityProblem      = "problem"
	EntitySolution     = "solution"
	EntityHarvestRun   = "harvest_run"
	SystemActor        = "system"
	defaultBufferSize  = 256
	defaultSinkTimeout = 5 * time.Second
)

type Payload map[string]any

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e domain.Event) error
}

// Build stamps and encodes an event.
func Build(now time.Time, evtType, entityKind, entityID, actorID string, payload Payload) (domain.Event, error) {
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = SystemActor
	}
	return domain.Event{
		TS:         now.UTC().Format(time.RFC3339),
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    string(data),
	}, nil
}
