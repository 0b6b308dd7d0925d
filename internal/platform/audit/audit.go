// Package audit records "action performed by actor" events. Recording is a
// side effect: a failing recorder is logged and never surfaces to the caller.
package audit

import (
	"context"
	"time"

	"github.com/hospital/backoffice/internal/platform/auth"
)

// Actions recorded by the services.
const (
	ActionVisitCreated     = "visit.created"
	ActionVisitUpdated     = "visit.updated"
	ActionInvoiceCreated   = "invoice.created"
	ActionInvoicePaid      = "invoice.paid"
	ActionPaymentInitiated = "payment.initiated"
	ActionPaymentCompleted = "payment.completed"
	ActionPaymentFailed    = "payment.failed"
	ActionPaymentRefunded  = "payment.refunded"
	ActionPaymentExpired   = "payment.expired"
	ActionQueueChanged     = "queue.changed"
	ActionRequestFailed    = "request.failed"
)

// SystemActor attributes events that no staff member caused, such as gateway
// callbacks and the expiry sweeper.
var SystemActor = auth.Actor{ID: "system", Roles: []string{"system"}}

type Event struct {
	ActorID    string
	ActorRole  string
	Action     string
	EntityType string
	EntityID   string
	Detail     map[string]any
	OccurredAt time.Time
}

// NewEvent builds an event attributed to actor.
func NewEvent(actor auth.Actor, action, entityType, entityID string, detail map[string]any) Event {
	return Event{
		ActorID:    actor.ID,
		ActorRole:  actor.PrimaryRole(),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
	}
}

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// RecorderFunc is a function adapter for Recorder.
type RecorderFunc func(ctx context.Context, e Event) error

func (f RecorderFunc) Record(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Sink is what services emit to. Emit never fails.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}
