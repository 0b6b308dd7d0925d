package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hospital/backoffice/internal/platform/clock"
)

// DefaultRecordTimeout bounds a single recorder call.
const DefaultRecordTimeout = 2 * time.Second

// LogSink always emits a structured log line and additionally forwards the
// event to each recorder under a bounded timeout. Recorder failures are logged.
type LogSink struct {
	logger    zerolog.Logger
	clock     clock.Clock
	timeout   time.Duration
	recorders []Recorder
}

func NewLogSink(logger zerolog.Logger, clk clock.Clock, recorders ...Recorder) *LogSink {
	return &LogSink{
		logger:    logger,
		clock:     clk,
		timeout:   DefaultRecordTimeout,
		recorders: recorders,
	}
}

func (s *LogSink) Emit(ctx context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.clock.Now()
	}

	s.logger.Info().
		Str("type", "audit").
		Str("action", e.Action).
		Str("actor_id", e.ActorID).
		Str("actor_role", e.ActorRole).
		Str("entity_type", e.EntityType).
		Str("entity_id", e.EntityID).
		Interface("detail", e.Detail).
		Time("occurred_at", e.OccurredAt).
		Msg("audit_event")

	// The request may already be finished; the event still has to land.
	base := context.WithoutCancel(ctx)
	for _, r := range s.recorders {
		if r == nil {
			continue
		}
		s.record(base, r, e)
	}
}

func (s *LogSink) record(ctx context.Context, r Recorder, e Event) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error().Interface("panic", p).Str("action", e.Action).Msg("audit recorder panicked")
		}
	}()
	if err := r.Record(ctx, e); err != nil {
		s.logger.Error().Err(err).
			Str("action", e.Action).
			Str("entity_type", e.EntityType).
			Str("entity_id", e.EntityID).
			Msg("failed to record audit event")
	}
}
