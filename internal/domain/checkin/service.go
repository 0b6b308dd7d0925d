package checkin

import (
	"context"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hospital/backoffice/internal/platform/apperr"
	"github.com/hospital/backoffice/internal/platform/audit"
	"github.com/hospital/backoffice/internal/platform/auth"
	"github.com/hospital/backoffice/internal/platform/clock"
)

type Service struct {
	repo   Repository
	audit  audit.Sink
	clock  clock.Clock
	logger zerolog.Logger
}

func NewService(repo Repository, sink audit.Sink, clk clock.Clock, logger zerolog.Logger) *Service {
	return &Service{repo: repo, audit: sink, clock: clk, logger: logger.With().Str("component", "checkin").Logger()}
}

func (s *Service) Queue(ctx context.Context) ([]*Entry, error) {
	items, err := s.repo.ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*Entry{}
	}
	return items, nil
}

func (s *Service) Enqueue(ctx context.Context, actor auth.Actor, req EnqueueRequest) (*Entry, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.ValidationFields(map[string]string{"name": "is required"})
	}
	e := &Entry{PatientID: req.PatientID, Name: name, EnqueuedAt: s.clock.Now()}
	if err := s.repo.Create(ctx, e); err != nil {
		return nil, err
	}
	s.emit(ctx, actor, e, "enqueued")
	return e, nil
}

func (s *Service) CheckIn(ctx context.Context, actor auth.Actor, req MoveRequest) (*Entry, error) {
	id, err := s.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	e, err := s.repo.MarkCheckedIn(ctx, id, s.clock.Now())
	if err != nil {
		return nil, err
	}
	s.emit(ctx, actor, e, "checked_in")
	return e, nil
}

// CheckOut removes the entry from the open queue.
func (s *Service) CheckOut(ctx context.Context, actor auth.Actor, req MoveRequest) (*Entry, error) {
	id, err := s.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	e, err := s.repo.MarkCheckedOut(ctx, id, s.clock.Now())
	if err != nil {
		return nil, err
	}
	s.emit(ctx, actor, e, "checked_out")
	return e, nil
}

func (s *Service) resolve(ctx context.Context, req MoveRequest) (int64, error) {
	switch {
	case req.EntryID != nil:
		e, err := s.repo.GetOpen(ctx, *req.EntryID)
		if err != nil {
			return 0, err
		}
		return e.ID, nil
	case req.PatientID != nil:
		e, err := s.repo.FindOpenByPatient(ctx, *req.PatientID)
		if err != nil {
			return 0, err
		}
		return e.ID, nil
	default:
		return 0, apperr.ValidationFields(map[string]string{"entry_id": "entry_id or patient_id is required"})
	}
}

func (s *Service) emit(ctx context.Context, actor auth.Actor, e *Entry, change string) {
	s.logger.Info().Int64("entry_id", e.ID).Str("change", change).Msg("queue changed")
	s.audit.Emit(ctx, audit.NewEvent(actor, audit.ActionQueueChanged, "checkin_queue",
		strconv.FormatInt(e.ID, 10), map[string]any{"change": change}))
}
