package visit

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/hospital/backoffice/internal/platform/apperr"
	"github.com/hospital/backoffice/internal/platform/audit"
	"github.com/hospital/backoffice/internal/platform/auth"
	"github.com/hospital/backoffice/internal/platform/clock"
	"github.com/hospital/backoffice/internal/platform/db"
)

// CreateRoles may open a visit.
var CreateRoles = auth.NewRoleSet(auth.RoleReceptionist, auth.RoleAdmin)

// Service is the visit workflow engine.
type Service struct {
	repo   Repository
	tx     db.Transactor
	vis    Visibility
	audit  audit.Sink
	clock  clock.Clock
	logger zerolog.Logger
}

func NewService(repo Repository, tx db.Transactor, vis Visibility, sink audit.Sink, clk clock.Clock, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		tx:     tx,
		vis:    vis,
		audit:  sink,
		clock:  clk,
		logger: logger.With().Str("component", "visit").Logger(),
	}
}

// CreateVisit opens a visit at triage for patientID.
func (s *Service) CreateVisit(ctx context.Context, actor auth.Actor, patientID int64) (*Visit, error) {
	if err := auth.Authorize(actor, CreateRoles); err != nil {
		return nil, err
	}
	if patientID <= 0 {
		return nil, apperr.ValidationFields(map[string]string{"patient_id": "is required"})
	}

	now := s.clock.Now()
	v := &Visit{
		PatientID:     patientID,
		Stage:         StageTriage,
		BillingStatus: "unpaid",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.tx.InTx(ctx, func(ctx context.Context) error {
		return s.repo.Create(ctx, v)
	}); err != nil {
		return nil, err
	}

	s.logger.Info().Int64("visit_id", v.ID).Int64("patient_id", patientID).Str("actor_id", actor.ID).Msg("visit created")
	s.audit.Emit(ctx, audit.NewEvent(actor, audit.ActionVisitCreated, "visit", strconv.FormatInt(v.ID, 10),
		map[string]any{"patient_id": patientID, "stage": v.Stage}))
	return v, nil
}

// ListVisits returns every visit to front-desk roles and only the visits at
// the actor's own stage to everyone else.
func (s *Service) ListVisits(ctx context.Context, actor auth.Actor) ([]*Visit, error) {
	all, stage, err := s.vis.Scope(actor)
	if err != nil {
		return nil, err
	}
	if all {
		stage = ""
	}
	visits, err := s.repo.List(ctx, stage)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Str("actor_id", actor.ID).Str("stage", string(stage)).Int("count", len(visits)).Msg("visits listed")
	if visits == nil {
		visits = []*Visit{}
	}
	return visits, nil
}

func (s *Service) GetVisit(ctx context.Context, id int64) (*Visit, error) {
	return s.repo.GetByID(ctx, id)
}

// UpdateVisit applies the transition owned by the actor's role at the
// visit's current stage. The row is locked for the whole check-and-write.
func (s *Service) UpdateVisit(ctx context.Context, actor auth.Actor, id int64, req UpdateRequest) (*Visit, error) {
	var (
		out  *Visit
		from Stage
		role string
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		v, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from = v.Stage
		next := *v
		role, err = Apply(actor, &next, req)
		if err != nil {
			return err
		}
		next.UpdatedAt = s.clock.Now()
		if err := s.repo.Update(ctx, &next); err != nil {
			return err
		}
		out = &next
		return nil
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInvalidTransition {
			s.logger.Warn().Int64("visit_id", id).Str("stage", string(from)).Strs("roles", actor.Roles).Msg("invalid stage update")
		}
		return nil, err
	}

	s.logger.Info().
		Int64("visit_id", id).
		Str("from", string(from)).
		Str("to", string(out.Stage)).
		Str("role", role).
		Msg("visit transitioned")
	s.audit.Emit(ctx, audit.NewEvent(actor, audit.ActionVisitUpdated, "visit", strconv.FormatInt(id, 10),
		map[string]any{"from": from, "to": out.Stage, "role": role}))
	return out, nil
}

// LookupVisit exposes the fields invoicing checks against.
func (s *Service) LookupVisit(ctx context.Context, id int64) (patientID int64, stage string, err error) {
	v, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return 0, "", err
	}
	return v.PatientID, string(v.Stage), nil
}
