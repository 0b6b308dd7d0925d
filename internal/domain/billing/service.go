package billing

import (
	"context"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hospital/backoffice/internal/platform/apperr"
	"github.com/hospital/backoffice/internal/platform/audit"
	"github.com/hospital/backoffice/internal/platform/auth"
	"github.com/hospital/backoffice/internal/platform/clock"
	"github.com/hospital/backoffice/internal/platform/db"
)

// LedgerRoles may issue and settle invoices.
var LedgerRoles = auth.NewRoleSet(auth.RoleBilling, auth.RoleAdmin)

// stageBilling is the visit stage at which an invoice may be issued.
const stageBilling = "billing"

// VisitLookup resolves the visit an invoice is issued for.
type VisitLookup interface {
	LookupVisit(ctx context.Context, id int64) (patientID int64, stage string, err error)
}

// Service is the billing ledger.
type Service struct {
	repo     Repository
	visits   VisitLookup
	tx       db.Transactor
	audit    audit.Sink
	clock    clock.Clock
	currency string
	logger   zerolog.Logger
}

func NewService(repo Repository, visits VisitLookup, tx db.Transactor, sink audit.Sink, clk clock.Clock, currency string, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		visits:   visits,
		tx:       tx,
		audit:    sink,
		clock:    clk,
		currency: currency,
		logger:   logger.With().Str("component", "billing").Logger(),
	}
}

// CreateInput is a validated invoice request.
type CreateInput struct {
	PatientID   int64
	VisitID     int64
	TotalAmount decimal.Decimal
	Services    map[string]decimal.Decimal
}

func (in CreateInput) validate() error {
	fields := map[string]string{}
	if in.PatientID <= 0 {
		fields["patient_id"] = "is required"
	}
	if in.VisitID <= 0 {
		fields["visit_id"] = "is required"
	}
	switch {
	case !in.TotalAmount.IsPositive():
		fields["total_amount"] = "must be greater than 0"
	case !in.TotalAmount.Equal(in.TotalAmount.Round(2)):
		fields["total_amount"] = "must have at most 2 decimal places"
	}
	for name, amount := range in.Services {
		if strings.TrimSpace(name) == "" {
			fields["services"] = "service names must not be empty"
		} else if amount.IsNegative() {
			fields["services"] = "amount for " + name + " must not be negative"
		}
	}
	if len(fields) > 0 {
		return apperr.ValidationFields(fields)
	}
	return nil
}

// CreateInvoice issues a Pending invoice for a visit at the billing stage.
// A visit carries at most one invoice.
func (s *Service) CreateInvoice(ctx context.Context, actor auth.Actor, in CreateInput) (*Invoice, error) {
	if err := auth.Authorize(actor, LedgerRoles); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	services := in.Services
	if services == nil {
		services = map[string]decimal.Decimal{}
	}
	now := s.clock.Now()
	inv := &Invoice{
		InvoiceNumber: InvoiceNumber(in.VisitID, now),
		PatientID:     in.PatientID,
		VisitID:       in.VisitID,
		TotalAmount:   in.TotalAmount,
		Currency:      s.currency,
		Services:      services,
		Status:        StatusPending,
		GeneratedBy:   actor.ID,
		GeneratedAt:   now,
	}

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		patientID, stage, err := s.visits.LookupVisit(ctx, in.VisitID)
		if err != nil {
			return err
		}
		if patientID != in.PatientID {
			return apperr.ValidationFields(map[string]string{"visit_id": "visit belongs to another patient"})
		}
		if stage != stageBilling {
			return apperr.Conflict("visit %d is at stage %s, not billing", in.VisitID, stage)
		}
		return s.repo.Create(ctx, inv)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("invoice_id", inv.ID).
		Str("invoice_number", inv.InvoiceNumber).
		Int64("visit_id", inv.VisitID).
		Str("total_amount", inv.TotalAmount.StringFixed(2)).
		Msg("invoice created")
	s.audit.Emit(ctx, audit.NewEvent(actor, audit.ActionInvoiceCreated, "invoice", strconv.FormatInt(inv.ID, 10),
		map[string]any{"invoice_number": inv.InvoiceNumber, "visit_id": inv.VisitID, "total_amount": inv.TotalAmount.StringFixed(2)}))
	return inv, nil
}

func (s *Service) GetInvoice(ctx context.Context, id int64) (*Invoice, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListInvoices(ctx context.Context, f ListFilter, limit, offset int) ([]*Invoice, int, error) {
	items, total, err := s.repo.List(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if items == nil {
		items = []*Invoice{}
	}
	return items, total, nil
}

// SettleManually marks an invoice Paid. Settling an invoice that is already
// Paid succeeds without changing it.
func (s *Service) SettleManually(ctx context.Context, actor auth.Actor, id int64, method string) (*Invoice, error) {
	if err := auth.Authorize(actor, LedgerRoles); err != nil {
		return nil, err
	}
	if strings.TrimSpace(method) == "" {
		method = DefaultSettleMethod
	}

	var (
		inv     *Invoice
		changed bool
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		changed, err = s.MarkPaid(ctx, id, method)
		if err != nil {
			return err
		}
		inv, err = s.repo.GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.EmitPaid(ctx, actor, inv)
	} else {
		s.logger.Debug().Int64("invoice_id", id).Msg("invoice already paid")
	}
	return inv, nil
}

// MarkPaid settles the invoice inside the caller's transaction and reports
// whether this call made the change. It does not emit audit events; callers
// do that once their transaction has committed.
// LockInvoice loads the invoice and holds its row lock for the rest of the
// caller's transaction.
func (s *Service) LockInvoice(ctx context.Context, id int64) (*Invoice, error) {
	return s.repo.GetForUpdate(ctx, id)
}

func (s *Service) MarkPaid(ctx context.Context, id int64, method string) (bool, error) {
	return s.repo.MarkPaid(ctx, id, method, s.clock.Now())
}

// EmitPaid records the Pending to Paid change for inv.
func (s *Service) EmitPaid(ctx context.Context, actor auth.Actor, inv *Invoice) {
	method := ""
	if inv.PaymentMethod != nil {
		method = *inv.PaymentMethod
	}
	s.logger.Info().Int64("invoice_id", inv.ID).Str("payment_method", method).Msg("invoice paid")
	s.audit.Emit(ctx, audit.NewEvent(actor, audit.ActionInvoicePaid, "invoice", strconv.FormatInt(inv.ID, 10),
		map[string]any{"payment_method": method}))
}
