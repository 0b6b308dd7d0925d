package billing

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hospital/backoffice/internal/platform/apperr"
	"github.com/hospital/backoffice/internal/platform/audit"
	"github.com/hospital/backoffice/internal/platform/auth"
	"github.com/hospital/backoffice/internal/platform/clock"
	"github.com/hospital/backoffice/internal/platform/db"
	"github.com/hospital/backoffice/pkg/pagination"
)

// -- Mocks --

type mockInvoiceRepo struct {
	mu     sync.Mutex
	items  map[int64]*Invoice
	nextID int64
}

func newMockInvoiceRepo() *mockInvoiceRepo {
	return &mockInvoiceRepo{items: make(map[int64]*Invoice)}
}

func (m *mockInvoiceRepo) Create(_ context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.items {
		if existing.VisitID == inv.VisitID {
			return apperr.Conflict("visit %d already has an invoice", inv.VisitID)
		}
	}
	m.nextID++
	inv.ID = m.nextID
	cp := *inv
	m.items[inv.ID] = &cp
	return nil
}

func (m *mockInvoiceRepo) GetByID(_ context.Context, id int64) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("invoice")
	}
	cp := *inv
	return &cp, nil
}

func (m *mockInvoiceRepo) GetForUpdate(ctx context.Context, id int64) (*Invoice, error) {
	return m.GetByID(ctx, id)
}

func (m *mockInvoiceRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Invoice, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Invoice
	for _, inv := range m.items {
		if f.PatientID == nil || inv.PatientID == *f.PatientID {
			cp := *inv
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	start, end := pagination.Params{Limit: limit, Offset: offset}.Window(len(all))
	return all[start:end], len(all), nil
}

func (m *mockInvoiceRepo) MarkPaid(_ context.Context, id int64, method string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.items[id]
	if !ok {
		return false, apperr.NotFound("invoice")
	}
	if inv.Status == StatusPaid {
		return false, nil
	}
	inv.Status = StatusPaid
	inv.PaymentMethod = &method
	inv.PaidAt = &at
	return true, nil
}

type visitInfo struct {
	patientID int64
	stage     string
}

type mockVisits map[int64]visitInfo

func (m mockVisits) LookupVisit(_ context.Context, id int64) (int64, string, error) {
	v, ok := m[id]
	if !ok {
		return 0, "", apperr.NotFound("visit")
	}
	return v.patientID, v.stage, nil
}

type mockSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *mockSink) Emit(_ context.Context, e audit.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *mockSink) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Action
	}
	return out
}

var billingActor = auth.Actor{ID: "billing-1", Roles: []string{auth.RoleBilling}}

func newTestService() (*Service, *mockInvoiceRepo, *mockSink, *clock.Managed) {
	repo := newMockInvoiceRepo()
	sink := &mockSink{}
	clk := clock.NewManaged(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	visits := mockVisits{
		1: {patientID: 5, stage: "billing"},
		2: {patientID: 5, stage: "doctor"},
		3: {patientID: 6, stage: "billing"},
	}
	svc := NewService(repo, visits, db.NopTransactor{}, sink, clk, "KES", zerolog.Nop())
	return svc, repo, sink, clk
}

func consult(amount int64) CreateInput {
	return CreateInput{
		PatientID:   5,
		VisitID:     1,
		TotalAmount: decimal.NewFromInt(amount),
		Services:    map[string]decimal.Decimal{"consult": decimal.NewFromInt(amount)},
	}
}

// -- Tests --

func TestCreateInvoice(t *testing.T) {
	svc, _, sink, clk := newTestService()
	inv, err := svc.CreateInvoice(context.Background(), billingActor, consult(500))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.Status != StatusPending {
		t.Errorf("expected Pending, got %s", inv.Status)
	}
	if !regexp.MustCompile(`^INV-1-\d+$`).MatchString(inv.InvoiceNumber) {
		t.Errorf("unexpected invoice number %q", inv.InvoiceNumber)
	}
	if want := InvoiceNumber(1, clk.Now()); inv.InvoiceNumber != want {
		t.Errorf("expected %s, got %s", want, inv.InvoiceNumber)
	}
	if !inv.TotalAmount.Equal(decimal.NewFromInt(500)) {
		t.Errorf("expected 500, got %s", inv.TotalAmount)
	}
	if inv.Currency != "KES" || inv.GeneratedBy != billingActor.ID {
		t.Errorf("unexpected currency/generator %s/%s", inv.Currency, inv.GeneratedBy)
	}
	if got := sink.actions(); len(got) != 1 || got[0] != audit.ActionInvoiceCreated {
		t.Errorf("expected invoice.created event, got %v", got)
	}
}

func TestCreateInvoice_Validation(t *testing.T) {
	tests := []struct {
		name string
		in   CreateInput
	}{
		{"zero amount", consult(0)},
		{"negative amount", consult(-10)},
		{"missing patient", CreateInput{VisitID: 1, TotalAmount: decimal.NewFromInt(5)}},
		{"missing visit", CreateInput{PatientID: 5, TotalAmount: decimal.NewFromInt(5)}},
		{"sub-cent amount", CreateInput{PatientID: 5, VisitID: 1, TotalAmount: decimal.RequireFromString("10.005")}},
		{"negative service", CreateInput{PatientID: 5, VisitID: 1, TotalAmount: decimal.NewFromInt(5),
			Services: map[string]decimal.Decimal{"consult": decimal.NewFromInt(-1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo, _, _ := newTestService()
			_, err := svc.CreateInvoice(context.Background(), billingActor, tt.in)
			if !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if len(repo.items) != 0 {
				t.Error("expected no invoice persisted")
			}
		})
	}
}

func TestCreateInvoice_Preconditions(t *testing.T) {
	tests := []struct {
		name string
		in   CreateInput
		want *apperr.Error
	}{
		{"unknown visit", CreateInput{PatientID: 5, VisitID: 99, TotalAmount: decimal.NewFromInt(5)}, apperr.ErrNotFound},
		{"other patient's visit", CreateInput{PatientID: 5, VisitID: 3, TotalAmount: decimal.NewFromInt(5)}, apperr.ErrValidation},
		{"visit not at billing", CreateInput{PatientID: 5, VisitID: 2, TotalAmount: decimal.NewFromInt(5)}, apperr.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _, _ := newTestService()
			_, err := svc.CreateInvoice(context.Background(), billingActor, tt.in)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %s, got %v", tt.want.Kind, err)
			}
		})
	}
}

func TestCreateInvoice_OnePerVisit(t *testing.T) {
	svc, _, _, clk := newTestService()
	ctx := context.Background()
	if _, err := svc.CreateInvoice(ctx, billingActor, consult(500)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clk.Advance(time.Hour)
	if _, err := svc.CreateInvoice(ctx, billingActor, consult(500)); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict for second invoice, got %v", err)
	}
}

func TestCreateInvoice_WrongRole(t *testing.T) {
	svc, _, _, _ := newTestService()
	nurse := auth.Actor{ID: "n", Roles: []string{auth.RoleNurse}}
	if _, err := svc.CreateInvoice(context.Background(), nurse, consult(500)); !errors.Is(err, apperr.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestSettleManually_Idempotent(t *testing.T) {
	svc, _, sink, clk := newTestService()
	ctx := context.Background()
	inv, _ := svc.CreateInvoice(ctx, billingActor, consult(500))

	paid, err := svc.SettleManually(ctx, billingActor, inv.ID, "cash")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if paid.Status != StatusPaid || paid.PaidAt == nil || *paid.PaymentMethod != "cash" {
		t.Fatalf("expected paid via cash, got %+v", paid)
	}
	firstPaidAt := *paid.PaidAt

	clk.Advance(time.Minute)
	again, err := svc.SettleManually(ctx, billingActor, inv.ID, "card")
	if err != nil {
		t.Fatalf("expected no-op success, got %v", err)
	}
	if !again.PaidAt.Equal(firstPaidAt) || *again.PaymentMethod != "cash" {
		t.Errorf("expected invoice untouched, got %+v", again)
	}

	got := sink.actions()
	if len(got) != 2 || got[1] != audit.ActionInvoicePaid {
		t.Errorf("expected exactly one invoice.paid event, got %v", got)
	}
}

func TestSettleManually_DefaultMethod(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	inv, _ := svc.CreateInvoice(ctx, billingActor, consult(500))
	paid, err := svc.SettleManually(ctx, billingActor, inv.ID, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *paid.PaymentMethod != DefaultSettleMethod {
		t.Errorf("expected %s, got %s", DefaultSettleMethod, *paid.PaymentMethod)
	}
}

func TestSettleManually_NotFound(t *testing.T) {
	svc, _, _, _ := newTestService()
	if _, err := svc.SettleManually(context.Background(), billingActor, 42, "cash"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSettleManually_ConcurrentCallsPayOnce(t *testing.T) {
	svc, _, sink, _ := newTestService()
	ctx := context.Background()
	inv, _ := svc.CreateInvoice(ctx, billingActor, consult(500))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.SettleManually(ctx, billingActor, inv.ID, "cash"); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	paidEvents := 0
	for _, a := range sink.actions() {
		if a == audit.ActionInvoicePaid {
			paidEvents++
		}
	}
	if paidEvents != 1 {
		t.Errorf("expected one invoice.paid event, got %d", paidEvents)
	}
}

func TestLockInvoice(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	inv, _ := svc.CreateInvoice(ctx, billingActor, consult(500))

	got, err := svc.LockInvoice(ctx, inv.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != inv.ID || !got.TotalAmount.Equal(inv.TotalAmount) {
		t.Errorf("expected invoice %d, got %+v", inv.ID, got)
	}
	if _, err := svc.LockInvoice(ctx, 999); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestListInvoices_FilterAndPage(t *testing.T) {
	svc, repo, _, _ := newTestService()
	ctx := context.Background()
	for i := int64(1); i <= 12; i++ {
		pid := int64(5)
		if i%3 == 0 {
			pid = 6
		}
		repo.Create(ctx, &Invoice{VisitID: 100 + i, PatientID: pid, Status: StatusPending})
	}

	items, total, err := svc.ListInvoices(ctx, ListFilter{}, DefaultPageSize, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 12 || len(items) != 10 {
		t.Errorf("expected 10 of 12, got %d of %d", len(items), total)
	}

	pid := int64(6)
	items, total, _ = svc.ListInvoices(ctx, ListFilter{PatientID: &pid}, DefaultPageSize, 0)
	if total != 4 || len(items) != 4 {
		t.Errorf("expected 4 invoices for patient 6, got %d/%d", len(items), total)
	}

	items, _, _ = svc.ListInvoices(ctx, ListFilter{}, DefaultPageSize, 20)
	if items == nil || len(items) != 0 {
		t.Errorf("expected empty page, got %v", items)
	}
}
