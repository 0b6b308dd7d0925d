package payment

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hospital/backoffice/internal/domain/billing"
	"github.com/hospital/backoffice/internal/platform/apperr"
	"github.com/hospital/backoffice/internal/platform/audit"
	"github.com/hospital/backoffice/internal/platform/auth"
	"github.com/hospital/backoffice/internal/platform/clock"
	"github.com/hospital/backoffice/internal/platform/db"
	"github.com/hospital/backoffice/pkg/pagination"
)

// -- Mocks --

type mockTxnRepo struct {
	mu     sync.Mutex
	items  map[int64]*Transaction
	nextID int64
}

func newMockTxnRepo() *mockTxnRepo {
	return &mockTxnRepo{items: make(map[int64]*Transaction)}
}

func clone(t *Transaction) *Transaction {
	cp := *t
	cp.GatewayResponse = append(json.RawMessage(nil), t.GatewayResponse...)
	return &cp
}

func (m *mockTxnRepo) Create(_ context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.items {
		if existing.PaymentMethod == t.PaymentMethod && existing.GatewayReference == t.GatewayReference {
			return apperr.Conflict("%s reference %s is already recorded", t.PaymentMethod, t.GatewayReference)
		}
		if t.Status == StatusPending && existing.Status == StatusPending && existing.InvoiceID == t.InvoiceID {
			return apperr.Conflict("invoice %d already has a pending payment", t.InvoiceID)
		}
	}
	m.nextID++
	t.ID = m.nextID
	m.items[t.ID] = clone(t)
	return nil
}

func (m *mockTxnRepo) GetByID(_ context.Context, id int64) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("transaction")
	}
	return clone(t), nil
}

func (m *mockTxnRepo) GetForUpdate(ctx context.Context, id int64) (*Transaction, error) {
	return m.GetByID(ctx, id)
}

func (m *mockTxnRepo) GetByReference(_ context.Context, method, reference string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.items {
		if t.PaymentMethod == method && t.GatewayReference == reference {
			return clone(t), nil
		}
	}
	return nil, apperr.NotFound("transaction")
}

func (m *mockTxnRepo) AttachReference(_ context.Context, id int64, reference string, raw json.RawMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.items[id]
	if !ok || t.Status != StatusPending || !t.IsProvisional() {
		return false, nil
	}
	t.GatewayReference, t.GatewayResponse = reference, raw
	return true, nil
}

func (m *mockTxnRepo) Resolve(_ context.Context, id int64, to Status, raw json.RawMessage, completedAt *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.items[id]
	if !ok {
		return false, apperr.NotFound("transaction")
	}
	if t.Status != StatusPending {
		return false, nil
	}
	t.Status, t.GatewayResponse, t.CompletedAt = to, raw, completedAt
	return true, nil
}

func (m *mockTxnRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Transaction, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Transaction
	for _, t := range m.items {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.PaymentMethod != "" && t.PaymentMethod != f.PaymentMethod {
			continue
		}
		if f.PatientID != nil && t.PatientID != *f.PatientID {
			continue
		}
		if f.InvoiceID != nil && t.InvoiceID != *f.InvoiceID {
			continue
		}
		all = append(all, clone(t))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	start, end := pagination.Params{Limit: limit, Offset: offset}.Window(len(all))
	return all[start:end], len(all), nil
}

func (m *mockTxnRepo) RefundedTotal(_ context.Context, originalID int64) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := decimal.Zero
	for _, t := range m.items {
		if t.OriginalID != nil && *t.OriginalID == originalID && t.Status == StatusCompleted {
			sum = sum.Add(t.Amount)
		}
	}
	return sum, nil
}

func (m *mockTxnRepo) OpenForInvoice(_ context.Context, invoiceID int64) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.items {
		if t.InvoiceID == invoiceID && t.Status == StatusPending {
			return clone(t), nil
		}
	}
	return nil, nil
}

func (m *mockTxnRepo) CollectedTotal(_ context.Context, invoiceID int64) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := decimal.Zero
	for _, t := range m.items {
		if t.InvoiceID != invoiceID || t.Status != StatusCompleted {
			continue
		}
		if t.OriginalID != nil {
			sum = sum.Sub(t.Amount)
		} else {
			sum = sum.Add(t.Amount)
		}
	}
	return sum, nil
}

func (m *mockTxnRepo) FindOrphans(_ context.Context, method, destination string, amount decimal.Decimal) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Transaction
	for _, t := range m.items {
		if t.Status == StatusPending && t.IsProvisional() && t.PaymentMethod == method &&
			t.Destination == destination && t.Amount.Equal(amount) {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockTxnRepo) ListStalePending(_ context.Context, methods []string, cutoff time.Time, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Transaction
	for _, t := range m.items {
		if t.Status != StatusPending || t.CreatedAt.After(cutoff) {
			continue
		}
		match := t.IsProvisional()
		for _, method := range methods {
			match = match || t.PaymentMethod == method
		}
		if match {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// memInvoices backs a real billing ledger.
type memInvoices struct {
	mu    sync.Mutex
	items map[int64]*billing.Invoice
}

func (m *memInvoices) Create(_ context.Context, inv *billing.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv.ID = int64(len(m.items) + 1)
	cp := *inv
	m.items[inv.ID] = &cp
	return nil
}

func (m *memInvoices) GetByID(_ context.Context, id int64) (*billing.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("invoice")
	}
	cp := *inv
	return &cp, nil
}

func (m *memInvoices) GetForUpdate(ctx context.Context, id int64) (*billing.Invoice, error) {
	return m.GetByID(ctx, id)
}

func (m *memInvoices) List(context.Context, billing.ListFilter, int, int) ([]*billing.Invoice, int, error) {
	return nil, 0, nil
}

func (m *memInvoices) MarkPaid(_ context.Context, id int64, method string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.items[id]
	if !ok {
		return false, apperr.NotFound("invoice")
	}
	if inv.IsPaid() {
		return false, nil
	}
	inv.Status = billing.StatusPaid
	inv.PaymentMethod = &method
	inv.PaidAt = &at
	return true, nil
}

type noVisits struct{}

func (noVisits) LookupVisit(context.Context, int64) (int64, string, error) {
	return 0, "", apperr.NotFound("visit")
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

func (m *mockSink) count(action string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Action == action {
			n++
		}
	}
	return n
}

// stubPush is a push gateway with scripted answers.
type stubPush struct {
	mu        sync.Mutex
	pushErr   error
	queryErr  error
	result    Result
	pushCalls int
	queries   int
	reference string
}

func (s *stubPush) Method() string { return MethodMpesa }

func (s *stubPush) InitiatePush(context.Context, PushRequest) (*Push, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushCalls++
	if s.pushErr != nil {
		return nil, s.pushErr
	}
	ref := s.reference
	if ref == "" {
		ref = "ws_CO_stub"
	}
	return &Push{Reference: ref, CustomerPrompt: "Enter PIN", Raw: json.RawMessage(`{"ResponseCode":"0"}`)}, nil
}

func (s *stubPush) QueryStatus(context.Context, string) (GatewayResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	if s.queryErr != nil {
		return GatewayResult{}, s.queryErr
	}
	return GatewayResult{Result: s.result, Raw: json.RawMessage(`{"ResultCode":"0"}`)}, nil
}

// -- Fixture --

var (
	billingActor = auth.Actor{ID: "billing-1", Roles: []string{auth.RoleBilling}}
	nurseActor   = auth.Actor{ID: "nurse-1", Roles: []string{auth.RoleNurse}}
	testStart    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

const testTTL = 5 * time.Minute

type fixture struct {
	svc      *Service
	coord    *Coordinator
	repo     *mockTxnRepo
	invoices *memInvoices
	sink     *mockSink
	clock    *clock.Managed
}

func newFixture(t *testing.T, card CardGateway, push PushGateway) *fixture {
	t.Helper()
	clk := clock.NewManaged(testStart)
	if card == nil || push == nil {
		sc, sp := NewSandboxGateways(clk, DefaultSandboxDelay)
		if card == nil {
			card = sc
		}
		if push == nil {
			push = sp
		}
	}
	f := &fixture{
		repo:     newMockTxnRepo(),
		invoices: &memInvoices{items: make(map[int64]*billing.Invoice)},
		sink:     &mockSink{},
		clock:    clk,
	}
	ledger := billing.NewService(f.invoices, noVisits{}, db.NopTransactor{}, f.sink, clk, "KES", zerolog.Nop())
	gw := Gateways{Card: card, Push: push}
	opts := Options{
		GatewayTimeout: time.Second,
		PushTTL:        testTTL,
		Phones:         PhoneNormalizer{CountryCode: "254", SubscriberDigits: 9},
	}
	f.coord = NewCoordinator(f.repo, ledger, db.NopTransactor{}, gw, f.sink, clk, opts, zerolog.Nop())
	f.svc = NewService(f.repo, ledger, db.NopTransactor{}, gw, f.coord, f.sink, clk, opts, zerolog.Nop())
	return f
}

// seedInvoice adds a Pending invoice for patient 5.
func (f *fixture) seedInvoice(t *testing.T, total string) *billing.Invoice {
	t.Helper()
	inv := &billing.Invoice{
		InvoiceNumber: billing.InvoiceNumber(int64(len(f.invoices.items)+1), f.clock.Now()),
		PatientID:     5,
		VisitID:       int64(len(f.invoices.items) + 1),
		TotalAmount:   decimal.RequireFromString(total),
		Currency:      "KES",
		Services:      map[string]decimal.Decimal{"consult": decimal.RequireFromString(total)},
		Status:        billing.StatusPending,
		GeneratedBy:   billingActor.ID,
		GeneratedAt:   f.clock.Now(),
	}
	if err := f.invoices.Create(context.Background(), inv); err != nil {
		t.Fatalf("seed invoice: %v", err)
	}
	return inv
}

func (f *fixture) invoice(t *testing.T, id int64) *billing.Invoice {
	t.Helper()
	inv, err := f.invoices.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("load invoice: %v", err)
	}
	return inv
}

func (f *fixture) txn(t *testing.T, id int64) *Transaction {
	t.Helper()
	txn, err := f.repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("load transaction: %v", err)
	}
	return txn
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// -- Push payments --

func TestInitiatePush_NormalizesDestination(t *testing.T) {
	f := newFixture(t, nil, nil)
	inv := f.seedInvoice(t, "500")

	resp, err := f.svc.InitiatePush(context.Background(), billingActor, inv.ID, "0712345678", dec("500"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != StatusPending {
		t.Errorf("expected pending, got %s", resp.Status)
	}
	if resp.Destination != "254712345678" {
		t.Errorf("expected destination 254712345678, got %s", resp.Destination)
	}
	if !resp.Simulated {
		t.Error("expected sandbox response to be marked simulated")
	}

	txn := f.txn(t, resp.TransactionID)
	if txn.Status != StatusPending || txn.Destination != "254712345678" || txn.PaymentMethod != MethodMpesa {
		t.Errorf("unexpected transaction %+v", txn)
	}
	if txn.GatewayReference != resp.CheckoutRequestID || txn.IsProvisional() {
		t.Errorf("expected gateway reference %s, got %s", resp.CheckoutRequestID, txn.GatewayReference)
	}
	if f.sink.count(audit.ActionPaymentInitiated) != 1 {
		t.Errorf("expected one payment.initiated event")
	}
}

func TestInitiatePush_RejectsBadInput(t *testing.T) {
	f := newFixture(t, nil, nil)
	inv := f.seedInvoice(t, "500")
	ctx := context.Background()

	tests := []struct {
		name   string
		phone  string
		amount string
		field  string
	}{
		{"bad phone", "12345", "500", "phone_number"},
		{"fractional", "0712345678", "100.50", "amount"},
		{"zero", "0712345678", "0", "amount"},
		{"over total", "0712345678", "501", "amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.InitiatePush(ctx, billingActor, inv.ID, tt.phone, dec(tt.amount))
			var ae *apperr.Error
			if !errors.As(err, &ae) || ae.Kind != apperr.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
			if _, ok := ae.Fields[tt.field]; !ok {
				t.Errorf("expected field error on %s, got %v", tt.field, ae.Fields)
			}
		})
	}
	if len(f.repo.items) != 0 {
		t.Errorf("expected no transactions recorded, got %d", len(f.repo.items))
	}
}

func TestInitiatePush_InvoicePreconditions(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	if _, err := f.svc.InitiatePush(ctx, billingActor, 99, "0712345678", dec("10")); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected not found for unknown invoice, got %v", err)
	}

	inv := f.seedInvoice(t, "500")
	f.invoices.MarkPaid(ctx, inv.ID, "cash", f.clock.Now())
	if _, err := f.svc.InitiatePush(ctx, billingActor, inv.ID, "0712345678", dec("500")); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("expected conflict for paid invoice, got %v", err)
	}

	if _, err := f.svc.InitiatePush(ctx, nurseActor, inv.ID, "0712345678", dec("500")); apperr.KindOf(err) != apperr.KindAuthorization {
		t.Errorf("expected authorization error for nurse, got %v", err)
	}
}

func TestInitiatePush_TimeoutLeavesPending(t *testing.T) {
	push := &stubPush{pushErr: context.DeadlineExceeded}
	f := newFixture(t, nil, push)
	inv := f.seedInvoice(t, "500")

	_, err := f.svc.InitiatePush(context.Background(), billingActor, inv.ID, "0712345678", dec("500"))
	if apperr.KindOf(err) != apperr.KindGateway {
		t.Fatalf("expected gateway error, got %v", err)
	}

	txn := f.txn(t, 1)
	if txn.Status != StatusPending {
		t.Errorf("expected pending after timeout, got %s", txn.Status)
	}
	if !txn.IsProvisional() {
		t.Errorf("expected provisional reference, got %s", txn.GatewayReference)
	}
	if f.sink.count(audit.ActionPaymentFailed) != 0 {
		t.Error("timeout must not record a failure")
	}
}

func TestInitiatePush_RefusalFails(t *testing.T) {
	push := &stubPush{pushErr: apperr.Gateway(nil, "mobile money push rejected: invalid shortcode")}
	f := newFixture(t, nil, push)
	inv := f.seedInvoice(t, "500")

	_, err := f.svc.InitiatePush(context.Background(), billingActor, inv.ID, "0712345678", dec("500"))
	if apperr.KindOf(err) != apperr.KindGateway {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if txn := f.txn(t, 1); txn.Status != StatusFailed {
		t.Errorf("expected failed after refusal, got %s", txn.Status)
	}
	if f.sink.count(audit.ActionPaymentFailed) != 1 {
		t.Error("expected one payment.failed event")
	}
	if f.invoice(t, inv.ID).IsPaid() {
		t.Error("invoice must stay pending")
	}
}

// -- Card payments --

func TestCreateIntent_Sandbox(t *testing.T) {
	f := newFixture(t, nil, nil)
	inv := f.seedInvoice(t, "500")

	resp, err := f.svc.CreateIntent(context.Background(), billingActor, inv.ID, dec("500"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(resp.GatewayReference, "pi_sandbox_") {
		t.Errorf("expected sandbox reference, got %s", resp.GatewayReference)
	}
	if !strings.HasPrefix(resp.ClientSecret, resp.GatewayReference+"_secret_") {
		t.Errorf("unexpected client secret %s", resp.ClientSecret)
	}
	if !resp.Simulated || resp.Status != StatusPending {
		t.Errorf("unexpected response %+v", resp)
	}
	var raw map[string]any
	json.Unmarshal(f.txn(t, resp.TransactionID).GatewayResponse, &raw)
	if raw["simulated"] != true {
		t.Errorf("expected simulated payload, got %v", raw)
	}
}

func TestCreateIntent_PartialAmountAllowed(t *testing.T) {
	f := newFixture(t, nil, nil)
	inv := f.seedInvoice(t, "500")
	resp, err := f.svc.CreateIntent(context.Background(), billingActor, inv.ID, dec("120.50"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.txn(t, resp.TransactionID).Amount; !got.Equal(dec("120.50")) {
		t.Errorf("expected amount 120.50, got %s", got)
	}
	if _, err := f.svc.CreateIntent(context.Background(), billingActor, inv.ID, dec("1.005")); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error for sub-cent amount, got %v", err)
	}
}

// -- Manual confirmation --

func TestConfirmManual_NewCashPayment(t *testing.T) {
	f := newFixture(t, nil, nil)
	inv := f.seedInvoice(t, "500")
	ctx := context.Background()

	txn, err := f.svc.ConfirmManual(ctx, billingActor, ConfirmInput{InvoiceID: &inv.ID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if txn.Status != StatusCompleted || txn.PaymentMethod != MethodCash || !txn.Amount.Equal(dec("500")) {
		t.Errorf("unexpected transaction %+v", txn)
	}
	if !strings.HasPrefix(txn.GatewayReference, "MAN-") {
		t.Errorf("expected manual reference, got %s", txn.GatewayReference)
	}
	got := f.invoice(t, inv.ID)
	if !got.IsPaid() || got.PaymentMethod == nil || *got.PaymentMethod != MethodCash {
		t.Errorf("expected invoice paid by cash, got %+v", got)
	}
	if f.sink.count(audit.ActionInvoicePaid) != 1 || f.sink.count(audit.ActionPaymentCompleted) != 1 {
		t.Errorf("expected one completion and one invoice.paid event")
	}

	if _, err := f.svc.ConfirmManual(ctx, billingActor, ConfirmInput{InvoiceID: &inv.ID}); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("expected conflict for second manual payment, got %v", err)
	}
}

func TestConfirmManual_ExistingTransaction(t *testing.T) {
	f := newFixture(t, nil, nil)
	inv := f.seedInvoice(t, "500")
	ctx := context.Background()

	resp, err := f.svc.CreateIntent(ctx, billingActor, inv.ID, dec("500"))
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	id := resp.TransactionID

	txn, err := f.svc.ConfirmManual(ctx, billingActor, ConfirmInput{TransactionID: &id})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if txn.Status != StatusCompleted || txn.CompletedAt == nil {
		t.Errorf("expected completed transaction, got %+v", txn)
	}
	if got := f.invoice(t, inv.ID); !got.IsPaid() || *got.PaymentMethod != MethodCard {
		t.Errorf("expected invoice paid by card, got %+v", got)
	}

	again, err := f.svc.ConfirmManual(ctx, billingActor, ConfirmInput{TransactionID: &id})
	if err != nil || again.Status != StatusCompleted {
		t.Errorf("expected idempotent confirm, got %v", err)
	}
	if f.sink.count(audit.ActionPaymentCompleted) != 1 {
		t.Errorf("expected one completion event, got %d", f.sink.count(audit.ActionPaymentCompleted))
	}
}

func TestConfirmManual_FailedAndMissing(t *testing.T) {
	f := newFixture(t, nil, &stubPush{pushErr: apperr.Gateway(nil, "rejected")})
	inv := f.seedInvoice(t, "500")
	ctx := context.Background()
	f.svc.InitiatePush(ctx, billingActor, inv.ID, "0712345678", dec("500"))

	id := int64(1)
	if _, err := f.svc.ConfirmManual(ctx, billingActor, ConfirmInput{TransactionID: &id}); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("expected conflict for failed transaction, got %v", err)
	}
	missing := int64(42)
	if _, err := f.svc.ConfirmManual(ctx, billingActor, ConfirmInput{TransactionID: &missing}); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := f.svc.ConfirmManual(ctx, billingActor, ConfirmInput{}); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error without ids, got %v", err)
	}
	if _, err := f.svc.ConfirmManual(ctx, billingActor, ConfirmInput{InvoiceID: &inv.ID, Method: "cash_refund"}); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error for refund method, got %v", err)
	}
}

// -- Refunds --

// completedPush runs a push payment through to completion.
func (f *fixture) completedPush(t *testing.T, total string) (*billing.Invoice, *Transaction) {
	t.Helper()
	ctx := context.Background()
	inv := f.seedInvoice(t, total)
	resp, err := f.svc.InitiatePush(ctx, billingActor, inv.ID, "0712345678", dec(total))
	if err != nil {
		t.Fatalf("initiate push: %v", err)
	}
	if _, err := f.coord.ApplyGatewayResult(ctx, audit.SystemActor, MethodMpesa, resp.CheckoutRequestID,
		GatewayResult{Result: ResultSuccess, Raw: json.RawMessage(`{"ResultCode":0}`)}); err != nil {
		t.Fatalf("apply result: %v", err)
	}
	return inv, f.txn(t, resp.TransactionID)
}

func TestRefund_CreatesNewTransaction(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, orig := f.completedPush(t, "500")

	refund, err := f.svc.Refund(context.Background(), billingActor, RefundInput{
		TransactionID: orig.ID, Amount: dec("200"), Reason: "overcharged",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if refund.ID == orig.ID {
		t.Fatal("expected a new transaction")
	}
	if refund.PaymentMethod != "mpesa_refund" || refund.Status != StatusCompleted {
		t.Errorf("unexpected refund %+v", refund)
	}
	if refund.OriginalID == nil || *refund.OriginalID != orig.ID {
		t.Errorf("expected original id %d, got %v", orig.ID, refund.OriginalID)
	}
	var raw map[string]any
	if err := json.Unmarshal(refund.GatewayResponse, &raw); err != nil {
		t.Fatalf("decode refund payload: %v", err)
	}
	if raw["original_transaction_id"] != float64(orig.ID) || raw["reason"] != "overcharged" {
		t.Errorf("unexpected refund payload %v", raw)
	}

	after := f.txn(t, orig.ID)
	if after.Status != orig.Status || !after.Amount.Equal(orig.Amount) || string(after.GatewayResponse) != string(orig.GatewayResponse) {
		t.Errorf("original transaction changed: before %+v after %+v", orig, after)
	}
	if f.sink.count(audit.ActionPaymentRefunded) != 1 {
		t.Error("expected one payment.refunded event")
	}
}

func TestRefund_Limits(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, orig := f.completedPush(t, "500")
	ctx := context.Background()

	if _, err := f.svc.Refund(ctx, billingActor, RefundInput{TransactionID: orig.ID, Amount: dec("300")}); err != nil {
		t.Fatalf("first refund: %v", err)
	}
	_, err := f.svc.Refund(ctx, billingActor, RefundInput{TransactionID: orig.ID, Amount: dec("200.01")})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error above the remaining balance, got %v", err)
	}
	if _, err := f.svc.Refund(ctx, billingActor, RefundInput{TransactionID: orig.ID, Amount: dec("200")}); err != nil {
		t.Errorf("expected exact remaining refund to succeed, got %v", err)
	}
	if _, err := f.svc.Refund(ctx, billingActor, RefundInput{TransactionID: orig.ID, Amount: dec("0.01")}); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error once fully refunded, got %v", err)
	}
	if _, err := f.svc.Refund(ctx, billingActor, RefundInput{TransactionID: orig.ID, Amount: dec("-1")}); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error for negative amount, got %v", err)
	}
}

func TestRefund_Conflicts(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	inv := f.seedInvoice(t, "500")
	pending, _ := f.svc.InitiatePush(ctx, billingActor, inv.ID, "0712345678", dec("500"))

	if _, err := f.svc.Refund(ctx, billingActor, RefundInput{TransactionID: pending.TransactionID, Amount: dec("1")}); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("expected conflict for pending transaction, got %v", err)
	}

	_, orig := f.completedPush(t, "300")
	refund, err := f.svc.Refund(ctx, billingActor, RefundInput{TransactionID: orig.ID, Amount: dec("100")})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if _, err := f.svc.Refund(ctx, billingActor, RefundInput{TransactionID: refund.ID, Amount: dec("1")}); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("expected conflict refunding a refund, got %v", err)
	}
	if _, err := f.svc.Refund(ctx, billingActor, RefundInput{TransactionID: 99, Amount: dec("1")}); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := f.svc.Refund(ctx, nurseActor, RefundInput{TransactionID: orig.ID, Amount: dec("1")}); apperr.KindOf(err) != apperr.KindAuthorization {
		t.Errorf("expected authorization error, got %v", err)
	}
}

func TestRefund_CardUsesGateway(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	inv := f.seedInvoice(t, "500")
	resp, err := f.svc.CreateIntent(ctx, billingActor, inv.ID, dec("500"))
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	id := resp.TransactionID
	if _, err := f.svc.ConfirmManual(ctx, billingActor, ConfirmInput{TransactionID: &id}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	refund, err := f.svc.Refund(ctx, billingActor, RefundInput{TransactionID: id, Amount: dec("50")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(refund.GatewayReference, "re_sandbox_") || refund.PaymentMethod != "stripe_refund" {
		t.Errorf("expected gateway refund reference, got %+v", refund)
	}
	var raw map[string]any
	json.Unmarshal(refund.GatewayResponse, &raw)
	if raw["simulated"] != true {
		t.Errorf("expected simulated refund payload, got %v", raw)
	}
}

// -- Listing --

func TestListTransactions_Filters(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	cardInv, pushInv, cashInv := f.seedInvoice(t, "500"), f.seedInvoice(t, "500"), f.seedInvoice(t, "500")
	f.svc.CreateIntent(ctx, billingActor, cardInv.ID, dec("100"))
	f.svc.InitiatePush(ctx, billingActor, pushInv.ID, "0712345678", dec("100"))
	f.svc.ConfirmManual(ctx, billingActor, ConfirmInput{InvoiceID: &cashInv.ID})

	items, total, err := f.svc.ListTransactions(ctx, Filter{Status: StatusPending}, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Errorf("expected 2 pending, got %d", total)
	}
	items, _, _ = f.svc.ListTransactions(ctx, Filter{PaymentMethod: MethodCash}, 10, 0)
	if len(items) != 1 || items[0].Status != StatusCompleted {
		t.Errorf("expected one completed cash transaction, got %+v", items)
	}
	other := int64(77)
	items, total, _ = f.svc.ListTransactions(ctx, Filter{InvoiceID: &other}, 10, 0)
	if items == nil || total != 0 {
		t.Errorf("expected empty non-nil list, got %v", items)
	}
}

// -- Partial and concurrent payments --

func TestPartialPayments_SettleWhenCovered(t *testing.T) {
	push := &stubPush{}
	f := newFixture(t, nil, push)
	inv := f.seedInvoice(t, "500")
	ctx := context.Background()

	part := dec("200")
	cash, err := f.svc.ConfirmManual(ctx, billingActor, ConfirmInput{InvoiceID: &inv.ID, Amount: &part})
	if err != nil {
		t.Fatalf("record cash: %v", err)
	}
	if !cash.Amount.Equal(part) || cash.Status != StatusCompleted {
		t.Errorf("unexpected cash transaction %+v", cash)
	}
	if f.invoice(t, inv.ID).IsPaid() {
		t.Fatal("expected invoice to stay pending after a partial payment")
	}
	if f.sink.count(audit.ActionInvoicePaid) != 0 {
		t.Errorf("expected no invoice.paid event, got %d", f.sink.count(audit.ActionInvoicePaid))
	}

	_, err = f.svc.InitiatePush(ctx, billingActor, inv.ID, "0712345678", dec("301"))
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind != apperr.KindValidation || ae.Fields["amount"] == "" {
		t.Fatalf("expected amount validation above the outstanding balance, got %v", err)
	}

	resp, err := f.svc.InitiatePush(ctx, billingActor, inv.ID, "0712345678", dec("300"))
	if err != nil {
		t.Fatalf("initiate push: %v", err)
	}
	if _, err := f.coord.ApplyGatewayResult(ctx, audit.SystemActor, MethodMpesa, resp.CheckoutRequestID, successResult); err != nil {
		t.Fatalf("apply result: %v", err)
	}
	got := f.invoice(t, inv.ID)
	if !got.IsPaid() || *got.PaymentMethod != MethodMpesa {
		t.Errorf("expected invoice paid once covered, got %+v", got)
	}
	if f.sink.count(audit.ActionInvoicePaid) != 1 {
		t.Errorf("expected one invoice.paid event, got %d", f.sink.count(audit.ActionInvoicePaid))
	}
}

func TestPartialPayments_RefundReopensBalance(t *testing.T) {
	f := newFixture(t, nil, nil)
	inv := f.seedInvoice(t, "500")
	ctx := context.Background()

	part := dec("300")
	cash, err := f.svc.ConfirmManual(ctx, billingActor, ConfirmInput{InvoiceID: &inv.ID, Amount: &part})
	if err != nil {
		t.Fatalf("record cash: %v", err)
	}
	if _, err := f.svc.Refund(ctx, billingActor, RefundInput{TransactionID: cash.ID, Amount: dec("100")}); err != nil {
		t.Fatalf("refund: %v", err)
	}

	// 300 paid less 100 refunded leaves 300 owed; the default is the balance.
	rest, err := f.svc.ConfirmManual(ctx, billingActor, ConfirmInput{InvoiceID: &inv.ID})
	if err != nil {
		t.Fatalf("record balance: %v", err)
	}
	if !rest.Amount.Equal(dec("300")) {
		t.Errorf("expected amount 300, got %s", rest.Amount)
	}
	if !f.invoice(t, inv.ID).IsPaid() {
		t.Error("expected invoice paid")
	}
}

func TestInitiate_SecondPaymentWhilePendingConflicts(t *testing.T) {
	f := newFixture(t, nil, nil)
	inv := f.seedInvoice(t, "500")
	ctx := context.Background()

	if _, err := f.svc.InitiatePush(ctx, billingActor, inv.ID, "0712345678", dec("500")); err != nil {
		t.Fatalf("initiate push: %v", err)
	}
	if _, err := f.svc.InitiatePush(ctx, billingActor, inv.ID, "0722000111", dec("500")); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("expected conflict for a second push, got %v", err)
	}
	if _, err := f.svc.InitiatePush(ctx, billingActor, inv.ID, "0712345678", dec("500")); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("expected conflict repeating a push the phone already received, got %v", err)
	}
	if _, err := f.svc.CreateIntent(ctx, billingActor, inv.ID, dec("500")); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("expected conflict for a card intent, got %v", err)
	}
	if _, err := f.svc.ConfirmManual(ctx, billingActor, ConfirmInput{InvoiceID: &inv.ID}); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("expected conflict for a cash payment, got %v", err)
	}
	if len(f.repo.items) != 1 {
		t.Errorf("expected one transaction, got %d", len(f.repo.items))
	}
}

func TestInitiatePush_ReplacesExpiredPending(t *testing.T) {
	push := &stubPush{result: ResultPending}
	f := newFixture(t, nil, push)
	invoiceID, first := f.pendingPush(t)
	ctx := context.Background()

	f.clock.Advance(testTTL)
	push.reference = "ws_CO_second"
	second, err := f.svc.InitiatePush(ctx, billingActor, invoiceID, "0722000111", dec("500"))
	if err != nil {
		t.Fatalf("expected a new push once the old one expired, got %v", err)
	}
	if second.TransactionID == first.TransactionID {
		t.Error("expected a new transaction")
	}
	old := f.txn(t, first.TransactionID)
	if old.Status != StatusFailed || string(old.GatewayResponse) != `{"reason":"expired"}` {
		t.Errorf("expected old push expired, got %+v", old)
	}
	if f.sink.count(audit.ActionPaymentExpired) != 1 {
		t.Errorf("expected one payment.expired event, got %d", f.sink.count(audit.ActionPaymentExpired))
	}
}

// -- Retries after a timeout --

func TestInitiatePush_RetryReusesTimedOutTransaction(t *testing.T) {
	push := &stubPush{pushErr: context.DeadlineExceeded}
	f := newFixture(t, nil, push)
	inv := f.seedInvoice(t, "500")
	ctx := context.Background()

	if _, err := f.svc.InitiatePush(ctx, billingActor, inv.ID, "0712345678", dec("500")); apperr.KindOf(err) != apperr.KindGateway {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if _, err := f.svc.InitiatePush(ctx, billingActor, inv.ID, "0712345678", dec("400")); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("expected conflict for a different request, got %v", err)
	}

	push.mu.Lock()
	push.pushErr = nil
	push.mu.Unlock()
	resp, err := f.svc.InitiatePush(ctx, billingActor, inv.ID, "+254712345678", dec("500"))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if resp.TransactionID != 1 {
		t.Errorf("expected retry to reuse transaction 1, got %d", resp.TransactionID)
	}
	if push.pushCalls != 2 {
		t.Errorf("expected two gateway calls, got %d", push.pushCalls)
	}
	txn := f.txn(t, 1)
	if txn.IsProvisional() || txn.GatewayReference != "ws_CO_stub" {
		t.Errorf("expected gateway reference attached, got %s", txn.GatewayReference)
	}
	if len(f.repo.items) != 1 {
		t.Errorf("expected one transaction, got %d", len(f.repo.items))
	}
}

// flakyCard times out while the intent is still created on the gateway.
type flakyCard struct {
	*SandboxCard
	mu       sync.Mutex
	failures int
	keys     []string
}

func (c *flakyCard) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	c.mu.Lock()
	c.keys = append(c.keys, req.IdempotencyKey)
	fail := c.failures > 0
	if fail {
		c.failures--
	}
	c.mu.Unlock()

	in, err := c.SandboxCard.CreateIntent(ctx, req)
	if fail {
		return nil, context.DeadlineExceeded
	}
	return in, err
}

func TestCreateIntent_RetryUsesSameIdempotencyKey(t *testing.T) {
	sc, _ := NewSandboxGateways(clock.NewManaged(testStart), DefaultSandboxDelay)
	card := &flakyCard{SandboxCard: sc, failures: 1}
	f := newFixture(t, card, nil)
	inv := f.seedInvoice(t, "500")
	ctx := context.Background()

	if _, err := f.svc.CreateIntent(ctx, billingActor, inv.ID, dec("500")); apperr.KindOf(err) != apperr.KindGateway {
		t.Fatalf("expected gateway error, got %v", err)
	}
	resp, err := f.svc.CreateIntent(ctx, billingActor, inv.ID, dec("500"))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if resp.TransactionID != 1 {
		t.Errorf("expected retry to reuse transaction 1, got %d", resp.TransactionID)
	}
	if len(card.keys) != 2 || card.keys[0] != card.keys[1] || card.keys[0] != "payment-transaction-1" {
		t.Errorf("expected the same idempotency key twice, got %v", card.keys)
	}
	if n := len(sc.state.intents); n != 1 {
		t.Errorf("expected one intent on the gateway, got %d", n)
	}
}

func TestHandleCallback_AdoptsTimedOutPush(t *testing.T) {
	push := &stubPush{pushErr: context.DeadlineExceeded}
	f := newFixture(t, nil, push)
	inv := f.seedInvoice(t, "500")
	ctx := context.Background()

	if _, err := f.svc.InitiatePush(ctx, billingActor, inv.ID, "0712345678", dec("500")); apperr.KindOf(err) != apperr.KindGateway {
		t.Fatalf("expected gateway error, got %v", err)
	}

	callback := func(amount string) []byte {
		return []byte(`{"Body":{"stkCallback":{"MerchantRequestID":"m-9","CheckoutRequestID":"ws_CO_real","ResultCode":0,` +
			`"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[` +
			`{"Name":"Amount","Value":` + amount + `},{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},` +
			`{"Name":"TransactionDate","Value":20260301120500},{"Name":"PhoneNumber","Value":254712345678}]}}}}`)
	}

	if _, err := f.svc.HandleCallback(ctx, callback("450")); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected not found for a mismatched amount, got %v", err)
	}
	if f.txn(t, 1).Status != StatusPending {
		t.Fatal("mismatched callback must not touch the pending push")
	}

	out, err := f.svc.HandleCallback(ctx, callback("500.00"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Transaction.ID != 1 || out.Transaction.Status != StatusCompleted {
		t.Errorf("expected transaction 1 completed, got %+v", out.Transaction)
	}
	if out.Transaction.GatewayReference != "ws_CO_real" {
		t.Errorf("expected reference ws_CO_real, got %s", out.Transaction.GatewayReference)
	}
	if !f.invoice(t, inv.ID).IsPaid() {
		t.Error("expected invoice paid")
	}
}

// -- Card supersede --

func TestCreateIntent_SupersedesOpenIntent(t *testing.T) {
	sc, _ := NewSandboxGateways(clock.NewManaged(testStart), DefaultSandboxDelay)
	f := newFixture(t, sc, nil)
	inv := f.seedInvoice(t, "500")
	ctx := context.Background()

	first, err := f.svc.CreateIntent(ctx, billingActor, inv.ID, dec("500"))
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	second, err := f.svc.CreateIntent(ctx, billingActor, inv.ID, dec("200"))
	if err != nil {
		t.Fatalf("expected the new intent to replace the open one, got %v", err)
	}
	if second.TransactionID == first.TransactionID {
		t.Fatal("expected a new transaction")
	}
	old := f.txn(t, first.TransactionID)
	if old.Status != StatusFailed || string(old.GatewayResponse) != `{"reason":"superseded"}` {
		t.Errorf("expected old intent superseded, got %+v", old)
	}
	if res, _ := sc.QueryStatus(ctx, first.GatewayReference); res.Result != ResultFailed {
		t.Errorf("expected old intent canceled on the gateway, got %s", res.Result)
	}
	if f.sink.count(audit.ActionPaymentFailed) != 1 {
		t.Errorf("expected one payment.failed event, got %d", f.sink.count(audit.ActionPaymentFailed))
	}
}

func TestCreateIntent_SupersedeRefusedWhenAlreadyPaid(t *testing.T) {
	// With no delay the sandbox reports intents succeeded at once.
	sc, _ := NewSandboxGateways(clock.NewManaged(testStart), 0)
	f := newFixture(t, sc, nil)
	inv := f.seedInvoice(t, "500")
	ctx := context.Background()

	first, err := f.svc.CreateIntent(ctx, billingActor, inv.ID, dec("500"))
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if _, err := f.svc.InitiatePush(ctx, billingActor, inv.ID, "0712345678", dec("500")); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("expected conflict, got %v", err)
	}
	if got := f.txn(t, first.TransactionID); got.Status != StatusPending {
		t.Errorf("expected card intent left pending, got %s", got.Status)
	}
}

func TestConfirmManual_MethodMustMatchChannel(t *testing.T) {
	f := newFixture(t, nil, nil)
	inv := f.seedInvoice(t, "500")
	ctx := context.Background()

	resp, err := f.svc.CreateIntent(ctx, billingActor, inv.ID, dec("500"))
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	id := resp.TransactionID

	_, err = f.svc.ConfirmManual(ctx, billingActor, ConfirmInput{TransactionID: &id, Method: MethodCash})
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind != apperr.KindValidation || ae.Fields["payment_method"] == "" {
		t.Fatalf("expected payment_method validation error, got %v", err)
	}
	if got := f.txn(t, id); got.Status != StatusPending {
		t.Errorf("expected transaction left pending, got %s", got.Status)
	}

	txn, err := f.svc.ConfirmManual(ctx, billingActor, ConfirmInput{TransactionID: &id, Method: MethodCard})
	if err != nil || txn.Status != StatusCompleted {
		t.Errorf("expected confirm with the matching method, got %+v, %v", txn, err)
	}
}
