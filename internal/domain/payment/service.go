package payment

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hospital/backoffice/internal/domain/billing"
	"github.com/hospital/backoffice/internal/platform/apperr"
	"github.com/hospital/backoffice/internal/platform/audit"
	"github.com/hospital/backoffice/internal/platform/auth"
	"github.com/hospital/backoffice/internal/platform/clock"
	"github.com/hospital/backoffice/internal/platform/db"
)

// PaymentRoles may start, confirm and refund payments.
var PaymentRoles = billing.LedgerRoles

// Service is the payment gateway adapter: it owns the transaction lifecycle
// across the card, push and manual channels.
type Service struct {
	repo      Repository
	ledger    Ledger
	tx        db.Transactor
	gw        Gateways
	coord     *Coordinator
	refunders map[string]Refunder
	audit     audit.Sink
	clock     clock.Clock
	opts      Options
	logger    zerolog.Logger
}

func NewService(repo Repository, ledger Ledger, tx db.Transactor, gw Gateways, coord *Coordinator, sink audit.Sink, clk clock.Clock, opts Options, logger zerolog.Logger) *Service {
	s := &Service{
		repo:      repo,
		ledger:    ledger,
		tx:        tx,
		gw:        gw,
		coord:     coord,
		refunders: make(map[string]Refunder),
		audit:     sink,
		clock:     clk,
		opts:      opts,
		logger:    logger.With().Str("component", "payment").Logger(),
	}
	if gw.Card != nil {
		s.refunders[gw.Card.Method()] = gw.Card
	}
	if r, ok := gw.Push.(Refunder); ok {
		s.refunders[gw.Push.Method()] = r
	}
	return s
}

// checkAmount rejects non-positive amounts and sub-cent precision.
func checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.ValidationFields(map[string]string{"amount": "must be greater than 0"})
	}
	if !amount.Equal(amount.Round(2)) {
		return apperr.ValidationFields(map[string]string{"amount": "must have at most 2 decimal places"})
	}
	return nil
}

// lockPayable locks the invoice and returns it with the balance still owed.
func (s *Service) lockPayable(ctx context.Context, invoiceID int64) (*billing.Invoice, decimal.Decimal, error) {
	inv, err := s.ledger.LockInvoice(ctx, invoiceID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	if inv.IsPaid() {
		return nil, decimal.Zero, apperr.Conflict("invoice %s is already paid", inv.InvoiceNumber)
	}
	collected, err := s.repo.CollectedTotal(ctx, inv.ID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	outstanding := inv.TotalAmount.Sub(collected)
	if !outstanding.IsPositive() {
		return nil, decimal.Zero, apperr.Conflict("invoice %s has no outstanding balance", inv.InvoiceNumber)
	}
	return inv, outstanding, nil
}

func checkOutstanding(amount, outstanding decimal.Decimal) error {
	if amount.GreaterThan(outstanding) {
		return apperr.ValidationFields(map[string]string{
			"amount": "must not exceed the outstanding balance of " + outstanding.StringFixed(2),
		})
	}
	return nil
}

// supersededResponse is stored on card intents replaced by a new request.
var supersededResponse = json.RawMessage(`{"reason":"superseded"}`)

// payRequest is the pending transaction a gateway call needs.
type payRequest struct {
	method      string
	destination string
	amount      decimal.Decimal
}

// closed is an open transaction that was failed to make room for a new
// payment on the same invoice.
type closed struct {
	txn     *Transaction
	expired bool
}

// makeRoom deals with the invoice's open transaction, if any, inside the
// caller's transaction. It returns the open transaction when req repeats the
// request that created it and the gateway never answered. Otherwise stale
// and card transactions are failed and anything else is a conflict.
func (s *Service) makeRoom(ctx context.Context, inv *billing.Invoice, req *payRequest) (*Transaction, *closed, error) {
	open, err := s.repo.OpenForInvoice(ctx, inv.ID)
	if err != nil || open == nil {
		return nil, nil, err
	}
	switch {
	case s.coord.stale(open):
		changed, err := s.coord.markExpired(ctx, open)
		if err != nil || !changed {
			return nil, nil, err
		}
		return nil, &closed{txn: open, expired: true}, nil
	case req != nil && open.IsProvisional() && open.PaymentMethod == req.method &&
		open.Destination == req.destination && open.Amount.Equal(req.amount.Round(2)):
		return open, nil, nil
	case s.gw.Card != nil && open.PaymentMethod == s.gw.Card.Method():
		c, err := s.supersede(ctx, open)
		return nil, c, err
	default:
		return nil, nil, apperr.Conflict("invoice %s already has payment %d pending via %s",
			inv.InvoiceNumber, open.ID, open.PaymentMethod)
	}
}

// supersede abandons an unconfirmed card intent. One the gateway already
// holds is canceled there first; one still provisional never reached a
// client and needs no gateway call.
func (s *Service) supersede(ctx context.Context, open *Transaction) (*closed, error) {
	if !open.IsProvisional() {
		gctx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
		err := s.gw.Card.Cancel(gctx, open.GatewayReference)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Int64("transaction_id", open.ID).Msg("cancel card intent")
			return nil, apperr.Conflict("card payment %d could not be canceled; poll its status first", open.ID)
		}
	}
	changed, err := s.repo.Resolve(ctx, open.ID, StatusFailed, supersededResponse, nil)
	if err != nil || !changed {
		return nil, err
	}
	open.Status, open.GatewayResponse = StatusFailed, supersededResponse
	return &closed{txn: open}, nil
}

func (s *Service) emitClosed(ctx context.Context, actor auth.Actor, c *closed) {
	switch {
	case c == nil:
	case c.expired:
		s.coord.emitExpired(ctx, actor, c.txn)
	default:
		s.coord.emitResolved(ctx, actor, c.txn, false)
	}
}

// staged is the pending transaction a gateway call proceeds with.
type staged struct {
	inv   *billing.Invoice
	txn   *Transaction
	retry bool
}

// stage records a pending transaction under a provisional reference before
// any gateway is called, so a lost gateway answer still leaves a trace that
// can be retried or expire. Payments against one invoice serialize on its
// row lock and at most one of them is pending at a time.
func (s *Service) stage(ctx context.Context, actor auth.Actor, invoiceID int64, req payRequest) (*staged, error) {
	if err := checkAmount(req.amount); err != nil {
		return nil, err
	}
	var (
		st   staged
		gone *closed
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		inv, outstanding, err := s.lockPayable(ctx, invoiceID)
		if err != nil {
			return err
		}
		st.inv = inv
		reuse, c, err := s.makeRoom(ctx, inv, &req)
		if err != nil {
			return err
		}
		gone = c
		if reuse != nil {
			st.txn, st.retry = reuse, true
			return nil
		}
		if err := checkOutstanding(req.amount, outstanding); err != nil {
			return err
		}

		st.txn = &Transaction{
			InvoiceID:        inv.ID,
			PatientID:        inv.PatientID,
			Amount:           req.amount.Round(2),
			Currency:         inv.Currency,
			PaymentMethod:    req.method,
			GatewayReference: provisionalPrefix + uuid.NewString(),
			Destination:      req.destination,
			Status:           StatusPending,
			GatewayResponse:  json.RawMessage(`{}`),
			CreatedBy:        actor.ID,
			CreatedAt:        s.clock.Now(),
		}
		return s.repo.Create(ctx, st.txn)
	})
	if err != nil {
		return nil, err
	}
	s.emitClosed(ctx, actor, gone)
	if st.retry {
		s.logger.Info().Int64("transaction_id", st.txn.ID).Str("payment_method", req.method).Msg("retrying gateway call for pending transaction")
	}
	return &st, nil
}

// idempotencyKey is stable per transaction so a retried intent request
// returns the intent the first attempt created.
func idempotencyKey(id int64) string {
	return "payment-transaction-" + strconv.FormatInt(id, 10)
}

// attach stores the gateway's reference on t.
func (s *Service) attach(ctx context.Context, t *Transaction, reference string, raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var ok bool
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		ok, err = s.repo.AttachReference(ctx, t.ID, reference, raw)
		return err
	})
	if err != nil {
		return err
	}
	if !ok {
		// A concurrent retry may have attached the same reference already.
		cur, err := s.repo.GetByID(ctx, t.ID)
		if err != nil {
			return err
		}
		if cur.Status != StatusPending || cur.GatewayReference != reference {
			return apperr.Conflict("transaction %d was resolved before the gateway answered", t.ID)
		}
		raw = cur.GatewayResponse
	}
	t.GatewayReference, t.GatewayResponse = reference, raw
	return nil
}

// gatewayFailed settles t after a failed gateway call. A timeout leaves it
// pending; a refusal fails it.
func (s *Service) gatewayFailed(ctx context.Context, actor auth.Actor, t *Transaction, channel string, err error) error {
	log := s.logger.With().Int64("transaction_id", t.ID).Str("payment_method", t.PaymentMethod).Logger()
	if isTimeout(err) {
		log.Warn().Err(err).Msg("gateway timed out, transaction left pending")
		return apperr.Gateway(err, "%s gateway did not answer in time; transaction %d is pending, repeat the request to retry", channel, t.ID)
	}

	raw := mustJSON(map[string]any{"error": err.Error()})
	var changed bool
	if rerr := s.tx.InTx(ctx, func(ctx context.Context) error {
		var e error
		changed, e = s.repo.Resolve(ctx, t.ID, StatusFailed, raw, nil)
		return e
	}); rerr != nil {
		log.Error().Err(rerr).Msg("mark transaction failed")
	}
	if changed {
		t.Status, t.GatewayResponse = StatusFailed, raw
		s.audit.Emit(ctx, audit.NewEvent(actor, audit.ActionPaymentFailed, "payment_transaction", strconv.FormatInt(t.ID, 10),
			map[string]any{"invoice_id": t.InvoiceID, "error": err.Error()}))
	}
	log.Warn().Err(err).Msg("gateway rejected payment")

	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindGateway:
		return err
	default:
		return apperr.Gateway(err, "%s gateway failed", channel)
	}
}

func (s *Service) emitInitiated(ctx context.Context, actor auth.Actor, t *Transaction) {
	s.logger.Info().
		Int64("transaction_id", t.ID).
		Int64("invoice_id", t.InvoiceID).
		Str("payment_method", t.PaymentMethod).
		Str("reference", t.GatewayReference).
		Msg("payment initiated")
	s.audit.Emit(ctx, audit.NewEvent(actor, audit.ActionPaymentInitiated, "payment_transaction", strconv.FormatInt(t.ID, 10),
		map[string]any{"invoice_id": t.InvoiceID, "amount": t.Amount.StringFixed(2), "payment_method": t.PaymentMethod}))
}

// CreateIntent starts a card payment and returns the handle the client uses
// to confirm it.
func (s *Service) CreateIntent(ctx context.Context, actor auth.Actor, invoiceID int64, amount decimal.Decimal) (*IntentResponse, error) {
	if err := auth.Authorize(actor, PaymentRoles); err != nil {
		return nil, err
	}
	st, err := s.stage(ctx, actor, invoiceID, payRequest{method: s.gw.Card.Method(), amount: amount})
	if err != nil {
		return nil, err
	}
	inv, t := st.inv, st.txn

	gctx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	defer cancel()
	intent, err := s.gw.Card.CreateIntent(gctx, IntentRequest{
		InvoiceID:      inv.ID,
		InvoiceNumber:  inv.InvoiceNumber,
		Amount:         t.Amount,
		Currency:       t.Currency,
		IdempotencyKey: idempotencyKey(t.ID),
	})
	if err != nil {
		return nil, s.gatewayFailed(ctx, actor, t, "card", err)
	}
	if err := s.attach(ctx, t, intent.Reference, intent.Raw); err != nil {
		return nil, err
	}

	s.emitInitiated(ctx, actor, t)
	return &IntentResponse{
		ClientSecret:     intent.ClientHandle,
		TransactionID:    t.ID,
		GatewayReference: t.GatewayReference,
		Status:           t.Status,
		Simulated:        intent.Simulated,
	}, nil
}

// InitiatePush prompts the payer's phone to approve a mobile-money payment.
func (s *Service) InitiatePush(ctx context.Context, actor auth.Actor, invoiceID int64, phone string, amount decimal.Decimal) (*PushResponse, error) {
	if err := auth.Authorize(actor, PaymentRoles); err != nil {
		return nil, err
	}
	dest, err := s.opts.Phones.Normalize(phone)
	if err != nil {
		return nil, err
	}
	if !amount.IsInteger() {
		return nil, apperr.ValidationFields(map[string]string{"amount": "must be a whole amount for mobile money"})
	}
	st, err := s.stage(ctx, actor, invoiceID, payRequest{method: s.gw.Push.Method(), destination: dest, amount: amount})
	if err != nil {
		return nil, err
	}
	inv, t := st.inv, st.txn

	gctx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	defer cancel()
	push, err := s.gw.Push.InitiatePush(gctx, PushRequest{
		InvoiceNumber: inv.InvoiceNumber,
		Amount:        t.Amount,
		Destination:   dest,
	})
	if err != nil {
		return nil, s.gatewayFailed(ctx, actor, t, "mobile money", err)
	}
	if err := s.attach(ctx, t, push.Reference, push.Raw); err != nil {
		return nil, err
	}

	s.emitInitiated(ctx, actor, t)
	return &PushResponse{
		CheckoutRequestID: t.GatewayReference,
		CustomerPrompt:    push.CustomerPrompt,
		TransactionID:     t.ID,
		Destination:       dest,
		Status:            t.Status,
		Simulated:         push.Simulated,
	}, nil
}

// HandleCallback applies a push provider callback. A successful callback for
// an unknown reference is matched to a push whose initiation timed out.
func (s *Service) HandleCallback(ctx context.Context, body []byte) (*Outcome, error) {
	ref, res, err := ParseCallback(body)
	if err != nil {
		return nil, err
	}
	method := s.gw.Push.Method()
	out, err := s.coord.ApplyGatewayResult(ctx, audit.SystemActor, method, ref, res)
	if apperr.KindOf(err) != apperr.KindNotFound || res.Result != ResultSuccess {
		return out, err
	}
	if aerr := s.adoptOrphan(ctx, ref, body); aerr != nil {
		s.logger.Warn().Err(aerr).Str("reference", ref).Msg("callback matches no pending transaction")
		return nil, err
	}
	return s.coord.ApplyGatewayResult(ctx, audit.SystemActor, method, ref, res)
}

// adoptOrphan attaches reference to the single pending push still under a
// provisional reference whose amount and phone number match the callback.
func (s *Service) adoptOrphan(ctx context.Context, reference string, body []byte) error {
	amount, phone, ok := callbackPayer(body)
	if !ok {
		return apperr.NotFound("transaction")
	}
	if dest, err := s.opts.Phones.Normalize(phone); err == nil {
		phone = dest
	}
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		orphans, err := s.repo.FindOrphans(ctx, s.gw.Push.Method(), phone, amount.Round(2))
		if err != nil {
			return err
		}
		if len(orphans) != 1 {
			return apperr.NotFound("transaction")
		}
		t := orphans[0]
		attached, err := s.repo.AttachReference(ctx, t.ID, reference, json.RawMessage(body))
		if err != nil {
			return err
		}
		if !attached {
			return apperr.NotFound("transaction")
		}
		s.logger.Info().Int64("transaction_id", t.ID).Str("reference", reference).Msg("callback matched timed-out push")
		return nil
	})
}

// PollPush and PollCard let a client ask for the current verdict.
func (s *Service) PollPush(ctx context.Context, actor auth.Actor, reference string) (*Outcome, error) {
	return s.coord.PollStatus(ctx, actor, s.gw.Push.Method(), reference)
}

func (s *Service) PollCard(ctx context.Context, actor auth.Actor, reference string) (*Outcome, error) {
	return s.coord.PollStatus(ctx, actor, s.gw.Card.Method(), reference)
}

// ConfirmInput is a manual confirmation. With TransactionID it completes that
// transaction; otherwise it records a new completed payment on InvoiceID.
type ConfirmInput struct {
	TransactionID *int64
	InvoiceID     *int64
	Method        string
	Amount        *decimal.Decimal
}

func (s *Service) ConfirmManual(ctx context.Context, actor auth.Actor, in ConfirmInput) (*Transaction, error) {
	if err := auth.Authorize(actor, PaymentRoles); err != nil {
		return nil, err
	}
	if in.TransactionID != nil {
		return s.confirmExisting(ctx, actor, *in.TransactionID, strings.TrimSpace(in.Method))
	}
	if in.InvoiceID == nil {
		return nil, apperr.ValidationFields(map[string]string{"transaction_id": "transaction_id or invoice_id is required"})
	}
	return s.recordManual(ctx, actor, *in.InvoiceID, in.Method, in.Amount)
}

// confirmExisting completes a pending transaction by hand. A method, when
// given, must match the channel the transaction was started on.
func (s *Service) confirmExisting(ctx context.Context, actor auth.Actor, id int64, method string) (*Transaction, error) {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if method != "" && method != t.PaymentMethod {
		return nil, apperr.ValidationFields(map[string]string{
			"payment_method": "transaction " + strconv.FormatInt(id, 10) + " was started via " + t.PaymentMethod,
		})
	}
	switch t.Status {
	case StatusCompleted:
		return t, nil
	case StatusFailed:
		return nil, apperr.Conflict("transaction %d has failed and cannot be confirmed", id)
	}

	raw := mustJSON(map[string]any{
		"confirmed_manually": true,
		"confirmed_by":       actor.ID,
		"gateway":            t.GatewayResponse,
	})
	out, err := s.coord.ApplyGatewayResult(ctx, actor, t.PaymentMethod, t.GatewayReference,
		GatewayResult{Result: ResultSuccess, Raw: raw})
	if err != nil {
		return nil, err
	}
	if out.Transaction.Status == StatusFailed {
		return nil, apperr.Conflict("transaction %d has failed and cannot be confirmed", id)
	}
	return out.Transaction, nil
}

func (s *Service) recordManual(ctx context.Context, actor auth.Actor, invoiceID int64, method string, amount *decimal.Decimal) (*Transaction, error) {
	method = strings.TrimSpace(method)
	if method == "" {
		method = MethodCash
	}
	if strings.HasSuffix(method, RefundSuffix) {
		return nil, apperr.ValidationFields(map[string]string{"payment_method": "must not be a refund method"})
	}

	var (
		t    *Transaction
		gone *closed
		paid bool
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		inv, outstanding, err := s.lockPayable(ctx, invoiceID)
		if err != nil {
			return err
		}
		amt := outstanding
		if amount != nil {
			amt = *amount
		}
		if err := checkAmount(amt); err != nil {
			return err
		}
		if err := checkOutstanding(amt, outstanding); err != nil {
			return err
		}
		if _, gone, err = s.makeRoom(ctx, inv, nil); err != nil {
			return err
		}

		now := s.clock.Now()
		t = &Transaction{
			InvoiceID:        inv.ID,
			PatientID:        inv.PatientID,
			Amount:           amt.Round(2),
			Currency:         inv.Currency,
			PaymentMethod:    method,
			GatewayReference: "MAN-" + uuid.NewString(),
			Status:           StatusCompleted,
			GatewayResponse:  mustJSON(map[string]any{"manual": true, "confirmed_by": actor.ID}),
			CreatedBy:        actor.ID,
			CreatedAt:        now,
			CompletedAt:      &now,
		}
		if err := s.repo.Create(ctx, t); err != nil {
			return err
		}
		paid, err = s.coord.settle(ctx, inv.ID, method)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.emitClosed(ctx, actor, gone)
	s.coord.emitResolved(ctx, actor, t, paid)
	return t, nil
}

// RefundInput is a refund of part or all of a completed transaction.
type RefundInput struct {
	TransactionID int64
	Amount        decimal.Decimal
	Reason        string
}

// Refund records a new completed `<method>_refund` transaction against a
// completed original. The original row is never modified.
func (s *Service) Refund(ctx context.Context, actor auth.Actor, in RefundInput) (*Transaction, error) {
	if err := auth.Authorize(actor, PaymentRoles); err != nil {
		return nil, err
	}
	if err := checkAmount(in.Amount); err != nil {
		return nil, err
	}

	var refund *Transaction
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		orig, err := s.repo.GetByID(ctx, in.TransactionID)
		if err != nil {
			return err
		}
		if _, err := s.ledger.LockInvoice(ctx, orig.InvoiceID); err != nil {
			return err
		}
		if orig, err = s.repo.GetForUpdate(ctx, orig.ID); err != nil {
			return err
		}
		if orig.IsRefund() {
			return apperr.Conflict("transaction %d is a refund and cannot be refunded", orig.ID)
		}
		if orig.Status != StatusCompleted {
			return apperr.Conflict("transaction %d is %s; only completed transactions can be refunded", orig.ID, orig.Status)
		}
		refunded, err := s.repo.RefundedTotal(ctx, orig.ID)
		if err != nil {
			return err
		}
		remaining := orig.Amount.Sub(refunded)
		if in.Amount.GreaterThan(remaining) {
			return apperr.ValidationFields(map[string]string{
				"amount": "exceeds the refundable balance of " + remaining.StringFixed(2),
			})
		}

		reference := "RF-" + uuid.NewString()
		var (
			gwRaw     json.RawMessage
			simulated bool
		)
		if r, ok := s.refunders[orig.PaymentMethod]; ok && !orig.IsProvisional() {
			gctx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
			res, err := r.Refund(gctx, RefundRequest{
				Reference: orig.GatewayReference,
				Amount:    in.Amount,
				Currency:  orig.Currency,
				Reason:    in.Reason,
			})
			cancel()
			if err != nil {
				if isTimeout(err) {
					return apperr.Gateway(err, "refund gateway did not answer in time")
				}
				if apperr.KindOf(err) == apperr.KindInternal {
					return apperr.Gateway(err, "refund failed")
				}
				return err
			}
			reference, gwRaw, simulated = res.Reference, res.Raw, res.Simulated
		}

		now := s.clock.Now()
		origID := orig.ID
		refund = &Transaction{
			InvoiceID:        orig.InvoiceID,
			PatientID:        orig.PatientID,
			Amount:           in.Amount.Round(2),
			Currency:         orig.Currency,
			PaymentMethod:    orig.PaymentMethod + RefundSuffix,
			GatewayReference: reference,
			Status:           StatusCompleted,
			GatewayResponse: mustJSON(map[string]any{
				"original_transaction_id": orig.ID,
				"reason":                  in.Reason,
				"gateway":                 gwRaw,
				"simulated":               simulated,
			}),
			OriginalID:  &origID,
			CreatedBy:   actor.ID,
			CreatedAt:   now,
			CompletedAt: &now,
		}
		return s.repo.Create(ctx, refund)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("transaction_id", refund.ID).
		Int64("original_id", in.TransactionID).
		Str("amount", refund.Amount.StringFixed(2)).
		Msg("refund recorded")
	s.audit.Emit(ctx, audit.NewEvent(actor, audit.ActionPaymentRefunded, "payment_transaction", strconv.FormatInt(refund.ID, 10),
		map[string]any{"original_id": in.TransactionID, "amount": refund.Amount.StringFixed(2), "reason": in.Reason}))
	return refund, nil
}

func (s *Service) GetTransaction(ctx context.Context, id int64) (*Transaction, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListTransactions(ctx context.Context, f Filter, limit, offset int) ([]*Transaction, int, error) {
	items, total, err := s.repo.List(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if items == nil {
		items = []*Transaction{}
	}
	return items, total, nil
}

// ExpireStale fails pending transactions past their TTL.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	return s.coord.ExpireStale(ctx)
}
