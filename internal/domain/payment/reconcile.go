package payment

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/hospital/backoffice/internal/domain/billing"
	"github.com/hospital/backoffice/internal/platform/audit"
	"github.com/hospital/backoffice/internal/platform/auth"
	"github.com/hospital/backoffice/internal/platform/clock"
	"github.com/hospital/backoffice/internal/platform/db"
)

// Ledger is the part of the billing ledger payments settle against.
type Ledger interface {
	GetInvoice(ctx context.Context, id int64) (*billing.Invoice, error)
	// LockInvoice holds the invoice row until the caller's transaction ends.
	// Every payment write takes it before touching transactions.
	LockInvoice(ctx context.Context, id int64) (*billing.Invoice, error)
	// MarkPaid joins the caller's transaction and reports whether it moved
	// the invoice to Paid.
	MarkPaid(ctx context.Context, id int64, method string) (bool, error)
	EmitPaid(ctx context.Context, actor auth.Actor, inv *billing.Invoice)
}

// Gateways are the channel adapters selected at startup.
type Gateways struct {
	Card CardGateway
	Push PushGateway
}

type Options struct {
	// GatewayTimeout bounds every outbound gateway call.
	GatewayTimeout time.Duration
	// PushTTL is how long a push payment, or one still waiting for its
	// gateway reference, may stay pending.
	PushTTL time.Duration
	Phones  PhoneNormalizer
}

// expiredResponse is stored on transactions failed for age.
var expiredResponse = json.RawMessage(`{"reason":"expired"}`)

const expireBatch = 100

// Outcome is the state of a transaction after a reconciliation attempt.
type Outcome struct {
	Transaction *Transaction
	// Changed is set when this call moved the transaction out of pending.
	Changed bool
	// Waiting is set when the gateway still reports the payment as pending.
	Waiting bool
	Message string
}

// Coordinator folds gateway callbacks and client polls into a single
// pending to completed/failed change per transaction.
type Coordinator struct {
	repo        Repository
	ledger      Ledger
	tx          db.Transactor
	queriers    map[string]StatusQuerier
	pushMethods []string
	audit       audit.Sink
	clock       clock.Clock
	opts        Options
	logger      zerolog.Logger
}

func NewCoordinator(repo Repository, ledger Ledger, tx db.Transactor, gw Gateways, sink audit.Sink, clk clock.Clock, opts Options, logger zerolog.Logger) *Coordinator {
	c := &Coordinator{
		repo:     repo,
		ledger:   ledger,
		tx:       tx,
		queriers: make(map[string]StatusQuerier),
		audit:    sink,
		clock:    clk,
		opts:     opts,
		logger:   logger.With().Str("component", "reconcile").Logger(),
	}
	if gw.Card != nil {
		c.queriers[gw.Card.Method()] = gw.Card
	}
	if gw.Push != nil {
		c.queriers[gw.Push.Method()] = gw.Push
		c.pushMethods = append(c.pushMethods, gw.Push.Method())
	}
	return c
}

// ApplyGatewayResult records a gateway verdict for reference. A transaction
// that is already completed or failed is returned unchanged.
func (c *Coordinator) ApplyGatewayResult(ctx context.Context, actor auth.Actor, method, reference string, res GatewayResult) (*Outcome, error) {
	var (
		out  Outcome
		paid bool
	)
	err := c.tx.InTx(ctx, func(ctx context.Context) error {
		t, err := c.repo.GetByReference(ctx, method, reference)
		if err != nil {
			return err
		}
		if _, err := c.ledger.LockInvoice(ctx, t.InvoiceID); err != nil {
			return err
		}
		if t, err = c.repo.GetForUpdate(ctx, t.ID); err != nil {
			return err
		}
		out.Transaction = t
		if t.Status != StatusPending {
			return nil
		}
		if res.Result == ResultPending {
			out.Waiting = true
			return nil
		}
		out.Changed, paid, err = c.resolve(ctx, t, res.Result, res.Raw)
		return err
	})
	if err != nil {
		return nil, err
	}

	if out.Changed {
		c.emitResolved(ctx, actor, out.Transaction, paid)
	} else if !out.Waiting {
		c.logger.Debug().Str("reference", reference).Str("status", string(out.Transaction.Status)).Msg("gateway result ignored, transaction already resolved")
	}
	return &out, nil
}

// resolve finalizes t inside the caller's transaction and, on success,
// settles its invoice if the payment covers what is left of it.
func (c *Coordinator) resolve(ctx context.Context, t *Transaction, r Result, raw json.RawMessage) (changed, paid bool, err error) {
	to := StatusFailed
	var at *time.Time
	if r == ResultSuccess {
		to = StatusCompleted
		now := c.clock.Now()
		at = &now
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	changed, err = c.repo.Resolve(ctx, t.ID, to, raw, at)
	if err != nil || !changed {
		return false, false, err
	}
	t.Status, t.GatewayResponse, t.CompletedAt = to, raw, at

	if to == StatusCompleted {
		paid, err = c.settle(ctx, t.InvoiceID, t.PaymentMethod)
		if err != nil {
			return false, false, err
		}
	}
	return true, paid, nil
}

// settle marks the invoice Paid once its completed payments, net of refunds,
// reach the total. It reports whether this call changed the invoice.
func (c *Coordinator) settle(ctx context.Context, invoiceID int64, method string) (bool, error) {
	inv, err := c.ledger.LockInvoice(ctx, invoiceID)
	if err != nil {
		return false, err
	}
	if inv.IsPaid() {
		return false, nil
	}
	collected, err := c.repo.CollectedTotal(ctx, invoiceID)
	if err != nil {
		return false, err
	}
	if collected.LessThan(inv.TotalAmount) {
		c.logger.Debug().
			Int64("invoice_id", invoiceID).
			Str("collected", collected.StringFixed(2)).
			Str("total", inv.TotalAmount.StringFixed(2)).
			Msg("invoice partly paid")
		return false, nil
	}
	return c.ledger.MarkPaid(ctx, invoiceID, method)
}

func (c *Coordinator) emitResolved(ctx context.Context, actor auth.Actor, t *Transaction, paid bool) {
	action := audit.ActionPaymentFailed
	if t.Status == StatusCompleted {
		action = audit.ActionPaymentCompleted
	}
	c.logger.Info().
		Int64("transaction_id", t.ID).
		Int64("invoice_id", t.InvoiceID).
		Str("payment_method", t.PaymentMethod).
		Str("status", string(t.Status)).
		Msg("transaction resolved")
	c.audit.Emit(ctx, audit.NewEvent(actor, action, "payment_transaction", strconv.FormatInt(t.ID, 10),
		map[string]any{"invoice_id": t.InvoiceID, "reference": t.GatewayReference, "amount": t.Amount.StringFixed(2)}))

	if !paid {
		return
	}
	inv, err := c.ledger.GetInvoice(ctx, t.InvoiceID)
	if err != nil {
		c.logger.Error().Err(err).Int64("invoice_id", t.InvoiceID).Msg("reload paid invoice")
		return
	}
	c.ledger.EmitPaid(ctx, actor, inv)
}

// PollStatus asks the gateway about reference and applies the answer. A
// resolved transaction is returned as-is without calling the gateway.
func (c *Coordinator) PollStatus(ctx context.Context, actor auth.Actor, method, reference string) (*Outcome, error) {
	t, err := c.repo.GetByReference(ctx, method, reference)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusPending {
		return &Outcome{Transaction: t}, nil
	}

	q, ok := c.queriers[method]
	if !ok || t.IsProvisional() {
		if c.stale(t) {
			return c.expire(ctx, actor, t)
		}
		return &Outcome{Transaction: t, Waiting: true, Message: "waiting for the gateway to confirm"}, nil
	}

	qctx, cancel := context.WithTimeout(ctx, c.opts.GatewayTimeout)
	defer cancel()
	res, err := q.QueryStatus(qctx, reference)
	if err != nil {
		if !isTimeout(err) {
			return nil, err
		}
		c.logger.Warn().Err(err).Str("reference", reference).Msg("status query timed out")
		if c.stale(t) {
			return c.expire(ctx, actor, t)
		}
		return &Outcome{Transaction: t, Waiting: true, Message: "gateway did not answer in time, try again"}, nil
	}

	if res.Result == ResultPending && c.stale(t) {
		return c.expire(ctx, actor, t)
	}
	out, err := c.ApplyGatewayResult(ctx, actor, method, reference, res)
	if err != nil {
		return nil, err
	}
	if out.Waiting {
		out.Message = "payment is still being processed"
	}
	return out, nil
}

// stale reports whether t is pending past its TTL. Card intents with a real
// reference never go stale; the card network owns their lifetime.
func (c *Coordinator) stale(t *Transaction) bool {
	if t.Status != StatusPending || c.opts.PushTTL <= 0 {
		return false
	}
	if !t.IsProvisional() && !c.isPush(t.PaymentMethod) {
		return false
	}
	return c.clock.Now().Sub(t.CreatedAt) >= c.opts.PushTTL
}

func (c *Coordinator) isPush(method string) bool {
	for _, m := range c.pushMethods {
		if m == method {
			return true
		}
	}
	return false
}

func (c *Coordinator) expire(ctx context.Context, actor auth.Actor, t *Transaction) (*Outcome, error) {
	var out Outcome
	err := c.tx.InTx(ctx, func(ctx context.Context) error {
		changed, err := c.markExpired(ctx, t)
		if err != nil {
			return err
		}
		out.Changed = changed
		out.Transaction, err = c.repo.GetByID(ctx, t.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out.Changed {
		c.emitExpired(ctx, actor, out.Transaction)
		out.Message = "payment expired"
	}
	return &out, nil
}

// markExpired fails t for age inside the caller's transaction.
func (c *Coordinator) markExpired(ctx context.Context, t *Transaction) (bool, error) {
	changed, err := c.repo.Resolve(ctx, t.ID, StatusFailed, expiredResponse, nil)
	if err != nil || !changed {
		return false, err
	}
	t.Status, t.GatewayResponse = StatusFailed, expiredResponse
	return true, nil
}

func (c *Coordinator) emitExpired(ctx context.Context, actor auth.Actor, t *Transaction) {
	c.logger.Info().Int64("transaction_id", t.ID).Str("reference", t.GatewayReference).Msg("pending transaction expired")
	c.audit.Emit(ctx, audit.NewEvent(actor, audit.ActionPaymentExpired, "payment_transaction", strconv.FormatInt(t.ID, 10),
		map[string]any{"invoice_id": t.InvoiceID, "reference": t.GatewayReference, "age": c.clock.Now().Sub(t.CreatedAt).String()}))
}

// ExpireStale fails every expirable transaction pending past the TTL and
// returns how many it changed.
func (c *Coordinator) ExpireStale(ctx context.Context) (int, error) {
	if c.opts.PushTTL <= 0 {
		return 0, nil
	}
	cutoff := c.clock.Now().Add(-c.opts.PushTTL)
	expired := 0
	for {
		batch, err := c.repo.ListStalePending(ctx, c.pushMethods, cutoff, expireBatch)
		if err != nil {
			return expired, err
		}
		for _, t := range batch {
			out, err := c.expire(ctx, audit.SystemActor, t)
			if err != nil {
				return expired, err
			}
			if out.Changed {
				expired++
			}
		}
		if len(batch) < expireBatch {
			return expired, nil
		}
		if err := ctx.Err(); err != nil {
			return expired, err
		}
	}
}
