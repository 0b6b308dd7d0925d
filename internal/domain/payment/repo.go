package payment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Repository interface {
	// Create fails with a conflict if (payment_method, gateway_reference) is
	// already taken or the invoice already has a pending transaction.
	Create(ctx context.Context, t *Transaction) error
	GetByID(ctx context.Context, id int64) (*Transaction, error)
	// GetForUpdate locks the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id int64) (*Transaction, error)
	GetByReference(ctx context.Context, method, reference string) (*Transaction, error)
	// AttachReference swaps a provisional reference for the gateway's own
	// while the transaction is still pending. It reports false once the
	// transaction has left pending or already holds a real reference.
	AttachReference(ctx context.Context, id int64, reference string, raw json.RawMessage) (bool, error)
	// Resolve moves a pending transaction to a final status and reports
	// false, without error, when it was no longer pending.
	Resolve(ctx context.Context, id int64, to Status, raw json.RawMessage, completedAt *time.Time) (bool, error)
	// List returns transactions newest first with the total matching count.
	List(ctx context.Context, f Filter, limit, offset int) ([]*Transaction, int, error)
	// RefundedTotal sums the refunds recorded against originalID.
	RefundedTotal(ctx context.Context, originalID int64) (decimal.Decimal, error)
	// OpenForInvoice returns the pending transaction against invoiceID, or
	// nil when there is none. At most one can exist.
	OpenForInvoice(ctx context.Context, invoiceID int64) (*Transaction, error)
	// CollectedTotal is the completed payments on invoiceID less their
	// completed refunds.
	CollectedTotal(ctx context.Context, invoiceID int64) (decimal.Decimal, error)
	// FindOrphans returns pending transactions on method that never received
	// a gateway reference and match destination and amount.
	FindOrphans(ctx context.Context, method, destination string, amount decimal.Decimal) ([]*Transaction, error)
	// ListStalePending returns pending transactions created at or before
	// cutoff that either use one of methods or still carry a provisional
	// reference.
	ListStalePending(ctx context.Context, methods []string, cutoff time.Time, limit int) ([]*Transaction, error)
}
