package billing

import (
	"context"
	"time"
)

type Repository interface {
	// Create fails with a conflict if the visit already has an invoice.
	Create(ctx context.Context, inv *Invoice) error
	GetByID(ctx context.Context, id int64) (*Invoice, error)
	// GetForUpdate locks the invoice row until the surrounding transaction
	// ends. Payments against one invoice serialize on it.
	GetForUpdate(ctx context.Context, id int64) (*Invoice, error)
	// List returns invoices newest first with the total matching count.
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Invoice, int, error)
	// MarkPaid moves a Pending invoice to Paid. It reports false, without
	// error, when the invoice was already Paid.
	MarkPaid(ctx context.Context, id int64, method string, at time.Time) (bool, error)
}
