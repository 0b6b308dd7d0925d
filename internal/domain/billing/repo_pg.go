package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/hospital/backoffice/internal/platform/apperr"
	"github.com/hospital/backoffice/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const invoiceCols = `id, invoice_number, patient_id, visit_id, total_amount, currency,
	services, status, payment_method, generated_by, generated_at, paid_at`

func (r *repoPG) Create(ctx context.Context, inv *Invoice) error {
	services, err := json.Marshal(inv.Services)
	if err != nil {
		return fmt.Errorf("encode services: %w", err)
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO invoice (invoice_number, patient_id, visit_id, total_amount, currency,
			services, status, generated_by, generated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id`,
		inv.InvoiceNumber, inv.PatientID, inv.VisitID, inv.TotalAmount, inv.Currency,
		services, inv.Status, inv.GeneratedBy, inv.GeneratedAt,
	).Scan(&inv.ID)
	if db.IsUniqueViolation(err) {
		return apperr.Conflict("visit %d already has an invoice", inv.VisitID)
	}
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id int64) (*Invoice, error) {
	return scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invoiceCols+` FROM invoice WHERE id = $1`, id))
}

func (r *repoPG) GetForUpdate(ctx context.Context, id int64) (*Invoice, error) {
	return scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invoiceCols+` FROM invoice WHERE id = $1 FOR UPDATE`, id))
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Invoice, int, error) {
	where := ""
	args := []interface{}{}
	if f.PatientID != nil {
		where = ` WHERE patient_id = $1`
		args = append(args, *f.PatientID)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM invoice`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count invoices: %w", err)
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM invoice%s ORDER BY generated_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		invoiceCols, where, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	var items []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, inv)
	}
	return items, total, rows.Err()
}

func (r *repoPG) MarkPaid(ctx context.Context, id int64, method string, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE invoice SET status = $2, payment_method = $3, paid_at = $4
		WHERE id = $1 AND status = $5`,
		id, StatusPaid, method, at, StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("mark invoice %d paid: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	// Nothing changed: either already paid or missing.
	if _, err := r.GetByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInvoice(row scanner) (*Invoice, error) {
	var (
		inv      Invoice
		services []byte
	)
	err := row.Scan(&inv.ID, &inv.InvoiceNumber, &inv.PatientID, &inv.VisitID, &inv.TotalAmount,
		&inv.Currency, &services, &inv.Status, &inv.PaymentMethod, &inv.GeneratedBy,
		&inv.GeneratedAt, &inv.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("invoice")
	}
	if err != nil {
		return nil, fmt.Errorf("scan invoice: %w", err)
	}
	inv.Services = map[string]decimal.Decimal{}
	if len(services) > 0 {
		if err := json.Unmarshal(services, &inv.Services); err != nil {
			return nil, fmt.Errorf("decode invoice services: %w", err)
		}
	}
	return &inv, nil
}
