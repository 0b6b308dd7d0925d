package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
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

// openPaymentIndex allows one pending transaction per invoice.
const openPaymentIndex = "uq_payment_open_per_invoice"

func violates(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.ConstraintName == constraint
}

const txnCols = `id, invoice_id, patient_id, amount, currency, payment_method,
	gateway_reference, destination, status, gateway_response, original_id,
	created_by, created_at, completed_at`

func (r *repoPG) Create(ctx context.Context, t *Transaction) error {
	raw := t.GatewayResponse
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO payment_transaction (invoice_id, patient_id, amount, currency, payment_method,
			gateway_reference, destination, status, gateway_response, original_id,
			created_by, created_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id`,
		t.InvoiceID, t.PatientID, t.Amount, t.Currency, t.PaymentMethod,
		t.GatewayReference, t.Destination, t.Status, []byte(raw), t.OriginalID,
		t.CreatedBy, t.CreatedAt, t.CompletedAt,
	).Scan(&t.ID)
	if db.IsUniqueViolation(err) && violates(err, openPaymentIndex) {
		return apperr.Conflict("invoice %d already has a pending payment", t.InvoiceID)
	}
	if db.IsUniqueViolation(err) {
		return apperr.Conflict("%s reference %s is already recorded", t.PaymentMethod, t.GatewayReference)
	}
	if err != nil {
		return fmt.Errorf("insert payment transaction: %w", err)
	}
	t.GatewayResponse = raw
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id int64) (*Transaction, error) {
	return scanTxn(r.conn(ctx).QueryRow(ctx, `SELECT `+txnCols+` FROM payment_transaction WHERE id = $1`, id))
}

func (r *repoPG) GetForUpdate(ctx context.Context, id int64) (*Transaction, error) {
	return scanTxn(r.conn(ctx).QueryRow(ctx, `SELECT `+txnCols+` FROM payment_transaction WHERE id = $1 FOR UPDATE`, id))
}

func (r *repoPG) GetByReference(ctx context.Context, method, reference string) (*Transaction, error) {
	return scanTxn(r.conn(ctx).QueryRow(ctx, `
		SELECT `+txnCols+` FROM payment_transaction
		WHERE payment_method = $1 AND gateway_reference = $2`, method, reference))
}

func (r *repoPG) AttachReference(ctx context.Context, id int64, reference string, raw json.RawMessage) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE payment_transaction SET gateway_reference = $2, gateway_response = $3
		WHERE id = $1 AND status = $4 AND gateway_reference LIKE $5`,
		id, reference, []byte(raw), StatusPending, provisionalPrefix+"%",
	)
	if db.IsUniqueViolation(err) {
		return false, apperr.Conflict("reference %s is already recorded", reference)
	}
	if err != nil {
		return false, fmt.Errorf("attach reference to transaction %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) Resolve(ctx context.Context, id int64, to Status, raw json.RawMessage, completedAt *time.Time) (bool, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE payment_transaction SET status = $2, gateway_response = $3, completed_at = $4
		WHERE id = $1 AND status = $5`,
		id, to, []byte(raw), completedAt, StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("resolve transaction %d: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Transaction, int, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.PaymentMethod != "" {
		add("payment_method = $%d", f.PaymentMethod)
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.InvoiceID != nil {
		add("invoice_id = $%d", *f.InvoiceID)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM payment_transaction`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM payment_transaction%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		txnCols, where, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	items, err := collect(rows)
	return items, total, err
}

func (r *repoPG) RefundedTotal(ctx context.Context, originalID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM payment_transaction
		WHERE original_id = $1 AND status = $2`,
		originalID, StatusCompleted,
	).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum refunds of %d: %w", originalID, err)
	}
	return sum, nil
}

func (r *repoPG) OpenForInvoice(ctx context.Context, invoiceID int64) (*Transaction, error) {
	t, err := scanTxn(r.conn(ctx).QueryRow(ctx, `
		SELECT `+txnCols+` FROM payment_transaction
		WHERE invoice_id = $1 AND status = $2
		LIMIT 1`,
		invoiceID, StatusPending,
	))
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil, nil
	}
	return t, err
}

func (r *repoPG) CollectedTotal(ctx context.Context, invoiceID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(SUM(CASE WHEN original_id IS NULL THEN amount ELSE -amount END), 0)
		FROM payment_transaction
		WHERE invoice_id = $1 AND status = $2`,
		invoiceID, StatusCompleted,
	).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum payments of invoice %d: %w", invoiceID, err)
	}
	return sum, nil
}

func (r *repoPG) FindOrphans(ctx context.Context, method, destination string, amount decimal.Decimal) ([]*Transaction, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+txnCols+` FROM payment_transaction
		WHERE status = $1 AND payment_method = $2 AND destination = $3
		  AND amount = $4 AND gateway_reference LIKE $5
		ORDER BY created_at`,
		StatusPending, method, destination, amount, provisionalPrefix+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("find orphaned transactions: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func (r *repoPG) ListStalePending(ctx context.Context, methods []string, cutoff time.Time, limit int) ([]*Transaction, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+txnCols+` FROM payment_transaction
		WHERE status = $1 AND created_at <= $2
		  AND (payment_method = ANY($3) OR gateway_reference LIKE $4)
		ORDER BY created_at
		LIMIT $5`,
		StatusPending, cutoff, methods, provisionalPrefix+"%", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale transactions: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows pgx.Rows) ([]*Transaction, error) {
	var items []*Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTxn(row scanner) (*Transaction, error) {
	var (
		t   Transaction
		raw []byte
	)
	err := row.Scan(&t.ID, &t.InvoiceID, &t.PatientID, &t.Amount, &t.Currency, &t.PaymentMethod,
		&t.GatewayReference, &t.Destination, &t.Status, &raw, &t.OriginalID,
		&t.CreatedBy, &t.CreatedAt, &t.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("transaction")
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	t.GatewayResponse = json.RawMessage(raw)
	if len(t.GatewayResponse) == 0 {
		t.GatewayResponse = json.RawMessage(`{}`)
	}
	return &t, nil
}
