package checkin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

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

const entryCols = `id, patient_id, name, checked_in, enqueued_at, checked_in_at, checked_out_at`

func (r *repoPG) Create(ctx context.Context, e *Entry) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO checkin_queue (patient_id, name, checked_in, enqueued_at)
		VALUES ($1, $2, FALSE, $3)
		RETURNING id`,
		e.PatientID, e.Name, e.EnqueuedAt,
	).Scan(&e.ID)
}

func (r *repoPG) ListOpen(ctx context.Context) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entryCols+` FROM checkin_queue
		WHERE checked_out_at IS NULL ORDER BY enqueued_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *repoPG) GetOpen(ctx context.Context, id int64) (*Entry, error) {
	return scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM checkin_queue
		WHERE id = $1 AND checked_out_at IS NULL`, id))
}

func (r *repoPG) FindOpenByPatient(ctx context.Context, patientID int64) (*Entry, error) {
	return scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM checkin_queue
		WHERE patient_id = $1 AND checked_out_at IS NULL
		ORDER BY enqueued_at, id LIMIT 1`, patientID))
}

func (r *repoPG) MarkCheckedIn(ctx context.Context, id int64, at time.Time) (*Entry, error) {
	return scanEntry(r.conn(ctx).QueryRow(ctx, `
		UPDATE checkin_queue SET checked_in = TRUE, checked_in_at = COALESCE(checked_in_at, $2)
		WHERE id = $1 AND checked_out_at IS NULL
		RETURNING `+entryCols, id, at))
}

func (r *repoPG) MarkCheckedOut(ctx context.Context, id int64, at time.Time) (*Entry, error) {
	return scanEntry(r.conn(ctx).QueryRow(ctx, `
		UPDATE checkin_queue SET checked_in = FALSE, checked_out_at = $2
		WHERE id = $1 AND checked_out_at IS NULL
		RETURNING `+entryCols, id, at))
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.PatientID, &e.Name, &e.CheckedIn, &e.EnqueuedAt, &e.CheckedInAt, &e.CheckedOutAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("queue entry")
	}
	if err != nil {
		return nil, fmt.Errorf("scan queue entry: %w", err)
	}
	return &e, nil
}
