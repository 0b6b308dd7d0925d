package visit

import (
	"context"
	"errors"
	"fmt"

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

const visitCols = `id, patient_id, stage, triage_notes, lab_results, diagnosis,
	prescription, billing_status, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, v *Visit) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO visit (patient_id, stage, triage_notes, lab_results, diagnosis,
			prescription, billing_status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id`,
		v.PatientID, v.Stage, v.TriageNotes, v.LabResults, v.Diagnosis,
		v.Prescription, v.BillingStatus, v.CreatedAt, v.UpdatedAt,
	).Scan(&v.ID)
}

func (r *repoPG) GetByID(ctx context.Context, id int64) (*Visit, error) {
	return scanVisit(r.conn(ctx).QueryRow(ctx, `SELECT `+visitCols+` FROM visit WHERE id = $1`, id))
}

func (r *repoPG) GetForUpdate(ctx context.Context, id int64) (*Visit, error) {
	return scanVisit(r.conn(ctx).QueryRow(ctx, `SELECT `+visitCols+` FROM visit WHERE id = $1 FOR UPDATE`, id))
}

func (r *repoPG) Update(ctx context.Context, v *Visit) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE visit SET
			stage=$2, triage_notes=$3, lab_results=$4, diagnosis=$5,
			prescription=$6, billing_status=$7, updated_at=$8
		WHERE id = $1`,
		v.ID, v.Stage, v.TriageNotes, v.LabResults, v.Diagnosis,
		v.Prescription, v.BillingStatus, v.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update visit %d: %w", v.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("visit")
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, stage Stage) ([]*Visit, error) {
	query := `SELECT ` + visitCols + ` FROM visit`
	var args []interface{}
	if stage != "" {
		query += ` WHERE stage = $1`
		args = append(args, stage)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list visits: %w", err)
	}
	defer rows.Close()

	var items []*Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanVisit(row scanner) (*Visit, error) {
	var v Visit
	err := row.Scan(&v.ID, &v.PatientID, &v.Stage, &v.TriageNotes, &v.LabResults,
		&v.Diagnosis, &v.Prescription, &v.BillingStatus, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("visit")
	}
	if err != nil {
		return nil, fmt.Errorf("scan visit: %w", err)
	}
	return &v, nil
}
