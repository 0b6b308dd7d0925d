package checkin

import (
	"context"
	"time"
)

type Repository interface {
	Create(ctx context.Context, e *Entry) error
	// ListOpen returns entries not yet checked out, oldest first.
	ListOpen(ctx context.Context) ([]*Entry, error)
	GetOpen(ctx context.Context, id int64) (*Entry, error)
	// FindOpenByPatient returns the oldest open entry for patientID.
	FindOpenByPatient(ctx context.Context, patientID int64) (*Entry, error)
	MarkCheckedIn(ctx context.Context, id int64, at time.Time) (*Entry, error)
	MarkCheckedOut(ctx context.Context, id int64, at time.Time) (*Entry, error)
}
