package visit

import (
	"context"
)

type Repository interface {
	Create(ctx context.Context, v *Visit) error
	GetByID(ctx context.Context, id int64) (*Visit, error)
	// GetForUpdate locks the row for the rest of the enclosing transaction.
	GetForUpdate(ctx context.Context, id int64) (*Visit, error)
	Update(ctx context.Context, v *Visit) error
	// List returns visits newest first. An empty stage lists every visit.
	List(ctx context.Context, stage Stage) ([]*Visit, error)
}
