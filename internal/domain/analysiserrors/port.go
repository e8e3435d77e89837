package analysiserrors

import (
	"context"
)

// Repository defines persistence for classified analysis errors
type Repository interface {
	Save(ctx context.Context, e *AnalysisError) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*AnalysisError, error)
	Stats(ctx context.Context, sinceDays int) ([]KindCount, error)
}
