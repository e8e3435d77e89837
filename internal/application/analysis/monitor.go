package analysis

import (
	"context"
	"log/slog"

	"github.com/skinsense/analysis-api/internal/application"
	errdomain "github.com/skinsense/analysis-api/internal/domain/analysiserrors"
	"github.com/skinsense/analysis-api/internal/metrics"
)

// Monitor persists classified failures for aggregate statistics. It is
// strictly best-effort: a monitoring write must never fail a pipeline.
type Monitor struct {
	Repo  errdomain.Repository
	Clock application.Clock
}

// LogError stores one classified failure and bumps the error counter.
func (m *Monitor) LogError(ctx context.Context, e *errdomain.AnalysisError) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.Clock.Now()
	}
	metrics.AnalysisErrorsTotal.WithLabelValues(e.ErrorKind).Inc()
	if err := m.Repo.Save(ctx, e); err != nil {
		slog.Error("failed to log analysis error", "user_id", e.UserID, "error_kind", e.ErrorKind, "error", err)
	}
}

// Stats returns the per-kind failure rollup for the monitoring
// dashboard, covering the last sinceDays days.
func (m *Monitor) Stats(ctx context.Context, sinceDays int) (map[string]any, error) {
	if sinceDays <= 0 {
		sinceDays = 7
	}
	rows, err := m.Repo.Stats(ctx, sinceDays)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, r := range rows {
		total += r.Total
	}
	return map[string]any{
		"period_days":    sinceDays,
		"errors_by_kind": rows,
		"total_errors":   total,
	}, nil
}

// RecentForUser lists a user's recent classified failures.
func (m *Monitor) RecentForUser(ctx context.Context, userID string, limit int) ([]*errdomain.AnalysisError, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return m.Repo.ListByUser(ctx, userID, limit)
}
