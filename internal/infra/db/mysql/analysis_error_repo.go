package mysql

import (
	"context"
	"database/sql"
	"strings"
	"time"

	domain "github.com/skinsense/analysis-api/internal/domain/analysiserrors"
)

type AnalysisErrorRepository struct {
	db *sql.DB
}

func NewAnalysisErrorRepository(db *sql.DB) *AnalysisErrorRepository {
	return &AnalysisErrorRepository{db: db}
}

var _ domain.Repository = (*AnalysisErrorRepository)(nil)

func (r *AnalysisErrorRepository) Save(ctx context.Context, e *domain.AnalysisError) error {
	const q = `
INSERT INTO skin_analysis_errors
  (user_id, analysis_id, session_id, error_kind, phase, detail, app_version, device_info, created_at)
VALUES (?,?,?,?,?,?,?,?,?)
`
	user := stringOrDash(e.UserID)
	kind := e.ErrorKind
	if strings.TrimSpace(kind) == "" {
		kind = "unknown"
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := r.db.ExecContext(ctx, q,
		user, e.AnalysisID, e.SessionID, kind, e.Phase, e.Detail, e.AppVersion, e.DeviceInfo, created,
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

func (r *AnalysisErrorRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.AnalysisError, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT id, user_id, analysis_id, session_id, error_kind, phase, detail, app_version, device_info, created_at
FROM skin_analysis_errors
WHERE user_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?;`
	rows, err := r.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.AnalysisError
	for rows.Next() {
		var e domain.AnalysisError
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.AnalysisID, &e.SessionID, &e.ErrorKind,
			&e.Phase, &e.Detail, &e.AppVersion, &e.DeviceInfo, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Stats per error_kind since N days
func (r *AnalysisErrorRepository) Stats(ctx context.Context, sinceDays int) ([]domain.KindCount, error) {
	if sinceDays <= 0 {
		sinceDays = 7
	}
	cut := time.Now().AddDate(0, 0, -sinceDays)

	const q = `
SELECT error_kind,
       COUNT(*)                AS total_occurrences,
       COUNT(DISTINCT user_id) AS affected_users
FROM skin_analysis_errors
WHERE created_at >= ?
GROUP BY error_kind
ORDER BY total_occurrences DESC;
`
	rows, err := r.db.QueryContext(ctx, q, cut)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.KindCount
	for rows.Next() {
		var kc domain.KindCount
		if err := rows.Scan(&kc.ErrorKind, &kc.Total, &kc.AffectedUsers); err != nil {
			return nil, err
		}
		out = append(out, kc)
	}
	return out, rows.Err()
}
