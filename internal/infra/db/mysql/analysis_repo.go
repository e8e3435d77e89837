package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	domain "github.com/skinsense/analysis-api/internal/domain/analysis"
)

type AnalysisRepository struct {
	db *sql.DB
}

func NewAnalysisRepository(db *sql.DB) *AnalysisRepository {
	return &AnalysisRepository{db: db}
}

var _ domain.Repository = (*AnalysisRepository)(nil)

// Save insert/update analysis record, audit trail included
func (r *AnalysisRepository) Save(ctx context.Context, rec *domain.Record) error {
	const q = `
INSERT INTO skin_analyses
(id, user_id, internal_image_url, image_metadata, provider_session_id, status,
 metrics, annotations, error_kind, error_detail, raw_provider_response,
 audit_trail, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON DUPLICATE KEY UPDATE
 provider_session_id=VALUES(provider_session_id),
 status=VALUES(status),
 metrics=VALUES(metrics),
 annotations=VALUES(annotations),
 error_kind=VALUES(error_kind),
 error_detail=VALUES(error_detail),
 raw_provider_response=VALUES(raw_provider_response),
 audit_trail=VALUES(audit_trail),
 updated_at=VALUES(updated_at);
`
	user := stringOrDash(rec.UserID)
	status := stringOrDash(string(rec.Status))

	metaJSON, _ := json.Marshal(rec.ImageMetadata)
	trailJSON, _ := json.Marshal(rec.AuditTrail)

	var metricsJSON, annotationsJSON, rawResp any
	if rec.Metrics != nil {
		b, _ := json.Marshal(rec.Metrics)
		metricsJSON = string(b)
	}
	if len(rec.Annotations) > 0 {
		b, _ := json.Marshal(rec.Annotations)
		annotationsJSON = string(b)
	}
	if len(rec.RawProviderResponse) > 0 {
		rawResp = string(rec.RawProviderResponse)
	}

	_, err := r.db.ExecContext(ctx, q,
		rec.ID, user, rec.InternalImageURL, string(metaJSON), rec.ProviderSessionID, status,
		metricsJSON, annotationsJSON, rec.ErrorKind, rec.ErrorDetail, rawResp,
		string(trailJSON), rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

// Get by ID
func (r *AnalysisRepository) Get(ctx context.Context, id domain.AnalysisID) (*domain.Record, error) {
	const q = `
SELECT id, user_id, internal_image_url, image_metadata, provider_session_id, status,
       metrics, annotations, error_kind, error_detail, raw_provider_response,
       audit_trail, created_at, updated_at
FROM skin_analyses
WHERE id=? LIMIT 1;
`
	row := r.db.QueryRowContext(ctx, q, id)

	var rec domain.Record
	var metaRaw, trailRaw []byte
	var metricsRaw, annotationsRaw, rawResp sql.NullString
	if err := row.Scan(
		&rec.ID, &rec.UserID, &rec.InternalImageURL, &metaRaw, &rec.ProviderSessionID, &rec.Status,
		&metricsRaw, &annotationsRaw, &rec.ErrorKind, &rec.ErrorDetail, &rawResp,
		&trailRaw, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := hydrateRecord(&rec, metaRaw, trailRaw, metricsRaw, annotationsRaw, rawResp); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListByUser newest first
func (r *AnalysisRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Record, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT id, user_id, internal_image_url, image_metadata, provider_session_id, status,
       metrics, annotations, error_kind, error_detail, raw_provider_response,
       audit_trail, created_at, updated_at
FROM skin_analyses
WHERE user_id=? ORDER BY created_at DESC, id DESC LIMIT ?;
`
	rows, err := r.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Record
	for rows.Next() {
		var rec domain.Record
		var metaRaw, trailRaw []byte
		var metricsRaw, annotationsRaw, rawResp sql.NullString
		if err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.InternalImageURL, &metaRaw, &rec.ProviderSessionID, &rec.Status,
			&metricsRaw, &annotationsRaw, &rec.ErrorKind, &rec.ErrorDetail, &rawResp,
			&trailRaw, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if err := hydrateRecord(&rec, metaRaw, trailRaw, metricsRaw, annotationsRaw, rawResp); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// hydrateRecord decodes the JSON columns into the aggregate
func hydrateRecord(rec *domain.Record, metaRaw, trailRaw []byte, metricsRaw, annotationsRaw, rawResp sql.NullString) error {
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &rec.ImageMetadata); err != nil {
			return fmt.Errorf("decode image_metadata for %s: %w", rec.ID, err)
		}
	}
	if len(trailRaw) > 0 {
		if err := json.Unmarshal(trailRaw, &rec.AuditTrail); err != nil {
			return fmt.Errorf("decode audit_trail for %s: %w", rec.ID, err)
		}
	}
	if metricsRaw.Valid && metricsRaw.String != "" {
		var m domain.SkinMetrics
		if err := json.Unmarshal([]byte(metricsRaw.String), &m); err != nil {
			return fmt.Errorf("decode metrics for %s: %w", rec.ID, err)
		}
		rec.Metrics = &m
	}
	if annotationsRaw.Valid && annotationsRaw.String != "" {
		if err := json.Unmarshal([]byte(annotationsRaw.String), &rec.Annotations); err != nil {
			return fmt.Errorf("decode annotations for %s: %w", rec.ID, err)
		}
	}
	if rawResp.Valid {
		rec.RawProviderResponse = []byte(rawResp.String)
	}
	return nil
}
