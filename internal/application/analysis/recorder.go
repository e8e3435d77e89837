package analysis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/skinsense/analysis-api/internal/application"
	domain "github.com/skinsense/analysis-api/internal/domain/analysis"
	"github.com/skinsense/analysis-api/internal/domain/classify"
)

// Recorder is the data-sovereignty middleware around the provider
// protocol: it writes our own copy of a submission before any byte
// reaches the provider and settles the record afterwards.
type Recorder struct {
	Repo   domain.Repository
	Images domain.ImageStore
	Cache  domain.RecordCache // optional
	Clock  application.Clock
}

// PreCall stores the image in internal object storage and inserts the
// pending record with its first audit entry. Nothing may be sent to the
// provider unless this returns a record.
func (rec *Recorder) PreCall(ctx context.Context, userID string, imageData []byte, meta domain.ImageMetadata) (*domain.Record, error) {
	now := rec.Clock.Now()
	id := domain.AnalysisID(uuid.New().String())
	key := imageKey(userID, id, meta.ContentType)

	url, err := rec.Images.Put(ctx, key, imageData, contentTypeOrJPEG(meta.ContentType))
	if err != nil {
		return nil, fmt.Errorf("store image internally: %w", err)
	}

	record := domain.NewRecord(id, userID, url, meta, now)
	if err := rec.Repo.Save(ctx, record); err != nil {
		// roll the stored object back so storage does not accumulate orphans
		if derr := rec.Images.Delete(ctx, key); derr != nil {
			slog.Error("orphan image cleanup failed", "key", key, "error", derr)
		}
		return nil, fmt.Errorf("insert analysis record: %w", err)
	}

	slog.Info("pre-analysis record created", "analysis_id", string(id), "user_id", userID)
	rec.cacheRecord(ctx, record)
	rec.invalidateUser(ctx, userID)
	return record, nil
}

// RecordSlotReserved notes the provider session and moves the record to
// uploading. Losing this intermediate write is tolerable, so failures
// are logged and swallowed.
func (rec *Recorder) RecordSlotReserved(ctx context.Context, record *domain.Record, sessionID string) {
	now := rec.Clock.Now()
	record.ProviderSessionID = sessionID
	if err := record.Advance(domain.StatusUploading, now); err != nil {
		slog.Warn("slot-reserved transition rejected", "analysis_id", record.ID, "error", err)
		return
	}
	record.AppendAudit(domain.StageSlotReserved, "provider session "+sessionID, now)
	rec.persistBestEffort(ctx, record, domain.StageSlotReserved)
}

// RecordUploaded moves the record to polling after a successful upload.
func (rec *Recorder) RecordUploaded(ctx context.Context, record *domain.Record) {
	now := rec.Clock.Now()
	if err := record.Advance(domain.StatusPolling, now); err != nil {
		slog.Warn("uploaded transition rejected", "analysis_id", record.ID, "error", err)
		return
	}
	record.AppendAudit(domain.StageImageUploaded, "image delivered to provider upload slot", now)
	rec.persistBestEffort(ctx, record, domain.StageImageUploaded)
}

// PostCall settles the record as completed with the provider result.
// A failure here must not discard the result: the caller still returns
// it and only the persistence problem is reported.
func (rec *Recorder) PostCall(ctx context.Context, record *domain.Record, res *domain.ProviderResult, sessionID string) error {
	now := rec.Clock.Now()
	if record.ProviderSessionID == "" {
		record.ProviderSessionID = sessionID
	}
	m := res.Metrics
	record.Metrics = &m
	record.Annotations = res.Annotations
	record.RawProviderResponse = res.Raw
	if err := record.Advance(domain.StatusCompleted, now); err != nil {
		return fmt.Errorf("complete transition: %w", err)
	}
	record.AppendAudit(domain.StageResultsReceived, "metrics received for provider session "+sessionID, now)

	if err := rec.Repo.Save(ctx, record); err != nil {
		return fmt.Errorf("persist analysis result: %w", err)
	}
	rec.cacheRecord(ctx, record)
	rec.invalidateUser(ctx, record.UserID)
	return nil
}

// MarkFailed is the terminal transition for a failed phase, reachable
// from every non-terminal status. Best effort: persistence problems are
// logged, the classification is what the caller reports.
func (rec *Recorder) MarkFailed(ctx context.Context, record *domain.Record, ce *classify.Error) {
	now := rec.Clock.Now()
	record.ErrorKind = string(ce.Info.Kind)
	record.ErrorDetail = ce.Raw
	if len(record.RawProviderResponse) == 0 && ce.Raw != "" {
		record.RawProviderResponse = []byte(ce.Raw)
	}
	if err := record.Advance(domain.StatusFailed, now); err != nil {
		slog.Warn("failed transition rejected", "analysis_id", record.ID, "error", err)
		return
	}
	record.AppendAudit(domain.StageAnalysisFailed, fmt.Sprintf("%s: %s", ce.Info.Kind, ce.Info.Message), now)

	if err := rec.Repo.Save(ctx, record); err != nil {
		slog.Error("mark-failed write failed", "analysis_id", record.ID, "error", err)
		return
	}
	rec.cacheRecord(ctx, record)
	rec.invalidateUser(ctx, record.UserID)
}

func (rec *Recorder) persistBestEffort(ctx context.Context, record *domain.Record, stage string) {
	if err := rec.Repo.Save(ctx, record); err != nil {
		slog.Warn("audit write failed", "analysis_id", record.ID, "stage", stage, "error", err)
		return
	}
	rec.cacheRecord(ctx, record)
}

func (rec *Recorder) cacheRecord(ctx context.Context, record *domain.Record) {
	if rec.Cache != nil {
		rec.Cache.Set(ctx, record)
	}
}

func (rec *Recorder) invalidateUser(ctx context.Context, userID string) {
	if rec.Cache != nil {
		rec.Cache.InvalidateUser(ctx, userID)
	}
}

func imageKey(userID string, id domain.AnalysisID, contentType string) string {
	ext := "jpg"
	if contentType == "image/png" {
		ext = "png"
	}
	return fmt.Sprintf("skin-analysis/%s/%s/original.%s", userID, id, ext)
}

func contentTypeOrJPEG(ct string) string {
	if ct == "" {
		return "image/jpeg"
	}
	return ct
}
