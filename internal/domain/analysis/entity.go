package analysis

import (
	"fmt"
	"time"
)

// ID tipe untuk AnalysisRecord
type AnalysisID string

// Status enum
type Status string

const (
	StatusPendingUpload Status = "pending_upload"
	StatusUploading     Status = "uploading"
	StatusPolling       Status = "polling"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

// Audit trail stages
const (
	StageImageStored     = "image_stored_internally"
	StageSlotReserved    = "upload_slot_reserved"
	StageImageUploaded   = "image_uploaded"
	StageResultsReceived = "results_received"
	StageAnalysisFailed  = "analysis_failed"
)

var statusRank = map[Status]int{
	StatusPendingUpload: 0,
	StatusUploading:     1,
	StatusPolling:       2,
	StatusCompleted:     3,
	StatusFailed:        3,
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// AuditEntry value object, append-only
type AuditEntry struct {
	Stage     string    `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// SkinMetrics value object: the ten normalized concern scores.
// Higher is always better for every metric.
type SkinMetrics struct {
	OverallSkinHealthScore float64 `json:"overall_skin_health_score"`
	Hydration              float64 `json:"hydration"`
	Smoothness             float64 `json:"smoothness"`
	Radiance               float64 `json:"radiance"`
	DarkSpots              float64 `json:"dark_spots"`
	Firmness               float64 `json:"firmness"`
	FineLinesWrinkles      float64 `json:"fine_lines_wrinkles"`
	Acne                   float64 `json:"acne"`
	DarkCircles            float64 `json:"dark_circles"`
	Redness                float64 `json:"redness"`
}

// ImageMetadata value object describing the submitted photo
type ImageMetadata struct {
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	SizeBytes   int    `json:"size_bytes"`
	Source      string `json:"source,omitempty"` // mobile_app | web | api
}

// Aggregate Root: Record (one per submitted photo)
type Record struct {
	ID                AnalysisID        `json:"id"`
	UserID            string            `json:"user_id"`
	InternalImageURL  string            `json:"internal_image_url"`
	ImageMetadata     ImageMetadata     `json:"image_metadata"`
	ProviderSessionID string            `json:"provider_session_id,omitempty"`
	Status            Status            `json:"status"`
	Metrics           *SkinMetrics      `json:"metrics,omitempty"`
	Annotations       map[string]string `json:"annotations,omitempty"`
	ErrorKind         string            `json:"error_kind,omitempty"` // classify.Kind value
	ErrorDetail       string            `json:"error_detail,omitempty"`
	AuditTrail        []AuditEntry      `json:"audit_trail"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`

	// Raw provider payload kept for debugging, never serialized to callers.
	RawProviderResponse []byte `json:"-"`
}

// NewRecord builds the pre-call record: status PendingUpload with the
// image_stored_internally entry already on the trail. The record must
// exist before any byte leaves for the provider.
func NewRecord(id AnalysisID, userID, imageURL string, meta ImageMetadata, now time.Time) *Record {
	r := &Record{
		ID:               id,
		UserID:           userID,
		InternalImageURL: imageURL,
		ImageMetadata:    meta,
		Status:           StatusPendingUpload,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	r.AppendAudit(StageImageStored, "image stored in internal object storage before provider contact", now)
	return r
}

// AppendAudit adds one trail entry and bumps updated_at.
func (r *Record) AppendAudit(stage, detail string, now time.Time) {
	r.AuditTrail = append(r.AuditTrail, AuditEntry{Stage: stage, Timestamp: now, Detail: detail})
	r.UpdatedAt = now
}

// Advance moves status forward. Backward moves and transitions out of a
// terminal state are rejected.
func (r *Record) Advance(next Status, now time.Time) error {
	if _, ok := statusRank[next]; !ok {
		return fmt.Errorf("unknown status: %s", next)
	}
	if r.Status.Terminal() {
		return fmt.Errorf("record %s already terminal (%s)", r.ID, r.Status)
	}
	if statusRank[next] <= statusRank[r.Status] {
		return fmt.Errorf("cannot move record %s from %s to %s", r.ID, r.Status, next)
	}
	r.Status = next
	r.UpdatedAt = now
	return nil
}
