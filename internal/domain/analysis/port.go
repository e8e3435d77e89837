package analysis

import "context"

// Repository port (interface untuk persistence)
type Repository interface {
	// Save upserts the whole record, audit trail included.
	Save(ctx context.Context, r *Record) error
	Get(ctx context.Context, id AnalysisID) (*Record, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Record, error)
}

// ImageStore port (interface untuk object storage)
type ImageStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// Provider port: the three-phase remote analysis protocol.
// Implementations return *classify.Error for every failure so callers
// can surface a stable error kind.
type Provider interface {
	ReserveUploadSlot(ctx context.Context, fileExt string) (UploadSlot, error)
	UploadImage(ctx context.Context, uploadURL string, data []byte) error
	PollAnalysis(ctx context.Context, sessionID string) (*ProviderResult, error)
}

// RecordCache port, optional read-through cache in front of Repository
type RecordCache interface {
	Get(ctx context.Context, id AnalysisID) (*Record, bool)
	Set(ctx context.Context, r *Record)
	GetUserList(ctx context.Context, userID string, limit int) ([]*Record, bool)
	SetUserList(ctx context.Context, userID string, limit int, recs []*Record)
	InvalidateUser(ctx context.Context, userID string)
}
