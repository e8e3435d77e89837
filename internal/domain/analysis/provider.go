package analysis

// UploadSlot is a provider-issued, time-limited upload destination plus
// the session identifier correlating the upload with its result.
type UploadSlot struct {
	UploadURL string
	SessionID string
}

// ProviderResult hasil dari Provider setelah polling selesai
type ProviderResult struct {
	Metrics     SkinMetrics
	Annotations map[string]string
	InputImage  string
	Raw         []byte
}
