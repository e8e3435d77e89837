package orbo

// slotEnvelope is the response of GET {base}/image
type slotEnvelope struct {
	Data struct {
		UploadSignedURL string `json:"uploadSignedUrl"`
		SessionID       string `json:"session_id"`
	} `json:"data"`
}

// ConcernScore is one entry of the provider's output_score list.
// Higher score is always better, for every concern.
type ConcernScore struct {
	Concern   string  `json:"concern"`
	Score     float64 `json:"score"`
	RiskLevel string  `json:"riskLevel"`
}

type analysisData struct {
	OutputScore []ConcernScore    `json:"output_score"`
	InputImage  string            `json:"input_image"`
	Annotations map[string]string `json:"annotations"`
}

// analysisEnvelope is the response of GET {base}/analysis
type analysisEnvelope struct {
	Success    bool          `json:"success"`
	StatusCode int           `json:"statusCode"`
	Message    string        `json:"message"`
	Data       *analysisData `json:"data"`
}
