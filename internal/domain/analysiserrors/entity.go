package analysiserrors

import "time"

// AnalysisError represents a persisted classified failure entry
type AnalysisError struct {
	ID         int64     `json:"id"`
	UserID     string    `json:"user_id"`
	AnalysisID string    `json:"analysis_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	ErrorKind  string    `json:"error_kind"`
	Phase      string    `json:"phase,omitempty"` // validate | pre_call | reserve_slot | upload | poll | persist
	Detail     string    `json:"detail,omitempty"`
	AppVersion string    `json:"app_version,omitempty"`
	DeviceInfo string    `json:"device_info,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// KindCount is one row of the monitoring rollup
type KindCount struct {
	ErrorKind     string `json:"error_kind"`
	Total         int    `json:"total_occurrences"`
	AffectedUsers int    `json:"affected_users"`
}
