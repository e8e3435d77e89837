package classify

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Kind enum: stable categories for provider failures
type Kind string

const (
	FaceNotDetected     Kind = "face_not_detected"
	ImageTooSmall       Kind = "image_too_small"
	OutOfFocus          Kind = "out_of_focus"
	AngleTilted         Kind = "angle_tilted"
	NetworkError        Kind = "network_error"
	Timeout             Kind = "timeout"
	UploadSlotFailed    Kind = "upload_slot_failed"
	UploadFailed        Kind = "upload_failed"
	AnalysisFailed      Kind = "analysis_failed"
	InvalidImage        Kind = "invalid_image"
	ProviderAuthError   Kind = "provider_auth_error"
	RateLimited         Kind = "rate_limited"
	ProviderServerError Kind = "provider_server_error"
	Unknown             Kind = "unknown"
)

// Info is the user-facing classification of a raw failure signal.
type Info struct {
	Kind      Kind   `json:"kind"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Action    string `json:"action"`
	Retryable bool   `json:"retryable"`
}

// rule matches lowercased signal text. Rules are checked in order,
// first match wins. Every all entry must be present, one any entry suffices.
type rule struct {
	any  []string
	all  []string
	kind Kind
}

func (r rule) matches(s string) bool {
	for _, sub := range r.all {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	if len(r.any) == 0 {
		return len(r.all) > 0
	}
	for _, sub := range r.any {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Validation phrases first (most specific), then transport categories in
// fixed priority order, then provider-outcome phrases. Unknown is the default.
var rules = []rule{
	{any: []string{"face not detected", "face_not_detected"}, kind: FaceNotDetected},
	{any: []string{"resolution is too small", "image_too_small"}, kind: ImageTooSmall},
	{any: []string{"out of focus", "out_of_focus"}, kind: OutOfFocus},
	{any: []string{"angle tilted", "angle_tilted"}, kind: AngleTilted},
	{any: []string{"invalid image", "invalid_image", "unsupported image"}, kind: InvalidImage},
	{any: []string{"timeout", "timed out", "deadline exceeded"}, kind: Timeout},
	{any: []string{"network", "connection"}, kind: NetworkError},
	{any: []string{"upload"}, kind: UploadFailed},
	{any: []string{"presigned", "signed url"}, kind: UploadSlotFailed},
	{all: []string{"rate", "limit"}, kind: RateLimited},
	{any: []string{"429", "too many requests"}, kind: RateLimited},
	{any: []string{"401", "unauthorized"}, kind: ProviderAuthError},
	{any: []string{"500", "server"}, kind: ProviderServerError},
	{any: []string{"analysis failed", "analysis_failed"}, kind: AnalysisFailed},
}

var texts = map[Kind]Info{
	FaceNotDetected: {
		Title:     "No Face Detected",
		Message:   "We couldn't detect a face in the photo. Please ensure your face is clearly visible and centered in the frame.",
		Action:    "Try taking another photo with better lighting and your face centered.",
		Retryable: true,
	},
	ImageTooSmall: {
		Title:     "Image Quality Too Low",
		Message:   "The image resolution is too small for accurate analysis. The photo should be at least 500x500 pixels.",
		Action:    "Please take a higher quality photo or move closer to the camera.",
		Retryable: true,
	},
	OutOfFocus: {
		Title:     "Photo is Blurry",
		Message:   "The photo appears to be out of focus. A clear image is needed for accurate skin analysis.",
		Action:    "Hold your device steady and tap to focus on your face before taking the photo.",
		Retryable: true,
	},
	AngleTilted: {
		Title:     "Face Angle Issue",
		Message:   "Please face the camera directly. Your face appears to be tilted or turned to the side.",
		Action:    "Look straight at the camera with your face level and centered.",
		Retryable: true,
	},
	NetworkError: {
		Title:     "Connection Problem",
		Message:   "We're having trouble connecting to our analysis servers.",
		Action:    "Please check your internet connection and try again.",
		Retryable: true,
	},
	Timeout: {
		Title:     "Analysis Taking Too Long",
		Message:   "The skin analysis is taking longer than expected.",
		Action:    "This may be due to server load. Please try again in a few moments.",
		Retryable: true,
	},
	UploadSlotFailed: {
		Title:     "Upload Preparation Failed",
		Message:   "We couldn't prepare your photo for analysis.",
		Action:    "Please try again. If the problem persists, contact support.",
		Retryable: true,
	},
	UploadFailed: {
		Title:     "Photo Upload Failed",
		Message:   "We couldn't upload your photo for analysis.",
		Action:    "Please check your internet connection and try again.",
		Retryable: true,
	},
	AnalysisFailed: {
		Title:     "Analysis Failed",
		Message:   "We encountered an error while analyzing your skin.",
		Action:    "Please try taking a new photo with good lighting.",
		Retryable: true,
	},
	InvalidImage: {
		Title:     "Invalid Image Format",
		Message:   "The image format is not supported. Please use JPEG or PNG format.",
		Action:    "Try taking a new photo or select a different image.",
		Retryable: true,
	},
	ProviderAuthError: {
		Title:     "Configuration Error",
		Message:   "There's a problem with our analysis service configuration.",
		Action:    "Please contact support if this persists.",
		Retryable: false,
	},
	RateLimited: {
		Title:     "Too Many Requests",
		Message:   "You've reached the analysis limit. Please wait a moment.",
		Action:    "Try again in a few minutes.",
		Retryable: true,
	},
	ProviderServerError: {
		Title:     "Server Error",
		Message:   "Our analysis servers are experiencing issues.",
		Action:    "Please try again later or contact support if the problem persists.",
		Retryable: true,
	},
	Unknown: {
		Title:     "Unexpected Error",
		Message:   "Something went wrong with the skin analysis.",
		Action:    "Please try again or contact support if the problem continues.",
		Retryable: true,
	},
}

func infoFor(kind Kind) Info {
	info := texts[kind]
	info.Kind = kind
	return info
}

// ByKind returns the canonical Info for a known kind.
func ByKind(kind Kind) Info {
	if _, ok := texts[kind]; !ok {
		return infoFor(Unknown)
	}
	return infoFor(kind)
}

// Classify maps a raw failure string to an Info. It never fails:
// signals matching no rule come back as Unknown.
func Classify(signal string) Info {
	s := strings.ToLower(signal)
	for _, r := range rules {
		if r.matches(s) {
			return infoFor(r.kind)
		}
	}
	return infoFor(Unknown)
}

// ClassifyPayload inspects a decoded provider error body. It searches
// error.message and error.description first, then a top-level message,
// against the same rule table used for plain strings.
func ClassifyPayload(payload map[string]any) Info {
	if nested, ok := payload["error"].(map[string]any); ok {
		for _, field := range []string{"message", "description"} {
			if text, ok := nested[field].(string); ok && text != "" {
				if info := Classify(text); info.Kind != Unknown {
					return info
				}
			}
		}
	}
	if text, ok := payload["message"].(string); ok && text != "" {
		if info := Classify(text); info.Kind != Unknown {
			return info
		}
	}
	return infoFor(Unknown)
}

// Error carries a classification together with the raw signal that
// produced it. The raw text is for logs and audit rows, never callers.
type Error struct {
	Info Info
	Raw  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Info.Kind, e.Info.Message)
}

// NewError classifies signal and wraps it.
func NewError(signal string) *Error {
	return &Error{Info: Classify(signal), Raw: signal}
}

// NewKindError builds an Error for an already-known kind.
func NewKindError(kind Kind, raw string) *Error {
	return &Error{Info: infoFor(kind), Raw: raw}
}

// NewPayloadError classifies a decoded provider error body.
func NewPayloadError(payload map[string]any, raw string) *Error {
	return &Error{Info: ClassifyPayload(payload), Raw: raw}
}

// FromError pulls the classification out of err if it carries one,
// otherwise classifies err.Error().
func FromError(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return NewError(err.Error())
}

// Response is what API callers receive for a failed analysis. Raw
// provider payloads are deliberately absent.
type Response struct {
	Success   bool      `json:"success"`
	ErrorCode Kind      `json:"error_code"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Action    string    `json:"action"`
	Retryable bool      `json:"retryable"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ToResponse wraps an Info with correlation metadata and logs it for
// monitoring.
func ToResponse(info Info, requestID, userID string) Response {
	slog.Warn("provider error classified",
		"error_kind", string(info.Kind),
		"retryable", info.Retryable,
		"request_id", requestID,
		"user_id", userID,
	)
	return Response{
		Success:   false,
		ErrorCode: info.Kind,
		Title:     info.Title,
		Message:   info.Message,
		Action:    info.Action,
		Retryable: info.Retryable,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	}
}
