package orbo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	domain "github.com/skinsense/analysis-api/internal/domain/analysis"
	"github.com/skinsense/analysis-api/internal/domain/classify"
	"github.com/skinsense/analysis-api/internal/metrics"
)

const (
	defaultPollInterval = 3 * time.Second
	defaultPollAttempts = 10

	connectTimeout = 10 * time.Second
	callTimeout    = 60 * time.Second
	pollTimeout    = 30 * time.Second
)

// Config for the ORBO client. Credentials travel as x-client-id and
// x-api-key headers on every call except the presigned upload PUT.
type Config struct {
	BaseURL      string
	ClientID     string
	APIKey       string
	PollInterval time.Duration // zero means the 3s default
	PollAttempts int           // zero means the default of 10
}

// Client implements the analysis.Provider port against the ORBO skin
// API. All failures come back as *classify.Error.
type Client struct {
	baseURL      string
	clientID     string
	apiKey       string
	httpClient   *http.Client
	pollClient   *http.Client
	pollInterval time.Duration
	pollAttempts int
}

var _ domain.Provider = (*Client)(nil)

func NewClient(cfg Config) *Client {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	attempts := cfg.PollAttempts
	if attempts <= 0 {
		attempts = defaultPollAttempts
	}
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		apiKey:       cfg.APIKey,
		httpClient:   &http.Client{Timeout: callTimeout, Transport: transport},
		pollClient:   &http.Client{Timeout: pollTimeout, Transport: transport},
		pollInterval: interval,
		pollAttempts: attempts,
	}
}

// ReserveUploadSlot asks the provider for a presigned upload URL and a
// session id correlating the upload with its eventual result.
func (c *Client) ReserveUploadSlot(ctx context.Context, fileExt string) (domain.UploadSlot, error) {
	start := time.Now()
	if fileExt == "" {
		fileExt = "jpg"
	}
	endpoint := fmt.Sprintf("%s/image?file_ext=%s", c.baseURL, url.QueryEscape(fileExt))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.UploadSlot{}, c.fail("reserve_slot", classify.NewError(err.Error()))
	}
	c.setAuthHeaders(req, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.UploadSlot{}, c.fail("reserve_slot", classify.FromError(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.UploadSlot{}, c.fail("reserve_slot", classify.FromError(err))
	}
	if resp.StatusCode != http.StatusOK {
		return domain.UploadSlot{}, c.fail("reserve_slot", classifyHTTPFailure(resp.StatusCode, body))
	}

	var env slotEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return domain.UploadSlot{}, c.fail("reserve_slot",
			classify.NewKindError(classify.UploadSlotFailed, fmt.Sprintf("decode presigned response: %v", err)))
	}
	if env.Data.UploadSignedURL == "" || env.Data.SessionID == "" {
		return domain.UploadSlot{}, c.fail("reserve_slot",
			classify.NewKindError(classify.UploadSlotFailed, "presigned response missing uploadSignedUrl or session_id"))
	}

	c.success("reserve_slot", start)
	return domain.UploadSlot{UploadURL: env.Data.UploadSignedURL, SessionID: env.Data.SessionID}, nil
}

// UploadImage PUTs the raw bytes to the presigned destination. No
// retries here: recovering from a failed upload is the caller's call.
func (c *Client) UploadImage(ctx context.Context, uploadURL string, data []byte) error {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		return c.fail("upload", classify.NewKindError(classify.UploadFailed, err.Error()))
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		ce := classify.FromError(err)
		if ce.Info.Kind != classify.Timeout {
			ce = classify.NewKindError(classify.UploadFailed, err.Error())
		}
		return c.fail("upload", ce)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return c.fail("upload",
			classify.NewKindError(classify.UploadFailed, fmt.Sprintf("upload returned http %d: %s", resp.StatusCode, body)))
	}

	c.success("upload", start)
	return nil
}

// PollAnalysis GETs the result until the provider reports a terminal
// outcome, waiting pollInterval between attempts. Validation errors
// (HTTP 400) and explicit provider error payloads end the loop at once;
// anything else counts as still-processing. Exhausting the attempts
// classifies as Timeout.
func (c *Client) PollAnalysis(ctx context.Context, sessionID string) (*domain.ProviderResult, error) {
	endpoint := c.baseURL + "/analysis"

	for attempt := 1; attempt <= c.pollAttempts; attempt++ {
		res, err := c.pollOnce(ctx, endpoint, sessionID, attempt)
		if err != nil {
			metrics.PollAttempts.Observe(float64(attempt))
			return nil, err
		}
		if res != nil {
			metrics.PollAttempts.Observe(float64(attempt))
			return res, nil
		}
		if attempt < c.pollAttempts {
			select {
			case <-ctx.Done():
				metrics.PollAttempts.Observe(float64(attempt))
				return nil, classify.FromError(ctx.Err())
			case <-time.After(c.pollInterval):
			}
		}
	}

	metrics.PollAttempts.Observe(float64(c.pollAttempts))
	return nil, c.fail("poll",
		classify.NewKindError(classify.Timeout, fmt.Sprintf("analysis not ready after %d attempts", c.pollAttempts)))
}

// pollOnce returns (nil, nil) when the analysis is still processing.
func (c *Client) pollOnce(ctx context.Context, endpoint, sessionID string, attempt int) (*domain.ProviderResult, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, c.fail("poll", classify.NewError(err.Error()))
	}
	c.setAuthHeaders(req, sessionID)

	resp, err := c.pollClient.Do(req)
	if err != nil {
		return nil, c.fail("poll", classify.FromError(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.fail("poll", classify.FromError(err))
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var env analysisEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, c.fail("poll",
				classify.NewKindError(classify.AnalysisFailed, fmt.Sprintf("decode analysis response: %v", err)))
		}
		if env.Success {
			if env.Data == nil {
				return nil, c.fail("poll",
					classify.NewKindError(classify.AnalysisFailed, "analysis response had no data"))
			}
			c.success("poll", start)
			return &domain.ProviderResult{
				Metrics:     MapScores(env.Data.OutputScore),
				Annotations: env.Data.Annotations,
				InputImage:  env.Data.InputImage,
				Raw:         body,
			}, nil
		}
		// success=false with an error payload is terminal. Without one the
		// provider is still processing.
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err == nil {
			if _, ok := payload["error"]; ok {
				return nil, c.fail("poll", classify.NewPayloadError(payload, string(body)))
			}
		}
		metrics.ProviderRequestsTotal.WithLabelValues("poll", "processing").Inc()
		slog.Debug("analysis still processing", "attempt", attempt, "max_attempts", c.pollAttempts, "status", resp.StatusCode)
		return nil, nil

	case http.StatusBadRequest:
		// validation problems are not transient, bail out immediately
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			payload = map[string]any{"message": string(body)}
		}
		slog.Warn("analysis validation error", "session_id", sessionID, "body", string(body))
		return nil, c.fail("poll", classify.NewPayloadError(payload, string(body)))

	default:
		metrics.ProviderRequestsTotal.WithLabelValues("poll", "processing").Inc()
		slog.Debug("analysis still processing", "attempt", attempt, "max_attempts", c.pollAttempts, "status", resp.StatusCode)
		return nil, nil
	}
}

func (c *Client) setAuthHeaders(req *http.Request, sessionID string) {
	req.Header.Set("x-client-id", c.clientID)
	req.Header.Set("x-api-key", c.apiKey)
	if sessionID != "" {
		req.Header.Set("x-session-id", sessionID)
	}
}

// classifyHTTPFailure prefers the provider's structured error body and
// falls back to the status line plus body text.
func classifyHTTPFailure(status int, body []byte) *classify.Error {
	raw := fmt.Sprintf("http %d %s: %s", status, http.StatusText(status), body)
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		if info := classify.ClassifyPayload(payload); info.Kind != classify.Unknown {
			return &classify.Error{Info: info, Raw: raw}
		}
	}
	return classify.NewError(raw)
}

func (c *Client) success(op string, start time.Time) {
	metrics.ProviderRequestsTotal.WithLabelValues(op, "success").Inc()
	metrics.ProviderLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (c *Client) fail(op string, ce *classify.Error) *classify.Error {
	metrics.ProviderRequestsTotal.WithLabelValues(op, "failure").Inc()
	return ce
}
