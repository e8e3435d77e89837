package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skinsense/analysis-api/internal/domain/classify"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAPIKeyAuth(t *testing.T) {
	keys := map[string]string{"mobile_app": "secret-key-1"}
	h := APIKeyAuth(keys)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(GetClientFromContext(r.Context())))
	}))

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/analyses/x", nil))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bearer format", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/analyses/x", nil)
		req.Header.Set("Authorization", "Bearer secret-key-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "mobile_app", rec.Body.String())
	})

	t.Run("bare key format", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/analyses/x", nil)
		req.Header.Set("Authorization", "secret-key-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("wrong key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/analyses/x", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("probes skip auth", func(t *testing.T) {
		for _, path := range []string{"/health", "/ready", "/live", "/metrics"} {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			require.Equal(t, http.StatusOK, rec.Code, path)
		}
	})

	t.Run("empty key map disables auth", func(t *testing.T) {
		open := APIKeyAuth(nil)(okHandler())
		rec := httptest.NewRecorder()
		open.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/analyses/x", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestRateLimitRespondsWithClassifiedError(t *testing.T) {
	// capacity 2, no refill within the test window
	h := RateLimitMiddleware(2, 1)(okHandler())

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/v1/users/u1/analyses", nil)
		r.RemoteAddr = "10.0.0.1:1234"
		return r
	}

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req())
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req())
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "60", rec.Header().Get("Retry-After"))

	var resp classify.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, classify.RateLimited, resp.ErrorCode)
	require.True(t, resp.Retryable)
	require.False(t, resp.Success)
}

func TestRateLimitKeysAreIndependent(t *testing.T) {
	h := RateLimitMiddleware(1, 1)(okHandler())

	first := httptest.NewRequest(http.MethodGet, "/v1/users/u1/analyses", nil)
	first.RemoteAddr = "10.0.0.1:1234"
	second := httptest.NewRequest(http.MethodGet, "/v1/users/u1/analyses", nil)
	second.RemoteAddr = "10.0.0.2:1234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, first)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, second)
	require.Equal(t, http.StatusOK, rec.Code, "a different caller must have its own bucket")
}

type failingChecker struct{ err error }

func (f *failingChecker) Check(ctx context.Context) error { return f.err }

func TestHealthHandlerAggregatesChecks(t *testing.T) {
	h := HealthHandler(map[string]HealthChecker{
		"db":    &failingChecker{err: nil},
		"redis": &failingChecker{err: errors.New("connection refused")},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, "unhealthy", status.Status)
	require.Equal(t, "healthy", status.Checks["db"].Status)
	require.Equal(t, "connection refused", status.Checks["redis"].Message)
}

func TestValidators(t *testing.T) {
	require.NoError(t, ValidateUserID("user-1_ok.2"))
	require.Error(t, ValidateUserID(""))
	require.Error(t, ValidateUserID("has/slash"))
	require.Error(t, ValidateUserID("a b"))

	require.NoError(t, ValidateAnalysisID("0f8fad5b-d9cb-469f-a165-70867728950e"))
	require.Error(t, ValidateAnalysisID("not-a-uuid"))

	require.NoError(t, ValidateSource(""))
	require.NoError(t, ValidateSource("mobile_app"))
	require.Error(t, ValidateSource("carrier_pigeon"))

	require.Equal(t, 20, ValidateLimit(0))
	require.Equal(t, 100, ValidateLimit(500))
	require.Equal(t, 7, ValidateDays(-1))
	require.Equal(t, 365, ValidateDays(1000))
}
