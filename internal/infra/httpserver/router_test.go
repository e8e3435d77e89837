package httpserver

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skinsense/analysis-api/internal/application"
	appanalysis "github.com/skinsense/analysis-api/internal/application/analysis"
	domain "github.com/skinsense/analysis-api/internal/domain/analysis"
	errdomain "github.com/skinsense/analysis-api/internal/domain/analysiserrors"
	"github.com/skinsense/analysis-api/internal/domain/classify"
	"github.com/skinsense/analysis-api/internal/infra/provider/orbo"
)

//
// in-memory ports
//

type memRepo struct {
	mu   sync.Mutex
	byID map[domain.AnalysisID]*domain.Record
}

func newMemRepo() *memRepo { return &memRepo{byID: map[domain.AnalysisID]*domain.Record{}} }

func (m *memRepo) Save(ctx context.Context, r *domain.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.AuditTrail = append([]domain.AuditEntry(nil), r.AuditTrail...)
	m.byID[r.ID] = &cp
	return nil
}

func (m *memRepo) Get(ctx context.Context, id domain.AnalysisID) (*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.byID[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, sql.ErrNoRows
}

func (m *memRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Record
	for _, r := range m.byID {
		if r.UserID == userID && len(out) < limit {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memImages struct{}

func (memImages) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	return "https://store.internal/" + key, nil
}
func (memImages) Delete(ctx context.Context, key string) error { return nil }

type memErrRepo struct {
	mu     sync.Mutex
	logged []*errdomain.AnalysisError
}

func (m *memErrRepo) Save(ctx context.Context, e *errdomain.AnalysisError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logged = append(m.logged, e)
	return nil
}

func (m *memErrRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*errdomain.AnalysisError, error) {
	return nil, nil
}

func (m *memErrRepo) Stats(ctx context.Context, sinceDays int) ([]errdomain.KindCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int{}
	users := map[string]map[string]struct{}{}
	for _, e := range m.logged {
		counts[e.ErrorKind]++
		if users[e.ErrorKind] == nil {
			users[e.ErrorKind] = map[string]struct{}{}
		}
		users[e.ErrorKind][e.UserID] = struct{}{}
	}
	var out []errdomain.KindCount
	for kind, total := range counts {
		out = append(out, errdomain.KindCount{ErrorKind: kind, Total: total, AffectedUsers: len(users[kind])})
	}
	return out, nil
}

// providerServer fakes the three-phase provider protocol.
func providerServer(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server

	mux := http.NewServeMux()
	mux.HandleFunc("/image", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":{"uploadSignedUrl":%q,"session_id":"sess-router"}}`, srv.URL+"/upload/1")
	})
	mux.HandleFunc("/upload/1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/analysis", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"success": true,
			"statusCode": 200,
			"message": "ok",
			"data": {
				"output_score": [
					{"concern": "skin_health", "score": 76, "riskLevel": "low"},
					{"concern": "hydration", "score": 85, "riskLevel": "low"},
					{"concern": "smoothness", "score": 90, "riskLevel": "low"},
					{"concern": "skin_dullness", "score": 20, "riskLevel": "high"},
					{"concern": "dark_spots", "score": 15, "riskLevel": "high"},
					{"concern": "firmness", "score": 88, "riskLevel": "low"},
					{"concern": "face_wrinkles", "score": 10, "riskLevel": "high"},
					{"concern": "acne", "score": 5, "riskLevel": "high"},
					{"concern": "dark_circle", "score": 25, "riskLevel": "medium"},
					{"concern": "redness", "score": 12, "riskLevel": "medium"}
				],
				"input_image": "https://provider.cdn/input.jpg",
				"annotations": {"acne": "https://provider.cdn/acne.jpg"}
			}
		}`))
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type testEnv struct {
	handler http.Handler
	repo    *memRepo
	errRepo *memErrRepo
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	provider := providerServer(t)
	client := orbo.NewClient(orbo.Config{
		BaseURL:      provider.URL,
		ClientID:     "test-client",
		APIKey:       "test-key",
		PollInterval: 1, // nanosecond-scale, polls resolve first attempt anyway
		PollAttempts: 3,
	})

	repo := newMemRepo()
	errRepo := &memErrRepo{}
	clock := application.SystemClock{}
	svc := &appanalysis.Service{
		Repo:     repo,
		Recorder: &appanalysis.Recorder{Repo: repo, Images: memImages{}, Clock: clock},
		Provider: client,
		Monitor:  &appanalysis.Monitor{Repo: errRepo, Clock: clock},
		Clock:    clock,
	}
	return &testEnv{handler: NewRouter(svc, opts), repo: repo, errRepo: errRepo}
}

func jpegPayload(t *testing.T, w, h int) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h)), nil))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func postAnalysis(t *testing.T, env *testEnv, userID, imageData string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]string{
		"image_data": imageData,
		"filename":   "selfie.jpg",
		"source":     "mobile_app",
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/users/"+userID+"/analyses", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func TestAnalyzeEndpointFullFlow(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := postAnalysis(t, env, "user-1", jpegPayload(t, 1024, 1024))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		Success bool           `json:"success"`
		Record  *domain.Record `json:"record"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.True(t, out.Success)
	require.NotNil(t, out.Record)
	require.Equal(t, domain.StatusCompleted, out.Record.Status)
	require.Equal(t, "sess-router", out.Record.ProviderSessionID)
	require.NotNil(t, out.Record.Metrics)
	require.Equal(t, 76.0, out.Record.Metrics.OverallSkinHealthScore)
	require.Equal(t, 20.0, out.Record.Metrics.Radiance) // skin_dullness passes through
	require.Len(t, out.Record.AuditTrail, 4)

	// record is retrievable afterwards
	getRec := httptest.NewRecorder()
	env.handler.ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, "/v1/analyses/"+string(out.Record.ID), nil))
	require.Equal(t, http.StatusOK, getRec.Code)
}

func TestAnalyzeEndpointAcceptsDataURL(t *testing.T) {
	env := newTestEnv(t, Options{})
	payload := "data:image/jpeg;base64," + jpegPayload(t, 600, 600)

	rec := postAnalysis(t, env, "user-1", payload)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestAnalyzeEndpointRejectsSmallImage(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := postAnalysis(t, env, "user-1", jpegPayload(t, 300, 300))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp classify.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, classify.ImageTooSmall, resp.ErrorCode)
	require.True(t, resp.Retryable)
	require.NotEmpty(t, resp.Title)
	require.NotEmpty(t, resp.Action)
	require.False(t, strings.Contains(rec.Body.String(), "output_score"), "raw provider detail must not leak")
}

func TestAnalyzeEndpointBadRequests(t *testing.T) {
	env := newTestEnv(t, Options{})

	t.Run("invalid base64", func(t *testing.T) {
		rec := postAnalysis(t, env, "user-1", "!!not-base64!!")
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing image_data", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/users/user-1/analyses", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid source", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{"image_data": jpegPayload(t, 600, 600), "source": "fax"})
		req := httptest.NewRequest(http.MethodPost, "/v1/users/user-1/analyses", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid user id", func(t *testing.T) {
		rec := postAnalysis(t, env, "user%20with%20spaces", jpegPayload(t, 600, 600))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetAnalysisNotFound(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/analyses/0f8fad5b-d9cb-469f-a165-70867728950e", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/analyses/not-a-uuid", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAnalysesEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{})
	img := jpegPayload(t, 600, 600)
	require.Equal(t, http.StatusOK, postAnalysis(t, env, "user-7", img).Code)
	require.Equal(t, http.StatusOK, postAnalysis(t, env, "user-7", img).Code)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/users/user-7/analyses?limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Data  []*domain.Record `json:"data"`
		Count int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, 2, out.Count)
	require.Len(t, out.Data, 2)
}

func TestErrorStatsEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{})
	postAnalysis(t, env, "user-1", jpegPayload(t, 200, 200)) // too small, logged

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/errors/stats?days=7", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.EqualValues(t, 7, stats["period_days"])
	require.EqualValues(t, 1, stats["total_errors"])
}

func TestRouterAuthGate(t *testing.T) {
	env := newTestEnv(t, Options{APIKeys: map[string]string{"mobile_app": "k1"}})

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/users/user-1/analyses", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/users/user-1/analyses", nil)
	req.Header.Set("Authorization", "Bearer k1")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// probes stay open
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpointExposed(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}
