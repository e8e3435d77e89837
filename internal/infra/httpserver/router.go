package httpserver

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appanalysis "github.com/skinsense/analysis-api/internal/application/analysis"
	domain "github.com/skinsense/analysis-api/internal/domain/analysis"
	"github.com/skinsense/analysis-api/internal/domain/classify"
	"github.com/skinsense/analysis-api/internal/middleware"
)

const maxImageBody = 15 << 20 // request bodies above 15 MiB are refused

type Router struct {
	svc *appanalysis.Service
}

// Options carries the cross-cutting wiring for the HTTP surface.
type Options struct {
	APIKeys           map[string]string
	RateLimitCapacity int
	RateLimitRefill   int
	Checkers          map[string]middleware.HealthChecker
}

func NewRouter(svc *appanalysis.Service, opts Options) http.Handler {
	r := &Router{svc: svc}
	mux := chi.NewRouter()

	mux.Use(chimw.RequestID)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"},
		MaxAge:         300,
	}))
	mux.Use(middleware.LoggingMiddleware)
	mux.Use(middleware.MetricsMiddleware)
	mux.Use(middleware.APIKeyAuth(opts.APIKeys))
	if opts.RateLimitCapacity > 0 {
		mux.Use(middleware.RateLimitMiddleware(opts.RateLimitCapacity, opts.RateLimitRefill))
	}

	mux.Get("/health", middleware.HealthHandler(opts.Checkers))
	mux.Get("/ready", middleware.ReadinessHandler)
	mux.Get("/live", middleware.LivenessHandler)
	mux.Handle("/metrics", promhttp.Handler())

	mux.Route("/v1", func(rt chi.Router) {
		rt.Post("/users/{userID}/analyses", r.wrap(r.handleAnalyze))
		rt.Get("/users/{userID}/analyses", r.wrap(r.handleList))
		rt.Get("/analyses/{id}", r.wrap(r.handleGet))
		rt.Get("/errors/stats", r.wrap(r.handleErrorStats))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// badRequest marks malformed client input, as opposed to classified
// pipeline failures which carry their own status.
type badRequest string

func (b badRequest) Error() string { return string(b) }

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var br badRequest
		if errors.As(err, &br) {
			http.Error(w, br.Error(), http.StatusBadRequest)
			return
		}
		var ce *classify.Error
		if errors.As(err, &ce) {
			writeClassified(w, req, ce)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// statusFor maps an error kind to the HTTP status callers see: caller
// problems are 4xx, provider problems surface as upstream failures.
func statusFor(kind classify.Kind) int {
	switch kind {
	case classify.FaceNotDetected, classify.ImageTooSmall, classify.OutOfFocus,
		classify.AngleTilted, classify.InvalidImage:
		return http.StatusBadRequest
	case classify.RateLimited:
		return http.StatusTooManyRequests
	case classify.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// writeClassified emits the classified envelope. Raw provider detail
// stays in logs and the error store, never in the response body.
func writeClassified(w http.ResponseWriter, req *http.Request, ce *classify.Error) {
	resp := classify.ToResponse(ce.Info, chimw.GetReqID(req.Context()), chi.URLParam(req, "userID"))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(ce.Info.Kind))
	json.NewEncoder(w).Encode(resp)
}

// decodeImagePayload accepts plain base64 or a data URL
// (data:image/jpeg;base64,...) and returns the raw bytes.
func decodeImagePayload(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		idx := strings.Index(s, "base64,")
		if idx < 0 {
			return nil, errors.New("data URL without base64 payload")
		}
		s = s[idx+len("base64,"):]
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}

// POST /v1/users/{userID}/analyses
// Body: {"image_data": "<base64>", "filename": "...", "source": "mobile_app"}
// Synchronous: the response carries the completed record or the
// classified failure. The pipeline runs on a detached context, so a
// dropped connection never strands a record mid-flight.
func (r *Router) handleAnalyze(w http.ResponseWriter, req *http.Request) error {
	userID := chi.URLParam(req, "userID")
	if err := middleware.ValidateUserID(userID); err != nil {
		return badRequest(err.Error())
	}

	req.Body = http.MaxBytesReader(w, req.Body, maxImageBody)
	var body struct {
		ImageData  string `json:"image_data"`
		Filename   string `json:"filename"`
		Source     string `json:"source"`
		AppVersion string `json:"app_version"`
		DeviceInfo string `json:"device_info"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return badRequest("invalid request body: " + err.Error())
	}
	if body.ImageData == "" {
		return badRequest("image_data is required")
	}
	if err := middleware.ValidateSource(body.Source); err != nil {
		return badRequest(err.Error())
	}

	imageBytes, err := decodeImagePayload(body.ImageData)
	if err != nil {
		return badRequest("image_data is not valid base64")
	}

	out, err := r.svc.AnalyzeDetached(appanalysis.AnalyzeCommand{
		UserID:     userID,
		ImageData:  imageBytes,
		Filename:   middleware.SanitizeString(body.Filename),
		Source:     body.Source,
		AppVersion: middleware.SanitizeString(body.AppVersion),
		DeviceInfo: middleware.SanitizeString(body.DeviceInfo),
	})
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(out)
}

// GET /v1/analyses/{id}
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	id := chi.URLParam(req, "id")
	if err := middleware.ValidateAnalysisID(id); err != nil {
		return badRequest(err.Error())
	}

	rec, err := r.svc.Get(req.Context(), domain.AnalysisID(id))
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(rec)
}

// GET /v1/users/{userID}/analyses?limit=20
func (r *Router) handleList(w http.ResponseWriter, req *http.Request) error {
	userID := chi.URLParam(req, "userID")
	if err := middleware.ValidateUserID(userID); err != nil {
		return badRequest(err.Error())
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	limit = middleware.ValidateLimit(limit)

	list, err := r.svc.List(req.Context(), userID, limit)
	if err != nil {
		return err
	}
	if list == nil {
		list = []*domain.Record{}
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(map[string]any{
		"data":  list,
		"count": len(list),
	})
}

// GET /v1/errors/stats?days=7
func (r *Router) handleErrorStats(w http.ResponseWriter, req *http.Request) error {
	days, _ := strconv.Atoi(req.URL.Query().Get("days"))
	days = middleware.ValidateDays(days)

	stats, err := r.svc.ErrorStats(req.Context(), days)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(stats)
}
