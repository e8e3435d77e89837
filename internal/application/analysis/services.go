package analysis

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"

	_ "image/jpeg"
	_ "image/png"

	"github.com/skinsense/analysis-api/internal/application"
	domain "github.com/skinsense/analysis-api/internal/domain/analysis"
	errdomain "github.com/skinsense/analysis-api/internal/domain/analysiserrors"
	"github.com/skinsense/analysis-api/internal/domain/classify"
	"github.com/skinsense/analysis-api/internal/metrics"
)

// minimum pixel dimensions the provider can analyze
const minImageDimension = 500

const defaultListLimit = 10

// Service implements use-cases for skin analyses.
// Service is designed to be used concurrently and is thread-safe.
type Service struct {
	Repo     domain.Repository
	Cache    domain.RecordCache // optional
	Recorder *Recorder
	Provider domain.Provider
	Monitor  *Monitor // optional
	Clock    application.Clock
}

//
// ==== USE CASES ====
//

// AnalyzeCommand carries one photo submission
type AnalyzeCommand struct {
	UserID     string
	ImageData  []byte
	Filename   string
	Source     string
	AppVersion string
	DeviceInfo string
}

// AnalyzeOutcome is what callers of Analyze receive. On failure Error
// holds the classification and Record the terminal record, when one
// was created.
type AnalyzeOutcome struct {
	Success bool           `json:"success"`
	Record  *domain.Record `json:"record,omitempty"`
	Error   *classify.Info `json:"error,omitempty"`
}

// AnalyzeDetached runs Analyze on context.Background() so a dropped
// client connection cannot leave the record in a non-terminal state.
// The record, not the request cycle, is the durable source of truth.
func (s *Service) AnalyzeDetached(cmd AnalyzeCommand) (AnalyzeOutcome, error) {
	return s.Analyze(context.Background(), cmd)
}

// Analyze runs the full acquisition pipeline: validate the image,
// create our own record, then drive the provider through reserve,
// upload and poll, and settle the record with the outcome. Phases run
// strictly in order; the first failure is terminal.
func (s *Service) Analyze(ctx context.Context, cmd AnalyzeCommand) (AnalyzeOutcome, error) {
	meta, ce := s.validateImage(cmd)
	if ce != nil {
		metrics.AnalysesTotal.WithLabelValues("rejected").Inc()
		s.logError(ctx, cmd, nil, "", "validate", ce)
		slog.Warn("image rejected before provider contact", "user_id", cmd.UserID, "error_kind", ce.Info.Kind)
		return AnalyzeOutcome{Error: &ce.Info}, ce
	}

	// data sovereignty: our record exists before any provider call
	record, err := s.Recorder.PreCall(ctx, cmd.UserID, cmd.ImageData, meta)
	if err != nil {
		ce := classify.FromError(err)
		if ce.Info.Kind == classify.Unknown {
			ce = classify.NewKindError(classify.InvalidImage, err.Error())
		}
		metrics.AnalysesTotal.WithLabelValues("failed").Inc()
		s.logError(ctx, cmd, nil, "", "pre_call", ce)
		slog.Error("pre-call persistence failed", "user_id", cmd.UserID, "error", err)
		return AnalyzeOutcome{Error: &ce.Info}, ce
	}

	slot, err := s.Provider.ReserveUploadSlot(ctx, fileExtFor(meta))
	if err != nil {
		return s.failPipeline(ctx, cmd, record, "", "reserve_slot", classify.FromError(err))
	}
	s.Recorder.RecordSlotReserved(ctx, record, slot.SessionID)

	if err := s.Provider.UploadImage(ctx, slot.UploadURL, cmd.ImageData); err != nil {
		return s.failPipeline(ctx, cmd, record, slot.SessionID, "upload", classify.FromError(err))
	}
	s.Recorder.RecordUploaded(ctx, record)

	result, err := s.Provider.PollAnalysis(ctx, slot.SessionID)
	if err != nil {
		return s.failPipeline(ctx, cmd, record, slot.SessionID, "poll", classify.FromError(err))
	}

	// A persistence failure after a provider success must not mask the
	// result. Log it, report it, return the result anyway.
	if err := s.Recorder.PostCall(ctx, record, result, slot.SessionID); err != nil {
		slog.Error("post-call persistence failed, returning provider result anyway",
			"analysis_id", record.ID, "user_id", cmd.UserID, "error", err)
		s.logError(ctx, cmd, record, slot.SessionID, "persist", classify.NewKindError(classify.Unknown, err.Error()))
	}

	metrics.AnalysesTotal.WithLabelValues("completed").Inc()
	slog.Info("analysis completed", "analysis_id", record.ID, "user_id", cmd.UserID, "session_id", slot.SessionID)
	return AnalyzeOutcome{Success: true, Record: record}, nil
}

// Get returns one analysis by id, cache first.
func (s *Service) Get(ctx context.Context, id domain.AnalysisID) (*domain.Record, error) {
	if s.Cache != nil {
		if rec, ok := s.Cache.Get(ctx, id); ok {
			metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
			return rec, nil
		}
		metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
	}
	rec, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Cache != nil && rec != nil {
		s.Cache.Set(ctx, rec)
	}
	return rec, nil
}

// List returns a user's analyses, newest first.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]*domain.Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if s.Cache != nil {
		if recs, ok := s.Cache.GetUserList(ctx, userID, limit); ok {
			metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
			return recs, nil
		}
		metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
	}
	recs, err := s.Repo.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if s.Cache != nil {
		s.Cache.SetUserList(ctx, userID, limit, recs)
	}
	return recs, nil
}

// ErrorStats returns the aggregate failure rollup for monitoring.
func (s *Service) ErrorStats(ctx context.Context, sinceDays int) (map[string]any, error) {
	if s.Monitor == nil {
		return map[string]any{}, nil
	}
	return s.Monitor.Stats(ctx, sinceDays)
}

func (s *Service) failPipeline(ctx context.Context, cmd AnalyzeCommand, record *domain.Record, sessionID, phase string, ce *classify.Error) (AnalyzeOutcome, error) {
	s.Recorder.MarkFailed(ctx, record, ce)
	s.logError(ctx, cmd, record, sessionID, phase, ce)
	metrics.AnalysesTotal.WithLabelValues("failed").Inc()
	slog.Error("analysis pipeline failed",
		"analysis_id", record.ID,
		"user_id", cmd.UserID,
		"phase", phase,
		"error_kind", ce.Info.Kind,
		"raw", truncate(ce.Raw, 500),
	)
	return AnalyzeOutcome{Record: record, Error: &ce.Info}, ce
}

// validateImage rejects undecodable or undersized images before
// anything durable happens: no record, no provider call.
func (s *Service) validateImage(cmd AnalyzeCommand) (domain.ImageMetadata, *classify.Error) {
	if len(cmd.ImageData) == 0 {
		return domain.ImageMetadata{}, classify.NewKindError(classify.InvalidImage, "empty image payload")
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(cmd.ImageData))
	if err != nil {
		return domain.ImageMetadata{}, classify.NewKindError(classify.InvalidImage, fmt.Sprintf("decode image: %v", err))
	}
	if cfg.Width < minImageDimension || cfg.Height < minImageDimension {
		return domain.ImageMetadata{}, classify.NewKindError(classify.ImageTooSmall,
			fmt.Sprintf("image resolution is too small: %dx%d, minimum %dx%d", cfg.Width, cfg.Height, minImageDimension, minImageDimension))
	}
	return domain.ImageMetadata{
		Filename:    cmd.Filename,
		ContentType: "image/" + format,
		Width:       cfg.Width,
		Height:      cfg.Height,
		SizeBytes:   len(cmd.ImageData),
		Source:      cmd.Source,
	}, nil
}

func (s *Service) logError(ctx context.Context, cmd AnalyzeCommand, record *domain.Record, sessionID, phase string, ce *classify.Error) {
	if s.Monitor == nil {
		return
	}
	e := &errdomain.AnalysisError{
		UserID:     cmd.UserID,
		SessionID:  sessionID,
		ErrorKind:  string(ce.Info.Kind),
		Phase:      phase,
		Detail:     truncate(ce.Raw, 500),
		AppVersion: cmd.AppVersion,
		DeviceInfo: cmd.DeviceInfo,
	}
	if record != nil {
		e.AnalysisID = string(record.ID)
	}
	s.Monitor.LogError(ctx, e)
}

func fileExtFor(meta domain.ImageMetadata) string {
	if meta.ContentType == "image/png" {
		return "png"
	}
	return "jpg"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
