package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/skinsense/analysis-api/internal/application"
	appanalysis "github.com/skinsense/analysis-api/internal/application/analysis"
	"github.com/skinsense/analysis-api/internal/config"
	domain "github.com/skinsense/analysis-api/internal/domain/analysis"
	errdomain "github.com/skinsense/analysis-api/internal/domain/analysiserrors"
	rediscache "github.com/skinsense/analysis-api/internal/infra/cache"
	mysqlp "github.com/skinsense/analysis-api/internal/infra/db/mysql"
	postgresp "github.com/skinsense/analysis-api/internal/infra/db/postgres"
	"github.com/skinsense/analysis-api/internal/infra/httpserver"
	"github.com/skinsense/analysis-api/internal/infra/provider/orbo"
	minioStore "github.com/skinsense/analysis-api/internal/infra/storage"
	"github.com/skinsense/analysis-api/internal/middleware"
	"github.com/skinsense/analysis-api/migrations"
)

func main() {
	_ = godotenv.Load()

	slogLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		slogLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})))

	// path config.yaml
	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("config load error", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// connect database (driver from config)
	var db *sql.DB
	var repo domain.Repository
	var errRepo errdomain.Repository
	switch cfg.Database.Driver {
	case "postgres":
		db, err = postgresp.Connect(ctx, cfg.PostgresDSN())
		if err != nil {
			slog.Error("postgres connect error", "error", err)
			os.Exit(1)
		}
		repo = postgresp.NewAnalysisRepository(db)
		errRepo = postgresp.NewAnalysisErrorRepository(db)
	default:
		db, err = mysqlp.Connect(ctx, cfg.MySQLDSN())
		if err != nil {
			slog.Error("mysql connect error", "error", err)
			os.Exit(1)
		}
		repo = mysqlp.NewAnalysisRepository(db)
		errRepo = mysqlp.NewAnalysisErrorRepository(db)
	}
	defer db.Close()

	if err := migrations.Up(db, cfg.Database.Driver); err != nil {
		slog.Error("migration error", "error", err)
		os.Exit(1)
	}

	// init minio
	store, err := minioStore.New(ctx,
		cfg.Minio.Endpoint,
		cfg.Minio.Region,
		cfg.Minio.BucketName,
		cfg.Minio.AccessKey,
		cfg.Minio.SecretKey,
		cfg.Minio.UseSSL,
	)
	if err != nil {
		slog.Error("minio init error", "error", err)
		os.Exit(1)
	}

	checkers := map[string]middleware.HealthChecker{
		"database": &middleware.DatabaseHealthChecker{DB: db},
		"storage":  &middleware.PingChecker{Target: store},
	}

	// redis cache, optional
	var recordCache domain.RecordCache
	if cfg.Redis.URL != "" {
		rc, err := rediscache.New(rediscache.Config{URL: cfg.Redis.URL, Password: cfg.Redis.Password})
		if err != nil {
			slog.Error("redis init error", "error", err)
			os.Exit(1)
		}
		defer rc.Close()
		recordCache = rc
		checkers["redis"] = &middleware.PingChecker{Target: rc}
	}

	provider := orbo.NewClient(orbo.Config{
		BaseURL:      cfg.Orbo.BaseURL,
		ClientID:     cfg.Orbo.ClientID,
		APIKey:       cfg.Orbo.APIKey,
		PollInterval: time.Duration(cfg.Orbo.PollIntervalSeconds) * time.Second,
		PollAttempts: cfg.Orbo.PollAttempts,
	})

	clock := application.SystemClock{}
	svc := &appanalysis.Service{
		Repo:     repo,
		Cache:    recordCache,
		Recorder: &appanalysis.Recorder{Repo: repo, Images: store, Cache: recordCache, Clock: clock},
		Provider: provider,
		Monitor:  &appanalysis.Monitor{Repo: errRepo, Clock: clock},
		Clock:    clock,
	}

	mux := chi.NewRouter()
	mux.Mount("/", httpserver.NewRouter(svc, httpserver.Options{
		APIKeys:           cfg.Auth.APIKeys,
		RateLimitCapacity: cfg.RateLimit.Capacity,
		RateLimitRefill:   cfg.RateLimit.RefillRate,
		Checkers:          checkers,
	}))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		// analyze responses wait for provider polling, up to ~40s
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", addr, "driver", cfg.Database.Driver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	slog.Info("shutting down server")

	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx2); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}
