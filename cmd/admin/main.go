package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/skinsense/analysis-api/internal/config"
	domain "github.com/skinsense/analysis-api/internal/domain/analysis"
	errdomain "github.com/skinsense/analysis-api/internal/domain/analysiserrors"
	mysqlp "github.com/skinsense/analysis-api/internal/infra/db/mysql"
	postgresp "github.com/skinsense/analysis-api/internal/infra/db/postgres"
	"github.com/skinsense/analysis-api/migrations"
)

var (
	cfgPath string
	days    int
	limit   int
)

var rootCmd = &cobra.Command{
	Use:   "skinsense-admin",
	Short: "Admin tooling for the skin analysis service",
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, _, _, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		if err := migrations.Up(db, cfg.Database.Driver); err != nil {
			return err
		}
		slog.Info("migrations applied", "driver", cfg.Database.Driver)
		return nil
	},
}

var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Show classified failure counts per error kind",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, _, errRepo, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		stats, err := errRepo.Stats(cmd.Context(), days)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"period_days": days, "errors_by_kind": stats})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <analysis-id>",
	Short: "Print one analysis record with its audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, repo, _, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		rec, err := repo.Get(cmd.Context(), domain.AnalysisID(args[0]))
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var listCmd = &cobra.Command{
	Use:   "list <user-id>",
	Short: "List a user's analyses, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, repo, _, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		recs, err := repo.ListByUser(cmd.Context(), args[0], limit)
		if err != nil {
			return err
		}
		return printJSON(recs)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file path")
	errorsCmd.Flags().IntVar(&days, "days", 7, "aggregate window in days")
	listCmd.Flags().IntVar(&limit, "limit", 20, "max records")
	rootCmd.AddCommand(migrateCmd, errorsCmd, getCmd, listCmd)
}

func open(ctx context.Context) (*config.Config, *sql.DB, domain.Repository, errdomain.Repository, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.Driver == "postgres" {
		db, err := postgresp.Connect(ctx, cfg.PostgresDSN())
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return cfg, db, postgresp.NewAnalysisRepository(db), postgresp.NewAnalysisErrorRepository(db), nil
	}
	db, err := mysqlp.Connect(ctx, cfg.MySQLDSN())
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return cfg, db, mysqlp.NewAnalysisRepository(db), mysqlp.NewAnalysisErrorRepository(db), nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.RFC3339,
	})))

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
