package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed mysql postgres
var fs embed.FS

// Up applies the schema for the chosen dialect (mysql or postgres).
func Up(db *sql.DB, dialect string) error {
	goose.SetBaseFS(fs)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	if err := goose.Up(db, dialect); err != nil {
		return fmt.Errorf("failed to migrate db: %w", err)
	}
	return nil
}
