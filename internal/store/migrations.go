package store

import (
	"database/sql"
	"fmt"

	"github.com/hyperengineering/distil/migrations"
	"github.com/pressly/goose/v3"
)

// RunMigrations brings the run history schema up to date from the SQL files
// embedded in the migrations package. Already-applied versions are skipped.
func RunMigrations(db *sql.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("apply run history migrations: %w", err)
	}
	return nil
}
