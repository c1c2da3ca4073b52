package store

import (
	"context"
	"embed"

	"github.com/pressly/goose/v3"

	"casetrack/core/utils"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// ApplyMigrations brings the schema up to date using the embedded goose
// migrations. Safe to call on every start.
func ApplyMigrations(ctx context.Context, db *DB, logger *utils.Logger) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	dialect := "sqlite3"
	if db.Driver() == DriverPostgres {
		dialect = "postgres"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		return err
	}
	logger.Infof("store: migrations applied")
	return nil
}
