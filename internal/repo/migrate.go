package repo

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sync"

	"github.com/pressly/goose/v3"
)

const (
	dialectPostgres = "postgres"
	dialectSQLite   = "sqlite3"
)

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

// ApplyMigrations runs the goose migrations found under the directory of
// filesystem named after the dialect ("postgres" or "sqlite").
func ApplyMigrations(ctx context.Context, db *sql.DB, dialect string, filesystem fs.FS) error {
	dir := "postgres"
	if dialect == dialectSQLite {
		dir = "sqlite"
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(filesystem)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, dir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
