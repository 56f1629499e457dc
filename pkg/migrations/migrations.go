// Package migrations embeds the placebook schema and applies it with goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var embedded embed.FS

// Dir is the directory of the migration files inside FS
const Dir = "sql"

// FS returns the embedded migration files
func FS() fs.FS {
	return embedded
}

// Run executes a goose command ("up", "down", "status", "version",
// "redo", "up-to", "down-to", ...) against db using the embedded files.
func Run(ctx context.Context, db *sql.DB, command string, args ...string) error {
	goose.SetBaseFS(embedded)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}
	if err := goose.RunContext(ctx, command, db, Dir, args...); err != nil {
		return fmt.Errorf("migration %s failed: %w", command, err)
	}
	return nil
}

// Up applies every pending migration
func Up(ctx context.Context, db *sql.DB) error {
	return Run(ctx, db, "up")
}
