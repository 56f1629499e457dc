// Command migrate runs the embedded database migrations via goose.
//
// Usage:
//
//	migrate up          # Apply all pending migrations
//	migrate down        # Roll back the last migration
//	migrate status      # Show migration status
//	migrate version     # Show current schema version
//	migrate redo        # Roll back and re-apply last migration
//
// The database URL comes from PLACEBOOK_POSTGRES_URL (or DATABASE_URL).
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/platinummonkey/placebook/pkg/migrations"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command>")
		fmt.Println("Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
		os.Exit(1)
	}

	// optional; a missing .env is fine
	_ = godotenv.Load()

	dbURL := os.Getenv("PLACEBOOK_POSTGRES_URL")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		log.Fatal("PLACEBOOK_POSTGRES_URL or DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := migrations.Run(context.Background(), db, os.Args[1], os.Args[2:]...); err != nil {
		log.Fatalf("%v", err)
	}
}
