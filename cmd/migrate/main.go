package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"PerpClear/internal/persistence"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  status - list pending migrations")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  PERPCLEAR_POSTGRES_DSN   - Postgres connection string (required)")
		fmt.Println("  PERPCLEAR_MIGRATIONS_DIR - migrations directory (default: migrations)")
		os.Exit(1)
	}

	dsn := os.Getenv("PERPCLEAR_POSTGRES_DSN")
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "PERPCLEAR_POSTGRES_DSN is required")
		os.Exit(1)
	}
	dir := os.Getenv("PERPCLEAR_MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, dir)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "migrate up: %v\n", err)
			os.Exit(1)
		}

	case "status":
		pending, err := migrator.Pending(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migrate status: %v\n", err)
			os.Exit(1)
		}
		if len(pending) == 0 {
			fmt.Println("up to date")
			return
		}
		for _, name := range pending {
			fmt.Printf("pending: %s\n", name)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
