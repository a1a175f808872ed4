package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/dispatchpilot/internal/db"
)

// migrate applies the Postgres schema ahead of a deploy. The server also
// migrates on start; this lets operators do it without starting one.
func main() {
	ctx := context.Background()
	_ = godotenv.Load()

	dbURL := envOr("STORE_DSN", os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		slog.Error("STORE_DSN or DATABASE_URL is required")
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		slog.Error("failed to connect", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	applied, err := db.MigratePostgres(ctx, pool)
	for _, version := range applied {
		fmt.Printf("applied: %s\n", version)
	}
	if err != nil {
		slog.Error("migration failed", "err", err)
		os.Exit(1)
	}

	fmt.Println("migrations complete")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
