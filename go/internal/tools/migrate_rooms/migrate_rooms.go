package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/mcdev12/typeracer/go/internal/config"
	"github.com/mcdev12/typeracer/go/internal/docstore/postgres"
)

func main() {
	purgeAfter := flag.Duration("purge-older-than", 0, "delete room documents not updated within this window (0 keeps all)")
	flag.Parse()

	_ = godotenv.Load()

	// 1) Connect using the shared DB_* settings
	cfg := config.DatabaseFromEnv()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	// 2) Create the document table
	if _, err := pool.Exec(ctx, postgres.Schema); err != nil {
		fmt.Fprintf(os.Stderr, "create schema: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("schema ready on %s\n", cfg)

	// 3) Optionally drop stale rooms
	if *purgeAfter > 0 {
		tag, err := pool.Exec(ctx,
			`DELETE FROM room_documents WHERE updated_at < now() - make_interval(secs => $1)`,
			purgeAfter.Seconds(),
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "purge stale rooms: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("purged %d stale rooms\n", tag.RowsAffected())
	}

	var total int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM room_documents`).Scan(&total); err != nil {
		fmt.Fprintf(os.Stderr, "count rooms: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Done: %d room documents\n", total)
}
