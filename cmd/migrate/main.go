package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	"CollarLedger/internal/config"
	"CollarLedger/internal/observability"
	"CollarLedger/internal/persistence"
	"CollarLedger/internal/projection"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate [-config file] <up|down|rebuild>")
	fmt.Println("  up      - apply all pending migrations")
	fmt.Println("  down    - roll back the last migration")
	fmt.Println("  rebuild - truncate and rebuild query projections from the event log")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  COLLAR_POSTGRES_DSN     - Postgres connection string")
	fmt.Println("  COLLAR_MIGRATIONS_DIR   - path to migrations directory (default: migrations)")
}

func main() {
	configPath := flag.String("config", "", "path to YAML config (default $COLLAR_CONFIG)")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLoggerWithLevel("migrate", observability.ParseLogLevel(cfg.LogLevel))

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, logger)

	switch flag.Arg(0) {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "rebuild":
		if err := projection.RebuildProjections(ctx, db, logger); err != nil {
			logger.Fatal().Err(err).Msg("rebuild projections")
		}
		logger.Info().Msg("projections rebuilt")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'rebuild')\n", flag.Arg(0))
		os.Exit(1)
	}
}
