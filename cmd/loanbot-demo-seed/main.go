package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"github.com/loanbot/loanbot/internal/config"
	"github.com/loanbot/loanbot/internal/demo/seed"
	"github.com/loanbot/loanbot/internal/observability"
)

func main() {
	reset := flag.Bool("reset", true, "truncate the demo tables before seeding")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.LoadFromEnv("loanbot-demo-seed")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)
	if cfg.Demo.DSN == "" {
		logger.Error("LOANBOT_DEMO_DSN is required")
		os.Exit(1)
	}

	db, err := sql.Open("pgx", cfg.Demo.DSN)
	if err != nil {
		logger.Error("failed to open demo database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	seeder, err := seed.NewSeeder(db, logger)
	if err != nil {
		logger.Error("failed to initialize seeder", slog.Any("error", err))
		os.Exit(1)
	}
	dataset := seed.NewGenerator(cfg.Demo.Seed, cfg.Demo.Officers, cfg.Demo.Opportunities).Generate()
	counts, err := seeder.Seed(ctx, dataset, *reset)
	if err != nil {
		logger.Error("demo seed failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("demo warehouse seeded",
		slog.Int64("seed", cfg.Demo.Seed),
		slog.Int("officers", len(dataset.Officers)),
		slog.Int("opportunities", counts["opportunity"]),
		slog.Int("referrals", counts["referral__c"]),
	)
}
