package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/loanbot/loanbot/internal/api"
	"github.com/loanbot/loanbot/internal/api/uistatic"
	"github.com/loanbot/loanbot/internal/archive"
	"github.com/loanbot/loanbot/internal/auth"
	"github.com/loanbot/loanbot/internal/chat"
	"github.com/loanbot/loanbot/internal/completion"
	"github.com/loanbot/loanbot/internal/config"
	"github.com/loanbot/loanbot/internal/observability"
	"github.com/loanbot/loanbot/internal/present"
	"github.com/loanbot/loanbot/internal/session"
	s3store "github.com/loanbot/loanbot/internal/storage/s3"
	"github.com/loanbot/loanbot/internal/warehouse"
	"github.com/loanbot/loanbot/internal/warehouse/duckdb"
	"github.com/loanbot/loanbot/internal/warehouse/postgres"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv("loanbot-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	managerConfig := session.Config{
		Tables: cfg.Chat.Tables,
		Chat: chat.Config{
			HistoryWindow: cfg.Chat.HistoryWindow,
			TurnTimeout:   cfg.Chat.TurnTimeout,
			KPIIntents:    cfg.KPI.Intents,
		},
		MaxSessions:    cfg.Chat.MaxSessions,
		KPIEnabled:     cfg.KPI.Enabled,
		ConnectTimeout: cfg.Warehouse.ConnectTimeout,
		KPITimeout:     cfg.KPI.Timeout,
		ArchiveTimeout: cfg.Archive.Timeout,
	}
	managerDeps := session.Dependencies{
		Warehouse:  warehouseOpener(cfg),
		Completion: completionFactory(cfg),
		Presenter:  present.NewPresenter(cfg.Chat.NarrativeTemplates),
		Logger:     logger,
	}

	deps := api.Dependencies{
		Logger:            logger,
		UI:                uistatic.Handler(),
		DependencyTimeout: time.Second,
		Readiness: api.CombineReadinessChecks(
			api.CheckWarehouseConfig(cfg),
			api.CheckObjectStoreConfig(cfg),
		),
	}

	if cfg.Archive.Enabled {
		objectStore, err := s3store.New(context.Background(), s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		archiver := &archive.Archiver{Store: objectStore}
		managerDeps.Archiver = archiver
		deps.Archives = archiver
	}

	manager, err := session.NewManager(managerConfig, managerDeps)
	if err != nil {
		logger.Error("failed to initialize session manager", slog.Any("error", err))
		os.Exit(1)
	}
	deps.Sessions = manager

	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("warehouse_driver", cfg.Warehouse.Driver),
			slog.Bool("archive_enabled", cfg.Archive.Enabled),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		manager.Shutdown(shutdownCtx)
		os.Exit(1)
	}
	manager.Shutdown(shutdownCtx)
}

func warehouseOpener(cfg config.Config) warehouse.Opener {
	if cfg.Warehouse.Driver == config.WarehouseDriverDuckDB {
		return duckdb.Opener(duckdb.Config{
			Path:     cfg.Warehouse.DuckDBPath,
			Schema:   cfg.Warehouse.Schema,
			ReadOnly: cfg.Warehouse.DuckDBReadOnly,
		})
	}
	return postgres.Opener(postgres.Config{
		Host:            cfg.Warehouse.Host,
		Port:            cfg.Warehouse.Port,
		User:            cfg.Warehouse.User,
		Database:        cfg.Warehouse.Database,
		Schema:          cfg.Warehouse.Schema,
		SSLMode:         cfg.Warehouse.SSLMode,
		ReadOnly:        cfg.Warehouse.ReadOnly,
		ConnectTimeout:  cfg.Warehouse.ConnectTimeout,
		MaxOpenConns:    cfg.Warehouse.MaxOpenConns,
		MaxIdleConns:    cfg.Warehouse.MaxIdleConns,
		ConnMaxIdleTime: cfg.Warehouse.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Warehouse.ConnMaxLifetime,
	})
}

func completionFactory(cfg config.Config) session.CompletionFactory {
	return func(apiKey string) (completion.Client, error) {
		return completion.NewOpenAIClient(completion.OpenAIConfig{
			BaseURL:     cfg.AI.BaseURL,
			APIKey:      apiKey,
			Model:       cfg.AI.Model,
			Temperature: cfg.AI.Temperature,
			Timeout:     cfg.AI.Timeout,
		})
	}
}
