package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/JonMunkholm/certmailer/internal/checkpoint"
	"github.com/JonMunkholm/certmailer/internal/config"
	"github.com/JonMunkholm/certmailer/internal/core"
	"github.com/JonMunkholm/certmailer/internal/credentials"
	"github.com/JonMunkholm/certmailer/internal/delivery"
	"github.com/JonMunkholm/certmailer/internal/logging"
	"github.com/JonMunkholm/certmailer/internal/render"
	"github.com/JonMunkholm/certmailer/internal/web"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded",
		"addr", cfg.Server.Addr(),
		"storage", cfg.Storage.Backend,
		"smtp_host", cfg.SMTP.Host,
		"render_command", cfg.Render.Command != "",
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := checkpoint.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	renderer := render.New(render.Options{
		OutputDir: cfg.Render.OutputDir,
		Command:   render.ParseCommand(cfg.Render.Command),
		Extension: cfg.Render.Extension,
		Timeout:   cfg.Render.Timeout,
		Logger:    logger,
	})

	mailer := delivery.New(delivery.Options{
		Host:    cfg.SMTP.Host,
		Port:    cfg.SMTP.Port,
		TLS:     cfg.SMTP.TLS,
		Timeout: cfg.SMTP.Timeout,
		Logger:  logger,
	})

	// Environment credentials win over the file saved from the UI.
	credsFile := credentials.NewFile(cfg.SMTP.CredentialsFile)
	creds := credentials.Chain{
		credentials.Static{Address: cfg.SMTP.Username, Secret: cfg.SMTP.Password},
		credsFile,
	}

	orch := core.New(
		core.WithRenderer(renderer),
		core.WithMailer(mailer),
		core.WithCredentials(creds),
		core.WithCheckpointStore(store),
		core.WithRetryPolicy(core.RetryPolicy{
			MaxAttempts: cfg.Batch.MaxAttempts,
			Delay:       cfg.Batch.RetryDelay,
			Multiplier:  cfg.Batch.RetryMultiplier,
			MaxDelay:    cfg.Batch.MaxRetryDelay,
		}),
		core.WithSendInterval(cfg.Batch.SendInterval),
		core.WithLogCapacity(cfg.Batch.LogBuffer),
		core.WithJobRetention(cfg.Batch.JobRetention),
		core.WithFailedRowsPath(cfg.Batch.FailedRowsPath),
		core.WithLogger(logger),
	)

	debouncer := checkpoint.NewDebouncer(store, cfg.Storage.Debounce, logger)

	server := web.NewServer(web.Deps{
		Orchestrator: orch,
		Store:        store,
		Debouncer:    debouncer,
		Credentials:  creds,
		Saver:        credsFile,
		Tester:       mailer,
		Logger:       logger,
	}, cfg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}

		// Let the active batch finish its current row and save its
		// checkpoint before the store closes.
		if orch.Running() {
			logger.Info("waiting for active batch to stop")
		}
		if err := orch.Shutdown(shutdownCtx); err != nil {
			logger.Warn("batch did not stop in time", "error", err)
		}

		if err := debouncer.Flush(shutdownCtx); err != nil {
			logger.Error("flush pending checkpoint edits", "error", err)
		}
		return nil
	})

	return g.Wait()
}
