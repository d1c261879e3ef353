package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"escrowflow/arbitrator"
	"escrowflow/audit"
	"escrowflow/auth"
	s3blob "escrowflow/blob/s3"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/notify"
	"escrowflow/outbox"
	"escrowflow/settlement"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	migrationsDir := flag.String("migrations", "", "apply .sql migrations from this directory before serving")
	flag.Parse()

	if err := run(context.Background(), *configPath, *migrationsDir); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, migrationsDir string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database.DSN, db.PoolOptions{
		MaxConns: int32(cfg.Database.PoolMaxConns),
		MinConns: int32(cfg.Database.PoolMinConns),
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	if migrationsDir != "" {
		if err := db.Migrate(ctx, pool, migrationsDir); err != nil {
			return err
		}
		logger.Info("migrations applied", "dir", migrationsDir)
	}

	recorder := audit.NewRecorder(pool, logger)

	gateway := settlement.NewRetrying(
		settlement.NewHTTPGateway(cfg.Settlement.Endpoint, cfg.Settlement.APIKey, cfg.Settlement.Timeout.Duration),
		settlement.RetryConfig{
			Attempts:    cfg.Settlement.MaxAttempts,
			CallTimeout: cfg.Settlement.Timeout.Duration,
			Backoff:     settlement.DefaultRetryConfig().Backoff,
		},
		logger,
	)

	var files dispute.FileStore
	if cfg.S3.Bucket != "" {
		client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			PublicBaseURL:  cfg.S3.PublicBaseURL,
		})
		if err != nil {
			return err
		}
		if err := client.Health(ctx); err != nil {
			logger.Warn("evidence store unreachable", "error", err)
		}
		files = s3blob.NewStore(client)
	} else {
		logger.Warn("no s3 bucket configured, evidence file uploads disabled")
	}

	engine := escrow.NewEngine(escrow.NewPGRepository(pool), gateway, recorder)
	arbPool := arbitrator.NewPool(arbitrator.NewRepository(pool), recorder, cfg.Escrow.MaxConcurrentCases)
	if cfg.Escrow.SelectionPolicy == "round_robin" {
		arbPool = arbPool.WithPolicy(&arbitrator.RoundRobin{})
	}
	workflow := dispute.NewWorkflow(dispute.NewPGRepository(pool), engine, arbPool, files, recorder)
	authSvc := auth.NewService(auth.NewRepository(pool), cfg.JWT.Secret).WithTokenTTL(cfg.JWT.TTL.Duration)

	var senders []notify.Sender
	if cfg.Notify.WebhookURL != "" {
		senders = append(senders, notify.NewWebhookSender(cfg.Notify.WebhookURL))
	}
	notifier := notify.NewNotifier(senders, cfg.Notify.Topics, logger)

	dispatcher := outbox.NewDispatcher(outbox.NewPGStore(pool), func(ctx context.Context, msg outbox.Message) error {
		return notifier.Notify(ctx, msg.Topic, msg.Topic, string(msg.Payload))
	}, logger).
		WithInterval(cfg.Outbox.PollInterval.Duration).
		WithBatchSize(cfg.Outbox.BatchSize).
		WithMaxAttempts(cfg.Outbox.MaxAttempts)

	go func() {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("outbox dispatcher stopped", "error", err)
		}
	}()

	server := &Server{
		authService:       authSvc,
		escrowService:     engine,
		disputeService:    workflow,
		arbitratorService: arbPool,
		auditService:      recorder,
		logger:            logger,
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
