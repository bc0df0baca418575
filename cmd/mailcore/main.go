package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/mailcore-dev/mailcore/internal/config"
	"github.com/mailcore-dev/mailcore/internal/dkim"
	"github.com/mailcore-dev/mailcore/internal/listener"
	"github.com/mailcore-dev/mailcore/internal/model"
	"github.com/mailcore-dev/mailcore/internal/observability"
	"github.com/mailcore-dev/mailcore/internal/pkg"
	"github.com/mailcore-dev/mailcore/internal/repository/postgres"
	"github.com/mailcore-dev/mailcore/internal/smtpclient"
	"github.com/mailcore-dev/mailcore/internal/webhook"
	"github.com/mailcore-dev/mailcore/internal/worker"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	configPath := ""

	switch os.Args[1] {
	case "serve":
		serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
		serveCmd.StringVar(&configPath, "config", "config/mailcore.yaml", "config file path")
		serveCmd.Parse(os.Args[2:])
		runServe(configPath)
	case "migrate":
		migrateCmd := flag.NewFlagSet("migrate", flag.ExitOnError)
		migrateCmd.StringVar(&configPath, "config", "config/mailcore.yaml", "config file path")
		up := migrateCmd.Bool("up", false, "run migrations up")
		down := migrateCmd.Bool("down", false, "roll back last migration")
		migrateCmd.Parse(os.Args[2:])
		runMigrate(configPath, *up, *down)
	case "setup":
		setupCmd := flag.NewFlagSet("setup", flag.ExitOnError)
		setupCmd.StringVar(&configPath, "config", "config/mailcore.yaml", "config file path")
		setupCmd.Parse(os.Args[2:])
		runSetup(configPath)
	case "version":
		fmt.Printf("mailcore %s\n", Version)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("mailcore - transactional email delivery engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  mailcore serve   [--config path]             Start the worker, webhook dispatcher, and listener")
	fmt.Println("  mailcore migrate [--config path] --up/--down Run database migrations")
	fmt.Println("  mailcore setup   [--config path]             First-run setup (tenant API key)")
	fmt.Println("  mailcore version                             Print version")
}

func runServe(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting mailcore", "version", Version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.Core.DatabaseURL)
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.Database.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	poolCfg.ConnConfig.Tracer = observability.NewPgxTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Error("connecting to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("pinging database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	if cfg.Database.AutoMigrate {
		runAutoMigrations(logger, cfg.Core.DatabaseURL)
	}

	// Repositories.
	messages := postgres.NewMessageRepository(pool)
	domains := postgres.NewDomainRepository(pool)
	suppressions := postgres.NewSuppressionRepository(pool)
	webhooks := postgres.NewWebhookRepository(pool)
	deliveries := postgres.NewWebhookDeliveryRepository(pool)

	// Metrics.
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	// SMTP relay client.
	smtpClient := smtpclient.New(smtpclient.Config{
		Host:     cfg.Core.SMTPHost,
		Port:     cfg.Core.SMTPPort,
		Username: cfg.Core.SMTPUser,
		Password: cfg.Core.SMTPPass,
		Metrics:  observability.NewSMTPMetricsAdapter(metrics),
	}, logger)
	defer smtpClient.Close()

	dkimMasterKey, err := hex.DecodeString(cfg.DKIM.MasterEncryptionKey)
	if err != nil || len(dkimMasterKey) != 32 {
		logger.Warn("dkim.master_encryption_key missing or invalid, all outbound mail will be sent unsigned")
		dkimMasterKey = nil
	}

	dkimCache := dkim.NewCache(5 * time.Minute)

	// Webhook Dispatcher.
	dispatcher := webhook.NewDispatcher(webhooks, deliveries, webhook.DispatcherConfig{
		MaxRetries: cfg.Core.MaxWebhookRetries,
	}, logger)

	// Email Worker.
	emailWorker := worker.New(messages, domains, suppressions, smtpClient, dkimCache, dispatcher, worker.Config{
		MaxRetries:     cfg.Core.MaxRetries,
		RetryBaseDelay: cfg.Core.RetryDelay(),
		SystemDomain:   cfg.Core.SMTPFromDefault,
		DKIMMasterKey:  dkimMasterKey,
	}, logger)

	// Listener/Poller.
	notifyListener := listener.New(pool, messages, listener.Config{
		PollInterval: cfg.Core.PollInterval(),
	}, logger)

	healthServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: healthHandler(pool),
	}
	metricsServer := observability.NewMetricsServer(":9090", reg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting health server", "addr", cfg.Server.HTTPAddr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("starting metrics server", "addr", ":9090")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return notifyListener.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("starting email worker", "concurrency", cfg.Core.WorkerConcurrency)
		emailWorker.Run(gctx, notifyListener.MessageWake, cfg.Core.WorkerConcurrency)
		return nil
	})

	g.Go(func() error {
		logger.Info("starting webhook dispatcher", "concurrency", cfg.Core.WorkerConcurrency)
		dispatcher.Run(gctx, notifyListener.WebhookWake, cfg.Core.WorkerConcurrency)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("health server shutdown", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("mailcore stopped")
}

func healthHandler(pool *pgxpool.Pool) http.Handler {
	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := pool.Ping(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	return router
}

func runAutoMigrations(logger *slog.Logger, databaseURL string) {
	logger.Info("running auto-migrations")
	m, err := migrate.New("file://db/migrations", databaseURL)
	if err != nil {
		logger.Error("initializing migrations", "error", err)
		os.Exit(1)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		logger.Error("running migrations", "error", err)
		os.Exit(1)
	}
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		logger.Error("closing migration source", "error", srcErr)
	}
	if dbErr != nil {
		logger.Error("closing migration db", "error", dbErr)
	}
	logger.Info("migrations complete")
}

func runMigrate(configPath string, up, down bool) {
	if !up && !down {
		fmt.Fprintln(os.Stderr, "Error: specify --up or --down")
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	m, err := migrate.New("file://db/migrations", cfg.Core.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing migrations: %v\n", err)
		os.Exit(1)
	}
	defer m.Close()

	if up {
		fmt.Println("Running migrations up...")
		if err := m.Up(); err != nil {
			if err == migrate.ErrNoChange {
				fmt.Println("No new migrations to apply.")
				return
			}
			fmt.Fprintf(os.Stderr, "Error running migrations up: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migrations applied successfully.")
	}

	if down {
		fmt.Println("Rolling back last migration...")
		if err := m.Steps(-1); err != nil {
			fmt.Fprintf(os.Stderr, "Error rolling back migration: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migration rolled back successfully.")
	}
}

// runSetup creates the first tenant: an API key with a default rate limit.
// There is no separate admin-user/team concept — the API key itself is the
// tenant.
func runSetup(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.Core.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to database: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error pinging database: %v\n", err)
		os.Exit(1)
	}

	reader := bufio.NewReader(os.Stdin)

	fmt.Print("Tenant name: ")
	name, _ := reader.ReadString('\n')
	name = strings.TrimSpace(name)
	if name == "" {
		name = "default"
	}

	prefix := cfg.Auth.APIKeyPrefix
	if prefix == "" {
		prefix = "mc_"
	}

	plaintext, hash, keyPrefix, err := pkg.GenerateAPIKey(prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating API key: %v\n", err)
		os.Exit(1)
	}

	key := &model.APIKey{
		ID:                 uuid.New(),
		Name:               name,
		KeyHash:            hash,
		KeyPrefix:          keyPrefix,
		RateLimitPerSecond: cfg.RateLimit.DefaultRPS,
		CreatedAt:          time.Now().UTC(),
	}

	if err := postgres.NewAPIKeyRepository(pool).Create(ctx, key); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating API key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("Tenant created successfully!")
	fmt.Printf("  API Key ID: %s\n", key.ID)
	fmt.Printf("  API Key:    %s\n", plaintext)
	fmt.Println()
	fmt.Println("Store this key securely now — it cannot be recovered later.")

	masterKey := cfg.DKIM.MasterEncryptionKey
	if masterKey == "" {
		fmt.Println()
		fmt.Println("No dkim.master_encryption_key configured; generate one with:")
		fmt.Printf("  %s\n", randomHexKey())
		fmt.Println("and set it before registering sending domains.")
	}
}

func randomHexKey() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// setupLogger creates a slog.Logger based on the logging config, wrapped
// with the tracing handler so every log line carries the active span's
// trace_id/span_id.
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(observability.NewTracingHandler(handler))
}
