package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/flowgrid/flowgrid/internal/api"
	"github.com/flowgrid/flowgrid/internal/api/handlers"
	"github.com/flowgrid/flowgrid/internal/audit"
	"github.com/flowgrid/flowgrid/internal/config"
	"github.com/flowgrid/flowgrid/internal/connection"
	"github.com/flowgrid/flowgrid/internal/connector"
	"github.com/flowgrid/flowgrid/internal/execution"
	"github.com/flowgrid/flowgrid/internal/metrics"
	"github.com/flowgrid/flowgrid/internal/organization"
	"github.com/flowgrid/flowgrid/internal/outbox"
	"github.com/flowgrid/flowgrid/internal/params"
	"github.com/flowgrid/flowgrid/internal/queue"
	"github.com/flowgrid/flowgrid/internal/runtime"
	"github.com/flowgrid/flowgrid/internal/usage"
	"github.com/flowgrid/flowgrid/internal/webhook"
	"github.com/flowgrid/flowgrid/internal/workflow"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	db, err := sqlx.Connect("postgres", cfg.Database.ConnectionString())
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// Connector registry with startup parity enforcement.
	definitions, err := connector.LoadManifest(cfg.Connector.ManifestDir)
	if err != nil {
		slog.Error("failed to load connector manifest", "error", err)
		os.Exit(1)
	}
	registry := connector.NewRegistry(definitions, logger, cfg.Connector.GenericExecutorEnabled)
	registry.AutoBindGeneric()
	if err := registry.VerifyParity(); err != nil {
		slog.Error("connector manifest/client parity violated", "error", err)
		os.Exit(1)
	}
	runtimes := connector.NewRuntimeResolver([]string{"native"}, cfg.Connector.AppsScriptFlags)

	// Repositories and services.
	orgRepo := organization.NewRepository(db)
	orgService := organization.NewService(orgRepo, logger, cfg.Org.DefaultRegion)
	workflowRepo := workflow.NewRepository(db)
	executionRepo := execution.NewRepository(db)
	connectionRepo := connection.NewRepository(db)
	webhookRepo := webhook.NewRepository(db)
	outboxRepo := outbox.NewRepository(db)
	usageRepo := usage.NewRepository(db)
	auditor := audit.NewService(db, logger)

	masterKey := cfg.Credential.MasterKey
	if masterKey == "" && !cfg.Server.IsProduction() {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			slog.Error("failed to generate development master key", "error", err)
			os.Exit(1)
		}
		masterKey = base64.StdEncoding.EncodeToString(raw)
		slog.Warn("using an ephemeral credential master key; stored connections will not survive restart")
	}
	encryptor, err := connection.NewEncryptor(masterKey)
	if err != nil {
		slog.Error("invalid credential master key", "error", err)
		os.Exit(1)
	}
	credResolver := connection.NewResolver(connectionRepo, orgRepo, encryptor, logger)

	meter := usage.NewService(usageRepo, orgService, nil, logger)
	meter.StartMonthlyReset()
	defer meter.StopMonthlyReset()

	var driver queue.Driver
	if cfg.Queue.DevIgnoreQueue {
		driver = queue.NewMemoryDriver()
		slog.Warn("running with the non-durable in-memory queue driver")
	} else {
		driver = queue.NewRedisDriver(redisClient)
	}
	guard := queue.NewConcurrencyGuard(redisClient)
	queueSvc := queue.NewService(orgService, meter, guard, driver, executionRepo, nil, logger, !cfg.Queue.DevIgnoreQueue)

	verifier := webhook.NewVerifier(cfg.Webhook.PayPalAllowPassthrough && !cfg.Server.IsProduction())
	webhookSvc := webhook.NewService(webhookRepo, outboxRepo, verifier, logger, cfg.Webhook.DedupeRingSize)

	evaluator := params.NewEvaluator()
	resolver := params.NewResolver(evaluator)
	runner := runtime.NewRunner(registry, runtimes, credResolver, resolver, executionRepo, logger)

	promRegistry := prometheus.NewRegistry()
	metrics.New(promRegistry)

	router := api.NewRouter(api.Deps{
		Logger:     logger,
		Orgs:       orgService,
		QueueSvc:   queueSvc,
		Workflows:  handlers.NewWorkflowHandler(workflowRepo, registry, runner, logger),
		Executions: handlers.NewExecutionHandler(queueSvc, executionRepo, auditor, logger),
		Webhooks:   handlers.NewWebhookHandler(webhookSvc, auditor, nil, logger),
		Connectors: handlers.NewConnectorHandler(registry, orgService, connectionRepo, logger),
		Usage:      handlers.NewUsageHandler(meter, logger),
		Registry:   promRegistry,
	})

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "address", cfg.Server.Address, "env", cfg.Server.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
}
