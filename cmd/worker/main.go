package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/flowgrid/flowgrid/internal/audit"
	"github.com/flowgrid/flowgrid/internal/config"
	"github.com/flowgrid/flowgrid/internal/connection"
	"github.com/flowgrid/flowgrid/internal/connector"
	"github.com/flowgrid/flowgrid/internal/execution"
	"github.com/flowgrid/flowgrid/internal/metrics"
	"github.com/flowgrid/flowgrid/internal/organization"
	"github.com/flowgrid/flowgrid/internal/outbox"
	"github.com/flowgrid/flowgrid/internal/params"
	"github.com/flowgrid/flowgrid/internal/polling"
	"github.com/flowgrid/flowgrid/internal/queue"
	"github.com/flowgrid/flowgrid/internal/runtime"
	"github.com/flowgrid/flowgrid/internal/usage"
	"github.com/flowgrid/flowgrid/internal/webhook"
	"github.com/flowgrid/flowgrid/internal/worker"
	"github.com/flowgrid/flowgrid/internal/workflow"
)

// logAlerter surfaces operator alerts through the structured log stream.
type logAlerter struct {
	logger  *slog.Logger
	auditor *audit.Service
}

func (a *logAlerter) Alert(ctx context.Context, subject, detail string) {
	a.logger.Error("operator alert", "subject", subject, "detail", detail)
	if a.auditor != nil {
		a.auditor.Record(ctx, "", "", audit.EventOutboxExhausted, subject, map[string]any{"detail": detail})
	}
}

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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
	lease := queue.NewExecutionLease(redisClient, time.Duration(cfg.Worker.LeaseTTLSeconds)*time.Second)
	limiter := queue.NewSlidingWindowLimiter(redisClient)

	evaluator := params.NewEvaluator()
	resolver := params.NewResolver(evaluator)
	runner := runtime.NewRunner(registry, runtimes, credResolver, resolver, executionRepo, logger)

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	dispatcher := worker.NewDispatcher(
		driver, lease, limiter, queueSvc,
		orgService, orgRepo, workflowRepo, executionRepo,
		runner, meter, auditor, m, logger,
		worker.Config{
			Concurrency:       cfg.Worker.Concurrency,
			ClaimInterval:     time.Duration(cfg.Worker.ClaimInterval) * time.Second,
			NodeTimeout:       2 * time.Minute,
			ExecutionDeadline: 15 * time.Minute,
			DeferCap:          cfg.Queue.DeferCap,
			DeferDelay:        time.Duration(cfg.Queue.DeferDelayMillis) * time.Millisecond,
		},
	)

	// Outbox replayer bridges ingestion to the queue.
	replayer := outbox.NewReplayer(outboxRepo, queueSvc, &logAlerter{logger: logger, auditor: auditor}, logger, outbox.ReplayerConfig{
		MaxAttempts: cfg.Outbox.MaxAttempts,
		BaseBackoff: time.Duration(cfg.Outbox.BaseBackoffMS) * time.Millisecond,
		MaxBackoff:  time.Duration(cfg.Outbox.MaxBackoffMS) * time.Millisecond,
		BatchSize:   50,
		Interval:    time.Second,
		LeaseTTL:    time.Minute,
	})
	go replayer.Run(ctx)

	// Polling schedulers, one goroutine per owned partition.
	for partition := 0; partition < cfg.Worker.PollingPartitions; partition++ {
		scheduler := polling.New(webhookRepo, registry, credResolver, outboxRepo, logger, polling.Config{
			Partition:       partition,
			Partitions:      cfg.Worker.PollingPartitions,
			LeaseTTL:        time.Minute,
			Tick:            time.Second,
			OutboxHighWater: cfg.Polling.OutboxHighWater,
			MinInterval:     time.Duration(cfg.Polling.MinIntervalSecs) * time.Second,
			RingSize:        cfg.Webhook.DedupeRingSize,
		})
		go func() {
			if err := scheduler.Run(ctx); err != nil && err != context.Canceled {
				slog.Error("polling scheduler stopped", "error", err)
			}
		}()
	}

	// Maintenance: outbox retention pruning.
	maintenance := cron.New()
	maintenance.AddFunc("30 3 * * *", func() {
		cutoff := time.Now().UTC().AddDate(0, 0, -cfg.Outbox.RetentionDays)
		pruned, err := outboxRepo.DeleteOlderThan(context.Background(), cutoff)
		if err != nil {
			slog.Error("outbox retention pruning failed", "error", err)
			return
		}
		slog.Info("outbox retention pruned", "records", pruned)
	})
	maintenance.Start()
	defer maintenance.Stop()

	// Worker health endpoint.
	healthMux := http.NewServeMux()
	healthMux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "stats": dispatcher.Stats()})
	})
	healthServer := &http.Server{Addr: ":" + cfg.Worker.HealthPort, Handler: healthMux}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server failed", "error", err)
		}
	}()

	go dispatcher.Run(ctx)

	slog.Info("worker started",
		"concurrency", cfg.Worker.Concurrency,
		"polling_partitions", cfg.Worker.PollingPartitions,
		"durable_queue", driver.Durable(),
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down worker")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthServer.Shutdown(shutdownCtx)
}
