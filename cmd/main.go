// cmd/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"preflight-alerting/internal/ack"
	"preflight-alerting/internal/alerting"
	"preflight-alerting/internal/api"
	"preflight-alerting/internal/audit"
	"preflight-alerting/internal/clock"
	"preflight-alerting/internal/config"
	"preflight-alerting/internal/db"
	"preflight-alerting/internal/delivery"
	"preflight-alerting/internal/evaluator"
	"preflight-alerting/internal/kafka"
	"preflight-alerting/internal/lease"
	"preflight-alerting/internal/logging"
	"preflight-alerting/internal/metrics"
	"preflight-alerting/internal/notification"
	"preflight-alerting/internal/policy"
	"preflight-alerting/internal/providers"
	"preflight-alerting/internal/scheduler"
	"preflight-alerting/internal/services"
	"preflight-alerting/internal/silence"
	"preflight-alerting/internal/store"
	"preflight-alerting/internal/utils"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	// Storage
	var st store.Store
	var pg *db.DB
	if cfg.DB.DSN != "" {
		err = utils.Retry(ctx, logger, "connect to database", 5, 2*time.Second, func() error {
			var err error
			pg, err = db.New(ctx, cfg.DB.DSN)
			return err
		})
		if err != nil {
			logger.Fatalf("Database connection failed: %v", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatalf("Database migration failed: %v", err)
		}
		st = pg
		logger.Info("Using Postgres store")
	} else {
		st = store.NewMemory()
		logger.Warn("DB_DSN not set, using in-memory store")
	}
	defer st.Close()

	// Definitions
	policies := policy.NewStore(cfg.Definitions.Path, logger)
	if _, err := policies.Load(); err != nil {
		logger.Fatalf("Failed to load definitions: %v", err)
	}

	// Domain components
	recorder := metrics.NewRecorder()
	auditLog := audit.New(st, clk, logger)
	engine := alerting.NewEngine(policies, evaluator.New(st), st, auditLog, recorder, clk, cfg.Evaluation.Interval, logger)
	silences := silence.NewManager(st, auditLog, clk, logger)
	acks := ack.NewManager(st, st, auditLog, clk, logger)
	dispatcher := notification.NewDispatcher(st, st, policies, auditLog, clk, logger)
	worker := delivery.NewWorker(st, st, policies, silences, providers.NewRegistry(logger), auditLog, recorder, clk, delivery.Config{
		BatchSize:          cfg.Dispatch.BatchSize,
		GracePeriod:        cfg.Dispatch.AttemptGracePeriod,
		SuppressionRecheck: cfg.Dispatch.SuppressionRecheck,
	}, logger)
	hub := services.NewHub(logger)
	engine.OnTransition(dispatcher.OnTransition)
	engine.OnTransition(hub.OnTransition)

	// Scheduler
	leaseBackend, closeLease := newLease(ctx, cfg, pg, clk, logger)
	defer closeLease()
	sched := scheduler.New(leaseBackend, cfg.InstanceID, clk, logger)

	svc := services.New(services.Deps{
		Store:      st,
		Policies:   policies,
		Engine:     engine,
		Silences:   silences,
		Acks:       acks,
		Dispatcher: dispatcher,
		Worker:     worker,
		Audit:      auditLog,
		Exporter:   metrics.NewExporter(st, recorder, sched, clk, logger),
		Hub:        hub,
		Clock:      clk,
		Logger:     logger,
	})
	sched.Add(scheduler.Driver{
		Name:      "evaluation",
		Interval:  cfg.Evaluation.Interval,
		Enabled:   cfg.Evaluation.Enabled,
		LeaseName: leaseName(cfg.Lease.Name, "evaluation"),
		Run:       svc.RunEvaluation,
	})
	sched.Add(scheduler.Driver{
		Name:      "dispatch",
		Interval:  cfg.Dispatch.Interval,
		Enabled:   cfg.Dispatch.Enabled,
		LeaseName: leaseName(cfg.Lease.Name, "dispatch"),
		Run:       svc.RunDispatch,
	})

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Definitions.Watch {
		g.Go(func() error {
			if err := policies.Watch(gctx); err != nil {
				logger.Errorf("Definitions watcher stopped: %v", err)
			}
			return nil
		})
	}

	var consumer *kafka.Consumer
	if len(cfg.Kafka.Brokers) > 0 {
		consumer = kafka.NewConsumer(kafka.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, st, recorder, logger)
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}

	sched.Start(gctx)

	// Start API server
	router := api.NewRouter(svc, policies, api.Options{
		BasePath:                cfg.API.BasePath,
		MetricsPublic:           cfg.API.MetricsPublic,
		ManualEvaluationEnabled: cfg.Evaluation.ManualEnabled,
	}, logger)
	server := &http.Server{
		Addr:              cfg.API.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Infof("API started on %s", cfg.API.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Handle graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Errorf("Scheduler stop: %v", err)
		}
		hub.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("API shutdown: %v", err)
		}
		if consumer != nil {
			if err := consumer.Close(); err != nil {
				logger.Errorf("Kafka consumer close: %v", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Errorf("Service stopped with error: %v", err)
		return
	}
	logger.Info("Service stopped")
}

// newLease picks the configured lease backend. It returns nil when no lease
// name is configured, so every instance runs both drivers.
func newLease(ctx context.Context, cfg config.Config, pg *db.DB, clk clock.Clock, logger *logrus.Logger) (lease.Lease, func()) {
	noop := func() {}
	if cfg.Lease.Name == "" {
		return nil, noop
	}
	switch cfg.Lease.Backend {
	case "redis":
		r, err := lease.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatalf("Redis lease backend: %v", err)
		}
		logger.Infof("Scheduler lease %s held in redis at %s", cfg.Lease.Name, cfg.Redis.Addr)
		return r, func() { _ = r.Close() }
	case "postgres":
		if pg == nil {
			logger.Fatal("Postgres lease backend requires DB_DSN")
		}
		logger.Infof("Scheduler lease %s held in postgres", cfg.Lease.Name)
		return pg, noop
	default:
		logger.Infof("Scheduler lease %s held in memory", cfg.Lease.Name)
		return lease.NewMemory(clk), noop
	}
}

func leaseName(base, driver string) string {
	if base == "" {
		return ""
	}
	return base + ":" + driver
}
