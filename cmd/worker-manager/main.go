package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"noshow-workers/internal/common/aws"
	"noshow-workers/internal/common/camunda"
	"noshow-workers/internal/common/config"
	"noshow-workers/internal/common/database"
	"noshow-workers/internal/common/logger"
	"noshow-workers/internal/common/observability"
	"noshow-workers/internal/dispatch"
	"noshow-workers/internal/gateway"
	"noshow-workers/internal/ingest"
	"noshow-workers/internal/sched"
	"noshow-workers/internal/store"
	"noshow-workers/internal/webhook"

	crs "noshow-workers/internal/workers/noshow/check-read-status"
	er "noshow-workers/internal/workers/noshow/evaluate-risk"
	rf "noshow-workers/internal/workers/noshow/reconcile-followups"
)

func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	zapLog := logger.New("info", "console")
	defer zapLog.Sync()

	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting no-show worker manager...")

	cfg, err := config.Load()
	if err != nil {
		zapLog.Fatal("config load failed", zap.Error(err))
	}

	obs := observability.New(cfg.App.Name)
	defer obs.Shutdown()

	ctx := context.Background()

	// --- Init Zeebe client with retry ---
	var zeebe *camunda.Client
	err = retryWithBackoff(func() error {
		var err error
		zeebe, err = camunda.NewClient(cfg.Camunda.BrokerAddress)
		return err
	}, 10, 2*time.Second, zapLog, "Zeebe client initialization")
	if err != nil {
		zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
	}
	zapLog.Info("Zeebe client connected successfully")

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var redis *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		redis, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return redis.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")
	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer redis.Close()
	zapLog.Info("Redis connected successfully")

	// --- Init Elasticsearch (optional) with retry ---
	var esClient *database.ElasticsearchClient
	if cfg.Database.Elasticsearch.Enabled {
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			return esClient.Ping()
		}, 15, 2*time.Second, zapLog, "Elasticsearch connection")
		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}
		zapLog.Info("Elasticsearch connected successfully")
	}

	// --- Init AWS notification clients ---
	snsClient, err := aws.NewSNSClient(ctx, cfg.Notifications.AWS.Region)
	if err != nil {
		zapLog.Fatal("sns client failed", zap.Error(err))
	}
	sesClient, err := aws.NewSESClient(ctx, cfg.Notifications.AWS.Region)
	if err != nil {
		zapLog.Fatal("ses client failed", zap.Error(err))
	}
	zapLog.Info("All external service clients initialized")

	// --- Stores ---
	trackingStore := store.NewTrackingStore(pg.DB)
	actionLog := store.NewActionLogStore(pg.DB)
	bookingStore := store.NewBookingStore(pg.DB)

	// --- Domain services ---
	sender := gateway.NewClient(
		cfg.Gateway.BaseURL,
		cfg.Gateway.APIKey,
		time.Duration(cfg.Gateway.Timeout)*time.Millisecond,
		log,
	)

	notifier := dispatch.NewManagerNotifier(snsClient, sesClient, dispatch.ManagerNotifierConfig{
		ManagerPhone: cfg.Notifications.SMS.ManagerPhone,
		ManagerEmail: cfg.Notifications.Email.ManagerTo,
		FromEmail:    cfg.Notifications.Email.FromEmail,
		SMSEnabled:   cfg.Notifications.SMS.Enabled,
		EmailEnabled: cfg.Notifications.Email.Enabled,
	}, log)

	var analytics dispatch.AnalyticsIndexer
	if esClient != nil {
		analytics = dispatch.NewActionIndexer(esClient.Client, cfg.Database.Elasticsearch.ActionsIdx, log)
	}

	gate := dispatch.NewCostGate(time.Duration(cfg.Gateway.SessionWindow) * time.Hour)
	dispatcher := dispatch.NewDispatcher(trackingStore, actionLog, sender, notifier, gate, analytics, log)

	workflow := sched.NewZeebeScheduler(zeebe, log)
	scheduler := sched.NewScheduler(
		trackingStore,
		bookingStore,
		workflow,
		dispatcher,
		gate,
		time.Duration(cfg.Escalation.ReadCheckDelayMinutes)*time.Minute,
		time.Duration(cfg.Escalation.EscalationDelayMinutes)*time.Minute,
		log,
	)

	ingestor := ingest.NewIngestor(
		trackingStore,
		bookingStore,
		workflow,
		redis.Client,
		time.Duration(cfg.Webhook.DedupeTTL)*time.Second,
		log,
	)

	// --- Register workers ---
	workers := camunda.NewWorkerSet(zeebe, obs, zapLog)

	if wcfg, ok := cfg.Workers[er.TaskType]; ok && wcfg.Enabled {
		handler := er.NewHandler(
			&er.Config{
				Timeout: time.Duration(wcfg.Timeout) * time.Millisecond,
			},
			trackingStore, bookingStore, scheduler, log,
		)
		workers.Start(er.TaskType, wcfg.MaxJobsActive, time.Duration(wcfg.Timeout)*time.Millisecond, handler.Handle)
	}

	if wcfg, ok := cfg.Workers[crs.TaskType]; ok && wcfg.Enabled {
		handler := crs.NewHandler(
			&crs.Config{
				Timeout: time.Duration(wcfg.Timeout) * time.Millisecond,
			},
			scheduler, log,
		)
		workers.Start(crs.TaskType, wcfg.MaxJobsActive, time.Duration(wcfg.Timeout)*time.Millisecond, handler.Handle)
	}

	if wcfg, ok := cfg.Workers[rf.TaskType]; ok && wcfg.Enabled {
		handler := rf.NewHandler(
			&rf.Config{
				Timeout:     time.Duration(wcfg.Timeout) * time.Millisecond,
				OrphanAfter: time.Duration(cfg.Escalation.ReconcileAfterMinutes) * time.Minute,
				BatchSize:   100,
			},
			trackingStore, scheduler, log,
		)
		workers.Start(rf.TaskType, wcfg.MaxJobsActive, time.Duration(wcfg.Timeout)*time.Millisecond, handler.Handle)
	}
	zapLog.Info("All workers registered successfully")

	// --- Webhook server ---
	webhookServer, err := webhook.NewServer(cfg.Webhook.ListenAddress, cfg.Gateway.WebhookSecret, ingestor, log)
	if err != nil {
		zapLog.Fatal("webhook server init failed", zap.Error(err))
	}
	go func() {
		zapLog.Info("Webhook server listening", zap.String("address", cfg.Webhook.ListenAddress))
		if err := webhookServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLog.Error("Webhook server failed", zap.Error(err))
		}
	}()

	// --- Health & metrics server ---
	go func() {
		http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "healthy",
				"time":   time.Now().Format(time.RFC3339),
			})
		})
		http.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := zeebe.HealthCheck(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{
					"status": "not ready",
					"error":  err.Error(),
				})
				return
			}
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "ready",
				"time":   time.Now().Format(time.RFC3339),
			})
		})
		http.Handle("/metrics", promhttp.Handler())
		zapLog.Info("Health/Metrics server listening on :8080")
		if err := http.ListenAndServe(":8080", nil); err != nil {
			zapLog.Error("Health/Metrics server failed", zap.Error(err))
		}
	}()

	// --- Graceful shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping workers...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := webhookServer.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error stopping webhook server", zap.Error(err))
	}
	workers.Close()
	if err := zeebe.Close(); err != nil {
		zapLog.Error("Error closing Zeebe client", zap.Error(err))
	}

	zapLog.Info("Worker manager stopped gracefully")
}

