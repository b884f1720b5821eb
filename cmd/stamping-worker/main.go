package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fiscalstamp/platform/pkg/classifier"
	"github.com/fiscalstamp/platform/pkg/common/config"
	"github.com/fiscalstamp/platform/pkg/common/database"
	"github.com/fiscalstamp/platform/pkg/common/kafka"
	"github.com/fiscalstamp/platform/pkg/common/logger"
	"github.com/fiscalstamp/platform/pkg/observability/metrics"
	"github.com/fiscalstamp/platform/pkg/provider"
	"github.com/fiscalstamp/platform/pkg/scheduler"
	"github.com/fiscalstamp/platform/pkg/submission"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	logger.Init()
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Log.WithError(err).Fatal("invalid configuration")
	}

	db, err := database.OpenPostgres(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer database.ClosePostgres(db)

	repo := submission.NewRepository(db, submission.SystemClock)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate submission tables")
	}

	cls := classifier.Default()
	if cfg.ClassifierRulesPath != "" {
		rules, err := classifier.LoadRules(cfg.ClassifierRulesPath)
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to load classifier rules")
		}
		if cls, err = classifier.New(rules); err != nil {
			logger.Log.WithError(err).Fatal("invalid classifier rules")
		}
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	coordinator := submission.NewCoordinator(db, cfg.LockTimeout, submission.WithMetrics(collector))
	submitter := provider.NewHTTPClient(provider.HTTPConfig{
		BaseURL:      cfg.ProviderBaseURL,
		ClientID:     cfg.ProviderClientID,
		ClientSecret: cfg.ProviderClientSecret,
		TokenURL:     cfg.ProviderTokenURL,
		Timeout:      cfg.CallTimeout,
	})
	orchestrator, err := submission.NewOrchestrator(repo, coordinator, submitter, cls, cfg.CallTimeout, collector)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to build orchestrator")
	}
	reaper := submission.NewReaper(db, cfg.LockTimeout, submission.SystemClock, collector)

	redisClient := database.OpenRedis(cfg)
	defer redisClient.Close()
	queue := scheduler.NewRedisQueue(redisClient, cfg.RetryQueueKey)

	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.SubmissionTopic)
	defer producer.Close()

	dispatcher := scheduler.NewDispatcher(orchestrator, coordinator, queue, scheduler.PolicyFromConfig(cfg), collector)
	pump := scheduler.NewPump(queue, producer, cfg.RetryPollInterval)

	workerID := cfg.WorkerID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	pool := scheduler.NewPool(workerID, func(int) scheduler.JobSource {
		return kafka.NewConsumer(cfg.KafkaBrokers, cfg.SubmissionTopic, cfg.KafkaGroupID)
	}, dispatcher.Handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pool.Start(ctx, cfg.WorkerConcurrency); err != nil {
		logger.Log.WithError(err).Fatal("failed to start worker pool")
	}
	go pump.Run(ctx)
	go reaper.Run(ctx, cfg.ReaperInterval)

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", collector.Handler()).Methods(http.MethodGet)

	address := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.MetricsPort)
	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithField("addr", address).Info("Stamping worker metrics listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start metrics server")
		}
	}()

	logger.Log.WithFields(map[string]interface{}{
		"worker_id":    workerID,
		"concurrency":  cfg.WorkerConcurrency,
		"lock_timeout": cfg.LockTimeout.String(),
		"call_timeout": cfg.CallTimeout.String(),
	}).Info("Stamping worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down stamping worker...")
	cancel()
	pool.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("Metrics server forced to shutdown")
	}
	logger.Log.Info("Stamping worker stopped")
}
