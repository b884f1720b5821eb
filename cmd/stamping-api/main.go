package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fiscalstamp/platform/pkg/common/config"
	"github.com/fiscalstamp/platform/pkg/common/database"
	"github.com/fiscalstamp/platform/pkg/common/kafka"
	"github.com/fiscalstamp/platform/pkg/common/logger"
	"github.com/fiscalstamp/platform/pkg/common/middleware"
	"github.com/fiscalstamp/platform/pkg/observability/metrics"
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

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.SubmissionTopic)
	defer producer.Close()

	coordinator := submission.NewCoordinator(db, cfg.LockTimeout, submission.WithMetrics(collector))
	reaper := submission.NewReaper(db, cfg.LockTimeout, submission.SystemClock, collector)
	service := submission.NewService(repo, coordinator, reaper, producer)
	handler := submission.NewHandler(service)

	router := mux.NewRouter()
	router.Use(middleware.Recovery, middleware.Logging)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		sqlDB, err := db.DB()
		if err != nil || sqlDB.PingContext(r.Context()) != nil {
			http.Error(w, `{"status":"unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", collector.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(
		middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).Middleware,
		middleware.BodyLimit(cfg.MaxRequestBody),
	)
	handler.Register(api)

	address := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.AdminAPIPort)
	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithField("addr", address).Info("Stamping admin API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start stamping admin API")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down stamping admin API...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Log.WithError(err).Error("Stamping admin API forced to shutdown")
	}
	logger.Log.Info("Stamping admin API stopped")
}
