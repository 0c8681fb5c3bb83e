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

	"callscore-platform/internal/calls"
	"callscore-platform/internal/config"
	"callscore-platform/internal/dedupe"
	"callscore-platform/internal/ingest"
	"callscore-platform/internal/scoring"
	"callscore-platform/internal/speech"
	"callscore-platform/pkg/logger"
	"callscore-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional env file for local development; real env always wins.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.DSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := calls.EnsureSchema(rootCtx, db); err != nil {
		log.Error("schema init failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	store := calls.NewPostgresStore(db)
	guard := dedupe.NewGuard(store)

	stt := speech.NewClient(speech.ClientConfig{
		BaseURL:  cfg.Speech.BaseURL,
		APIToken: cfg.Speech.APIToken,
		Timeout:  cfg.Speech.Timeout,
	})
	scorer := scoring.NewClient(scoring.ClientConfig{
		BaseURL:  cfg.Scoring.BaseURL,
		APIToken: cfg.Scoring.APIToken,
		Model:    cfg.Scoring.Model,
		Timeout:  cfg.Scoring.Timeout,
	})

	queue := scoring.NewQueue(store, scorer, scoring.NewRedisScheduler(rdb), scoring.Config{
		MaxAttempts:     cfg.Queue.MaxAttempts,
		Backoff:         cfg.Queue.Backoff,
		PollInterval:    cfg.Queue.PollInterval,
		RetryBatchLimit: cfg.Queue.RetryBatchLimit,
		ConcurrencyCap:  cfg.Queue.ConcurrencyCap,
	}, log)
	if cfg.Queue.ConcurrencyCap > 0 {
		queue.WithConcurrencyCap(rdb)
	}
	go queue.Run(rootCtx)

	svc := ingest.NewService(store, guard, stt, queue, ingest.Config{
		MinWebhookDurationSeconds: cfg.Webhook.MinDurationSeconds,
		SpeakersExpected:          cfg.Speech.SpeakersExpected,
	}, log)

	var crm ingest.CRMClient
	if cfg.CRM.BaseURL != "" {
		crm = ingest.NewHTTPCRMClient(ingest.CRMClientConfig{
			BaseURL:  cfg.CRM.BaseURL,
			APIToken: cfg.CRM.APIToken,
		})
		if cfg.CRM.SyncInterval > 0 {
			go runCRMSync(rootCtx, svc, crm, cfg.CRM.SyncInterval, log)
		}
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, ingest.Handlers{
		Service:       svc,
		Queue:         queue,
		Store:         store,
		CRM:           crm,
		WebhookSecret: cfg.Webhook.Secret,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}

// runCRMSync polls the CRM on a fixed interval, each pass picking up calls
// completed since the previous one.
func runCRMSync(ctx context.Context, svc *ingest.Service, crm ingest.CRMClient, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	since := time.Now().UTC().Add(-interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next := time.Now().UTC()
			if _, err := svc.SyncCRM(ctx, crm, since); err != nil {
				log.Error("crm sync failed", "err", err)
				continue
			}
			since = next
		}
	}
}
