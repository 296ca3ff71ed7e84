package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/shehrozeikram/ERP-sub020/internal/api"
	"github.com/shehrozeikram/ERP-sub020/internal/archive"
	"github.com/shehrozeikram/ERP-sub020/internal/cache"
	"github.com/shehrozeikram/ERP-sub020/internal/config"
	"github.com/shehrozeikram/ERP-sub020/internal/integration"
	"github.com/shehrozeikram/ERP-sub020/internal/payroll"
	"github.com/shehrozeikram/ERP-sub020/internal/scheduler"
	"github.com/shehrozeikram/ERP-sub020/internal/store"
	"github.com/shehrozeikram/ERP-sub020/internal/zkbio"
)

func main() {
	cfg := config.Load()

	ctx := context.Background()
	db, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatalf("schema migration failed: %v", err)
	}

	queryCache, err := cache.New(cfg.RedisAddr, cfg.DirectoryCacheTTL, cfg.QueryCacheTTL)
	if err != nil {
		log.Printf("query cache unavailable (%v), continuing without caching", err)
		queryCache = nil
	}
	if queryCache != nil {
		defer queryCache.Close()
	}

	snapshots := buildArchive(ctx, cfg)
	defer snapshots.Close()

	sessions := zkbio.NewSessionManager(
		cfg.ApplianceBaseURL,
		zkbio.Credentials{Username: cfg.ApplianceUsername, Password: cfg.AppliancePassword},
		cfg.RequestTimeout,
		cfg.AuthMaxAttempts,
		cfg.AuthBackoffBase,
	)
	client := zkbio.NewClient(
		cfg.ApplianceBaseURL,
		cfg.ApplianceFallbackURL,
		sessions,
		cfg.RequestTimeout,
		cfg.PageSize,
		cfg.MaxRecordsPerFetch,
	)

	heartbeat := zkbio.NewHeartbeat(cfg.ApplianceBaseURL, sessions, cfg.RequestTimeout)
	heartbeat.Start(time.Duration(cfg.HeartbeatIntervalMins) * time.Minute)
	defer heartbeat.Stop()

	var cacheDep integration.QueryCache
	if queryCache != nil {
		cacheDep = queryCache
	}
	service := integration.NewService(client, db, cacheDep, snapshots)
	calculator := payroll.NewCalculator(db, nil)

	syncScheduler := scheduler.New(
		service,
		time.Duration(cfg.SyncIntervalMinutes)*time.Minute,
		cfg.SyncMaxRetries,
		cfg.SyncRetryDelay,
	)
	syncScheduler.Start()
	defer syncScheduler.Stop()

	handler := api.NewHandler(
		service,
		syncScheduler,
		calculator,
		heartbeat,
		db,
		cfg.CORSAllowedOrigins,
		cfg.RateLimitRequestsPerSec,
		cfg.RateLimitBurst,
	)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("attendance integration listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-shutdownCtx.Done()
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxTimeout); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func buildArchive(ctx context.Context, cfg config.Config) archive.Store {
	if cfg.S3Bucket == "" {
		log.Printf("snapshot archive not configured, sync payloads will not be retained")
		return archive.NewNoopStore()
	}

	s3Store, err := archive.NewS3Store(ctx, cfg.S3Region, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket)
	if err != nil {
		log.Printf("snapshot archive unavailable (%v), continuing without archival", err)
		return archive.NewNoopStore()
	}

	if err := s3Store.EnsureLifecyclePolicy(ctx, cfg.SnapshotRetentionDays); err != nil {
		log.Printf("snapshot lifecycle policy not applied: %v", err)
	}
	return s3Store
}
