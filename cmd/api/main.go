package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"authgrid.org/internal/audit"
	"authgrid.org/internal/auth"
	"authgrid.org/internal/authz"
	"authgrid.org/internal/cache"
	"authgrid.org/internal/config"
	"authgrid.org/internal/httpapi"
	"authgrid.org/internal/obs"
	"authgrid.org/internal/session"
)

var version = "0.3.1"

func main() {
	obs.Init()

	cfg, err := config.Load(os.Getenv("AUTHGRID_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			log.Printf("config: %v", e)
		}
		os.Exit(1)
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	defer db.Close()

	// Redis is optional: without it the caches fall back to local + loader.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
	}

	store := auth.NewPGStore(db)

	recorder := audit.NewRecorder(audit.NewStoreSink(store),
		audit.WithCapacity(cfg.AuditBufferSize),
		audit.WithRetryPolicy(cfg.AuditMaxRetries, cfg.AuditRetryBackoff),
	)

	cacheOpts := cache.Options{
		LocalSize: cfg.CacheLocalSize,
		LocalTTL:  cfg.CacheLocalTTL,
		RemoteTTL: cfg.CacheRemoteTTL,
	}
	sessionCache, err := cache.NewLayered(rdb, session.SessionLoader(store), cacheOpts)
	if err != nil {
		log.Fatalf("session cache: %v", err)
	}
	identityCache, err := cache.NewLayered(rdb, authz.IdentityLoader(store), cacheOpts)
	if err != nil {
		log.Fatalf("identity cache: %v", err)
	}

	codec, err := auth.NewCodec(cfg.TokenSecret, cfg.Issuer, auth.WithAccessTTL(cfg.AccessTTL))
	if err != nil {
		log.Fatalf("token codec: %v", err)
	}
	verifier := auth.NewVerifier(store, recorder,
		auth.WithLockoutPolicy(cfg.LockoutThreshold, cfg.LockoutWindow),
		auth.WithInvalidator(func(ctx context.Context, tenantID, identityID string) error {
			return identityCache.Invalidate(ctx, authz.CacheKey(tenantID, identityID))
		}))
	registry := session.NewRegistry(store, sessionCache, recorder,
		session.WithRefreshTTL(cfg.RefreshTTL),
		session.WithGracePeriod(cfg.SessionGracePeriod),
	)
	evaluator := authz.NewEvaluator(store, identityCache, recorder)
	guard := authz.NewGuard(recorder)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go registry.RunSweeper(sweepCtx, cfg.SessionSweepInterval)

	api := httpapi.New(verifier, codec, registry, evaluator, guard, recorder, store,
		httpapi.ReadyProbe{DB: db, Redis: rdb},
		httpapi.Options{
			Version:            version,
			OpTimeout:          cfg.StoreTimeout,
			RateLimitPerSecond: cfg.RateLimitPerSecond,
			RateLimitBurst:     cfg.RateLimitBurst,
			LoginRatePerMinute: cfg.LoginRatePerMinute,
		})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting authgrid-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	// Flush buffered audit events before the store goes away.
	if err := recorder.Close(ctx); err != nil {
		log.Printf("audit drain: %v", err)
	}
	log.Println("Stopped")
}
