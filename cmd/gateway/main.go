package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/agent-gateway/config"
	"github.com/vnmchuo/agent-gateway/internal/api"
	"github.com/vnmchuo/agent-gateway/internal/kv"
	"github.com/vnmchuo/agent-gateway/internal/metering"
	"github.com/vnmchuo/agent-gateway/internal/pricing"
	"github.com/vnmchuo/agent-gateway/internal/seeder"
	"github.com/vnmchuo/agent-gateway/internal/session"
	"github.com/vnmchuo/agent-gateway/internal/telemetry"
	"github.com/vnmchuo/agent-gateway/internal/upstream"
	"github.com/vnmchuo/agent-gateway/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("agent-gateway", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Println("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	// 5. Init session store and nonce registry
	store := kv.NewRedisStore(rdb)
	sessions := session.NewStore(store, session.Options{
		AllowedOrigins:      session.ParseAllowedOrigins(cfg.SessionAllowedOrigins),
		DefaultTTL:          cfg.SessionTTL(),
		ValidationDisabled:  cfg.ValidationDisabled(),
		FingerprintRequired: cfg.FingerprintRequired(),
		DevSessionAllowlist: cfg.DevSessionAllowlist,
	})
	nonces := session.NewNonceRegistry(store)

	// 6. Init pricing
	table, err := pricing.LoadTable(cfg.PricingConfigPath)
	if err != nil {
		log.Fatalf("failed to load pricing table: %v", err)
	}
	engine := pricing.NewEngine(table, cfg.MarkupMultiplier)

	// 7. Init metering
	reporter := metering.NewReporter(cfg.MeteringEndpoint, cfg.AgentID, cfg.AgentKey)
	ledger := metering.NewPostgresLedger(pool)
	meter := metering.NewService(engine, reporter, ledger, cfg.AgentID)

	// 8. Init upstream client and rate limiter
	client := upstream.NewClient(cfg.UpstreamAPIBase, cfg.UpstreamAPIKey)
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)

	// 9. Init handlers
	tracer := otel.GetTracerProvider().Tracer("agent-gateway")
	sessionHandler := api.NewSessionHandler(sessions, nonces, cfg.AgentKey)
	meteringHandler := api.NewMeteringHandler(sessions, meter, ledger, cfg.MeteringGetEndpoint, cfg.AgentKey, cfg.InternalMeteringToken)
	aiHandler := api.NewAIHandler(sessions, meter, client, limiter, tracer)

	// 10. Seed test session if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestSession(ctx, sessions, cfg.AgentID)
	}

	// 11. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"agent-gateway"}`))
	})

	r.Get("/api/session", sessionHandler.HandleIssue)
	r.Post("/api/metering", meteringHandler.HandlePost)
	r.Get("/api/metering", meteringHandler.HandleGet)
	r.Get("/api/usage", meteringHandler.HandleUsage)
	r.Post("/api/ai", aiHandler.HandleOperation)

	// 12. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // image tasks poll for up to four minutes
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Agent Gateway starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
