package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/RoiLaboratories/Know-Empire-sub000/internal/escrow"
	"github.com/RoiLaboratories/Know-Empire-sub000/internal/ledger"
	"github.com/RoiLaboratories/Know-Empire-sub000/internal/metrics"
	"github.com/RoiLaboratories/Know-Empire-sub000/internal/model"
	"github.com/RoiLaboratories/Know-Empire-sub000/internal/treasury"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize ledger ---
	var led ledger.Ledger
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		led = ledger.NewPostgresLedger(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			led = ledger.NewCachedLedger(led, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory ledger (data will not persist)")
		led = ledger.NewMemoryLedger()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Treasury ---
	// In-process custody book. Production swaps in the settlement-layer
	// adapter behind the same interface.
	bank := treasury.NewMemoryBank()

	// --- Engine configuration ---
	cfg := escrow.Config{
		Owner:             model.Party(envString("ESCROW_OWNER", "admin")),
		PlatformAccount:   model.Party(envString("PLATFORM_ACCOUNT", "platform")),
		FeeBasisPoints:    envInt64("FEE_BPS", 250),
		MaxFeeBasisPoints: envInt64("MAX_FEE_BPS", 1000),
		AutoReleaseWindow: envDuration("AUTO_RELEASE_WINDOW", 7*24*time.Hour),
	}

	// --- WebSocket hub ---
	hub := escrow.NewHub()
	go hub.Run()

	// --- Engine ---
	eng, err := escrow.NewEngine(led, bank, cfg, hub)
	if err != nil {
		slog.Error("engine configuration invalid", "err", err)
		os.Exit(1)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for the marketplace frontend.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Actor-ID")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"escrow-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time escrow events.
		r.Get("/ws", hub.HandleWS)

		// Escrow lifecycle.
		r.Get("/escrows", eng.HandleList)
		r.Post("/escrows", eng.HandleCreate)
		r.Get("/escrows/{escrowID}", eng.HandleGet)
		r.Get("/escrows/{escrowID}/eligibility", eng.HandleEligibility)
		r.Post("/escrows/{escrowID}/ship", eng.HandleShip)
		r.Post("/escrows/{escrowID}/confirm", eng.HandleConfirm)
		r.Post("/escrows/{escrowID}/dispute", eng.HandleDispute)
		r.Post("/escrows/{escrowID}/refund", eng.HandleRefund)
		r.Post("/escrows/{escrowID}/release", eng.HandleRelease)
		r.Post("/escrows/{escrowID}/auto-release", eng.HandleAutoRelease)

		// Treasury read surface.
		r.Get("/custody", eng.HandleCustody)

		// Owner configuration.
		r.Post("/admin/fee", eng.HandleSetFee)
		r.Post("/admin/pause", eng.HandlePause)
		r.Post("/admin/unpause", eng.HandleUnpause)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("escrow-engine listening", "port", port,
			"owner", cfg.Owner,
			"fee_bps", cfg.FeeBasisPoints,
			"auto_release_window", cfg.AutoReleaseWindow.String(),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down escrow-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("escrow-engine stopped")
}

func envString(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt64(name string, fallback int64) int64 {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		slog.Error("invalid integer env var", "name", name, "value", v)
		os.Exit(1)
	}
	return n
}

func envDuration(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Error("invalid duration env var", "name", name, "value", v)
		os.Exit(1)
	}
	return d
}
