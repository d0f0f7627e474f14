package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/secured-finance/lending-engine/internal/collateral"
	"github.com/secured-finance/lending-engine/internal/controller"
	"github.com/secured-finance/lending-engine/internal/metrics"
	"github.com/secured-finance/lending-engine/internal/service"
	"github.com/secured-finance/lending-engine/internal/store"
	"github.com/secured-finance/lending-engine/internal/term"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
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
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Collateral vault ---
	currencies := strings.Split(envOr("CURRENCIES", "USDC,FIL,ETH"), ",")
	infos := make(map[string]collateral.CurrencyInfo, len(currencies))
	for _, ccy := range currencies {
		ccy = strings.TrimSpace(ccy)
		if !term.ValidCurrency(ccy) {
			slog.Warn("skipping invalid currency code", "currency", ccy)
			continue
		}
		infos[ccy] = collateral.CurrencyInfo{
			BaseRate: decimal.NewFromInt(1),
			Haircut:  decimal.NewFromInt(8000), // 80%
		}
	}
	vault := collateral.NewVault(decimal.NewFromInt(12500), infos)

	// --- Market controller ---
	genesis := time.Now().UTC()
	if g := os.Getenv("GENESIS_UNIX"); g != "" {
		sec, err := strconv.ParseInt(g, 10, 64)
		if err != nil {
			slog.Error("invalid GENESIS_UNIX", "err", err)
			os.Exit(1)
		}
		genesis = time.Unix(sec, 0).UTC()
	}

	ctrl := controller.New(controller.DefaultConfig(genesis), vault, vault)
	openBooks := 0
	for ccy := range infos {
		if err := ctrl.AddCurrency(ccy); err != nil {
			slog.Error("failed to add currency", "currency", ccy, "err", err)
			os.Exit(1)
		}
		maturities, _ := ctrl.Maturities(ccy)
		openBooks += len(maturities)
		slog.Info("currency listed", "currency", ccy, "maturities", len(maturities))
	}
	metrics.OpenMarkets.Set(float64(openBooks))

	// --- WebSocket hub ---
	wsHub := service.NewWSHub()
	go wsHub.Run()

	// --- Service ---
	svc := service.NewService(ctrl, st, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"lending-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time fill and rotation updates.
		r.Get("/ws", wsHub.HandleWS)

		svc.Routes(r)
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
		slog.Info("lending-engine listening", "port", port)
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

	slog.Info("shutting down lending-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("lending-engine stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
