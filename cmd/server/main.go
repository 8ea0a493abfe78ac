package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/openpredict/market-engine/internal/event"
	"github.com/openpredict/market-engine/internal/market"
	"github.com/openpredict/market-engine/internal/metrics"
	"github.com/openpredict/market-engine/internal/oracle"
	"github.com/openpredict/market-engine/internal/stats"
	"github.com/openpredict/market-engine/internal/store"
	"github.com/openpredict/market-engine/internal/trade"
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

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- BTC price oracle ---
	btc := oracle.NewBTCClientWithConfig(logger, os.Getenv("BTC_ORACLE_URL"), 60*time.Second)
	btc.Start(ctx)
	defer btc.Stop()

	// --- Platform stats collector ---
	collector := stats.NewCollector(st, logger, time.Minute)
	collector.Start(ctx)
	defer collector.Stop()

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	// --- Trade service ---
	eng := market.NewEngine(st)
	events := event.NewService(st)
	tradeSvc := trade.NewService(st, eng, events, btc, collector, wsHub)

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
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time price updates.
		r.Get("/ws", wsHub.HandleWS)

		// Users and positions.
		r.Post("/users", tradeSvc.CreateUser)
		r.Get("/users/{userID}", tradeSvc.GetUser)
		r.Get("/users/{userID}/allocations", tradeSvc.GetUserAllocations)
		r.Get("/users/{userID}/trades", tradeSvc.GetUserTrades)

		// Event and market management.
		r.Post("/events", tradeSvc.CreateEvent)
		r.Get("/events/{eventID}", tradeSvc.GetEvent)
		r.Post("/events/{eventID}/initialize", tradeSvc.InitializeMarket)
		r.Get("/events/{eventID}/prices", tradeSvc.GetPrices)
		r.Get("/events/{eventID}/outcomes/{outcomeID}/price", tradeSvc.GetOutcomePrice)
		r.Get("/events/{eventID}/trades", tradeSvc.GetEventTrades)

		// Trade execution.
		r.Post("/trade/buy", tradeSvc.Buy)
		r.Post("/trade/sell", tradeSvc.Sell)

		// Quotes.
		r.Post("/quote/buy", tradeSvc.QuoteBuy)
		r.Post("/quote/sell", tradeSvc.QuoteSell)

		// Platform stats.
		r.Get("/stats", tradeSvc.GetStats)
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
		slog.Info("market-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down market-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("market-engine stopped")
}
