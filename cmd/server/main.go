package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/babylon-markets/trading-engine/internal/engine"
	"github.com/babylon-markets/trading-engine/internal/exec"
	"github.com/babylon-markets/trading-engine/internal/metrics"
	"github.com/babylon-markets/trading-engine/internal/model"
	"github.com/babylon-markets/trading-engine/internal/pricefeed"
	"github.com/babylon-markets/trading-engine/internal/store"
	"github.com/babylon-markets/trading-engine/internal/wallet"
)

func main() {
	godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
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
			rdb = redis.NewClient(opt)
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

	// --- Engine ---
	eng := engine.New(engineConfigFromEnv())
	registry := pricefeed.NewRegistry()

	markets, err := st.LoadMarkets(ctx)
	if err != nil {
		slog.Error("failed to load markets", "err", err)
		os.Exit(1)
	}
	for _, m := range markets {
		if err := eng.RegisterMarket(m); err != nil {
			slog.Error("failed to register market", "ticker", m.Ticker, "err", err)
			os.Exit(1)
		}
		registry.Reserve(m.EntityID, m.Ticker)
	}
	if len(markets) == 0 {
		seedMarkets(ctx, eng, st, registry)
	}

	open, err := st.LoadOpenPositions(ctx)
	if err != nil {
		slog.Error("failed to load open positions", "err", err)
		os.Exit(1)
	}
	restored := eng.Restore(open)
	slog.Info("engine ready", "markets", len(eng.Markets()), "positions_restored", restored)

	// --- Services ---
	hub := pricefeed.NewHub()
	go hub.Run()

	svc := exec.NewService(eng, st, wallet.NewLedgerWallet(st))
	monitor := pricefeed.NewMonitor(eng, svc, hub, registry)

	go svc.RunReconciliation(ctx, envDuration("RECONCILE_INTERVAL", 10*time.Second))
	go svc.RunFunding(ctx, envDuration("FUNDING_CHECK_INTERVAL", time.Minute))

	if rdb != nil {
		sub := pricefeed.NewSubscriber(rdb, monitor, os.Getenv("PRICE_FEED_CHANNEL"))
		go sub.Run(ctx)
	} else {
		slog.Warn("no Redis configured, price feed subscriber disabled")
	}

	// --- Ops HTTP listener (health, metrics, WebSocket) ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trading-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", hub.HandleWS)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("trading-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down trading-engine...")
	cancel() // stop background loops and the subscriber

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	// Final flush: push live engine state into the ledger before exit.
	svc.Reconcile(shutdownCtx)
	fmt.Println("trading-engine stopped")
}

// engineConfigFromEnv builds the engine config from environment overrides
// on top of the production defaults.
func engineConfigFromEnv() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.MaintenanceMarginRate = envDecimal("MAINTENANCE_MARGIN_RATE", cfg.MaintenanceMarginRate)
	cfg.FundingBaseRate = envDecimal("FUNDING_BASE_RATE", cfg.FundingBaseRate)
	cfg.FundingSensitivity = envDecimal("FUNDING_SENSITIVITY", cfg.FundingSensitivity)
	cfg.FundingClamp = envDecimal("FUNDING_CLAMP", cfg.FundingClamp)
	cfg.FundingInterval = envDuration("FUNDING_INTERVAL", cfg.FundingInterval)
	cfg.MaxOpenInterestShare = envDecimal("MAX_OPEN_INTEREST_SHARE", cfg.MaxOpenInterestShare)
	return cfg
}

func envDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		slog.Warn("invalid decimal env var, using default", "key", key, "value", v)
		return fallback
	}
	return d
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration env var, using default", "key", key, "value", v)
		return fallback
	}
	return d
}

// seedMarkets bootstraps markets from SEED_MARKETS, a comma-separated list
// of name=price pairs, e.g.:
//
//	SEED_MARKETS="Babylon Robotics=100,Acme Retail=42.5"
func seedMarkets(ctx context.Context, eng *engine.Engine, st store.Store, registry *pricefeed.Registry) {
	spec := os.Getenv("SEED_MARKETS")
	if spec == "" {
		return
	}

	for _, pair := range strings.Split(spec, ",") {
		name, priceStr, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			slog.Warn("skipping malformed seed market", "entry", pair)
			continue
		}
		price, err := decimal.NewFromString(strings.TrimSpace(priceStr))
		if err != nil || !price.IsPositive() {
			slog.Warn("skipping seed market with bad price", "entry", pair)
			continue
		}

		name = strings.TrimSpace(name)
		entityID := strings.ToLower(strings.ReplaceAll(name, " ", "-"))
		ticker, err := registry.Assign(entityID, name)
		if err != nil {
			slog.Warn("skipping seed market", "name", name, "err", err)
			continue
		}

		m := model.Market{
			Ticker:       ticker,
			EntityID:     entityID,
			CurrentPrice: price,
			MarkPrice:    price,
			IndexPrice:   price,
			MaxLeverage:  20,
			MinOrderSize: decimal.NewFromInt(10),
		}
		if err := eng.RegisterMarket(m); err != nil {
			slog.Warn("failed to register seed market", "ticker", ticker, "err", err)
			continue
		}
		if saved, ok := eng.Market(ticker); ok {
			if err := st.SaveMarket(ctx, &saved); err != nil {
				slog.Warn("failed to persist seed market", "ticker", ticker, "err", err)
			}
		}
		slog.Info("seeded market", "ticker", ticker, "entity", entityID, "price", price.String())
	}
}
