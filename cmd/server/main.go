package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/trip-exchange/internal/auth"
	"github.com/example/trip-exchange/internal/config"
	"github.com/example/trip-exchange/internal/geo"
	"github.com/example/trip-exchange/internal/ingest"
	"github.com/example/trip-exchange/internal/logging"
	"github.com/example/trip-exchange/internal/observability"
	"github.com/example/trip-exchange/internal/payments"
	"github.com/example/trip-exchange/internal/server"
	"github.com/example/trip-exchange/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		if os.Getenv("MIGRATE") == "true" {
			migrate(cfg.PGDSN, logger)
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		store = ps
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("PG_DSN not set, using in-memory store")
	}

	var idx geo.Index
	if cfg.RedisAddr != "" {
		idx = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		idx = geo.NewMemoryIndex()
	}

	am := &auth.Manager{Secret: []byte(cfg.JWTSecret), TTL: cfg.TokenTTL}
	srv := server.New(store, idx, am, logger)
	srv.NearbyRadiusM = cfg.NearbyRadiusM
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		srv.Kafka = producer
	}
	if cfg.StripeAPIKey != "" {
		srv.Escrow = payments.NewEscrow(cfg.StripeAPIKey, cfg.StripeCurrency)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweepExpired(ctx, store, cfg, logging.Component(logger, "expiry"))

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("trip-exchange listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

// sweepExpired times out requests nobody bid on. The client sees the
// expiry as a vanished snapshot on its next poll.
func sweepExpired(ctx context.Context, store storage.Store, cfg config.ServerConfig, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.ExpirySweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.ExpireStale(ctx, cfg.RequestTTL)
			if err != nil {
				logger.Warn("expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				observability.RequestsExpired.Add(float64(n))
				logger.Info("expired stale requests", "count", n)
			}
		}
	}
}

func migrate(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Warn("migration db open failed", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_trips.sql"))
	if err != nil {
		logger.Warn("migration file missing", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Warn("migration failed", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_trips.sql")
}
