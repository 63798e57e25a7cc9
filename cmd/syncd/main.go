// Command syncd runs the purchase synchronization daemon: it sweeps the
// pending purchase queue on an interval, posting unsynced receipts to the
// entitlement backend, and serves Prometheus metrics.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	subwise "github.com/subwise/subwise-go"
	"github.com/subwise/subwise-go/internal/billing/googleplay"
	"github.com/subwise/subwise-go/internal/metrics"
	"github.com/subwise/subwise-go/internal/storage"
	"github.com/subwise/subwise-go/internal/storage/memory"
	"github.com/subwise/subwise-go/internal/storage/pgstore"
	"github.com/subwise/subwise-go/internal/storage/redisstore"
	"github.com/subwise/subwise-go/internal/storage/securestore"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	// Flags; .env fills in what flags leave at their env-backed defaults.
	_ = godotenv.Load()
	apiKey := flag.String("api-key", os.Getenv("SUBWISE_API_KEY"), "backend API key")
	baseURL := flag.String("base-url", envOr("SUBWISE_BASE_URL", "https://api.subwise.dev/v1"), "backend base URL")
	appUserID := flag.String("app-user-id", os.Getenv("SUBWISE_APP_USER_ID"), "app user id (empty mints anonymous)")
	signKey := flag.String("sign-key", os.Getenv("SUBWISE_SIGN_KEY"), "hex HMAC signing key (optional)")
	storeKind := flag.String("store", envOr("SUBWISE_STORE", "memory"), "token store: memory|redis|postgres")
	redisAddr := flag.String("redis-addr", envOr("SUBWISE_REDIS_ADDR", "localhost:6379"), "redis address")
	redisPassword := flag.String("redis-password", os.Getenv("SUBWISE_REDIS_PASSWORD"), "redis password")
	dsn := flag.String("dsn", os.Getenv("SUBWISE_PG_DSN"), "PostgreSQL DSN (store=postgres)")
	encryptKey := flag.String("encrypt-key", os.Getenv("SUBWISE_ENCRYPT_KEY"), "hex 32-byte at-rest encryption key (optional)")
	packageName := flag.String("package-name", os.Getenv("SUBWISE_PACKAGE_NAME"), "android application package name")
	serviceAccount := flag.String("service-account", os.Getenv("SUBWISE_SERVICE_ACCOUNT_FILE"), "Google service account JSON file")
	metricsAddr := flag.String("metrics-addr", envOr("SUBWISE_METRICS_ADDR", ":9185"), "metrics listen address")
	sweepInterval := flag.Duration("sweep-interval", 5*time.Minute, "pending purchase sweep interval")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("store", *storeKind),
	)

	if *apiKey == "" {
		logger.Fatal("missing backend API key (--api-key / SUBWISE_API_KEY)")
	}
	if *packageName == "" || *serviceAccount == "" {
		logger.Fatal("missing Google Play configuration (--package-name, --service-account)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := buildStore(ctx, *storeKind, *redisAddr, *redisPassword, *dsn)
	if err != nil {
		logger.Fatal("build store", zap.Error(err))
	}
	defer cleanup()

	if *encryptKey != "" {
		masterKey, derr := hex.DecodeString(*encryptKey)
		if derr != nil {
			logger.Fatal("decode encryption key", zap.Error(derr))
		}
		store, err = securestore.New(store, masterKey)
		if err != nil {
			logger.Fatal("wrap store with encryption", zap.Error(err))
		}
	}

	serviceAccountJSON, err := os.ReadFile(*serviceAccount)
	if err != nil {
		logger.Fatal("read service account", zap.Error(err))
	}
	play, err := googleplay.New(ctx, *packageName, serviceAccountJSON, logger.Named("play"))
	if err != nil {
		logger.Fatal("build play adapter", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	var hmacKey []byte
	if *signKey != "" {
		if hmacKey, err = hex.DecodeString(*signKey); err != nil {
			logger.Fatal("decode signing key", zap.Error(err))
		}
	}

	client, err := subwise.New(subwise.Config{
		APIKey:             *apiKey,
		BaseURL:            *baseURL,
		AppUserID:          *appUserID,
		ClientProvider:     play,
		Querier:            play,
		Store:              store,
		SignKey:            hmacKey,
		FinishTransactions: true,
		AutoSyncEnabled:    true,
		Metrics:            m,
		Logger:             logger,
	})
	if err != nil {
		logger.Fatal("build client", zap.Error(err))
	}
	defer client.Close()
	client.SetAppInBackground(true) // a daemon has no foreground

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		logger.Info("metrics listening", zap.String("addr", *metricsAddr))
		if serr := srv.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(serr))
		}
	}()

	runSweepLoop(ctx, client, *sweepInterval, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func runSweepLoop(ctx context.Context, client *subwise.Client, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sweep := func() {
		client.SyncPendingPurchases(func(r subwise.Result) {
			switch {
			case r.Err != nil:
				logger.Warn("sweep failed", zap.Error(r.Err))
			case r.CustomerInfo != nil:
				logger.Info("sweep posted purchases",
					zap.String("appUserID", r.CustomerInfo.OriginalAppUserID),
					zap.String("verification", r.CustomerInfo.Verification.String()))
			default:
				logger.Debug("sweep finished", zap.String("outcome", r.Outcome.String()))
			}
		})
	}

	sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

func buildStore(
	ctx context.Context, kind, redisAddr, redisPassword, dsn string,
) (storage.KeyValueStore, func(), error) {
	switch kind {
	case "redis":
		s, err := redisstore.New(redisAddr, redisPassword, 0, "subwise", 0)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		if err := pgstore.Migrate(ctx, dsn); err != nil {
			return nil, nil, err
		}
		db, err := pgstore.New(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return pgstore.NewStore(db), db.Close, nil
	default:
		return memory.New(), func() {}, nil
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
