package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/harrylevesque/slqrattend/internal/anomaly"
	"github.com/harrylevesque/slqrattend/internal/api"
	"github.com/harrylevesque/slqrattend/internal/attendance"
	"github.com/harrylevesque/slqrattend/internal/audit"
	"github.com/harrylevesque/slqrattend/internal/clock"
	"github.com/harrylevesque/slqrattend/internal/config"
	"github.com/harrylevesque/slqrattend/internal/crypto"
	"github.com/harrylevesque/slqrattend/internal/files"
	"github.com/harrylevesque/slqrattend/internal/observability"
	"github.com/harrylevesque/slqrattend/internal/ratelimit"
	"github.com/harrylevesque/slqrattend/internal/session"
	"github.com/harrylevesque/slqrattend/internal/store"
	"github.com/harrylevesque/slqrattend/internal/utils"
	"github.com/harrylevesque/slqrattend/internal/verify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := utils.NewLogger(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger.Logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	master, err := files.ReadMasterKey(cfg.MasterKeyHex, cfg.MasterKeyFile)
	if err != nil {
		return err
	}
	keys, err := files.DeriveKeys(master)
	if err != nil {
		return err
	}
	clk := clock.System{}

	st, err := openStore(ctx, cfg, keys, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("store close failed", "error", err)
		}
	}()

	limiter, err := openLimiter(ctx, cfg, clk)
	if err != nil {
		return err
	}

	sink, err := openSink(cfg, logger)
	if err != nil {
		return err
	}
	defer sink.Close()

	provider := observability.NewProvider(true)
	defer provider.Shutdown(context.Background())
	recorder, err := observability.NewRecorder(provider.Meter())
	if err != nil {
		return err
	}

	envelope := crypto.NewEnvelope(crypto.Cipher(cfg.EnvelopeCipher))
	manager, err := session.NewManager(cfg.Session, st, envelope, keys.SessionToken, clk, logger)
	if err != nil {
		return err
	}
	detector, err := anomaly.NewDetector(cfg.Anomaly, st, st, clk, logger)
	if err != nil {
		return err
	}
	engine, err := verify.NewEngine(cfg.Verify, st, st, detector, clk, logger)
	if err != nil {
		return err
	}
	svc, err := attendance.NewService(cfg.Claims, attendance.Deps{
		Store:    st,
		Manager:  manager,
		Engine:   engine,
		Limiter:  limiter,
		Sink:     sink,
		Recorder: recorder,
		Clock:    clk,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	router := api.NewRouter(svc, api.Options{
		Limiter:    limiter,
		HTTPMax:    cfg.RateLimit.HTTPMax,
		HTTPWindow: cfg.RateLimit.HTTPWindow,
		Throttle:   rate.NewLimiter(rate.Limit(cfg.Throttle.RPS), cfg.Throttle.Burst),
		Metrics:    provider,
		Logger:     logger,
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server running", "addr", cfg.Addr, "store", cfg.Store.Driver, "limiter", cfg.RateLimit.Backend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.Config, keys *files.Keys, logger *slog.Logger) (store.Store, error) {
	sc := cfg.Store
	switch sc.Driver {
	case config.DriverMemory:
		return store.NewMemoryStore(sc.Retention), nil
	case config.DriverFile:
		s, err := files.NewSnapshotStore(sc.DataDir, keys.StoreSnapshot, sc.Retention, logger)
		if err != nil {
			return nil, err
		}
		go s.Run(ctx, sc.SnapshotInterval)
		return s, nil
	case config.DriverSQLite:
		return store.OpenSQL(ctx, store.DialectSQLite, sc.DSN, sc.Retention)
	case config.DriverPostgres:
		return store.OpenSQL(ctx, store.DialectPostgres, sc.DSN, sc.Retention)
	default:
		return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

func openLimiter(ctx context.Context, cfg *config.Config, clk clock.Clock) (ratelimit.Limiter, error) {
	if cfg.RateLimit.Backend != config.LimiterRedis {
		return ratelimit.NewMemoryLimiter(clk), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RateLimit.RedisAddr,
		Password: cfg.RateLimit.RedisPassword,
		DB:       cfg.RateLimit.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.RateLimit.RedisAddr, err)
	}
	return ratelimit.NewRedisLimiter(client, "slqrattend", clk), nil
}

func openSink(cfg *config.Config, logger *slog.Logger) (audit.Sink, error) {
	var sinks audit.Multi
	if cfg.Audit.JSONLPath != "" {
		s, err := audit.NewJSONLSink(cfg.Audit.JSONLPath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.KafkaEnabled() {
		client, err := audit.NewKafkaClient(cfg.Audit.KafkaBrokers, "slqrattend")
		if err != nil {
			sinks.Close()
			return nil, err
		}
		sinks = append(sinks, audit.NewKafkaSink(client, cfg.Audit.FindingsTopic, cfg.Audit.OutcomesTopic, logger))
	}
	if len(sinks) == 0 {
		return audit.Nop{}, nil
	}
	return sinks, nil
}
