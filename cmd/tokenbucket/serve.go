package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/tokenbucket/api"
	"github.com/yourusername/tokenbucket/metrics"
	"github.com/yourusername/tokenbucket/pkg/tokenbucket"
	"github.com/yourusername/tokenbucket/store"
)

var serveFlags struct {
	port            string
	instance        string
	publishInterval time.Duration
	cleanupInterval time.Duration
	shutdownTimeout time.Duration
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the rate limiting service",
	Long: `Start the HTTP service.

Endpoints:
  POST /check    consume tokens for {"client_id": ..., "tokens": n}
  GET  /stats    JSON metrics snapshot
  GET  /metrics  Prometheus exposition
  GET  /health   liveness and Redis reachability
  *    /api/...  sample endpoints limited per client and per route

When --redis-addr is set the stats snapshot is published to Redis every
--publish-interval under the --instance name.

Examples:
  tokenbucket serve --port 9090
  tokenbucket serve --config limits.yaml --log-level debug
  REDIS_ADDR=localhost:6379 tokenbucket serve --instance web-1`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	hostname, _ := os.Hostname()
	serveCmd.Flags().StringVarP(&serveFlags.port, "port", "p", getEnv("PORT", "8080"), "listen port")
	serveCmd.Flags().StringVar(&serveFlags.instance, "instance", hostname, "name stats snapshots are published under")
	serveCmd.Flags().DurationVar(&serveFlags.publishInterval, "publish-interval", 10*time.Second, "stats publish interval")
	serveCmd.Flags().DurationVar(&serveFlags.cleanupInterval, "cleanup-interval", 10*time.Minute, "idle bucket cleanup interval")
	serveCmd.Flags().DurationVar(&serveFlags.shutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
}

func loadConfig(path string) (*tokenbucket.Config, error) {
	if path == "" {
		return tokenbucket.NewConfig(), nil
	}
	return tokenbucket.LoadConfigFromFile(path)
}

// service is the assembled HTTP service. It holds no listener so tests can
// drive handler directly.
type service struct {
	handler  http.Handler
	limiter  tokenbucket.RateLimiter
	recorder *metrics.Recorder
}

func newService(cfg *tokenbucket.Config, logger *slog.Logger, stats *store.RedisStatsStore, cleanupInterval time.Duration) (*service, error) {
	age, err := cfg.CleanupDuration()
	if err != nil {
		return nil, err
	}
	poll, err := cfg.PollDuration()
	if err != nil {
		return nil, err
	}

	recorder := metrics.NewRecorder(metrics.Config{})

	// The check API and the /api/ middleware share one bucket store so a
	// single cleanup loop covers both.
	buckets, err := tokenbucket.NewInMemoryStore(tokenbucket.InMemoryStoreConfig{
		CleanupAge: age,
		BucketOptions: []tokenbucket.BucketOption{
			tokenbucket.WithPollInterval(poll),
			tokenbucket.WithBucketLogger(logger),
			tokenbucket.WithObserver(recorder),
		},
	})
	if err != nil {
		return nil, err
	}

	limiter, err := tokenbucket.NewRateLimiter(
		tokenbucket.WithConfig(cfg),
		tokenbucket.WithStore(buckets),
		tokenbucket.WithLogger(logger),
		tokenbucket.WithCleanupInterval(cleanupInterval),
	)
	if err != nil {
		return nil, err
	}

	handler, err := api.NewHandler(api.HandlerConfig{
		Buckets: buckets,
		Policy:  cfg.Defaults.ToBucketConfig(),
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	checks := map[string]api.HealthCheck{}
	if stats != nil {
		checks["redis"] = stats.Ping
	}

	mux := http.NewServeMux()
	api.Routes(mux, handler, recorder, checks)
	mux.Handle("/api/", limiter.Middleware(http.HandlerFunc(sampleEndpoint)))

	return &service{handler: mux, limiter: limiter, recorder: recorder}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(os.Stderr, logLevel, logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := loadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var stats *store.RedisStatsStore
	if redisAddr != "" {
		stats = store.NewRedisStatsStore(store.RedisConfig{
			Addr:     redisAddr,
			Password: redisPassword,
			DB:       redisDB,
			TTL:      5 * time.Minute,
			Logger:   logger,
		})
		defer stats.Close()
	}

	svc, err := newService(cfg, logger, stats, serveFlags.cleanupInterval)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if stats != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := stats.Ping(pingCtx); err != nil {
			logger.Warn("redis unreachable, snapshots will be retried", "addr", redisAddr, "error", err)
		} else {
			logger.Info("connected to redis", "addr", redisAddr)
		}
		cancel()
	}

	stopCleanup := svc.limiter.StartBackgroundCleanup()
	defer stopCleanup()

	srv := &http.Server{
		Addr:              net.JoinHostPort("", serveFlags.port),
		Handler:           svc.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", srv.Addr,
			"capacity", cfg.Defaults.Capacity,
			"refill_rate", cfg.Defaults.RefillRate,
			"routes", len(cfg.Policies))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serveFlags.shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if stats != nil {
		g.Go(func() error {
			publishStats(gctx, stats, svc.recorder, serveFlags.instance, serveFlags.publishInterval, logger)
			return nil
		})
	}

	return g.Wait()
}

// publishStats saves a snapshot every interval until ctx is done. Failures
// are logged and do not stop the loop.
func publishStats(ctx context.Context, stats store.StatsStore, recorder *metrics.Recorder, instance string, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := stats.Save(ctx, instance, recorder.Snapshot()); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error("failed to publish stats", "instance", instance, "error", err)
				continue
			}
			logger.Debug("published stats", "instance", instance)
		}
	}
}

// sampleEndpoint answers every /api/ request that gets past the limiter.
func sampleEndpoint(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"message":"ok","path":%q,"timestamp":%q}`+"\n",
		r.URL.Path, time.Now().UTC().Format(time.RFC3339))
}
