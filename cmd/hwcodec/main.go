package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/hwcodec/internal/codec"
	"github.com/zsiec/hwcodec/internal/config"
	"github.com/zsiec/hwcodec/internal/device/sim"
	"github.com/zsiec/hwcodec/internal/logger"
	"github.com/zsiec/hwcodec/internal/reservation"
	"github.com/zsiec/hwcodec/internal/server"
	"github.com/zsiec/hwcodec/pkg/version"
)

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Parse()

	if showVersion {
		fmt.Println(version.GetInfo().String())
		os.Exit(0)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log.WithField("version", version.GetInfo().Short()).Info("Starting hwcodec harness")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("Harness failed")
	}
	log.Info("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	base := logger.Wrap(log)

	var redisClient *redis.Client
	if cfg.Reservation.Backend == config.ReservationBackendRedis {
		redisClient = newRedisClient(cfg.Redis)
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.WithError(err).Error("Failed to close Redis connection")
			}
		}()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		log.Info("Connected to Redis successfully")
	}

	backend, err := reservation.NewBackend(cfg.Reservation, redisClient, base)
	if err != nil {
		return err
	}

	encoder := codec.NewH264Encoder(sim.EncoderFactory(cfg.Sim, base), backend, cfg.Encoder, base)
	decoder := codec.NewH264Decoder(sim.DecoderFactory(base), backend, cfg.Decoder, base)

	// The status and metrics servers live as long as the harness; any of
	// them failing stops the others.
	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	if cfg.Server.Enabled {
		srv := server.New(&cfg.Server, log, backend)
		srv.AttachCodecs(encoder, decoder, 0)
		if cfg.Metrics.Enabled && (cfg.Metrics.Port == 0 || cfg.Metrics.Port == cfg.Server.Port) {
			srv.EnableMetrics(cfg.Metrics.Path)
		}
		g.Go(func() error { return srv.Start(runCtx) })
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Port != 0 && cfg.Metrics.Port != cfg.Server.Port {
		g.Go(func() error { return serveMetrics(runCtx, cfg.Metrics, base) })
	}

	h := newHarness(cfg, encoder, decoder, base)
	g.Go(func() error {
		defer stop()
		return h.run(runCtx)
	})
	return g.Wait()
}

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addresses[0],
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})
}

// serveMetrics exposes prometheus metrics on their own port until ctx is
// done.
func serveMetrics(ctx context.Context, cfg config.MetricsConfig, log logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	log.WithField("addr", srv.Addr).Info("Starting metrics server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
