package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"inference-bridge/internal/api"
	"inference-bridge/internal/artifacts"
	"inference-bridge/internal/backend"
	"inference-bridge/internal/config"
	"inference-bridge/internal/logger"
	"inference-bridge/internal/notify"
	"inference-bridge/internal/queue"
	"inference-bridge/internal/ratelimit"
	"inference-bridge/internal/worker"
)

const shutdownTimeout = 5 * time.Second

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.New(cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("bridge stopped")
	}
	log.Info().Msg("bridge stopped")
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	hub := notify.NewHub(cfg.EventBuffer, log)

	be, err := backend.NewClient(backend.Options{
		BaseURL:      cfg.BackendURL,
		Token:        backend.NewTokenSource(cfg.TokenFile),
		TokenHeader:  cfg.TokenHeader,
		ProxyTimeout: cfg.BackendProxyTimeout,
		Logger:       log,
	})
	if err != nil {
		return err
	}

	var mirror artifacts.Uploader
	if cfg.ArtifactS3Bucket != "" {
		mirror, err = artifacts.NewS3Mirror(ctx, artifacts.S3Options{
			Bucket:    cfg.ArtifactS3Bucket,
			Region:    cfg.ArtifactS3Region,
			Endpoint:  cfg.ArtifactS3Endpoint,
			PathStyle: cfg.ArtifactS3PathStyle,
		})
		if err != nil {
			return err
		}
		log.Info().Str("bucket", cfg.ArtifactS3Bucket).Msg("mirroring artifacts to s3")
	}

	rewriter, err := artifacts.NewRewriter(artifacts.Options{
		PublicBaseURL:  cfg.PublicBaseURL,
		OutputDir:      cfg.OutputDir,
		ThumbnailWidth: cfg.ThumbnailWidth,
		Mirror:         mirror,
		Fetcher:        be,
		Logger:         log,
	})
	if err != nil {
		return err
	}
	// The file server and the rewriter must agree on the directory.
	cfg.OutputDir = rewriter.OutputDir()

	proc := worker.NewProcessor(be, rewriter, log)
	q := queue.New(context.Background(), proc, hub, queue.Options{
		Capacity:    cfg.QueueCapacity,
		Timeout:     cfg.BackendTimeout,
		DrainDelay:  cfg.DrainDelay,
		ResultLimit: cfg.ResultCacheLimit,
		Logger:      log,
	})
	defer q.Close()

	var limiter *ratelimit.TokenBucket
	if cfg.RateLimitEnabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		limiter = ratelimit.NewTokenBucket(rdb, ratelimit.Options{
			Capacity:        cfg.RateLimitCapacity,
			RefillPerSecond: cfg.RateLimitRefill,
			TTL:             time.Hour,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := limiter.Ping(pingCtx)
		cancel()
		if err != nil {
			return err
		}
		log.Info().Str("redis", cfg.RedisAddr).Msg("rate limiting enabled")
	}

	server := api.New(cfg, q, be, hub, limiter, log)
	servers := []*http.Server{{
		Addr:    cfg.HTTPAddr,
		Handler: server.Router(),
	}}
	if cfg.EventsAddr != "" {
		servers = append(servers, &http.Server{
			Addr:    cfg.EventsAddr,
			Handler: server.EventsRouter(),
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		srv.RegisterOnShutdown(server.Close)
		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Msg("bridge listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
