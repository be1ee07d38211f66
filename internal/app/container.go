// Package app assembles the process from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/strogmv/txwatch/internal/adapter/delivery/discord"
	natsdelivery "github.com/strogmv/txwatch/internal/adapter/delivery/nats"
	"github.com/strogmv/txwatch/internal/adapter/enrich/breaker"
	"github.com/strogmv/txwatch/internal/adapter/enrich/cache"
	"github.com/strogmv/txwatch/internal/adapter/enrich/tensor"
	"github.com/strogmv/txwatch/internal/adapter/notifications"
	"github.com/strogmv/txwatch/internal/adapter/registry/memory"
	"github.com/strogmv/txwatch/internal/adapter/registry/postgres"
	redisregistry "github.com/strogmv/txwatch/internal/adapter/registry/redis"
	"github.com/strogmv/txwatch/internal/adapter/upstream/graphqlws"
	"github.com/strogmv/txwatch/internal/config"
	"github.com/strogmv/txwatch/internal/pkg/circuitbreaker"
	"github.com/strogmv/txwatch/internal/pkg/logger"
	"github.com/strogmv/txwatch/internal/port"
	"github.com/strogmv/txwatch/internal/render"
	"github.com/strogmv/txwatch/internal/service"
	transport "github.com/strogmv/txwatch/internal/transport/http"
)

type Container struct {
	Config *config.Config

	Registry      port.Registry
	Upstream      *graphqlws.Client
	Enricher      port.Enricher
	Renderer      *render.Renderer
	Deliverer     port.Deliverer
	Dispatcher    *service.Dispatcher
	Reconciler    *service.Reconciler
	Supervisor    *service.Supervisor
	Subscriptions *service.Subscriptions
	Handler       http.Handler

	redis   *goredis.Client
	closers []func()
}

// NewRegistryContainer wires only the registry and the subscription
// commands, for the CLI.
func NewRegistryContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	c := &Container{Config: cfg}
	if err := c.initRegistry(ctx); err != nil {
		c.Close()
		return nil, err
	}
	c.Subscriptions = service.NewSubscriptions(c.Registry, c.Registry)
	return c, nil
}

// NewContainer wires the full pipeline: registry, upstream, enrichment,
// rendering, delivery and the command API.
func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	c, err := NewRegistryContainer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := c.initPipeline(ctx); err != nil {
		c.Close()
		return nil, err
	}
	c.Handler = transport.NewRouter(c.Subscriptions, c.Reconciler, transport.Options{
		AllowedOrigins: cfg.CORSOrigins,
		ServiceName:    cfg.ServiceName,
	})
	return c, nil
}

func (c *Container) redisClient() *goredis.Client {
	if c.redis == nil {
		c.redis = redisregistry.NewClient(c.Config.RedisAddr)
		rdb := c.redis
		c.closers = append(c.closers, func() { _ = rdb.Close() })
	}
	return c.redis
}

func (c *Container) initRegistry(ctx context.Context) error {
	cfg := c.Config
	switch cfg.RegistryBackend {
	case config.BackendRedis:
		rdb := c.redisClient()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		c.Registry = redisregistry.NewRegistry(rdb, cfg.RedisPrefix)
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		c.closers = append(c.closers, pool.Close)
		reg := postgres.NewRegistry(pool)
		if err := reg.EnsureSchema(ctx); err != nil {
			return err
		}
		c.Registry = reg
	default:
		c.Registry = memory.NewRegistry()
	}
	return nil
}

func (c *Container) initPipeline(ctx context.Context) error {
	cfg := c.Config

	c.Upstream = graphqlws.NewClient(graphqlws.Options{
		URL:         cfg.UpstreamURL,
		Subprotocol: cfg.UpstreamSubprotocol,
		APIKey:      cfg.APIKey,
	})
	up := c.Upstream
	c.closers = append(c.closers, func() { _ = up.Close() })

	var enricher port.Enricher = tensor.NewClient(cfg.EnrichURL, cfg.APIKey, cfg.EnrichTimeout)
	enricher = breaker.New(enricher, circuitbreaker.NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, 1))
	if cfg.EnrichCacheTTL > 0 {
		var rdb *goredis.Client
		if cfg.RedisAddr != "" {
			rdb = c.redisClient()
		}
		enricher = cache.New(enricher, cfg.EnrichCacheTTL, rdb, cfg.RedisPrefix)
	}
	c.Enricher = enricher

	renderer, err := render.New(render.Options{})
	if err != nil {
		return err
	}
	c.Renderer = renderer

	var sinks []port.NotificationSink
	if cfg.UsesSink(config.SinkDiscord) {
		dc, err := discord.NewClient(discord.Options{APIURL: cfg.DiscordAPIURL, Token: cfg.DiscordToken})
		if err != nil {
			return err
		}
		sinks = append(sinks, dc)
	}
	if cfg.UsesSink(config.SinkNATS) {
		nc, err := natsdelivery.NewClient(cfg.NATSURL, cfg.NATSSubjectPrefix)
		if err != nil {
			return fmt.Errorf("nats %s: %w", cfg.NATSURL, err)
		}
		c.closers = append(c.closers, nc.Close)
		sinks = append(sinks, nc)
	}
	router, err := notifications.NewRouter(sinks...)
	if err != nil {
		return err
	}
	c.Deliverer = router

	c.Dispatcher = service.NewDispatcher(c.Enricher, c.Renderer, c.Deliverer, service.DispatcherOptions{
		Timeout:     cfg.PipelineTimeout,
		MaxInFlight: cfg.MaxInFlight,
	})
	c.Reconciler = service.NewReconciler(c.Upstream, c.Dispatcher)
	c.Supervisor = service.NewSupervisor(c.Registry, c.Reconciler, cfg.WatchBackoffMin, cfg.WatchBackoffMax)
	logger.From(ctx).Info("pipeline wired",
		slog.String("registry", cfg.RegistryBackend),
		slog.Any("sinks", cfg.DeliverySinks),
		slog.Bool("enrich_cache", cfg.EnrichCacheTTL > 0),
	)
	return nil
}

// Run serves the command API and drives reconciliation until ctx is done,
// then cancels every live subscription and waits, bounded by
// SHUTDOWN_TIMEOUT, for in-flight pipelines.
func (c *Container) Run(ctx context.Context) error {
	log := logger.From(ctx)
	srv := &http.Server{
		Addr:              c.Config.HTTPAddr,
		Handler:           c.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	supDone := make(chan struct{})
	go func() {
		defer close(supDone)
		_ = c.Supervisor.Run(runCtx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		log.Error("http server failed", slog.Any("error", runErr))
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.Config.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", slog.Any("error", err))
	}
	<-supDone
	c.Reconciler.Shutdown(shutdownCtx)
	if err := c.Dispatcher.Wait(shutdownCtx); err != nil {
		log.Warn("in-flight pipelines abandoned", slog.Any("error", err))
	}
	return runErr
}

// Close releases connections in reverse order of creation.
func (c *Container) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
