package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/edgeflare/pgcollections/pkg/config"
	"github.com/edgeflare/pgcollections/pkg/httputil"
	mw "github.com/edgeflare/pgcollections/pkg/httputil/middleware"
	"github.com/edgeflare/pgcollections/pkg/metrics"
	pg "github.com/edgeflare/pgcollections/pkg/pgx"
	"github.com/edgeflare/pgcollections/pkg/query"
	"github.com/edgeflare/pgcollections/pkg/rest"
	"github.com/edgeflare/pgcollections/pkg/stats"
	"github.com/edgeflare/pgcollections/pkg/tilecache"
	"github.com/edgeflare/pgcollections/pkg/tiles"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long:  `Starts the collections API: items, closest features, vector tiles and statistics`,
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringP("pg.connString", "c", "", "PostgreSQL connection string")
	f.StringP("server.listenAddr", "l", "", "HTTP listen address")
	f.String("server.baseURL", "", "Base URL for API endpoints")
	f.String("cache.driver", "", "Tile cache driver (memory, redis, none)")
	f.String("cache.redisAddr", "", "Redis address for the redis cache driver")
	f.String("metrics.addr", "", "Prometheus metrics listen address")
	f.StringP("log.level", "L", "", "Log level (debug, info, warn, error, none)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pg.NewPool(ctx, cfg.PG.PoolConfig())
	if err != nil {
		return err
	}
	defer pool.Close()

	store, err := newTileStore(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	cache := tilecache.New(store, tilecache.Options{Logger: logger, OpTimeout: cfg.Cache.OpTimeout})
	defer cache.Close()

	engine := tiles.NewEngine(
		tiles.NewPostGIS(query.NewExecutor(pool, cfg.Query.SQLGuard)),
		cache,
		tiles.Config{
			CacheTTL:    cfg.Tiles.CacheTTL(),
			MaxFeatures: cfg.Tiles.MaxFeaturesPerTile,
			Extent:      cfg.Tiles.Extent,
			Buffer:      cfg.Tiles.Buffer,
			ClipZoom:    cfg.Tiles.ClipZoom,
			MaxZoom:     cfg.Tiles.MaxZoom,
		},
		logger,
	)
	server := rest.NewServer(pool, engine, cache, rest.Options{
		BaseURL:      cfg.Server.BaseURL,
		QueryTimeout: cfg.Server.QueryTimeout,
		Limits:       query.Limits{DefaultLimit: cfg.Query.DefaultLimit, MaxLimit: cfg.Query.MaxLimit},
		StatsLimits:  stats.Limits{MaxBins: cfg.Query.MaxBins, MaxBreaks: cfg.Query.MaxBreaks},
		SQLGuard:     cfg.Query.SQLGuard,
		Logger:       logger,
	})

	router := httputil.NewRouter(httputil.WithServerOptions(func(s *http.Server) {
		s.ErrorLog = zap.NewStdLog(logger)
		s.IdleTimeout = 2 * time.Minute
	}))
	// middleware must be installed before routes are registered
	router.Use(
		mw.RequestID,
		mw.LoggerWithOptions(&mw.LoggerOptions{Logger: logger}),
		mw.Recover,
		mw.Metrics,
		mw.CORSWithOptions(nil),
	)
	server.Register(router)

	var wg sync.WaitGroup
	metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{
		Addr:   cfg.Metrics.Addr,
		Path:   cfg.Metrics.Path,
		Logger: logger,
	})

	if cache.Enabled() {
		listener := tilecache.NewListener(cache, pool, cfg.Cache.NotifyChannel, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.Run(ctx); err != nil {
				logger.Error("tile invalidation listener stopped", zap.Error(err))
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			zap.String("addr", cfg.Server.ListenAddr),
			zap.String("base_url", cfg.Server.BaseURL),
			zap.String("cache", cfg.Cache.Driver),
			zap.String("version", config.Version))
		serveErr <- router.ListenAndServe(cfg.Server.ListenAddr)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			stop()
			wg.Wait()
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := router.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	wg.Wait()
	logger.Info("server gracefully stopped")
	return nil
}

// newTileStore returns the store for driver. The none driver returns a nil
// store, which disables caching.
func newTileStore(ctx context.Context, c config.CacheConfig) (tilecache.Store, error) {
	switch c.Driver {
	case config.CacheDriverNone:
		return nil, nil
	case config.CacheDriverRedis:
		return tilecache.NewRedisStore(ctx, c.RedisAddr)
	default:
		return tilecache.NewMemoryStore(c.MaxEntries)
	}
}
