package rest

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/edgeflare/pgcollections/pkg/apperr"
	"github.com/edgeflare/pgcollections/pkg/collection"
	"github.com/edgeflare/pgcollections/pkg/httputil"
	"github.com/edgeflare/pgcollections/pkg/httputil/middleware"
	pg "github.com/edgeflare/pgcollections/pkg/pgx"
	"github.com/edgeflare/pgcollections/pkg/query"
	"github.com/edgeflare/pgcollections/pkg/stats"
	"github.com/edgeflare/pgcollections/pkg/tilecache"
	"github.com/edgeflare/pgcollections/pkg/tiles"
	"go.uber.org/zap"
)

type Options struct {
	// BaseURL prefixes every route, e.g. "/api/v1".
	BaseURL string
	// QueryTimeout bounds each request's database work.
	QueryTimeout time.Duration
	Limits       query.Limits
	StatsLimits  stats.Limits
	// SQLGuard parses every statement before execution.
	SQLGuard bool
	Logger   *zap.Logger
}

type Server struct {
	conn     pg.Conn
	resolver *collection.Resolver
	exec     *query.Executor
	stats    *stats.Engine
	tiles    *tiles.Engine
	cache    *tilecache.Cache
	opts     Options
	logger   *zap.Logger
}

// NewServer wires the collection handlers. tileEngine and cache must share
// the same tile cache so that cache_size and cache deletion see the tiles.
func NewServer(conn pg.Conn, tileEngine *tiles.Engine, cache *tilecache.Cache, opts Options) *Server {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 30 * time.Second
	}
	opts.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	exec := query.NewExecutor(conn, opts.SQLGuard)
	return &Server{
		conn:     conn,
		resolver: collection.NewResolver(conn),
		exec:     exec,
		stats:    stats.NewEngine(exec, opts.StatsLimits),
		tiles:    tileEngine,
		cache:    cache,
		opts:     opts,
		logger:   opts.Logger,
	}
}

// Register mounts the routes on r under the base URL.
func (s *Server) Register(r *httputil.Router) {
	api := r.Group(s.opts.BaseURL)
	api.HandleFunc("GET /health_check", s.healthCheck)
	api.HandleFunc("OPTIONS /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	c := api.Group("/collections/{collection}")
	c.Handle("GET /queryables", s.withCollection(s.queryables))
	c.Handle("GET /items", s.withCollection(s.items))
	c.Handle("POST /items", s.withCollection(s.postItems))
	c.Handle("GET /items/{id}", s.withCollection(s.item))
	c.Handle("GET /closest_features", s.withCollection(s.closestFeatures))

	c.Handle("GET /tiles", s.withCollection(s.tileset))
	c.Handle("GET /tiles/{tms}/{z}/{row}/{col}", s.withCollection(s.tile))
	c.Handle("GET /tiles/{tms}/metadata", s.withCollection(s.tileMetadata))
	c.Handle("GET /tiles/cache_size", s.handle(s.cacheSize))
	c.Handle("DELETE /tiles/cache", s.handle(s.deleteCache))

	c.Handle("POST /statistics", s.withCollection(s.statistics))
	c.Handle("POST /bins", s.withCollection(s.bins))
	c.Handle("POST /numeric_breaks", s.withCollection(s.numericBreaks))
	c.Handle("POST /custom_break_values", s.withCollection(s.customBreaks))
}

type (
	handlerFunc    func(ctx context.Context, w http.ResponseWriter, r *http.Request) error
	collectionFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request, md *collection.Metadata) error
)

// handle runs fn under the query timeout and writes a returned error.
func (s *Server) handle(fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.opts.QueryTimeout)
		defer cancel()
		if err := fn(ctx, w, r); err != nil {
			s.writeError(w, r, err)
		}
	})
}

// withCollection resolves the {collection} path value before calling fn.
func (s *Server) withCollection(fn collectionFunc) http.Handler {
	return s.handle(func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		schema, table, err := collection.ParseID(r.PathValue("collection"))
		if err != nil {
			return err
		}
		md, err := s.resolver.Resolve(ctx, schema, table)
		if err != nil {
			return err
		}
		return fn(ctx, w, r, md)
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	if status := apperr.HTTPStatus(kind); status >= http.StatusInternalServerError {
		middleware.LoggerFrom(r.Context()).Error("request failed",
			zap.String("route", r.Pattern),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
	httputil.Error(w, err)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	var one int
	if err := s.conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		s.writeError(w, r, apperr.FromDB(err, "health check"))
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "UP"})
}

// absoluteURL resolves path against the scheme and host the request came in on.
func absoluteURL(r *http.Request, path string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p == "http" || p == "https" {
		scheme = p
	}
	host := r.Host
	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		host = h
	}
	return scheme + "://" + host + path
}

// collectionURL returns the absolute URL of the collection's resource path.
func (s *Server) collectionURL(r *http.Request, md *collection.Metadata, path string) string {
	return absoluteURL(r, s.opts.BaseURL+"/collections/"+md.ID()+path)
}
