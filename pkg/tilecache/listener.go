package tilecache

import (
	"context"
	"strings"

	pg "github.com/edgeflare/pgcollections/pkg/pgx"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DefaultChannel is the notification channel writers signal on, with a
// "schema.table" payload:
//
//	NOTIFY pgcollections_tiles, 'public.parcels';
const DefaultChannel = "pgcollections_tiles"

// Listener invalidates tiles of a collection when a notification names it.
type Listener struct {
	cache   *Cache
	pool    *pgxpool.Pool
	channel string
	logger  *zap.Logger
	// OnInvalidate, when set, runs after each handled notification.
	OnInvalidate func(schema, table string)
}

func NewListener(cache *Cache, pool *pgxpool.Pool, channel string, logger *zap.Logger) *Listener {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{cache: cache, pool: pool, channel: channel, logger: logger}
}

// Run blocks until ctx is canceled.
func (l *Listener) Run(ctx context.Context) error {
	return pg.Subscribe(ctx, l.pool, l.channel, l.logger, func(n *pgconn.Notification) {
		l.Handle(ctx, n.Payload)
	})
}

// Handle invalidates the collection named by payload.
func (l *Listener) Handle(ctx context.Context, payload string) {
	schema, table, ok := ParseCollection(payload)
	if !ok {
		l.logger.Warn("ignoring tile invalidation notification", zap.String("payload", payload))
		return
	}
	if err := l.cache.Invalidate(ctx, schema, table); err != nil {
		l.logger.Error("tile invalidation failed", zap.String("collection", payload), zap.Error(err))
	}
	if l.OnInvalidate != nil {
		l.OnInvalidate(schema, table)
	}
}

// ParseCollection splits "schema.table". Double-quoted parts may contain dots.
func ParseCollection(s string) (schema, table string, ok bool) {
	s = strings.TrimSpace(s)
	var parts []string
	var cur strings.Builder
	quoted := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' && quoted && i+1 < len(s) && s[i+1] == '"':
			cur.WriteByte('"')
			i++
		case c == '"':
			quoted = !quoted
		case c == '.' && !quoted:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	parts = append(parts, cur.String())
	if quoted || len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
