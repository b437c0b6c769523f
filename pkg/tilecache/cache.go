// Package tilecache stores encoded tiles keyed by collection and request.
//
// Concurrent misses for one key share a single computation. Entries expire
// lazily on read. Storage failures never fail a request: the cache logs them
// and falls back to computing the tile.
package tilecache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/edgeflare/pgcollections/pkg/apperr"
	"github.com/edgeflare/pgcollections/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Entry is an immutable cached tile.
type Entry struct {
	Payload   []byte
	Truncated bool
	CreatedAt time.Time
	TTL       time.Duration
}

// Fresh reports whether the entry may still be served at now.
func (e Entry) Fresh(now time.Time) bool {
	return now.Sub(e.CreatedAt) <= e.TTL
}

type Outcome string

const (
	OutcomeHit    Outcome = "hit"
	OutcomeMiss   Outcome = "miss"
	OutcomeBypass Outcome = "bypass"
	outcomeError  Outcome = "error"
)

// Store persists entries. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key Key) (Entry, bool, error)
	Set(ctx context.Context, key Key, e Entry) error
	// Size returns the summed payload bytes stored for collection.
	Size(ctx context.Context, collection string) (int64, error)
	// Invalidate removes every entry of collection.
	Invalidate(ctx context.Context, collection string) error
	Close() error
}

// ComputeFunc produces a tile payload on a miss.
type ComputeFunc func(ctx context.Context) (payload []byte, truncated bool, err error)

type Options struct {
	Logger *zap.Logger
	// OpTimeout bounds each store round trip.
	OpTimeout time.Duration
	// ComputeTimeout bounds a shared computation, which outlives the
	// request that started it.
	ComputeTimeout time.Duration
	Now            func() time.Time
}

type Cache struct {
	store          Store
	group          singleflight.Group
	logger         *zap.Logger
	opTimeout      time.Duration
	computeTimeout time.Duration
	now            func() time.Time

	mu          sync.Mutex
	collections map[string]*collectionState
}

// collectionState orders saves against invalidation. Saves hold the read
// lock across the generation check and the store write; Invalidate holds the
// write lock while it bumps the generation and clears the store.
type collectionState struct {
	sync.RWMutex
	generation uint64
}

// New returns a cache backed by store. A nil store disables caching: every
// request computes and reports OutcomeBypass.
func New(store Store, opts Options) *Cache {
	c := &Cache{
		store:          store,
		logger:         opts.Logger,
		opTimeout:      opts.OpTimeout,
		computeTimeout: opts.ComputeTimeout,
		now:            opts.Now,
		collections:    make(map[string]*collectionState),
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.opTimeout <= 0 {
		c.opTimeout = 250 * time.Millisecond
	}
	if c.computeTimeout <= 0 {
		c.computeTimeout = 30 * time.Second
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Enabled reports whether entries are stored at all.
func (c *Cache) Enabled() bool { return c.store != nil }

// GetOrCompute returns the fresh entry for key or computes, stores and
// returns a new one. A ttl of zero or less bypasses the cache. Callers that
// give up waiting get ctx.Err() while the computation continues for the others.
func (c *Cache) GetOrCompute(ctx context.Context, key Key, ttl time.Duration, fn ComputeFunc) (Entry, Outcome, error) {
	if c.store == nil || ttl <= 0 {
		e, err := c.compute(ctx, fn, ttl)
		if err != nil {
			return Entry{}, OutcomeBypass, err
		}
		record(OutcomeBypass)
		return e, OutcomeBypass, nil
	}

	if e, ok := c.lookup(ctx, key); ok {
		record(OutcomeHit)
		return e, OutcomeHit, nil
	}

	gen := c.generation(key.Collection)
	flight := key.String() + "#" + strconv.FormatUint(gen, 10)
	ch := c.group.DoChan(flight, func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.computeTimeout)
		defer cancel()

		// A flight that finished after our lookup may already have stored it.
		if e, ok := c.lookup(cctx, key); ok {
			return e, nil
		}
		e, err := c.compute(cctx, fn, ttl)
		if err != nil {
			return Entry{}, err
		}
		c.saveUnlessInvalidated(cctx, key, e, gen)
		return e, nil
	})

	select {
	case <-ctx.Done():
		return Entry{}, OutcomeMiss, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Entry{}, OutcomeMiss, r.Err
		}
		record(OutcomeMiss)
		return r.Val.(Entry), OutcomeMiss, nil
	}
}

func (c *Cache) compute(ctx context.Context, fn ComputeFunc, ttl time.Duration) (Entry, error) {
	payload, truncated, err := fn(ctx)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Payload: payload, Truncated: truncated, CreatedAt: c.now(), TTL: ttl}, nil
}

func (c *Cache) lookup(ctx context.Context, key Key) (Entry, bool) {
	sctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	e, ok, err := c.store.Get(sctx, key)
	if err != nil {
		record(outcomeError)
		c.logger.Warn("tile cache read failed", zap.String("key", key.String()), zap.Error(err))
		return Entry{}, false
	}
	if !ok || !e.Fresh(c.now()) {
		return Entry{}, false
	}
	return e, true
}

func (c *Cache) save(ctx context.Context, key Key, e Entry) {
	sctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.store.Set(sctx, key, e); err != nil {
		record(outcomeError)
		c.logger.Warn("tile cache write failed", zap.String("key", key.String()), zap.Error(err))
	}
}

// saveUnlessInvalidated stores e only if no invalidation of its collection
// started since gen was read.
func (c *Cache) saveUnlessInvalidated(ctx context.Context, key Key, e Entry, gen uint64) {
	st := c.state(key.Collection)
	st.RLock()
	defer st.RUnlock()
	if st.generation == gen {
		c.save(ctx, key, e)
	}
}

func (c *Cache) state(collection string) *collectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.collections[collection]
	if !ok {
		st = &collectionState{}
		c.collections[collection] = st
	}
	return st
}

func (c *Cache) generation(collection string) uint64 {
	st := c.state(collection)
	st.RLock()
	defer st.RUnlock()
	return st.generation
}

// Size reports the stored payload bytes of collection.
func (c *Cache) Size(ctx context.Context, collection string) (int64, error) {
	if c.store == nil {
		return 0, nil
	}
	n, err := c.store.Size(ctx, collection)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.KindStorageUnavailable, "tile cache size")
	}
	return n, nil
}

// Invalidate drops every entry of schema.table. Computations already in
// flight for the collection still answer their waiters but are not stored,
// and a write already under way finishes before the store is cleared.
func (c *Cache) Invalidate(ctx context.Context, schema, table string) error {
	collection := CollectionID(schema, table)

	st := c.state(collection)
	st.Lock()
	defer st.Unlock()
	st.generation++

	if c.store == nil {
		return nil
	}
	if err := c.store.Invalidate(ctx, collection); err != nil {
		return apperr.Wrap(err, apperr.KindStorageUnavailable, "invalidate tile cache for %s", collection)
	}
	c.logger.Debug("tile cache invalidated", zap.String("collection", collection))
	return nil
}

func (c *Cache) Close() error {
	if c.store == nil {
		return nil
	}
	if err := c.store.Close(); err != nil {
		return fmt.Errorf("close tile cache store: %w", err)
	}
	return nil
}

func record(o Outcome) {
	metrics.TileCacheResults.WithLabelValues(string(o)).Inc()
}
