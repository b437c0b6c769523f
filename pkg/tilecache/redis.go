package tilecache

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/redis/go-redis/v9/maintnotifications"
)

const (
	redisPrefix    = "tilecache:"
	headerVersion  = 1
	headerLen      = 1 + 8 + 8 + 1
	redisScanCount = 500
)

// RedisStore shares tiles between processes. Values carry a small header with
// the creation time, ttl and truncation flag ahead of the payload; Redis key
// expiry removes entries once their ttl has passed.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to addr and pings it.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     32,
		MinIdleConns: 2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// Collections are hex encoded in keys so that no collection's pattern can
// match another's keys and no glob metacharacter reaches SCAN.
func redisKey(k Key) string {
	return fmt.Sprintf("%s%s:%016x", redisPrefix, hex.EncodeToString([]byte(k.Collection)), k.Hash)
}

// collectionPattern matches every key of collection.
func collectionPattern(collection string) string {
	return redisPrefix + hex.EncodeToString([]byte(collection)) + ":*"
}

func encodeEntry(e Entry) []byte {
	buf := make([]byte, headerLen+len(e.Payload))
	buf[0] = headerVersion
	binary.BigEndian.PutUint64(buf[1:9], uint64(e.CreatedAt.UnixNano()))
	binary.BigEndian.PutUint64(buf[9:17], uint64(e.TTL))
	if e.Truncated {
		buf[17] = 1
	}
	copy(buf[headerLen:], e.Payload)
	return buf
}

func decodeEntry(b []byte) (Entry, error) {
	if len(b) < headerLen || b[0] != headerVersion {
		return Entry{}, fmt.Errorf("malformed tile cache entry (%d bytes)", len(b))
	}
	return Entry{
		CreatedAt: time.Unix(0, int64(binary.BigEndian.Uint64(b[1:9]))),
		TTL:       time.Duration(binary.BigEndian.Uint64(b[9:17])),
		Truncated: b[17] == 1,
		Payload:   b[headerLen:],
	}, nil
}

func (s *RedisStore) Get(ctx context.Context, key Key) (Entry, bool, error) {
	b, err := s.rdb.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis GET: %w", err)
	}
	e, err := decodeEntry(b)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key Key, e Entry) error {
	if err := s.rdb.Set(ctx, redisKey(key), encodeEntry(e), e.TTL).Err(); err != nil {
		return fmt.Errorf("redis SET: %w", err)
	}
	return nil
}

// scan calls fn with each batch of keys of collection.
func (s *RedisStore) scan(ctx context.Context, collection string, fn func([]string) error) error {
	var cursor uint64
	pattern := collectionPattern(collection)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, redisScanCount).Result()
		if err != nil {
			return fmt.Errorf("redis SCAN: %w", err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *RedisStore) Size(ctx context.Context, collection string) (int64, error) {
	var total int64
	err := s.scan(ctx, collection, func(keys []string) error {
		pipe := s.rdb.Pipeline()
		cmds := make([]*redis.IntCmd, len(keys))
		for i, k := range keys {
			cmds[i] = pipe.StrLen(ctx, k)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis STRLEN: %w", err)
		}
		for _, c := range cmds {
			// A key that expired between SCAN and STRLEN reports 0.
			if n := c.Val(); n >= headerLen {
				total += n - headerLen
			}
		}
		return nil
	})
	return total, err
}

func (s *RedisStore) Invalidate(ctx context.Context, collection string) error {
	return s.scan(ctx, collection, func(keys []string) error {
		if err := s.rdb.Unlink(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("redis UNLINK: %w", err)
		}
		return nil
	})
}

func (s *RedisStore) Close() error {
	if err := s.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
