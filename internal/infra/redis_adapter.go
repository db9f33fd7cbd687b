// Package infra provides concrete infrastructure adapters for Redis.
//
// This adapter wraps go-redis v9 and implements two interfaces needed by
// the Distribution Fabric: fabric.RedisPubSubClient (Publish/Subscribe),
// fanning ioc_verified/client_status events out across coordinator
// replicas, and fabric.CursorStore (GetCursor/PutCursor), persisting a
// client's sync cursor durably so it survives a coordinator restart and
// is visible to whichever replica the client reconnects to next.
package infra

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key does not exist, so callers
// can distinguish a missing key from a genuine Redis error via errors.Is.
var ErrNotFound = errors.New("infra: key not found")

const cursorKeyPrefix = "threatfabric:cursor:"

// GoRedisAdapter wraps go-redis v9 to implement fabric.RedisPubSubClient
// and fabric.CursorStore.
type GoRedisAdapter struct {
	rdb    *redis.Client
	logger *log.Logger
}

// NewGoRedisAdapter attempts to connect to Redis using the provided options.
// Returns the adapter and any connection error (caller decides whether to
// fall back to in-memory).
func NewGoRedisAdapter(addr, password string, db int) (*GoRedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	// Ping to verify connectivity
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	logger := log.New(log.Writer(), "[redis] ", log.LstdFlags)
	logger.Printf("connected (addr=%s db=%d)", addr, db)
	return &GoRedisAdapter{rdb: rdb, logger: logger}, nil
}

// Close shuts down the underlying redis client.
func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

func (a *GoRedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *GoRedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return val, err
}

func (a *GoRedisAdapter) Publish(ctx context.Context, channel string, message []byte) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}

// =============================================================================
// fabric.CursorStore implementation
// =============================================================================

// GetCursor returns the durably stored cursor for clientID. found is false
// (with a nil error) when the client has never had a cursor persisted.
func (a *GoRedisAdapter) GetCursor(ctx context.Context, clientID string) (time.Time, bool, error) {
	val, err := a.Get(ctx, cursorKeyPrefix+clientID)
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	cursor, err := time.Parse(time.RFC3339Nano, string(val))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("cursor store: malformed cursor for %s: %w", clientID, err)
	}
	return cursor, true, nil
}

// PutCursor persists clientID's sync cursor with no expiry — a client
// that's been offline for months should still resume from where it left
// off rather than silently fall back to a full resync.
func (a *GoRedisAdapter) PutCursor(ctx context.Context, clientID string, cursor time.Time) error {
	return a.Set(ctx, cursorKeyPrefix+clientID, []byte(cursor.Format(time.RFC3339Nano)), 0)
}

// =============================================================================
// fabric.RedisPubSubClient implementation
// =============================================================================

// Subscribe registers a handler for messages on a Redis Pub/Sub channel.
// Returns an unsubscribe function.
func (a *GoRedisAdapter) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := a.rdb.Subscribe(ctx, channel)

	// Wait for subscription confirmation
	_, err := sub.Receive(ctx)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	// Process messages in a goroutine
	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	unsub := func() {
		sub.Close()
	}

	return unsub, nil
}
