package usagemirror

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/kailas-cloud/tokengate/internal/db"
)

// store is the consumer interface for mirror operations (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	IncrBy(ctx context.Context, key string, val int64) error
	Expire(ctx context.Context, key string, ttl time.Duration, nx bool) error
}

// Store mirrors per-minute token consumption into the DB (INCRBY with TTL).
// It is write-behind observability only: throttle decisions never read it.
type Store struct {
	store  store
	prefix string
	ttl    time.Duration
}

// New creates a usage mirror store.
// ttl is the retention for minute-bucket keys (recommended: 2h).
func New(s store, prefix string, ttl time.Duration) *Store {
	return &Store{
		store:  s,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Add atomically adds tokens to the minute bucket containing at.
func (s *Store) Add(ctx context.Context, at time.Time, tokens int64) error {
	key := s.key(at)

	if err := s.store.IncrBy(ctx, key, tokens); err != nil {
		return fmt.Errorf("mirror INCRBY %s: %w", key, err)
	}

	// Set TTL only if the key has no expiry yet (NX — not reset on repeat).
	if err := s.store.Expire(ctx, key, s.ttl, true); err != nil {
		return fmt.Errorf("mirror EXPIRE %s: %w", key, err)
	}

	return nil
}

// Get returns the mirrored token count for the minute bucket containing at.
// Returns 0 if the bucket does not exist.
func (s *Store) Get(ctx context.Context, at time.Time) (int64, error) {
	key := s.key(at)

	data, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("mirror GET %s: %w", key, err)
	}

	val, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("mirror GET %s parse: %w", key, err)
	}
	return val, nil
}

// key builds the minute-bucket key, e.g. tokengate:usage:minute:2026-03-01T12:04.
func (s *Store) key(at time.Time) string {
	return fmt.Sprintf("%susage:minute:%s", s.prefix, at.UTC().Format("2006-01-02T15:04"))
}
