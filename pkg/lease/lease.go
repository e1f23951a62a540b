// Package lease keeps a single writer per data directory. A node holds a
// Redis key with a random token and a TTL, refreshes it while running and
// deletes it on shutdown. Only the holder's token can refresh or delete it.
package lease

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrHeld is returned by Acquire when another token holds the key.
	ErrHeld = errors.New("lease: held by another writer")
	// ErrLost is returned by Refresh when the key expired or changed hands.
	ErrLost = errors.New("lease: lost")
)

// Backend is the subset of a Redis client the lease uses. *redis.Client
// implements it.
type Backend interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Compare-and-delete: only the holder's token releases the key.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Compare-and-extend.
var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

type Lease struct {
	client Backend
	key    string
	token  string
	ttl    time.Duration
	log    *zap.SugaredLogger
}

// Key derives the lease key for a data directory.
func Key(dataDir string) string {
	if abs, err := filepath.Abs(dataDir); err == nil {
		dataDir = abs
	}
	return "hyperescrow:lease:" + filepath.Clean(dataDir)
}

// Dial returns a client for addr. Connection errors surface on first use.
func Dial(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// Acquire takes key for ttl under a fresh token.
func Acquire(ctx context.Context, client Backend, key string, ttl time.Duration, logger *zap.Logger) (*Lease, error) {
	if ttl < time.Millisecond {
		return nil, fmt.Errorf("lease: ttl %s too short", ttl)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	token := uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lease: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHeld, key)
	}
	l := &Lease{client: client, key: key, token: token, ttl: ttl, log: logger.Sugar()}
	l.log.Infow("lease_acquired", "key", key, "token", token, "ttl_ms", ttl.Milliseconds())
	return l, nil
}

func (l *Lease) Key() string   { return l.key }
func (l *Lease) Token() string { return l.token }

// Refresh extends the lease by its TTL.
func (l *Lease) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("lease: refresh %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLost, l.key)
	}
	return nil
}

// Release deletes the key if this lease still holds it.
func (l *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("lease: release %s: %w", l.key, err)
	}
	l.log.Infow("lease_released", "key", l.key, "held", n == 1)
	return nil
}

// Keep refreshes the lease every third of its TTL until ctx is done. It
// calls onLost once and returns when the lease is lost. Transient errors
// are retried until the TTL would have run out.
func (l *Lease) Keep(ctx context.Context, onLost func(error)) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	lastOK := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := l.Refresh(ctx)
		switch {
		case err == nil:
			lastOK = time.Now()
			continue
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrLost), time.Since(lastOK) >= l.ttl:
			l.log.Errorw("lease_lost", "key", l.key, "err", err)
			onLost(err)
			return
		default:
			l.log.Warnw("lease_refresh_failed", "key", l.key, "err", err)
		}
	}
}
