package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// fakeRedis implements SetNX and the two lease scripts over a map.
// Expiry is not modelled; tests delete keys to simulate it.
type fakeRedis struct {
	redis.Scripter // unimplemented methods panic

	mu   sync.Mutex
	vals map[string]string
	ttls map[string]time.Duration
	fail error
}

func newFake() *fakeRedis {
	return &fakeRedis{vals: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, exp time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return redis.NewBoolResult(false, f.fail)
	}
	if _, ok := f.vals[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.vals[key] = fmt.Sprint(value)
	f.ttls[key] = exp
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) EvalSha(_ context.Context, sha string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return redis.NewCmdResult(nil, f.fail)
	}
	key, token := keys[0], fmt.Sprint(args[0])
	if f.vals[key] != token {
		return redis.NewCmdResult(int64(0), nil)
	}
	switch sha {
	case releaseScript.Hash():
		delete(f.vals, key)
		delete(f.ttls, key)
	case refreshScript.Hash():
		f.ttls[key] = time.Duration(args[1].(int64)) * time.Millisecond
	default:
		return redis.NewCmdResult(nil, errors.New("NOSCRIPT unknown script"))
	}
	return redis.NewCmdResult(int64(1), nil)
}

func (f *fakeRedis) Eval(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return redis.NewCmdResult(nil, errors.New("eval not supported"))
}

func (f *fakeRedis) expire(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vals, key)
}

func TestAcquireExclusive(t *testing.T) {
	ctx := context.Background()
	rdb := newFake()
	key := Key("data/chain")

	l, err := Acquire(ctx, rdb, key, time.Second, nil)
	require.NoError(t, err)
	require.Equal(t, l.Token(), rdb.vals[key])
	require.Equal(t, time.Second, rdb.ttls[key])

	_, err = Acquire(ctx, rdb, key, time.Second, nil)
	require.ErrorIs(t, err, ErrHeld)

	require.NoError(t, l.Release(ctx))
	_, ok := rdb.vals[key]
	require.False(t, ok)

	l2, err := Acquire(ctx, rdb, key, time.Second, nil)
	require.NoError(t, err)
	require.NotEqual(t, l.Token(), l2.Token())

	// a stale holder cannot release the new one
	require.NoError(t, l.Release(ctx))
	require.Equal(t, l2.Token(), rdb.vals[key])
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	rdb := newFake()
	l, err := Acquire(ctx, rdb, "k", 2*time.Second, nil)
	require.NoError(t, err)

	rdb.ttls["k"] = time.Millisecond
	require.NoError(t, l.Refresh(ctx))
	require.Equal(t, 2*time.Second, rdb.ttls["k"])

	rdb.expire("k")
	require.ErrorIs(t, l.Refresh(ctx), ErrLost)
}

func TestAcquireErrors(t *testing.T) {
	rdb := newFake()
	rdb.fail = errors.New("connection refused")
	_, err := Acquire(context.Background(), rdb, "k", time.Second, nil)
	require.ErrorContains(t, err, "connection refused")
	require.NotErrorIs(t, err, ErrHeld)

	_, err = Acquire(context.Background(), newFake(), "k", 0, nil)
	require.Error(t, err)
}

func TestKeepReportsLoss(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rdb := newFake()
	l, err := Acquire(ctx, rdb, "k", 30*time.Millisecond, nil)
	require.NoError(t, err)

	lost := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		l.Keep(ctx, func(err error) { lost <- err })
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	rdb.expire("k")

	select {
	case err := <-lost:
		require.ErrorIs(t, err, ErrLost)
	case <-ctx.Done():
		t.Fatal("lease loss not reported")
	}
	<-done
}

func TestKeepStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l, err := Acquire(ctx, newFake(), "k", 30*time.Millisecond, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		l.Keep(ctx, func(error) { t.Error("unexpected loss") })
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Keep did not return after cancel")
	}
}

func TestKey(t *testing.T) {
	require.Equal(t, Key("/var/lib/escrow/../escrow/chain"), Key("/var/lib/escrow/chain"))
	require.NotEqual(t, Key("/a"), Key("/b"))
}
