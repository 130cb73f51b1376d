package connpool_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"streamcore/pkg/connpool"
	"streamcore/pkg/fetch"
)

type fakeConn struct {
	closed atomic.Bool
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeDialer struct {
	dials   atomic.Int64
	failN   int
	authErr bool
}

func (d *fakeDialer) Dial(ctx context.Context) (connpool.Conn, error) {
	n := d.dials.Add(1)
	if d.authErr {
		return nil, fetch.NewError(fetch.KindAuthFailed, errors.New("bad credentials"))
	}
	if int(n) <= d.failN {
		return nil, fetch.NewError(fetch.KindIO, errors.New("connection refused"))
	}
	return &fakeConn{}, nil
}

func TestAcquireReleaseReusesIdleConnection(t *testing.T) {
	global := semaphore.NewWeighted(4)
	dialer := &fakeDialer{}
	pool := connpool.New(dialer, global, 2, time.Hour)
	defer pool.Close()

	ctx := context.Background()
	lease, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	pool.Release(lease, false)

	if pool.Idle() != 1 {
		t.Fatalf("expected 1 idle connection after release, got %d", pool.Idle())
	}

	lease2, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	pool.Release(lease2, false)

	if dialer.dials.Load() != 1 {
		t.Fatalf("expected the idle connection to be reused, got %d dials", dialer.dials.Load())
	}
}

func TestReleaseFaultedDestroysConnection(t *testing.T) {
	global := semaphore.NewWeighted(4)
	dialer := &fakeDialer{}
	pool := connpool.New(dialer, global, 2, time.Hour)
	defer pool.Close()

	ctx := context.Background()
	lease, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	conn := lease.Conn.(*fakeConn)
	pool.Release(lease, true)

	if !conn.closed.Load() {
		t.Fatal("expected faulted connection to be closed")
	}
	if pool.Idle() != 0 {
		t.Fatalf("expected no idle connections after a faulted release, got %d", pool.Idle())
	}
}

func TestDialRetrySucceedsAfterTransientFailures(t *testing.T) {
	global := semaphore.NewWeighted(4)
	dialer := &fakeDialer{failN: 2}
	pool := connpool.New(dialer, global, 2, time.Hour)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	lease, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	pool.Release(lease, false)
	if dialer.dials.Load() != 3 {
		t.Fatalf("expected 3 dial attempts, got %d", dialer.dials.Load())
	}
}

func TestDialAuthFailureShortCircuitsRetry(t *testing.T) {
	global := semaphore.NewWeighted(4)
	dialer := &fakeDialer{authErr: true}
	pool := connpool.New(dialer, global, 2, time.Hour)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := pool.Acquire(ctx)
	if err == nil {
		t.Fatal("expected an auth failure")
	}
	if fetch.ClassifyOf(err) != fetch.KindAuthFailed {
		t.Fatalf("expected AuthFailed, got %v", err)
	}
	if dialer.dials.Load() != 1 {
		t.Fatalf("expected exactly 1 dial attempt for an auth failure, got %d", dialer.dials.Load())
	}
}

func TestLocalSemaphoreBoundsConcurrency(t *testing.T) {
	global := semaphore.NewWeighted(4)
	dialer := &fakeDialer{}
	pool := connpool.New(dialer, global, 1, time.Hour)
	defer pool.Close()

	ctx := context.Background()
	lease, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(blockedCtx); err == nil {
		t.Fatal("expected second acquire to block past maxLocal=1")
	}

	pool.Release(lease, false)
}
