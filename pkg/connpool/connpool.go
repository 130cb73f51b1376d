// Package connpool implements the per-provider ConnectionPool: a bounded
// pool of live connections backed by a connection semaphore shared across
// every provider, so the system-wide physical connection count is capped
// regardless of how many providers are configured.
//
// Grounded on the teacher's pkg/nntp/pool.go ClientPool, which hand-rolls
// the same shape with a channel of idle *Client and a channel-of-struct{}
// semaphore for slots; here the slot semaphore is golang.org/x/sync's
// semaphore.Weighted (shared globally) and the idle cache is a mutex-guarded
// LIFO slice per spec section 4.1's hot-cache-locality requirement, rather
// than the teacher's FIFO-ish buffered channel.
package connpool

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"streamcore/pkg/fetch"
)

// Conn is a live, authenticated connection to a provider. Pools are
// agnostic to the wire protocol; pkg/nntp supplies the concrete type.
type Conn interface {
	io.Closer
}

// Dialer produces new authenticated connections on demand.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type idleConn struct {
	conn     Conn
	lastUsed time.Time
}

// Lease is a connection checked out of a pool. It must be released exactly
// once via the pool's Release.
type Lease struct {
	Conn Conn

	pool     *ConnectionPool
	released bool
}

// ConnectionPool admits exactly maxLocal concurrent users of one provider
// and produces authenticated connections on demand, reusing idle ones.
type ConnectionPool struct {
	dialer Dialer
	global *semaphore.Weighted
	local  *semaphore.Weighted

	maxLocal    int64
	idleTimeout time.Duration

	mu       sync.Mutex
	idle     []idleConn // LIFO: last element is most recently returned
	active   int
	closed   bool
	stopOnce sync.Once
	stopCh   chan struct{}
	reaperWg sync.WaitGroup
}

// New builds a ConnectionPool for one provider. global is the
// process-wide connection semaphore shared across every provider's pool;
// maxLocal is this provider's own connection cap.
func New(dialer Dialer, global *semaphore.Weighted, maxLocal int64, idleTimeout time.Duration) *ConnectionPool {
	p := &ConnectionPool{
		dialer:      dialer,
		global:      global,
		local:       semaphore.NewWeighted(maxLocal),
		maxLocal:    maxLocal,
		idleTimeout: idleTimeout,
		stopCh:      make(chan struct{}),
	}
	p.reaperWg.Add(1)
	go p.reaperLoop()
	return p
}

// Acquire reuses an idle connection if one is cached; an idle connection
// still holds the global and local permits it was dialed under. Otherwise
// it obtains a permit from the global semaphore first, then this pool's
// local semaphore, and dials a fresh connection. Acquire fails when ctx is
// cancelled while waiting for a permit (surfaced as
// fetch.KindPoolExhausted) or when dialing fails: an AuthFailed error is
// returned at once, other dial errors after three attempts, and a
// cancellation during the retry backoff as ctx's own error.
func (p *ConnectionPool) Acquire(ctx context.Context) (*Lease, error) {
	if conn, ok := p.popIdle(); ok {
		p.mu.Lock()
		p.active++
		p.mu.Unlock()
		return &Lease{Conn: conn, pool: p}, nil
	}

	if err := p.global.Acquire(ctx, 1); err != nil {
		return nil, fetch.NewError(fetch.KindPoolExhausted, ctx.Err())
	}
	if err := p.local.Acquire(ctx, 1); err != nil {
		p.global.Release(1)
		return nil, fetch.NewError(fetch.KindPoolExhausted, ctx.Err())
	}

	conn, err := p.dialWithRetry(ctx)
	if err != nil {
		p.local.Release(1)
		p.global.Release(1)
		return nil, err
	}
	p.mu.Lock()
	p.active++
	p.mu.Unlock()
	return &Lease{Conn: conn, pool: p}, nil
}

func (p *ConnectionPool) dialWithRetry(ctx context.Context) (Conn, error) {
	const maxAttempts = 3
	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		conn, err := p.dialer.Dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if fetch.ClassifyOf(err) == fetch.KindAuthFailed {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

func (p *ConnectionPool) popIdle() (Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.idle)
	if n == 0 {
		return nil, false
	}
	c := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return c.conn, true
}

// Release returns lease's connection to the idle cache, where it keeps its
// permits, or destroys it and releases both semaphore permits if faulted
// is true (or the pool is closed). Release is idempotent; a second call is
// a no-op.
func (p *ConnectionPool) Release(lease *Lease, faulted bool) {
	if lease == nil || lease.released {
		return
	}
	lease.released = true

	p.mu.Lock()
	p.active--
	p.mu.Unlock()

	if faulted || p.isClosed() {
		_ = lease.Conn.Close()
		p.local.Release(1)
		p.global.Release(1)
		return
	}

	p.mu.Lock()
	p.idle = append(p.idle, idleConn{conn: lease.Conn, lastUsed: time.Now()})
	p.mu.Unlock()
}

func (p *ConnectionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Live returns the number of connections currently open (idle + active).
func (p *ConnectionPool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) + p.active
}

// Idle returns the number of idle connections ready for reuse.
func (p *ConnectionPool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Active returns the number of connections currently checked out.
func (p *ConnectionPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// LocalRemaining estimates remaining local slack: maxLocal minus live
// connections. Used by MultiProviderClient's provider ordering.
func (p *ConnectionPool) LocalRemaining() int64 {
	return p.maxLocal - int64(p.Live())
}

// reaperLoop periodically closes idle connections past idleTimeout,
// releasing their permits back to both semaphores. Mirrors the teacher's
// ClientPool.reaperLoop, adapted to the LIFO slice and shared global
// semaphore this pool uses instead of channels.
func (p *ConnectionPool) reaperLoop() {
	defer p.reaperWg.Done()
	if p.idleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(p.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapOnce()
		}
	}
}

func (p *ConnectionPool) reapOnce() {
	p.mu.Lock()
	kept := p.idle[:0]
	var expired []idleConn
	now := time.Now()
	for _, c := range p.idle {
		if now.Sub(c.lastUsed) > p.idleTimeout {
			expired = append(expired, c)
		} else {
			kept = append(kept, c)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, c := range expired {
		_ = c.conn.Close()
		p.local.Release(1)
		p.global.Release(1)
	}
}

// Close stops the reaper and closes every idle connection, releasing their
// permits. Connections currently on loan are the caller's responsibility
// to Release as usual; Close does not block on them.
func (p *ConnectionPool) Close() error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.reaperWg.Wait()

	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var firstErr error
	for _, c := range idle {
		if err := c.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.local.Release(1)
		p.global.Release(1)
	}
	return firstErr
}

// ErrPoolClosed names the closed-pool condition. No operation in this
// package returns it: after Close, Acquire still dials a fresh connection
// and Release closes it instead of caching it.
var ErrPoolClosed = errors.New("connpool: pool closed")
