// Package providers implements MultiProviderClient: given a segment id,
// produces a decoded segment stream by selecting the best-placed provider
// and transparently falling over across the rest on any error other than
// cancellation (an article missing at one provider is tried at the next).
//
// Grounded on pkg/loader/file.go's doDownloadSegment, which iterates the
// file's configured nntp.ClientPools trying each once per attempt,
// classifying errors, and zero-filling after every pool has failed. Here
// that loop is generalized into provider ordering plus a pluggable
// ProviderClient so the wire protocol (pkg/nntp) stays decoupled from
// selection policy.
package providers

import (
	"context"
	"io"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"streamcore/pkg/connpool"
	"streamcore/pkg/fetch"
	"streamcore/pkg/logger"
	"streamcore/pkg/streamctx"
)

// ProviderClient is the wire-protocol capability one provider exposes,
// parameterized over an already-acquired connection. pkg/nntp implements
// this; MultiProviderClient never dials directly.
type ProviderClient interface {
	GetSegmentHeader(ctx context.Context, conn connpool.Conn, id fetch.SegmentId) (fetch.SegmentHeader, error)
	GetSegmentStream(ctx context.Context, conn connpool.Conn, id fetch.SegmentId, fetchHeader bool) (io.ReadCloser, *fetch.SegmentHeader, error)
}

// Provider is one configured upstream article source.
type Provider struct {
	Name     string
	Priority int // lower tried first
	Pool     *connpool.ConnectionPool
	Client   ProviderClient
}

// MultiProviderClient routes segment requests across a fixed set of
// providers. It implements fetch.SegmentFetcher, so BufferedSegmentStream
// depends only on that interface and never on provider selection policy.
type MultiProviderClient struct {
	providers []*Provider

	headerCache *lru.Cache[fetch.SegmentId, fetch.SegmentHeader]
}

// New builds a client over the given providers. headerCacheSize bounds the
// seek-probe header cache (pkg/bufstream's NzbFileStream.Seek is the only
// caller that benefits from it); 0 disables caching.
func New(providers []*Provider, headerCacheSize int) *MultiProviderClient {
	m := &MultiProviderClient{providers: providers}
	if headerCacheSize > 0 {
		c, err := lru.New[fetch.SegmentId, fetch.SegmentHeader](headerCacheSize)
		if err == nil {
			m.headerCache = c
		}
	}
	return m
}

// orderedProviders returns providers not in excluded, in selection order:
// preferred (if set on ctx and still eligible) first, then by priority,
// then by idle connection count, then by local semaphore slack. excluded
// is per-call only: a provider disabled for one operation (an auth
// failure, say) is retried on the next, matching the teacher's
// doDownloadSegment "tried" bookkeeping which is scoped to one call.
func (m *MultiProviderClient) orderedProviders(ctx context.Context, excluded map[string]bool) []*Provider {
	preferred, hasPreferred := streamctx.PreferredProvider(ctx)

	candidates := make([]*Provider, 0, len(m.providers))
	for _, p := range m.providers {
		if !excluded[p.Name] {
			candidates = append(candidates, p)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if hasPreferred {
			ap, bp := a.Name == preferred, b.Name == preferred
			if ap != bp {
				return ap
			}
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Pool.Idle() != b.Pool.Idle() {
			return a.Pool.Idle() > b.Pool.Idle()
		}
		return a.Pool.LocalRemaining() > b.Pool.LocalRemaining()
	})
	return candidates
}

// GetSegmentHeader fetches just the header, trying providers in order.
// The connection permit is held only for the duration of the call.
func (m *MultiProviderClient) GetSegmentHeader(ctx context.Context, id fetch.SegmentId) (fetch.SegmentHeader, error) {
	if m.headerCache != nil {
		if h, ok := m.headerCache.Get(id); ok {
			return h, nil
		}
	}

	var lastErr error
	for _, p := range m.orderedProviders(ctx, nil) {
		h, err := m.headerFromProvider(ctx, p, id)
		if err == nil {
			if m.headerCache != nil {
				m.headerCache.Add(id, h)
			}
			return h, nil
		}
		lastErr = m.classify(p, err)
		if fetch.ClassifyOf(lastErr) == fetch.KindCancelled {
			return fetch.SegmentHeader{}, lastErr
		}
	}
	return fetch.SegmentHeader{}, wrapExhausted(lastErr)
}

func (m *MultiProviderClient) headerFromProvider(ctx context.Context, p *Provider, id fetch.SegmentId) (fetch.SegmentHeader, error) {
	lease, err := p.Pool.Acquire(ctx)
	if err != nil {
		return fetch.SegmentHeader{}, err
	}
	h, err := p.Client.GetSegmentHeader(ctx, lease.Conn, id)
	p.Pool.Release(lease, err != nil && fetch.ClassifyOf(err) != fetch.KindArticleNotFound)
	return h, err
}

// GetSegmentStream fetches the decoded body stream, falling over across
// providers. If urgent (streamctx.Urgent), the top 2 providers race.
func (m *MultiProviderClient) GetSegmentStream(ctx context.Context, id fetch.SegmentId, fetchHeader bool) (io.ReadCloser, *fetch.SegmentHeader, error) {
	ordered := m.orderedProviders(ctx, nil)
	if len(ordered) == 0 {
		return nil, nil, fetch.NewError(fetch.KindSegmentMissing, nil)
	}

	if streamctx.Urgent(ctx) && len(ordered) >= 2 {
		return m.raceTop2(ctx, ordered, id, fetchHeader)
	}

	var lastErr error
	for _, p := range ordered {
		stream, header, err := m.streamFromProvider(ctx, p, id, fetchHeader)
		if err == nil {
			return stream, header, nil
		}
		lastErr = m.classify(p, err)
		if fetch.ClassifyOf(lastErr) == fetch.KindCancelled {
			return nil, nil, lastErr
		}
	}
	return nil, nil, wrapExhausted(lastErr)
}

// wrapExhausted is returned once every provider has been tried and none
// succeeded. A transient cause (Timeout/IO/InvalidData/ProtocolInvalid) is
// returned unwrapped so BufferedSegmentStream's retry loop still sees it as
// retryable per spec section 4.4.3; any other cause (ArticleNotFound,
// AuthFailed, PoolExhausted, an unclassified error, or no cause at all)
// becomes SegmentMissing. Only the last provider's error is considered.
func wrapExhausted(lastErr error) error {
	switch fetch.ClassifyOf(lastErr) {
	case fetch.KindTimeout, fetch.KindIO, fetch.KindInvalidData, fetch.KindProtocolInvalid:
		return lastErr
	default:
		return fetch.NewError(fetch.KindSegmentMissing, lastErr)
	}
}

func (m *MultiProviderClient) streamFromProvider(ctx context.Context, p *Provider, id fetch.SegmentId, fetchHeader bool) (io.ReadCloser, *fetch.SegmentHeader, error) {
	lease, err := p.Pool.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	stream, header, err := p.Client.GetSegmentStream(ctx, lease.Conn, id, fetchHeader)
	if err != nil {
		p.Pool.Release(lease, fetch.ClassifyOf(err) != fetch.KindArticleNotFound)
		return nil, nil, err
	}
	return &leaseReadCloser{ReadCloser: stream, pool: p.Pool, lease: lease}, header, nil
}

// raceTop2 dispatches to the two best-ranked providers simultaneously; the
// first success wins and the loser is cancelled, per spec section 4.3.
func (m *MultiProviderClient) raceTop2(ctx context.Context, ordered []*Provider, id fetch.SegmentId, fetchHeader bool) (io.ReadCloser, *fetch.SegmentHeader, error) {
	raceCtx, cancel := context.WithCancel(ctx)

	type result struct {
		stream io.ReadCloser
		header *fetch.SegmentHeader
		err    error
	}
	results := make(chan result, 2)
	for _, p := range ordered[:2] {
		p := p
		go func() {
			stream, header, err := m.streamFromProvider(raceCtx, p, id, fetchHeader)
			results <- result{stream, header, err}
		}()
	}

	var lastErr error
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err == nil {
			cancel()
			go func() {
				if r2 := <-results; r2.stream != nil {
					_ = r2.stream.Close()
				}
			}()
			return r.stream, r.header, nil
		}
		lastErr = r.err
	}
	cancel()
	return nil, nil, wrapExhausted(lastErr)
}

// classify applies spec section 4.3's error classification. Fatal errors
// (auth failure, protocol violation) are logged and this provider is
// skipped for the rest of the current call by virtue of the caller moving
// to the next entry in ordered; they are not remembered past this call,
// so a later operation gets to try the provider again.
func (m *MultiProviderClient) classify(p *Provider, err error) error {
	switch fetch.ClassifyOf(err) {
	case fetch.KindAuthFailed, fetch.KindProtocolInvalid:
		logger.Warn("provider failed fatally for this operation", "provider", p.Name, "err", err)
	case fetch.KindCancelled:
		return fetch.NewError(fetch.KindCancelled, err)
	}
	return err
}

// leaseReadCloser releases its connpool lease on Close, marking the
// connection faulted if any Read returned a non-EOF error.
type leaseReadCloser struct {
	io.ReadCloser
	pool    *connpool.ConnectionPool
	lease   *connpool.Lease
	faulted bool
}

func (l *leaseReadCloser) Read(p []byte) (int, error) {
	n, err := l.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		l.faulted = true
	}
	return n, err
}

func (l *leaseReadCloser) Close() error {
	err := l.ReadCloser.Close()
	l.pool.Release(l.lease, l.faulted)
	return err
}

var _ fetch.SegmentFetcher = (*MultiProviderClient)(nil)
