package providers_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"streamcore/pkg/admission"
	"streamcore/pkg/bufstream"
	"streamcore/pkg/connpool"
	"streamcore/pkg/fetch"
	"streamcore/pkg/providers"
)

type fakeConn struct{}

func (fakeConn) Close() error { return nil }

type fakeDialer struct{}

func (fakeDialer) Dial(ctx context.Context) (connpool.Conn, error) { return fakeConn{}, nil }

// fakeClient is a providers.ProviderClient whose behavior per segment id is
// scripted: a number of leading failures of a given Kind, then success.
type fakeClient struct {
	failTimes     int
	failKind      fetch.Kind
	permanentFail bool
	attempts      map[fetch.SegmentId]int
}

func (c *fakeClient) GetSegmentHeader(ctx context.Context, conn connpool.Conn, id fetch.SegmentId) (fetch.SegmentHeader, error) {
	return fetch.SegmentHeader{}, errors.New("not used in this test")
}

func (c *fakeClient) GetSegmentStream(ctx context.Context, conn connpool.Conn, id fetch.SegmentId, fetchHeader bool) (io.ReadCloser, *fetch.SegmentHeader, error) {
	c.attempts[id]++
	if c.permanentFail {
		return nil, nil, fetch.NewError(fetch.KindArticleNotFound, errors.New("no such article"))
	}
	if c.attempts[id] <= c.failTimes {
		return nil, nil, fetch.NewError(c.failKind, errors.New("injected transient failure"))
	}
	return io.NopCloser(bytes.NewReader([]byte("payload"))), &fetch.SegmentHeader{Id: id, PartSize: 7}, nil
}

func newSingleProviderClient(client *fakeClient) *providers.MultiProviderClient {
	global := semaphore.NewWeighted(4)
	pool := connpool.New(fakeDialer{}, global, 4, time.Hour)
	return providers.New([]*providers.Provider{{Name: "p1", Priority: 0, Pool: pool, Client: client}}, 0)
}

// A single provider exhausted after a transient failure must surface the
// underlying transient Kind, not SegmentMissing, so a caller's retry loop
// still classifies it as retryable.
func TestGetSegmentStreamPreservesTransientKindWhenExhausted(t *testing.T) {
	client := &fakeClient{failTimes: 99, failKind: fetch.KindTimeout, attempts: map[fetch.SegmentId]int{}}
	m := newSingleProviderClient(client)

	_, _, err := m.GetSegmentStream(context.Background(), "seg1", false)
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := fetch.ClassifyOf(err); got != fetch.KindTimeout {
		t.Fatalf("expected Timeout to survive provider exhaustion, got %v", got)
	}
}

// When every provider reports the article genuinely doesn't exist, the
// caller sees SegmentMissing, which BufferedSegmentStream's retry loop
// treats as not retryable and sends straight to degradation.
func TestGetSegmentStreamWrapsSegmentMissingWhenPermanentlyAbsent(t *testing.T) {
	client := &fakeClient{permanentFail: true, attempts: map[fetch.SegmentId]int{}}
	m := newSingleProviderClient(client)

	_, _, err := m.GetSegmentStream(context.Background(), "seg1", false)
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := fetch.ClassifyOf(err); got != fetch.KindSegmentMissing {
		t.Fatalf("expected SegmentMissing, got %v", got)
	}
}

// End-to-end: BufferedSegmentStream wired to a real MultiProviderClient (not
// a hand-written fetch.SegmentFetcher fake) retries a transiently failing
// segment through spec section 4.4.3's retry loop instead of degrading on
// the first attempt.
func TestBufferedSegmentStreamRetriesThroughRealMultiProviderClient(t *testing.T) {
	client := &fakeClient{failTimes: 2, failKind: fetch.KindTimeout, attempts: map[fetch.SegmentId]int{}}
	m := newSingleProviderClient(client)
	limiter := admission.New(5, 5, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := bufstream.New(ctx, bufstream.FetchPlan{
		SegmentIds: []fetch.SegmentId{"seg1"},
		TotalBytes: 7,
	}, m, limiter, bufstream.Options{WorkerCount: 1})
	defer s.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, s); err != nil {
		t.Fatalf("read: %v", err)
	}
	if buf.String() != "payload" {
		t.Fatalf("expected the segment to eventually succeed, got %q", buf.String())
	}
	if n := client.attempts["seg1"]; n != 3 {
		t.Fatalf("expected exactly 3 attempts through the real provider client, got %d", n)
	}
}
