package bufstream_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"streamcore/pkg/fetch"
)

// segmentSpec describes how a fake fetcher should respond for one segment id.
type segmentSpec struct {
	id     fetch.SegmentId
	data   []byte
	offset int64

	delay time.Duration // applied on every successful attempt

	failTimes int        // number of leading attempts that fail with failKind before succeeding
	failKind  fetch.Kind

	permanentFail bool // every attempt fails with ArticleNotFound

	stallFirstAttempt time.Duration // first attempt blocks this long (or until ctx cancellation), later attempts return immediately
}

// fakeFetcher implements fetch.SegmentFetcher over an in-memory segment set,
// used to exercise BufferedSegmentStream/NzbFileStream without a network.
type fakeFetcher struct {
	mu       sync.Mutex
	specs    map[fetch.SegmentId]*segmentSpec
	attempts map[fetch.SegmentId]int
}

func newFakeFetcher(specs []*segmentSpec) *fakeFetcher {
	f := &fakeFetcher{
		specs:    make(map[fetch.SegmentId]*segmentSpec, len(specs)),
		attempts: make(map[fetch.SegmentId]int),
	}
	for _, s := range specs {
		f.specs[s.id] = s
	}
	return f
}

func (f *fakeFetcher) attemptCount(id fetch.SegmentId) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[id]
}

func (f *fakeFetcher) totalAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int
	for _, n := range f.attempts {
		total += n
	}
	return total
}

func (f *fakeFetcher) GetSegmentHeader(ctx context.Context, id fetch.SegmentId) (fetch.SegmentHeader, error) {
	spec, ok := f.specs[id]
	if !ok {
		return fetch.SegmentHeader{}, fetch.NewError(fetch.KindArticleNotFound, errors.New("unknown segment"))
	}
	return fetch.SegmentHeader{Id: id, PartOffset: spec.offset, PartSize: int64(len(spec.data))}, nil
}

func (f *fakeFetcher) GetSegmentStream(ctx context.Context, id fetch.SegmentId, fetchHeader bool) (io.ReadCloser, *fetch.SegmentHeader, error) {
	spec, ok := f.specs[id]
	if !ok {
		return nil, nil, fetch.NewError(fetch.KindArticleNotFound, errors.New("unknown segment"))
	}

	f.mu.Lock()
	f.attempts[id]++
	attempt := f.attempts[id]
	f.mu.Unlock()

	if spec.permanentFail {
		return nil, nil, fetch.NewError(fetch.KindArticleNotFound, errors.New("no such article"))
	}
	if attempt <= spec.failTimes {
		return nil, nil, fetch.NewError(spec.failKind, errors.New("injected transient failure"))
	}

	wait := spec.delay
	if spec.stallFirstAttempt > 0 && attempt == 1 {
		wait = spec.stallFirstAttempt
	}
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	header := &fetch.SegmentHeader{Id: id, PartOffset: spec.offset, PartSize: int64(len(spec.data))}
	return io.NopCloser(bytes.NewReader(spec.data)), header, nil
}
