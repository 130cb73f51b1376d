package bufstream

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"streamcore/pkg/admission"
	"streamcore/pkg/fetch"
	"streamcore/pkg/streamctx"
)

// NzbFileStreamOptions configures the underlying BufferedSegmentStream
// NzbFileStream constructs on open and on every Seek.
type NzbFileStreamOptions struct {
	WorkerCount        int
	BufferCapacity     int
	StragglerThreshold time.Duration
	MaxRetries         int
	IncompleteFraction float64
	SeekLoopGuard      int
	Estimator          *SizeEstimator
	OnCorrupt          func(index int)
}

// NzbFileStream is the public seekable stream: it maps a byte offset to a
// segment index, constructs a BufferedSegmentStream over the remaining
// segments, discards the intra-segment prefix, and replaces the buffered
// stream whenever Seek is called, per spec section 4.5.
type NzbFileStream struct {
	ctx     context.Context
	fetcher fetch.SegmentFetcher
	limiter *admission.GlobalOperationLimiter
	opts    NzbFileStreamOptions

	segmentIds   []fetch.SegmentId
	segmentSizes []int64 // decoded sizes, nil if unknown
	encodedSizes []int64 // on-wire encoded sizes, nil if unknown; feeds the SizeEstimator only
	cumulative   []int64 // cumulative[i] = start offset of segment i; built only if segmentSizes != nil
	totalBytes   int64

	mu              sync.Mutex
	current         *BufferedSegmentStream
	position        int64
	lastSeekOffset  int64
	repeatSeekCount int
}

// NewNzbFileStream opens a seekable stream starting at offset 0 of the given plan.
// segmentSizes carries each segment's known *decoded* size (nil if
// unknown, e.g. nothing has been probed yet); encodedSizes carries each
// segment's on-wire encoded size (nil if unknown) and is used only to seed
// the SizeEstimator — it must never be passed as segmentSizes, since the
// two are different byte counts.
func NewNzbFileStream(ctx context.Context, fetcher fetch.SegmentFetcher, limiter *admission.GlobalOperationLimiter, segmentIds []fetch.SegmentId, segmentSizes []int64, encodedSizes []int64, totalBytes int64, opts NzbFileStreamOptions) (*NzbFileStream, error) {
	n := &NzbFileStream{
		ctx:          ctx,
		fetcher:      fetcher,
		limiter:      limiter,
		opts:         opts,
		segmentIds:   segmentIds,
		segmentSizes: segmentSizes,
		encodedSizes: encodedSizes,
		totalBytes:   totalBytes,
	}
	if segmentSizes != nil {
		n.cumulative = make([]int64, len(segmentSizes))
		var off int64
		for i, sz := range segmentSizes {
			n.cumulative[i] = off
			off += sz
		}
	}
	n.current = n.newBufferedStream(n.segmentIds, n.segmentSizes, n.encodedSizes, n.totalBytes)
	return n, nil
}

func (n *NzbFileStream) newBufferedStream(ids []fetch.SegmentId, sizes []int64, encodedSizes []int64, total int64) *BufferedSegmentStream {
	plan := FetchPlan{SegmentIds: ids, TotalBytes: total, SegmentSizes: sizes, EncodedSizes: encodedSizes}
	return New(n.ctx, plan, n.fetcher, n.limiter, Options{
		WorkerCount:        n.opts.WorkerCount,
		BufferCapacity:     n.opts.BufferCapacity,
		StragglerThreshold: n.opts.StragglerThreshold,
		MaxRetries:         n.opts.MaxRetries,
		IncompleteFraction: n.opts.IncompleteFraction,
		Kind:               admission.Streaming,
		Estimator:          n.opts.Estimator,
		OnCorrupt:          n.opts.OnCorrupt,
	})
}

// Length returns the total decoded byte length of the stream.
func (n *NzbFileStream) Length() int64 { return n.totalBytes }

// Position returns the current read offset.
func (n *NzbFileStream) Position() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.position
}

// Read implements io.Reader over the current buffered stream, advancing
// Position and resetting the seek-loop guard on any successful read.
func (n *NzbFileStream) Read(p []byte) (int, error) {
	n.mu.Lock()
	cur := n.current
	n.mu.Unlock()
	if cur == nil {
		return 0, io.EOF
	}
	read, err := cur.Read(p)
	if read > 0 {
		n.mu.Lock()
		n.position += int64(read)
		n.repeatSeekCount = 0
		n.mu.Unlock()
	}
	return read, err
}

// Seek supports io.SeekStart and io.SeekCurrent, per spec section 6.1
// (io.SeekEnd is optional and unsupported here: total size is already
// known via Length, so callers compute an absolute offset themselves).
func (n *NzbFileStream) Seek(offset int64, whence int) (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = n.position + offset
	default:
		return 0, errors.New("bufstream: unsupported seek whence")
	}
	if target < 0 || target > n.totalBytes {
		return 0, errors.New("bufstream: seek offset out of range")
	}

	// Count every repeat of the same target offset, even a no-op one: a
	// client stuck re-requesting a position it never reads from is the
	// degenerate behavior this guard exists for regardless of whether the
	// repeat happens to already be where we are.
	if target == n.lastSeekOffset {
		n.repeatSeekCount++
		guard := n.opts.SeekLoopGuard
		if guard <= 0 {
			guard = 100
		}
		if n.repeatSeekCount > guard {
			return 0, fetch.NewError(fetch.KindInvalidState, errors.New("seek-loop guard triggered: same offset requested too many times"))
		}
	} else {
		n.lastSeekOffset = target
		n.repeatSeekCount = 1
	}

	if target == n.position {
		return n.position, nil
	}

	idx, segStart, err := n.locateSegment(target)
	if err != nil {
		return 0, err
	}

	if n.current != nil {
		n.current.Close()
	}

	var sizes []int64
	if n.segmentSizes != nil {
		sizes = n.segmentSizes[idx:]
	}
	var encodedSizes []int64
	if n.encodedSizes != nil {
		encodedSizes = n.encodedSizes[idx:]
	}
	next := n.newBufferedStream(n.segmentIds[idx:], sizes, encodedSizes, n.totalBytes-segStart)
	if err := next.discard(target - segStart); err != nil {
		next.Close()
		return 0, err
	}

	n.current = next
	n.position = target
	return n.position, nil
}

// Close releases the current buffered stream. Idempotent.
func (n *NzbFileStream) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current == nil {
		return nil
	}
	err := n.current.Close()
	n.current = nil
	return err
}

// locateSegment finds the segment index containing offset and that
// segment's start offset: binary search over the cumulative-offset array
// when segment sizes are known, interpolation search via header probes
// otherwise.
func (n *NzbFileStream) locateSegment(offset int64) (int, int64, error) {
	if n.cumulative != nil {
		idx := sort.Search(len(n.cumulative), func(i int) bool {
			var upper int64
			if i+1 < len(n.cumulative) {
				upper = n.cumulative[i+1]
			} else {
				upper = n.totalBytes
			}
			return upper > offset
		})
		if idx >= len(n.cumulative) {
			idx = len(n.cumulative) - 1
		}
		return idx, n.cumulative[idx], nil
	}
	return n.interpolationSearch(offset)
}

const maxInterpolationProbes = 64

// interpolationSearch locates offset by probing segment headers, narrowing
// a [lo,hi] bracket by linear interpolation on declared PartOffset rather
// than the midpoint, which converges faster when segment sizes are close
// to uniform (the common case for Usenet-posted files).
func (n *NzbFileStream) interpolationSearch(offset int64) (int, int64, error) {
	lo, hi := 0, len(n.segmentIds)-1
	loHeader, err := n.probeHeader(n.segmentIds[lo])
	if err != nil {
		return 0, 0, err
	}
	hiHeader, err := n.probeHeader(n.segmentIds[hi])
	if err != nil {
		return 0, 0, err
	}

	for probes := 0; probes < maxInterpolationProbes; probes++ {
		if offset <= loHeader.PartOffset {
			return lo, loHeader.PartOffset, nil
		}
		if offset >= hiHeader.PartOffset+hiHeader.PartSize || hi <= lo {
			return hi, hiHeader.PartOffset, nil
		}

		span := hiHeader.PartOffset - loHeader.PartOffset
		if span <= 0 {
			return lo, loHeader.PartOffset, nil
		}
		frac := float64(offset-loHeader.PartOffset) / float64(span)
		mid := lo + int(frac*float64(hi-lo))
		if mid <= lo {
			mid = lo + 1
		}
		if mid >= hi {
			mid = hi - 1
		}

		midHeader, err := n.probeHeader(n.segmentIds[mid])
		if err != nil {
			return 0, 0, err
		}
		switch {
		case offset < midHeader.PartOffset:
			hi, hiHeader = mid, midHeader
		case offset >= midHeader.PartOffset+midHeader.PartSize:
			lo, loHeader = mid, midHeader
		default:
			return mid, midHeader.PartOffset, nil
		}
	}
	return 0, 0, fetch.NewError(fetch.KindInvalidState, errors.New("seek: interpolation search did not converge"))
}

// probeHeader fetches a segment header under a Streaming admission permit
// held only for the probe's duration, per spec section 4.5's requirement
// that seek header prefetches not hold a permit longer than necessary.
func (n *NzbFileStream) probeHeader(id fetch.SegmentId) (fetch.SegmentHeader, error) {
	permit, err := n.limiter.AcquirePermit(n.ctx, admission.Streaming)
	if err != nil {
		return fetch.SegmentHeader{}, fetch.NewError(fetch.KindCancelled, err)
	}
	defer permit.Release()
	return n.fetcher.GetSegmentHeader(streamctx.WithUrgent(n.ctx), id)
}
