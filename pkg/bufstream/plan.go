// Package bufstream implements BufferedSegmentStream, the ordered,
// resilient segment streamer, and NzbFileStream, the seekable wrapper
// built on top of it.
package bufstream

import (
	"sync"

	"streamcore/pkg/fetch"
)

// FetchPlan is the ordered list of segments a BufferedSegmentStream
// streams. SegmentSizes holds each segment's known *decoded* byte length
// and is optional; when nil, declaredSize falls back to the header returned
// with the segment stream and then the SizeEstimator, and sizeForDegrade
// falls back to the SizeEstimator and then, for a non-terminal segment,
// the largest segment size observed so far. No extra header request is
// made for either. EncodedSizes, also optional, holds
// each segment's on-wire *encoded* size as posted (e.g. NZB segment
// bytes) — callers that only know the encoded size up front (not yet
// having decoded anything) supply this instead of SegmentSizes, letting
// the SizeEstimator translate it once a same-sized segment has actually
// been decoded.
type FetchPlan struct {
	SegmentIds   []fetch.SegmentId
	TotalBytes   int64
	SegmentSizes []int64
	EncodedSizes []int64
}

// SizeEstimator remembers an encoded -> decoded size ratio across
// segments so a fresh FetchPlan without a size cache can still estimate
// sizes before downloading. Grounded on loader.SegmentSizeEstimator in
// the teacher, which a session shares across every file it opens.
type SizeEstimator struct {
	mu      sync.RWMutex
	entries []sizeEntry
}

type sizeEntry struct {
	encoded int64
	decoded int64
}

// NewSizeEstimator returns an estimator with no observations yet.
func NewSizeEstimator() *SizeEstimator {
	return &SizeEstimator{entries: make([]sizeEntry, 0, 4)}
}

// Get returns a previously observed decoded size for an encoded size
// within 4KB of encodedSize, the same tolerance band the teacher uses to
// treat same-provider segments as uniformly sized. A nil receiver (no
// estimator configured) always misses.
func (e *SizeEstimator) Get(encodedSize int64) (int64, bool) {
	if e == nil {
		return 0, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, entry := range e.entries {
		if abs64(entry.encoded-encodedSize) < 4096 {
			return entry.decoded, true
		}
	}
	return 0, false
}

// Set records an encoded -> decoded size observation, skipping it if an
// entry within tolerance already exists.
func (e *SizeEstimator) Set(encodedSize, decodedSize int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range e.entries {
		if abs64(entry.encoded-encodedSize) < 4096 {
			return
		}
	}
	e.entries = append(e.entries, sizeEntry{encoded: encodedSize, decoded: decodedSize})
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
