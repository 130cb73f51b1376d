// Package bufpool provides a shared, growable []byte pool for segment
// bodies, grounded on the bufferPool pattern used around Usenet segment
// downloads elsewhere in the corpus (a pooled fixed-size buffer sized to
// a typical article body, grown on demand for oversized ones).
package bufpool

import "sync"

// defaultSize is a typical yEnc-decoded Usenet article body size.
const defaultSize = 768 * 1024

var pool = sync.Pool{
	New: func() any {
		b := make([]byte, defaultSize)
		return &b
	},
}

// Get returns a buffer with length >= size. Its contents are not zeroed.
func Get(size int) []byte {
	bp := pool.Get().(*[]byte)
	b := *bp
	if cap(b) < size {
		b = make([]byte, size)
	} else {
		b = b[:size]
	}
	return b
}

// Grow doubles buf's capacity until it holds at least size bytes,
// preserving buf's existing content, and returns the resized slice.
// Workers call this while a segment body turns out larger than the
// declared PartSize anticipated.
func Grow(buf []byte, size int) []byte {
	if cap(buf) >= size {
		return buf[:size]
	}
	newCap := cap(buf)
	if newCap == 0 {
		newCap = defaultSize
	}
	for newCap < size {
		newCap *= 2
	}
	grown := make([]byte, size, newCap)
	copy(grown, buf)
	return grown
}

// Put returns buf to the pool for reuse. Callers must not use buf after
// calling Put; every Get (directly or via Grow) must be matched by
// exactly one Put.
func Put(buf []byte) {
	b := buf[:cap(buf)]
	pool.Put(&b)
}
