package bufstream_test

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"testing"

	"streamcore/pkg/bufstream"
	"streamcore/pkg/fetch"
)

func openTestFile(t *testing.T, n, size int) (*bufstream.NzbFileStream, []byte) {
	t.Helper()
	ids, want, specs, sizes := uniformSegments(n, size)
	fetcher := newFakeFetcher(specs)
	ctx := context.Background()
	f, err := bufstream.NewNzbFileStream(ctx, fetcher, newLimiter(), ids, sizes, nil, int64(len(want)), bufstream.NzbFileStreamOptions{WorkerCount: 4})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f, want
}

// P6 — Seek to a random offset then read to EOF returns the expected suffix.
func TestSeekReadIdempotence(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10; i++ {
		f, want := openTestFile(t, 17, 53)
		offset := rng.Int63n(int64(len(want)))

		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			t.Fatalf("seek: %v", err)
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, f); err != nil {
			t.Fatalf("read after seek: %v", err)
		}
		if !bytes.Equal(buf.Bytes(), want[offset:]) {
			t.Fatalf("seek(%d) mismatch: got %d bytes, want %d", offset, buf.Len(), len(want)-int(offset))
		}
		f.Close()
	}
}

// Scenario 5 — literal seek into the second segment.
func TestScenarioSeekIntoSecondSegment(t *testing.T) {
	ids := []fetch.SegmentId{"s0", "s1", "s2"}
	specs := []*segmentSpec{
		{id: "s0", data: bytes.Repeat([]byte{0x00}, 1000), offset: 0},
		{id: "s1", data: bytes.Repeat([]byte{0x01}, 1000), offset: 1000},
		{id: "s2", data: bytes.Repeat([]byte{0x02}, 1000), offset: 2000},
	}
	fetcher := newFakeFetcher(specs)
	f, err := bufstream.NewNzbFileStream(context.Background(), fetcher, newLimiter(), ids, []int64{1000, 1000, 1000}, nil, 3000, bufstream.NzbFileStreamOptions{WorkerCount: 2})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	if _, err := f.Seek(1500, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, f); err != nil {
		t.Fatalf("read: %v", err)
	}
	want := append(bytes.Repeat([]byte{0x01}, 500), bytes.Repeat([]byte{0x02}, 1000)...)
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("content mismatch: got %d bytes, want %d", buf.Len(), len(want))
	}
	if buf.Len() != 1500 {
		t.Fatalf("expected 1500 bytes, got %d", buf.Len())
	}
}

// P9 — repeating the same seek offset past the guard threshold fails fast
// with InvalidState.
func TestSeekLoopGuard(t *testing.T) {
	const guard = 5
	ids, _, specs, sizes := uniformSegments(5, 200)
	fetcher := newFakeFetcher(specs)
	f, err := bufstream.NewNzbFileStream(context.Background(), fetcher, newLimiter(), ids, sizes, nil, 1000, bufstream.NzbFileStreamOptions{WorkerCount: 2, SeekLoopGuard: guard})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	if _, err := f.Seek(100, io.SeekStart); err != nil {
		t.Fatalf("initial seek: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("seek away: %v", err)
	}

	var lastErr error
	for i := 0; i < guard+2; i++ {
		_, lastErr = f.Seek(100, io.SeekStart)
		if lastErr != nil {
			break
		}
	}
	if lastErr == nil {
		t.Fatal("expected the seek-loop guard to trigger")
	}
	if fetch.ClassifyOf(lastErr) != fetch.KindInvalidState {
		t.Fatalf("expected InvalidState, got %v", lastErr)
	}
}

// The guard counts repeats of a target offset even when that offset is
// already the current position: a client stuck re-seeking to where it
// already is, without ever reading, is exactly the degenerate pattern P9
// names, not a special case exempt from it.
func TestSeekLoopGuardCountsNoOpRepeats(t *testing.T) {
	const guard = 10
	ids, _, specs, sizes := uniformSegments(5, 200)
	fetcher := newFakeFetcher(specs)
	f, err := bufstream.NewNzbFileStream(context.Background(), fetcher, newLimiter(), ids, sizes, nil, 1000, bufstream.NzbFileStreamOptions{WorkerCount: 2, SeekLoopGuard: guard})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var lastErr error
	for i := 0; i < guard+2; i++ {
		_, lastErr = f.Seek(0, io.SeekStart)
		if lastErr != nil {
			break
		}
	}
	if lastErr == nil {
		t.Fatal("expected repeated no-op seeks to the current position to trip the guard")
	}
	if fetch.ClassifyOf(lastErr) != fetch.KindInvalidState {
		t.Fatalf("expected InvalidState, got %v", lastErr)
	}
}

// A successful Read between identical seeks resets the guard counter. Each
// iteration seeks to 0 twice, so 60 iterations issue 120 same-offset seeks,
// past the default guard of 100 if reads did not reset it.
func TestSeekLoopGuardResetsOnRead(t *testing.T) {
	f, _ := openTestFile(t, 5, 200)

	for i := 0; i < 60; i++ {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			t.Fatalf("seek #%d: %v", i, err)
		}
		buf := make([]byte, 1)
		if _, err := io.ReadFull(f, buf); err != nil {
			t.Fatalf("read #%d: %v", i, err)
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			t.Fatalf("seek back #%d: %v", i, err)
		}
	}
}
