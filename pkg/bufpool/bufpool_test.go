package bufpool_test

import (
	"bytes"
	"testing"

	"streamcore/pkg/bufpool"
)

func TestGetReturnsRequestedLength(t *testing.T) {
	buf := bufpool.Get(1024)
	if len(buf) != 1024 {
		t.Fatalf("expected length 1024, got %d", len(buf))
	}
	bufpool.Put(buf)
}

func TestGrowPreservesContent(t *testing.T) {
	buf := bufpool.Get(4)
	copy(buf, []byte{1, 2, 3, 4})
	grown := bufpool.Grow(buf, 4096)
	if len(grown) != 4096 {
		t.Fatalf("expected length 4096, got %d", len(grown))
	}
	if !bytes.Equal(grown[:4], []byte{1, 2, 3, 4}) {
		t.Fatalf("Grow did not preserve existing content")
	}
	bufpool.Put(grown)
}

func TestGrowNoopWhenCapacitySuffices(t *testing.T) {
	buf := bufpool.Get(4096)
	buf = buf[:10]
	grown := bufpool.Grow(buf, 100)
	if cap(grown) != cap(buf) {
		t.Fatalf("expected Grow to reuse existing capacity")
	}
	bufpool.Put(grown)
}
