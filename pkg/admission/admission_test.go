package admission_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"streamcore/pkg/admission"
)

// P7 — after an arbitrary mixed workload ends, every kind's in-use counter
// returns to zero.
func TestConservationOfPermits(t *testing.T) {
	l := admission.New(5, 3, 20)
	kinds := []admission.OperationKind{admission.Queue, admission.HealthCheck, admission.Streaming}

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		kind := kinds[i%len(kinds)]
		wg.Add(1)
		go func(k admission.OperationKind) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			permit, err := l.AcquirePermit(ctx, k)
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			permit.Release()
		}(kind)
	}
	wg.Wait()

	for _, k := range kinds {
		if n := l.InUse(k); n != 0 {
			t.Fatalf("kind %v: expected in-use 0 after workload, got %d", k, n)
		}
	}
}

// P8 — Streaming exhausting its own guarantee never blocks Queue, because
// each kind is admitted against its own independent semaphore rather than a
// shared pool (the conservative variant this implementation pins).
func TestKindGuaranteeUnderContention(t *testing.T) {
	l := admission.New(2, 2, 4)

	ctx := context.Background()
	var streamingPermits []admission.OperationPermit
	for i := 0; i < 4; i++ {
		p, err := l.AcquirePermit(ctx, admission.Streaming)
		if err != nil {
			t.Fatalf("streaming acquire %d: %v", i, err)
		}
		streamingPermits = append(streamingPermits, p)
	}
	defer func() {
		for _, p := range streamingPermits {
			p.Release()
		}
	}()

	queueCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	p, err := l.AcquirePermit(queueCtx, admission.Queue)
	if err != nil {
		t.Fatalf("expected queue acquisition to succeed while streaming holds all its own permits, got %v", err)
	}
	p.Release()
}

func TestAcquirePermitRespectsContextCancellation(t *testing.T) {
	l := admission.New(1, 1, 1)
	ctx := context.Background()
	p, err := l.AcquirePermit(ctx, admission.Queue)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer p.Release()

	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := l.AcquirePermit(blockedCtx, admission.Queue); err == nil {
		t.Fatal("expected acquisition to fail once the queue guarantee is exhausted and context times out")
	}
}
