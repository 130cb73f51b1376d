// Package admission implements GlobalOperationLimiter: admission of
// operations by kind against global per-kind semaphores, ahead of any
// provider selection. Grounded on the conservative variant spec section
// 4.2's open question pins: per-kind semaphores sized to their guarantee,
// rather than a single shared semaphore with weighted fairness.
package admission

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// OperationKind is the admission class an operation is tagged with.
type OperationKind int

const (
	Queue OperationKind = iota
	HealthCheck
	Streaming
	numKinds
)

func (k OperationKind) String() string {
	switch k {
	case Queue:
		return "Queue"
	case HealthCheck:
		return "HealthCheck"
	case Streaming:
		return "Streaming"
	default:
		return "Unknown"
	}
}

// OperationPermit is proof of admission for one operation. Release returns
// the permit; only the first call has an effect, and later calls on the
// same permit (or a copy of it) are no-ops. The guard is a plain flag, so
// concurrent Release calls are not synchronized.
type OperationPermit struct {
	kind    OperationKind
	release func()
}

// Kind returns the kind this permit was acquired under.
func (p OperationPermit) Kind() OperationKind { return p.kind }

// Release returns the permit to its kind's semaphore.
func (p OperationPermit) Release() {
	if p.release != nil {
		p.release()
	}
}

// GlobalOperationLimiter admits operations by kind against three
// independent weighted semaphores whose capacities sum to the system's
// total connection budget.
type GlobalOperationLimiter struct {
	sems       [numKinds]*semaphore.Weighted
	guaranteed [numKinds]int64
	inUse      [numKinds]atomic.Int64
}

// New builds a limiter with the given per-kind guarantees. The caller is
// responsible for ensuring they sum to the total connection budget
// (config.Config.Validate enforces this at startup).
func New(gQueue, gHealthCheck, gStreaming int) *GlobalOperationLimiter {
	l := &GlobalOperationLimiter{}
	l.guaranteed[Queue] = int64(gQueue)
	l.guaranteed[HealthCheck] = int64(gHealthCheck)
	l.guaranteed[Streaming] = int64(gStreaming)
	for k := OperationKind(0); k < numKinds; k++ {
		l.sems[k] = semaphore.NewWeighted(l.guaranteed[k])
	}
	return l
}

// AcquirePermit waits on kind's semaphore until a permit is available or
// ctx is cancelled. It never fails for any other reason.
func (l *GlobalOperationLimiter) AcquirePermit(ctx context.Context, kind OperationKind) (OperationPermit, error) {
	sem := l.sems[kind]
	if err := sem.Acquire(ctx, 1); err != nil {
		return OperationPermit{}, ctx.Err()
	}
	l.inUse[kind].Add(1)
	released := false
	return OperationPermit{
		kind: kind,
		release: func() {
			if released {
				return
			}
			released = true
			l.inUse[kind].Add(-1)
			sem.Release(1)
		},
	}, nil
}

// InUse returns the number of permits currently held for kind.
func (l *GlobalOperationLimiter) InUse(kind OperationKind) int64 {
	return l.inUse[kind].Load()
}

// Guaranteed returns kind's configured guarantee.
func (l *GlobalOperationLimiter) Guaranteed(kind OperationKind) int64 {
	return l.guaranteed[kind]
}
