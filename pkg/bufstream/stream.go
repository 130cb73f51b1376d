package bufstream

import (
	"context"
	"errors"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"streamcore/pkg/admission"
	"streamcore/pkg/bufpool"
	"streamcore/pkg/fetch"
	"streamcore/pkg/logger"
	"streamcore/pkg/streamctx"
)

// Options configures a BufferedSegmentStream. Zero values fall back to
// built-in defaults: 10 workers, a buffer of 5 slots per worker, a 3s
// straggler threshold, 3 attempts per segment and an incomplete fraction of
// 0.9. A BufferCapacity below 5 slots per worker is raised to that.
type Options struct {
	WorkerCount          int
	BufferCapacity       int
	StragglerThreshold   time.Duration
	MaxRetries           int
	IncompleteFraction   float64
	Kind                 admission.OperationKind
	Estimator            *SizeEstimator
	// OnCorrupt is invoked exactly once per index the first time it is
	// zero-filled after exhausting retries on every provider. The external
	// catalog / health-check scheduling this notifies is out of scope;
	// cmd/streamcore logs a warning from it and the tests count corruption
	// events with it.
	OnCorrupt func(index int)
}

type job struct {
	index  int
	id     fetch.SegmentId
	urgent bool
}

type assignment struct {
	workerID  int
	startTime time.Time
	cancel    context.CancelFunc
	racing    bool
}

// BufferedSegmentStream delivers the concatenation of a FetchPlan's
// segments as a forward-only byte stream: N workers fetch out of order
// into an array of CAS-guarded slots, a single delivery task drains them
// strictly in order, and a straggler monitor preempts slow fetches.
type BufferedSegmentStream struct {
	plan    FetchPlan
	fetcher fetch.SegmentFetcher
	limiter *admission.GlobalOperationLimiter
	opts    Options

	slots []atomic.Pointer[fetch.Segment]

	standardQueue  chan job
	standardClosed atomic.Bool

	urgentMu    sync.Mutex
	urgentItems []job

	activeMu sync.Mutex
	active   map[int]*assignment

	deliveryChannel chan fetch.Segment
	frontier        atomic.Int64 // next index the delivery task is waiting on

	maxObservedSize atomic.Int64
	corruptedOnce   sync.Map // index -> struct{}{}

	ctx      context.Context
	cancelFn context.CancelFunc
	wg       sync.WaitGroup

	terminalErr atomic.Pointer[error]
	closeOnce   sync.Once

	readBuf []byte
	readOff int
}

// New constructs and starts a BufferedSegmentStream: the producer,
// delivery task, W workers, and straggler monitor are all launched before
// New returns.
func New(ctx context.Context, plan FetchPlan, fetcher fetch.SegmentFetcher, limiter *admission.GlobalOperationLimiter, opts Options) *BufferedSegmentStream {
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 10
	}
	if opts.BufferCapacity < opts.WorkerCount*5 {
		opts.BufferCapacity = opts.WorkerCount * 5
	}
	if opts.StragglerThreshold <= 0 {
		opts.StragglerThreshold = 3 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.IncompleteFraction <= 0 {
		opts.IncompleteFraction = 0.9
	}

	n := len(plan.SegmentIds)
	sctx, cancel := context.WithCancel(ctx)
	s := &BufferedSegmentStream{
		plan:            plan,
		fetcher:         fetcher,
		limiter:         limiter,
		opts:            opts,
		slots:           make([]atomic.Pointer[fetch.Segment], n),
		standardQueue:   make(chan job, opts.BufferCapacity),
		active:          make(map[int]*assignment),
		deliveryChannel: make(chan fetch.Segment, opts.BufferCapacity),
		ctx:             sctx,
		cancelFn:        cancel,
	}

	s.wg.Add(3 + opts.WorkerCount)
	go s.produce()
	go s.deliveryLoop()
	go s.stragglerMonitor()
	for i := 0; i < opts.WorkerCount; i++ {
		go s.worker(i)
	}
	return s
}

func (s *BufferedSegmentStream) produce() {
	defer s.wg.Done()
	for i, id := range s.plan.SegmentIds {
		select {
		case s.standardQueue <- job{index: i, id: id}:
		case <-s.ctx.Done():
			close(s.standardQueue)
			s.standardClosed.Store(true)
			return
		}
	}
	close(s.standardQueue)
	s.standardClosed.Store(true)
}

func (s *BufferedSegmentStream) enqueueUrgent(j job) {
	s.urgentMu.Lock()
	s.urgentItems = append(s.urgentItems, j)
	s.urgentMu.Unlock()
}

func (s *BufferedSegmentStream) popUrgent() (job, bool) {
	s.urgentMu.Lock()
	defer s.urgentMu.Unlock()
	if len(s.urgentItems) == 0 {
		return job{}, false
	}
	j := s.urgentItems[0]
	s.urgentItems = s.urgentItems[1:]
	return j, true
}

func (s *BufferedSegmentStream) urgentLen() int {
	s.urgentMu.Lock()
	defer s.urgentMu.Unlock()
	return len(s.urgentItems)
}

// worker loops, preferring the urgent queue over the standard queue on
// every iteration per spec section 5's retry-ordering guarantee.
func (s *BufferedSegmentStream) worker(id int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		j, ok := s.dequeue()
		if !ok {
			if s.finished() {
				return
			}
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if s.slotFilled(j.index) {
			continue
		}
		s.runAttempt(id, j)
	}
}

func (s *BufferedSegmentStream) dequeue() (job, bool) {
	if j, ok := s.popUrgent(); ok {
		return j, true
	}
	select {
	case j, ok := <-s.standardQueue:
		return j, ok
	default:
		return job{}, false
	}
}

func (s *BufferedSegmentStream) finished() bool {
	return s.standardClosed.Load() && s.urgentLen() == 0 &&
		s.frontier.Load() >= int64(len(s.plan.SegmentIds))
}

func (s *BufferedSegmentStream) slotFilled(index int) bool {
	return s.slots[index].Load() != nil
}

func (s *BufferedSegmentStream) runAttempt(workerID int, j job) {
	for attempt := 0; attempt < s.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-s.ctx.Done():
				return
			}
		}
		if s.slotFilled(j.index) {
			return
		}

		attemptCtx, cancel := context.WithCancel(s.ctx)
		s.registerActive(j.index, workerID, cancel)

		segCtx := attemptCtx
		if j.urgent {
			segCtx = streamctx.WithUrgent(segCtx)
		}
		segCtx = streamctx.WithOperationKind(segCtx, s.opts.Kind.String())

		seg, err := s.fetchOne(segCtx, j)
		s.clearActive(j.index)
		cancel()

		if err == nil {
			s.commit(j.index, seg)
			return
		}

		kind := fetch.ClassifyOf(err)
		if kind == fetch.KindCancelled || errors.Is(err, context.Canceled) {
			// Preempted by the straggler monitor; it already re-enqueued
			// this index (or this is the cancelled victim, also re-enqueued).
			return
		}
		if fetch.Permanent(kind) {
			break
		}
		if !fetch.Retryable(kind) {
			break
		}
	}
	s.degrade(j.index)
}

func (s *BufferedSegmentStream) registerActive(index, workerID int, cancel context.CancelFunc) {
	s.activeMu.Lock()
	s.active[index] = &assignment{workerID: workerID, startTime: time.Now(), cancel: cancel}
	s.activeMu.Unlock()
}

func (s *BufferedSegmentStream) clearActive(index int) {
	s.activeMu.Lock()
	delete(s.active, index)
	s.activeMu.Unlock()
}

func (s *BufferedSegmentStream) fetchOne(ctx context.Context, j job) (fetch.Segment, error) {
	permit, err := s.limiter.AcquirePermit(ctx, s.opts.Kind)
	if err != nil {
		return fetch.Segment{}, fetch.NewError(fetch.KindCancelled, err)
	}
	defer permit.Release()

	stream, header, err := s.fetcher.GetSegmentStream(ctx, j.id, false)
	if err != nil {
		return fetch.Segment{}, err
	}
	defer stream.Close()

	declared := s.declaredSize(j.index, header)
	guess := declared
	if guess <= 0 {
		guess = 256 * 1024
	}
	buf := bufpool.Get(int(guess))
	n := 0
	for {
		if n == len(buf) {
			buf = bufpool.Grow(buf, len(buf)*2)
		}
		read, rerr := stream.Read(buf[n:])
		n += read
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			bufpool.Put(buf)
			return fetch.Segment{}, fetch.NewError(fetch.KindIO, rerr)
		}
	}

	if declared > 0 && int64(n) < int64(float64(declared)*s.opts.IncompleteFraction) {
		bufpool.Put(buf)
		return fetch.Segment{}, fetch.NewError(fetch.KindInvalidData, errors.New("incomplete segment"))
	}
	if encoded, ok := s.encodedSize(j.index); ok {
		s.opts.Estimator.observe(encoded, int64(n))
	}
	s.recordObservedSize(n)
	return fetch.Segment{Id: j.id, Data: buf[:n], Length: n}, nil
}

func (e *SizeEstimator) observe(encoded, decoded int64) {
	if e == nil {
		return
	}
	e.Set(encoded, decoded)
}

// declaredSize returns this segment's known *decoded* size, or 0 if none
// is yet known. SegmentSizes and header.PartSize are already decoded
// sizes; EncodedSizes is not — it is translated through the
// SizeEstimator, which only returns a hit once some other segment with a
// matching encoded size has actually been decoded.
func (s *BufferedSegmentStream) declaredSize(index int, header *fetch.SegmentHeader) int64 {
	if s.plan.SegmentSizes != nil && index < len(s.plan.SegmentSizes) && s.plan.SegmentSizes[index] > 0 {
		return s.plan.SegmentSizes[index]
	}
	if header != nil && header.PartSize > 0 {
		return header.PartSize
	}
	if encoded, ok := s.encodedSize(index); ok {
		if decoded, ok := s.opts.Estimator.Get(encoded); ok {
			return decoded
		}
	}
	return 0
}

func (s *BufferedSegmentStream) encodedSize(index int) (int64, bool) {
	if s.plan.EncodedSizes != nil && index < len(s.plan.EncodedSizes) {
		return s.plan.EncodedSizes[index], true
	}
	return 0, false
}

func (s *BufferedSegmentStream) recordObservedSize(n int) {
	for {
		cur := s.maxObservedSize.Load()
		if int64(n) <= cur {
			return
		}
		if s.maxObservedSize.CompareAndSwap(cur, int64(n)) {
			return
		}
	}
}

// commit installs seg into its slot via CAS; a loser (racer already won)
// disposes its buffer back to the pool.
func (s *BufferedSegmentStream) commit(index int, seg fetch.Segment) {
	stored := seg
	if !s.slots[index].CompareAndSwap(nil, &stored) {
		bufpool.Put(seg.Data)
	}
}

func (s *BufferedSegmentStream) degrade(index int) {
	size, ok := s.sizeForDegrade(index)
	if !ok {
		s.fail(fetch.NewError(fetch.KindInvalidData, errors.New("cannot safely infer size for terminal segment; aborting to preserve byte offsets")))
		return
	}
	seg := fetch.Segment{Id: s.plan.SegmentIds[index], Data: make([]byte, size), Length: size}
	if !s.slots[index].CompareAndSwap(nil, &seg) {
		return
	}
	if _, already := s.corruptedOnce.LoadOrStore(index, struct{}{}); !already {
		logger.Warn("segment zero-filled after exhausting providers", "index", index, "size", size)
		if s.opts.OnCorrupt != nil {
			s.opts.OnCorrupt(index)
		}
	}
}

// sizeForDegrade returns the decoded size to zero-fill index with, or false
// if none can be safely inferred. The EncodedSizes/estimator lookup only
// ever returns a size actually observed on some other segment with a
// matching encoded size — for the terminal segment, whose encoded size is
// typically unique (the last article part is usually shorter), this
// naturally fails to match and falls through to the "cannot safely infer"
// case per spec section 4.4.4's guard on guessing a terminal segment's size.
func (s *BufferedSegmentStream) sizeForDegrade(index int) (int, bool) {
	if s.plan.SegmentSizes != nil && index < len(s.plan.SegmentSizes) && s.plan.SegmentSizes[index] > 0 {
		return int(s.plan.SegmentSizes[index]), true
	}
	if encoded, ok := s.encodedSize(index); ok {
		if decoded, ok := s.opts.Estimator.Get(encoded); ok {
			return int(decoded), true
		}
	}
	if index == len(s.plan.SegmentIds)-1 {
		return 0, false
	}
	if sz := s.maxObservedSize.Load(); sz > 0 {
		return int(sz), true
	}
	return 0, false
}

func (s *BufferedSegmentStream) fail(err error) {
	s.terminalErr.CompareAndSwap(nil, &err)
	s.cancelFn()
}

// deliveryLoop is the single consumer draining slots strictly in index
// order, guaranteeing the reader observes segments in plan order
// regardless of fetch completion order.
func (s *BufferedSegmentStream) deliveryLoop() {
	defer s.wg.Done()
	defer close(s.deliveryChannel)

	idx := 0
	spins := 0
	total := len(s.plan.SegmentIds)
	for idx < total {
		ptr := s.slots[idx].Load()
		if ptr == nil {
			select {
			case <-s.ctx.Done():
				s.fail(fetch.NewError(fetch.KindCancelled, s.ctx.Err()))
				return
			default:
			}
			spins++
			switch {
			case spins < 100:
				runtime.Gosched()
			case spins < 1000:
				time.Sleep(time.Millisecond)
			default:
				time.Sleep(20 * time.Millisecond)
			}
			continue
		}
		spins = 0
		s.slots[idx].Store(nil)
		select {
		case s.deliveryChannel <- *ptr:
		case <-s.ctx.Done():
			bufpool.Put(ptr.Data)
			s.fail(fetch.NewError(fetch.KindCancelled, s.ctx.Err()))
			return
		}
		idx++
		s.frontier.Store(int64(idx))
	}
}

// stragglerMonitor runs every ~100ms, preempting a fetch blocking forward
// delivery past the straggler threshold per spec section 4.4.2.
func (s *BufferedSegmentStream) stragglerMonitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkStraggler()
		}
	}
}

func (s *BufferedSegmentStream) checkStraggler() {
	next := int(s.frontier.Load())
	if next >= len(s.plan.SegmentIds) {
		return
	}

	s.activeMu.Lock()
	a, ok := s.active[next]
	if !ok || a.racing || time.Since(a.startTime) < s.opts.StragglerThreshold {
		s.activeMu.Unlock()
		return
	}
	a.racing = true

	victimIdx := -1
	for idx := range s.active {
		if idx > next && idx > victimIdx {
			victimIdx = idx
		}
	}
	var victimCancel context.CancelFunc
	if victimIdx != -1 {
		victimCancel = s.active[victimIdx].cancel
	} else {
		victimCancel = a.cancel
	}
	s.activeMu.Unlock()

	victimCancel()
	if victimIdx != -1 {
		s.enqueueUrgent(job{index: victimIdx, id: s.plan.SegmentIds[victimIdx]})
	}
	s.enqueueUrgent(job{index: next, id: s.plan.SegmentIds[next], urgent: true})
}

// Read implements io.Reader, consuming the delivery channel and releasing
// consumed segments' buffers back to the pool.
func (s *BufferedSegmentStream) Read(p []byte) (int, error) {
	if s.readBuf == nil || s.readOff >= len(s.readBuf) {
		if s.readBuf != nil {
			bufpool.Put(s.readBuf)
			s.readBuf = nil
		}
		seg, ok := <-s.deliveryChannel
		if !ok {
			if errp := s.terminalErr.Load(); errp != nil {
				return 0, *errp
			}
			return 0, io.EOF
		}
		s.readBuf = seg.Data
		s.readOff = 0
	}
	n := copy(p, s.readBuf[s.readOff:])
	s.readOff += n
	return n, nil
}

// discard reads and drops exactly n bytes, used by NzbFileStream.Seek to
// skip the intra-segment prefix of a freshly constructed stream.
func (s *BufferedSegmentStream) discard(n int64) error {
	buf := make([]byte, 32*1024)
	for n > 0 {
		want := int64(len(buf))
		if n < want {
			want = n
		}
		read, err := s.Read(buf[:want])
		n -= int64(read)
		if err != nil && read == 0 {
			return err
		}
	}
	return nil
}

// Close cancels the internal context, closes the delivery channel, awaits
// workers with a bounded join, and returns all pooled buffers. Idempotent.
func (s *BufferedSegmentStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancelFn()
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			logger.Warn("bufstream: close timed out waiting for workers")
		}
		for i := range s.slots {
			if ptr := s.slots[i].Load(); ptr != nil {
				bufpool.Put(ptr.Data)
				s.slots[i].Store(nil)
			}
		}
		if s.readBuf != nil {
			bufpool.Put(s.readBuf)
			s.readBuf = nil
		}
	})
	return nil
}
