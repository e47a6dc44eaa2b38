package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/okura/internal/status"
)

// Priority selects which queue a request waits on. Low-priority traffic
// is the bulk work (backup copies); high-priority traffic is operator
// driven (restores) and is serviced first on most refills.
type Priority int

const (
	Low Priority = iota
	High

	numPriorities
)

// String returns the queue name for logging.
func (p Priority) String() string {
	if p == High {
		return "high"
	}
	return "low"
}

const (
	// DefaultRefillPeriod is how often the token bucket is replenished.
	DefaultRefillPeriod = 100 * time.Millisecond

	// DefaultFairness is the reciprocal probability that a refill
	// services the low-priority queue before the high-priority one.
	DefaultFairness = 10
)

// waiter is one blocked Request. The wake channel carries advisory
// wake-ups (capacity 1, non-blocking sends); granted and the queue
// position are protected by the limiter mutex.
type waiter struct {
	bytes   int64
	pri     Priority
	granted bool
	wake    chan struct{}
}

func (w *waiter) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Limiter is a two-priority token-bucket byte throttle. Every refill
// period the available budget grows by rate*period, carrying over any
// leftover. Requests that do not fit the current budget queue up FIFO
// per priority; exactly one queued request (the leader) performs the
// timed wait until the next refill instant on behalf of everyone else.
// The fairness parameter keeps low-priority requests progressing under
// sustained high-priority load.
type Limiter struct {
	mu           sync.Mutex
	logger       *zap.Logger
	refillPeriod time.Duration
	fairness     int
	rnd          *rand.Rand

	ratePerSec  int64
	refillBytes int64
	available   int64
	nextRefill  time.Time

	queue  [numPriorities][]*waiter
	leader *waiter

	stopped bool
	drained *sync.Cond

	totalBytes    [numPriorities]int64
	totalRequests [numPriorities]int64
}

// New creates a limiter. bytesPerSecond must be positive, refillPeriod
// positive and fairness at least 1.
func New(logger *zap.Logger, bytesPerSecond int64, refillPeriod time.Duration, fairness int) (*Limiter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bytesPerSecond <= 0 {
		return nil, status.Errorf(status.InvalidArgument, "rate must be positive, got %d", bytesPerSecond)
	}
	if refillPeriod <= 0 {
		return nil, status.Errorf(status.InvalidArgument, "refill period must be positive, got %v", refillPeriod)
	}
	if fairness < 1 {
		return nil, status.Errorf(status.InvalidArgument, "fairness must be at least 1, got %d", fairness)
	}
	l := &Limiter{
		logger:       logger.Named("ratelimit"),
		refillPeriod: refillPeriod,
		fairness:     fairness,
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
		nextRefill:   time.Now().Add(refillPeriod),
	}
	l.drained = sync.NewCond(&l.mu)
	l.setRateLocked(bytesPerSecond)
	return l, nil
}

// NewDefault creates a limiter with the default refill period and
// fairness.
func NewDefault(logger *zap.Logger, bytesPerSecond int64) (*Limiter, error) {
	return New(logger, bytesPerSecond, DefaultRefillPeriod, DefaultFairness)
}

func (l *Limiter) setRateLocked(bytesPerSecond int64) {
	l.ratePerSec = bytesPerSecond
	l.refillBytes = bytesPerSecond * int64(l.refillPeriod) / int64(time.Second)
	if l.refillBytes < 1 {
		l.refillBytes = 1
	}
}

// SetBytesPerSecond changes the sustained rate. Takes effect at the
// next refill.
func (l *Limiter) SetBytesPerSecond(bytesPerSecond int64) error {
	if bytesPerSecond <= 0 {
		return status.Errorf(status.InvalidArgument, "rate must be positive, got %d", bytesPerSecond)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setRateLocked(bytesPerSecond)
	l.logger.Debug("rate updated", zap.Int64("bytes_per_second", bytesPerSecond))
	return nil
}

// GetBytesPerSecond returns the configured sustained rate.
func (l *Limiter) GetBytesPerSecond() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ratePerSec
}

// GetSingleBurstBytes returns the largest request size the limiter will
// accept, which is one refill period's worth of budget.
func (l *Limiter) GetSingleBurstBytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refillBytes
}

// GetTotalBytesThrough returns the bytes granted so far for a priority.
func (l *Limiter) GetTotalBytesThrough(pri Priority) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalBytes[pri]
}

// GetTotalRequests returns the number of Request calls for a priority.
func (l *Limiter) GetTotalRequests(pri Priority) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalRequests[pri]
}

// Request blocks until bytes of budget have been granted, the context
// is cancelled, or the limiter is stopped. bytes must not exceed
// GetSingleBurstBytes. A stopped limiter releases the caller without
// throttling.
func (l *Limiter) Request(ctx context.Context, bytes int64, pri Priority) error {
	if bytes <= 0 {
		return status.Errorf(status.InvalidArgument, "request size must be positive, got %d", bytes)
	}

	l.mu.Lock()
	if bytes > l.refillBytes {
		l.mu.Unlock()
		return status.Errorf(status.InvalidArgument,
			"request of %d bytes exceeds single burst of %d", bytes, l.refillBytes)
	}
	l.totalRequests[pri]++

	if l.stopped {
		l.mu.Unlock()
		return nil
	}

	// Fast path: budget available and nobody queued ahead of us.
	if l.available >= bytes && l.queueLenLocked() == 0 {
		l.available -= bytes
		l.totalBytes[pri] += bytes
		l.mu.Unlock()
		return nil
	}

	w := &waiter{bytes: bytes, pri: pri, wake: make(chan struct{}, 1)}
	l.queue[pri] = append(l.queue[pri], w)

	for !w.granted {
		if l.stopped {
			l.removeLocked(w)
			l.drained.Broadcast()
			l.mu.Unlock()
			return nil
		}
		if l.leader == nil && l.isFrontLocked(w) {
			// Become the leader: wait out the refill period for
			// everyone, then replenish the bucket.
			l.leader = w
			wait := time.Until(l.nextRefill)
			l.mu.Unlock()

			timedOut := wait <= 0
			if !timedOut {
				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
					timedOut = true
				case <-w.wake:
				case <-ctx.Done():
					timer.Stop()
					return l.abandon(w, ctx.Err())
				}
				timer.Stop()
			}

			l.mu.Lock()
			if l.leader == w {
				l.leader = nil
			}
			if w.granted || l.stopped {
				continue
			}
			if timedOut {
				l.refillLocked()
			}
		} else {
			l.mu.Unlock()
			select {
			case <-w.wake:
			case <-ctx.Done():
				return l.abandon(w, ctx.Err())
			}
			l.mu.Lock()
		}
	}
	l.mu.Unlock()
	return nil
}

// abandon pulls a cancelled waiter out of its queue. If the grant raced
// the cancellation the grant wins and the request succeeds.
func (l *Limiter) abandon(w *waiter, cause error) error {
	l.mu.Lock()
	if l.leader == w {
		l.leader = nil
	}
	if w.granted {
		l.mu.Unlock()
		return nil
	}
	l.removeLocked(w)
	l.wakeFrontsLocked()
	l.drained.Broadcast()
	l.mu.Unlock()
	return status.Wrap(status.Incomplete, cause, "rate limiter request cancelled")
}

// refillLocked replenishes the bucket and grants queued requests
// front-to-back while the budget lasts. With probability 1/fairness the
// low-priority queue is serviced first.
func (l *Limiter) refillLocked() {
	l.nextRefill = time.Now().Add(l.refillPeriod)
	l.available += l.refillBytes

	order := [numPriorities]Priority{High, Low}
	if l.rnd.Intn(l.fairness) == 0 {
		order = [numPriorities]Priority{Low, High}
	}
	for _, pri := range order {
		q := l.queue[pri]
		for len(q) > 0 && q[0].bytes <= l.available {
			w := q[0]
			q = q[1:]
			l.available -= w.bytes
			l.totalBytes[pri] += w.bytes
			w.granted = true
			w.signal()
		}
		l.queue[pri] = q
	}
	// Hand the leader role to whichever head remains.
	l.wakeFrontsLocked()
}

// Stop releases every queued waiter and waits for them to exit. After
// Stop, Request calls pass through without throttling.
func (l *Limiter) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	for pri := Priority(0); pri < numPriorities; pri++ {
		for _, w := range l.queue[pri] {
			w.signal()
		}
	}
	for l.queueLenLocked() > 0 {
		l.drained.Wait()
	}
	l.mu.Unlock()
}

func (l *Limiter) queueLenLocked() int {
	n := 0
	for pri := Priority(0); pri < numPriorities; pri++ {
		n += len(l.queue[pri])
	}
	return n
}

func (l *Limiter) isFrontLocked(w *waiter) bool {
	q := l.queue[w.pri]
	return len(q) > 0 && q[0] == w
}

func (l *Limiter) wakeFrontsLocked() {
	for pri := Priority(0); pri < numPriorities; pri++ {
		if q := l.queue[pri]; len(q) > 0 {
			q[0].signal()
		}
	}
}

func (l *Limiter) removeLocked(w *waiter) {
	q := l.queue[w.pri]
	for i, qw := range q {
		if qw == w {
			l.queue[w.pri] = append(q[:i], q[i+1:]...)
			return
		}
	}
}
