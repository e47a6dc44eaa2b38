package copier

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/shizukutanaka/okura/internal/ratelimit"
	"github.com/shizukutanaka/okura/internal/status"
	"github.com/shizukutanaka/okura/internal/vfs"
)

// Result is the outcome of one work item.
type Result struct {
	BytesCopied uint64
	Checksum    uint32
	Err         error
}

// WorkItem describes one rate-limited copy (or checksum-only scan when
// Dst is empty). Submit fills in the context; Wait blocks until a
// worker has produced the result.
type WorkItem struct {
	Src       string
	Dst       string
	SrcEnv    vfs.Env
	DstEnv    vfs.Env
	SizeLimit uint64
	ChunkSize int
	Limiter   *ratelimit.Limiter
	Priority  ratelimit.Priority
	Sync      bool

	ctx  context.Context
	done chan Result
}

// Wait blocks until the item has been processed and returns its result.
func (w *WorkItem) Wait() Result {
	return <-w.done
}

// Pool is a fixed set of workers draining a blocking work channel.
// Closing the channel is the end-of-stream signal; Shutdown closes it
// and joins the workers.
type Pool struct {
	logger  *zap.Logger
	queue   chan *WorkItem
	workers int
	wg      sync.WaitGroup
	closed  atomic.Bool

	itemsProcessed atomic.Uint64
	itemsFailed    atomic.Uint64
}

// NewPool creates a pool; call Start before submitting work.
func NewPool(logger *zap.Logger, workers, queueSize int) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = workers
	}
	return &Pool{
		logger:  logger.Named("copier"),
		queue:   make(chan *WorkItem, queueSize),
		workers: workers,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	p.logger.Debug("starting copy workers", zap.Int("workers", p.workers))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Submit enqueues an item, blocking while the queue is full. The
// context governs both the enqueue wait and the copy itself.
func (p *Pool) Submit(ctx context.Context, item *WorkItem) error {
	if p.closed.Load() {
		return status.New(status.InvalidArgument, "copy pool is shut down")
	}
	item.ctx = ctx
	item.done = make(chan Result, 1)
	select {
	case p.queue <- item:
		return nil
	case <-ctx.Done():
		return status.Wrap(status.Incomplete, ctx.Err(), "enqueue cancelled")
	}
}

// Shutdown signals end-of-stream and waits for the workers to drain
// the queue and exit.
func (p *Pool) Shutdown() {
	if p.closed.Swap(true) {
		return
	}
	close(p.queue)
	p.wg.Wait()
	p.logger.Debug("copy workers stopped",
		zap.Uint64("items_processed", p.itemsProcessed.Load()),
		zap.Uint64("items_failed", p.itemsFailed.Load()),
	)
}

// ItemsProcessed returns the number of successfully completed items.
func (p *Pool) ItemsProcessed() uint64 {
	return p.itemsProcessed.Load()
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for item := range p.queue {
		res := p.process(item)
		if res.Err != nil {
			p.itemsFailed.Add(1)
			p.logger.Debug("copy item failed",
				zap.Int("worker", id),
				zap.String("src", item.Src),
				zap.Error(res.Err),
			)
		} else {
			p.itemsProcessed.Add(1)
		}
		item.done <- res
	}
}

func (p *Pool) process(item *WorkItem) Result {
	var (
		bytes    uint64
		checksum uint32
		err      error
	)
	if item.Dst == "" {
		bytes, checksum, err = CalculateChecksum(item.ctx, item.SrcEnv, item.Src,
			item.SizeLimit, item.ChunkSize, item.Limiter, item.Priority)
	} else {
		bytes, checksum, err = CopyFile(item.ctx, item.SrcEnv, item.DstEnv,
			item.Src, item.Dst, item.SizeLimit, item.ChunkSize,
			item.Limiter, item.Priority, item.Sync)
	}
	return Result{BytesCopied: bytes, Checksum: checksum, Err: err}
}
