package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueFull = errors.New("worker queue is full")
	ErrClosed    = errors.New("worker pool is closed")
)

// Job is one unit of asynchronous work. The context it receives expires
// after the pool's job timeout.
type Job func(ctx context.Context) error

type Config struct {
	Workers    int           // 0 means three per CPU
	Buffer     int           // queued jobs before Submit refuses
	JobTimeout time.Duration // 0 means no bound
}

type workerKey struct{}

type task struct {
	job  Job
	done chan error // nil for fire-and-forget jobs
}

type Pool struct {
	config Config
	queue  chan task
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	failed atomic.Uint64
}

func NewPool(config Config, logger *zap.Logger) *Pool {
	if config.Workers < 1 {
		config.Workers = runtime.NumCPU() * 3
	}
	if config.Buffer < 1 {
		config.Buffer = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		config: config,
		queue:  make(chan task, config.Buffer),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.queue {
		err := p.run(t.job)
		if t.done != nil {
			t.done <- err
			continue
		}
		if err != nil {
			p.failed.Add(1)
			p.logger.Warn("Worker: job failed", zap.Error(err))
		}
	}
}

func (p *Pool) run(job Job) error {
	ctx := context.WithValue(p.ctx, workerKey{}, p)
	if p.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.JobTimeout)
		defer cancel()
	}
	return p.call(ctx, job)
}

func (p *Pool) call(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Worker: job panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = errors.New("worker job panicked")
		}
	}()
	return job(ctx)
}

// Submit queues job without waiting for it. It fails fast with
// ErrQueueFull instead of blocking the caller.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- task{job: job}:
		return nil
	default:
		return ErrQueueFull
	}
}

// inWorker reports whether ctx belongs to a job running on one of p's
// workers.
func (p *Pool) inWorker(ctx context.Context) bool {
	owner, _ := ctx.Value(workerKey{}).(*Pool)
	return owner == p
}

// SubmitWait queues job, waiting for a free slot, and returns the job's
// result. Called from inside one of the pool's own jobs it runs job on the
// calling goroutine, since waiting for a worker there can starve the pool.
func (p *Pool) SubmitWait(ctx context.Context, job Job) error {
	if p.inWorker(ctx) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return p.call(ctx, job)
	}
	done := make(chan error, 1)
	if err := p.enqueue(ctx, task{job: job, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) enqueue(ctx context.Context, t task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending is the number of queued jobs not yet picked up.
func (p *Pool) Pending() int {
	return len(p.queue)
}

// Failed counts fire-and-forget jobs that returned an error.
func (p *Pool) Failed() uint64 {
	return p.failed.Load()
}

// Close stops accepting jobs, runs what is queued and waits for the
// workers. Running jobs see their context cancelled only after the queue
// drained.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}

// Batch runs related jobs on the pool and reports the first error.
type Batch struct {
	pool  *Pool
	group *errgroup.Group
	ctx   context.Context
}

// Group starts a batch. A batch started inside a pool job runs its jobs on
// at most Workers goroutines of its own instead of queueing behind the job.
func (p *Pool) Group(ctx context.Context) *Batch {
	group, ctx := errgroup.WithContext(ctx)
	if p.inWorker(ctx) {
		group.SetLimit(p.config.Workers)
	}
	return &Batch{pool: p, group: group, ctx: ctx}
}

// Go schedules job. Once any job of the batch failed, jobs not yet
// started are skipped.
func (b *Batch) Go(job Job) {
	b.group.Go(func() error {
		if err := b.ctx.Err(); err != nil {
			return err
		}
		return b.pool.SubmitWait(b.ctx, job)
	})
}

func (b *Batch) Wait() error {
	return b.group.Wait()
}
