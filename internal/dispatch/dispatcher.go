// Package dispatch implements the bounded inference dispatcher: a fixed-size
// worker pool that serializes blocking inference calls against the available
// compute slots and hands callers a future per submitted job.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/stt-service/internal/engine"
	"github.com/skypro1111/stt-service/internal/metrics"
)

// ErrOverloaded indicates that a queue bound is configured and the queue is
// full. Callers should retry with backoff.
var ErrOverloaded = errors.New("dispatch: job queue is full")

// ErrStopped indicates that the dispatcher has been shut down.
var ErrStopped = errors.New("dispatch: dispatcher stopped")

// Job is one unit of inference work. Every job references exactly one engine
// obtained from the model cache before submission; it is never redirected to
// a different model mid-flight.
type Job struct {
	Engine  engine.Engine
	Audio   []byte
	Options engine.Options
}

// Future carries the eventual result of a submitted job. Ownership of the
// result transfers to the caller on Wait.
type Future struct {
	done      chan struct{}
	result    engine.Result
	err       error
	discarded atomic.Bool
}

// Wait blocks until the job completes or ctx is done. When ctx is done first
// the future is marked discarded: the job is not preempted (the backend
// offers no preemption) but its result is dropped when it completes.
func (f *Future) Wait(ctx context.Context) (engine.Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		f.discarded.Store(true)
		return engine.Result{}, ctx.Err()
	}
}

// Discarded reports whether the caller abandoned this job.
func (f *Future) Discarded() bool {
	return f.discarded.Load()
}

func (f *Future) complete(result engine.Result, err error) {
	f.result = result
	f.err = err
	close(f.done)
}

// Config contains dispatcher configuration.
type Config struct {
	// Workers is the number of concurrent inference slots. Zero means one
	// slot per CPU thread.
	Workers int
	// QueueSize bounds the pending-job queue; zero means unbounded. When a
	// bound is set, Submit fails fast with ErrOverloaded on a full queue.
	QueueSize int
}

// Stats represents dispatcher statistics for monitoring.
type Stats struct {
	Workers       int    `json:"workers"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Inflight      int    `json:"inflight"`
	HighWatermark int    `json:"high_watermark"`
	Submitted     uint64 `json:"submitted"`
	Completed     uint64 `json:"completed"`
	Failed        uint64 `json:"failed"`
	Discarded     uint64 `json:"discarded"`
	Rejected      uint64 `json:"rejected"`
}

type queuedJob struct {
	job    Job
	future *Future
}

// Dispatcher runs a fixed pool of workers pulling jobs from a FIFO queue.
// The worker count is the single serialization point that prevents the
// system from oversubscribing the inference device.
type Dispatcher struct {
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*queuedJob
	stopped bool

	inflight      int
	highWatermark int
	submitted     uint64
	completed     uint64
	failed        uint64
	discarded     uint64
	rejected      uint64

	wg sync.WaitGroup
}

// New creates and starts a dispatcher. m may be nil in tests.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}

	d := &Dispatcher{
		config:  cfg,
		logger:  logger,
		metrics: m,
	}
	d.cond = sync.NewCond(&d.mu)

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	logger.Info("Inference dispatcher started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
	)

	return d
}

// Submit enqueues a job and returns its future. Submission never blocks on a
// full queue: with a configured bound it fails fast with ErrOverloaded,
// otherwise jobs queue without limit.
func (d *Dispatcher) Submit(ctx context.Context, job Job) (*Future, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return nil, ErrStopped
	}

	if d.config.QueueSize > 0 && len(d.queue) >= d.config.QueueSize {
		d.rejected++
		if d.metrics != nil {
			d.metrics.JobsRejected.Inc()
		}
		return nil, ErrOverloaded
	}

	future := &Future{done: make(chan struct{})}
	d.queue = append(d.queue, &queuedJob{job: job, future: future})
	d.submitted++

	if d.metrics != nil {
		d.metrics.JobsSubmitted.Inc()
		d.metrics.QueueDepth.Set(float64(len(d.queue)))
	}

	d.cond.Signal()
	return future, nil
}

// Stats returns a snapshot of dispatcher statistics.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	return Stats{
		Workers:       d.config.Workers,
		QueueDepth:    len(d.queue),
		QueueCapacity: d.config.QueueSize,
		Inflight:      d.inflight,
		HighWatermark: d.highWatermark,
		Submitted:     d.submitted,
		Completed:     d.completed,
		Failed:        d.failed,
		Discarded:     d.discarded,
		Rejected:      d.rejected,
	}
}

// Stop drains the dispatcher: no new submissions are accepted, queued jobs
// are failed with ErrStopped, and in-flight jobs run to completion.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true

	pending := d.queue
	d.queue = nil
	if d.metrics != nil {
		d.metrics.QueueDepth.Set(0)
	}
	d.cond.Broadcast()
	d.mu.Unlock()

	for _, q := range pending {
		q.future.complete(engine.Result{}, ErrStopped)
	}

	d.wg.Wait()

	d.logger.Info("Inference dispatcher stopped",
		slog.Uint64("completed", d.completed),
		slog.Uint64("failed", d.failed),
		slog.Uint64("discarded", d.discarded),
	)
}

// worker pulls jobs from the queue in FIFO order and executes them.
func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if d.stopped && len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}

		q := d.queue[0]
		d.queue = d.queue[1:]
		d.inflight++
		if d.inflight > d.highWatermark {
			d.highWatermark = d.inflight
		}
		if d.metrics != nil {
			d.metrics.QueueDepth.Set(float64(len(d.queue)))
			d.metrics.JobsInflight.Set(float64(d.inflight))
		}
		d.mu.Unlock()

		d.execute(id, q)

		d.mu.Lock()
		d.inflight--
		if d.metrics != nil {
			d.metrics.JobsInflight.Set(float64(d.inflight))
		}
		d.mu.Unlock()
	}
}

// execute runs a single inference job. A job whose caller already abandoned
// it before execution started is skipped outright; abandonment after the
// call begins only discards the result.
func (d *Dispatcher) execute(workerID int, q *queuedJob) {
	if q.future.Discarded() {
		d.recordDiscarded()
		q.future.complete(engine.Result{}, context.Canceled)
		return
	}

	start := time.Now()
	result, err := q.job.Engine.Transcribe(context.Background(), q.job.Audio, q.job.Options)
	elapsed := time.Since(start)

	if d.metrics != nil {
		d.metrics.InferenceTime.Observe(elapsed.Seconds())
	}

	if q.future.Discarded() {
		d.recordDiscarded()
		d.logger.Debug("Discarding result of abandoned job",
			slog.Int("worker", workerID),
			slog.Duration("inference_time", elapsed),
		)
		q.future.complete(engine.Result{}, context.Canceled)
		return
	}

	d.mu.Lock()
	if err != nil {
		d.failed++
	} else {
		d.completed++
	}
	d.mu.Unlock()

	if d.metrics != nil {
		if err != nil {
			d.metrics.JobsFailed.Inc()
		} else {
			d.metrics.JobsCompleted.Inc()
		}
	}

	if err != nil {
		d.logger.Warn("Inference job failed",
			slog.Int("worker", workerID),
			slog.Duration("inference_time", elapsed),
			slog.String("error", err.Error()),
		)
	}

	q.future.complete(result, err)
}

func (d *Dispatcher) recordDiscarded() {
	d.mu.Lock()
	d.discarded++
	d.mu.Unlock()
	if d.metrics != nil {
		d.metrics.JobsDiscarded.Inc()
	}
}
