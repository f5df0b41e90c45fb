package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skypro1111/stt-service/internal/engine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// blockingEngine holds every Transcribe call until released and tracks the
// peak number of concurrent calls.
type blockingEngine struct {
	release    chan struct{}
	inflight   int32
	peak       int32
	calls      int32
	mu         sync.Mutex
	callOrder  []string
	failAlways bool
}

func newBlockingEngine() *blockingEngine {
	return &blockingEngine{release: make(chan struct{})}
}

func (e *blockingEngine) Transcribe(ctx context.Context, audio []byte, opts engine.Options) (engine.Result, error) {
	atomic.AddInt32(&e.calls, 1)
	n := atomic.AddInt32(&e.inflight, 1)
	for {
		peak := atomic.LoadInt32(&e.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&e.peak, peak, n) {
			break
		}
	}

	e.mu.Lock()
	e.callOrder = append(e.callOrder, string(audio))
	e.mu.Unlock()

	<-e.release
	atomic.AddInt32(&e.inflight, -1)

	if e.failAlways {
		return engine.Result{}, fmt.Errorf("%w: device fault", engine.ErrInference)
	}
	return engine.Result{
		Language: "en",
		Segments: []engine.Segment{{Text: string(audio)}},
	}, nil
}

func (e *blockingEngine) Close() error { return nil }

func TestDispatcherCompletesJob(t *testing.T) {
	eng := newBlockingEngine()
	close(eng.release)

	d := New(Config{Workers: 2}, testLogger(), nil)
	defer d.Stop()

	future, err := d.Submit(context.Background(), Job{Engine: eng, Audio: []byte("hello")})
	if err != nil {
		t.Fatalf("Failed to submit job: %v", err)
	}

	result, err := future.Wait(context.Background())
	if err != nil {
		t.Fatalf("Job failed: %v", err)
	}

	if len(result.Segments) != 1 || result.Segments[0].Text != "hello" {
		t.Errorf("Unexpected result segments: %+v", result.Segments)
	}

	stats := d.Stats()
	if stats.Completed != 1 {
		t.Errorf("Expected 1 completed job, got %d", stats.Completed)
	}
}

func TestDispatcherConcurrencyBound(t *testing.T) {
	eng := newBlockingEngine()

	const workers = 2
	const jobs = 8

	d := New(Config{Workers: workers}, testLogger(), nil)
	defer d.Stop()

	futures := make([]*Future, 0, jobs)
	for i := 0; i < jobs; i++ {
		f, err := d.Submit(context.Background(), Job{Engine: eng, Audio: []byte{byte(i)}})
		if err != nil {
			t.Fatalf("Failed to submit job %d: %v", i, err)
		}
		futures = append(futures, f)
	}

	// Wait until both workers have picked up a job, then release everything.
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&eng.inflight) < workers && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(eng.release)

	for i, f := range futures {
		if _, err := f.Wait(context.Background()); err != nil {
			t.Fatalf("Job %d failed: %v", i, err)
		}
	}

	if peak := atomic.LoadInt32(&eng.peak); peak > workers {
		t.Errorf("Expected at most %d concurrent inference calls, observed %d", workers, peak)
	}

	stats := d.Stats()
	if stats.Submitted != jobs || stats.Completed != jobs {
		t.Errorf("Expected %d submitted and completed, got %d/%d", jobs, stats.Submitted, stats.Completed)
	}
	if stats.HighWatermark > workers {
		t.Errorf("Expected high watermark at most %d, got %d", workers, stats.HighWatermark)
	}
}

func TestDispatcherFIFOOrder(t *testing.T) {
	eng := newBlockingEngine()

	// One worker so execution order equals queue order.
	d := New(Config{Workers: 1}, testLogger(), nil)
	defer d.Stop()

	labels := []string{"a", "b", "c", "d"}
	futures := make([]*Future, 0, len(labels))
	for _, l := range labels {
		f, err := d.Submit(context.Background(), Job{Engine: eng, Audio: []byte(l)})
		if err != nil {
			t.Fatalf("Failed to submit job %s: %v", l, err)
		}
		futures = append(futures, f)
	}

	close(eng.release)
	for _, f := range futures {
		if _, err := f.Wait(context.Background()); err != nil {
			t.Fatalf("Job failed: %v", err)
		}
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	for i, l := range labels {
		if eng.callOrder[i] != l {
			t.Fatalf("Expected FIFO order %v, got %v", labels, eng.callOrder)
		}
	}
}

func TestDispatcherBoundedQueueRejects(t *testing.T) {
	eng := newBlockingEngine()

	d := New(Config{Workers: 1, QueueSize: 2}, testLogger(), nil)
	defer d.Stop()
	defer close(eng.release)

	// First job occupies the worker, two more fill the queue.
	if _, err := d.Submit(context.Background(), Job{Engine: eng, Audio: []byte("x")}); err != nil {
		t.Fatalf("Failed to submit first job: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&eng.inflight) < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	for i := 0; i < 2; i++ {
		if _, err := d.Submit(context.Background(), Job{Engine: eng, Audio: []byte("x")}); err != nil {
			t.Fatalf("Failed to fill queue slot %d: %v", i, err)
		}
	}

	_, err := d.Submit(context.Background(), Job{Engine: eng, Audio: []byte("x")})
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("Expected ErrOverloaded on full queue, got %v", err)
	}

	if got := d.Stats().Rejected; got != 1 {
		t.Errorf("Expected 1 rejected job, got %d", got)
	}
}

func TestDispatcherFailedJob(t *testing.T) {
	eng := newBlockingEngine()
	eng.failAlways = true
	close(eng.release)

	d := New(Config{Workers: 1}, testLogger(), nil)
	defer d.Stop()

	future, err := d.Submit(context.Background(), Job{Engine: eng, Audio: []byte("x")})
	if err != nil {
		t.Fatalf("Failed to submit job: %v", err)
	}

	_, err = future.Wait(context.Background())
	if !errors.Is(err, engine.ErrInference) {
		t.Fatalf("Expected ErrInference from job, got %v", err)
	}

	if got := d.Stats().Failed; got != 1 {
		t.Errorf("Expected 1 failed job, got %d", got)
	}
}

func TestFutureWaitCancellation(t *testing.T) {
	eng := newBlockingEngine()

	d := New(Config{Workers: 1}, testLogger(), nil)
	defer d.Stop()

	future, err := d.Submit(context.Background(), Job{Engine: eng, Audio: []byte("x")})
	if err != nil {
		t.Fatalf("Failed to submit job: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = future.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected DeadlineExceeded, got %v", err)
	}

	if !future.Discarded() {
		t.Error("Expected future to be marked discarded after abandoned wait")
	}

	// The job itself still runs to completion and its result is dropped.
	close(eng.release)

	deadline := time.Now().Add(2 * time.Second)
	for d.Stats().Discarded < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if got := d.Stats().Discarded; got != 1 {
		t.Errorf("Expected 1 discarded job, got %d", got)
	}
}

func TestDispatcherStop(t *testing.T) {
	eng := newBlockingEngine()
	close(eng.release)

	d := New(Config{Workers: 1}, testLogger(), nil)
	d.Stop()

	_, err := d.Submit(context.Background(), Job{Engine: eng, Audio: []byte("x")})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("Expected ErrStopped after shutdown, got %v", err)
	}

	// Stop is idempotent.
	d.Stop()
}

func TestDispatcherSubmitCancelledContext(t *testing.T) {
	d := New(Config{Workers: 1}, testLogger(), nil)
	defer d.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.Submit(ctx, Job{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}
