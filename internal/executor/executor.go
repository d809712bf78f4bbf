// Package executor runs one batch of tests concurrently without ever
// using a region in two tests at once.
package executor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/doitintl/intercloud-throughput/internal/events"
	"github.com/doitintl/intercloud-throughput/internal/logging"
	"github.com/doitintl/intercloud-throughput/internal/metrics"
	"github.com/doitintl/intercloud-throughput/internal/queue"
	"github.com/doitintl/intercloud-throughput/internal/worker"
	"github.com/doitintl/intercloud-throughput/pkg/types"
)

type Executor struct {
	bench          worker.Benchmarker
	sink           worker.ResultSink
	backoff        time.Duration
	testTimeout    time.Duration
	joinTimeout    time.Duration
	requiredFields []string
	workerCount    int
	logger         *log.Logger
	events         events.Recorder
	runMetrics     metrics.RunRecorder
	queueMetrics   metrics.QueueRecorder
}

type Option func(*Executor)

func WithBackoff(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.backoff = d
		}
	}
}

func WithTestTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.testTimeout = d
		}
	}
}

// WithJoinTimeout bounds the wait for all workers of a batch.
func WithJoinTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.joinTimeout = d
		}
	}
}

func WithRequiredFields(fields []string) Option {
	return func(e *Executor) {
		e.requiredFields = fields
	}
}

// WithWorkerCount overrides the worker count derived from the region count.
func WithWorkerCount(n int) Option {
	return func(e *Executor) {
		e.workerCount = n
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(e *Executor) {
		e.logger = logging.OrDiscard(logger)
	}
}

func WithEventRecorder(rec events.Recorder) Option {
	return func(e *Executor) {
		if rec != nil {
			e.events = rec
		}
	}
}

func WithMetricsStore(store *metrics.Store) Option {
	return func(e *Executor) {
		if store != nil {
			e.runMetrics = store.RunRecorder()
			e.queueMetrics = store.QueueRecorder()
		}
	}
}

func New(bench worker.Benchmarker, sink worker.ResultSink, opts ...Option) *Executor {
	e := &Executor{
		bench:        bench,
		sink:         sink,
		backoff:      queue.DefaultBackoff,
		testTimeout:  5 * time.Minute,
		joinTimeout:  5 * time.Minute,
		logger:       logging.OrDiscard(nil),
		events:       events.NoopRecorder{},
		runMetrics:   metrics.NoopRunRecorder{},
		queueMetrics: metrics.NoopQueueRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Outcome summarizes one batch.
type Outcome struct {
	Runnable int
	Skipped  int
	Workers  int
	TimedOut bool
	Queue    queue.Stats
}

// Runnable keeps the pairs that have a VM at both ends, in order.
func Runnable(pairs []types.PairVMs) []types.TestPair {
	out := make([]types.TestPair, 0, len(pairs))
	for _, pv := range pairs {
		if pv.Runnable() {
			out = append(out, types.TestPair{Src: *pv.Src, Dst: *pv.Dst})
		}
	}
	return out
}

// Execute runs every runnable pair. Pairs missing a VM were already recorded
// as failed when provisioning and are only counted here.
func (e *Executor) Execute(ctx context.Context, runID string, pairs []types.PairVMs) Outcome {
	defer logging.Timed(e.logger, "do tests")()

	runnable := Runnable(pairs)
	out := Outcome{Runnable: len(runnable), Skipped: len(pairs) - len(runnable)}
	if len(runnable) == 0 {
		e.logger.Printf("no runnable tests in batch of %d pairs", len(pairs))
		return out
	}

	regionPairs := make([]types.RegionPair, len(pairs))
	for i, pv := range pairs {
		regionPairs[i] = pv.Pair
	}
	workers := e.workerCount
	if workers <= 0 {
		workers = worker.WorkerCountFor(len(types.UniqueRegions(regionPairs)))
	}
	out.Workers = workers
	e.logger.Printf("will use %d test workers for %d tests", workers, len(runnable))

	q := queue.NewPairQueue(runnable,
		queue.WithBackoff(e.backoff),
		queue.WithMetricsRecorder(e.queueMetrics))
	pool := worker.NewPool(runID, q, e.bench, e.sink,
		worker.WithWorkerCount(workers),
		worker.WithTestTimeout(e.testTimeout),
		worker.WithRequiredFields(e.requiredFields),
		worker.WithLogger(e.logger),
		worker.WithEventRecorder(e.events),
		worker.WithMetricsRecorder(e.runMetrics))

	wg := pool.Start(ctx)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.joinTimeout):
		// Running tests are abandoned, not killed: they finish on ctx and
		// record their own outcome. Nothing new is started.
		q.Close()
		out.TimedOut = true
		stats := q.Stats()
		e.logger.Printf("test workers for run %s timed out after %s: %d not started, abandoning %d running: %v",
			runID, e.joinTimeout, stats.Untested, stats.InFlight, q.InFlight())
		e.events.Record(types.Event{
			Type:      types.EventJoinTimeout,
			Timestamp: time.Now().UTC(),
			RunID:     runID,
			Subject:   "do-tests",
			Labels:    map[string]string{"running": fmt.Sprint(stats.InFlight), "not_started": fmt.Sprint(stats.Untested)},
		})
	}
	out.Queue = q.Stats()
	return out
}
