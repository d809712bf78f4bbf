// Package worker runs benchmark tests for pairs handed out by a queue.
package worker

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/doitintl/intercloud-throughput/internal/events"
	"github.com/doitintl/intercloud-throughput/internal/history"
	"github.com/doitintl/intercloud-throughput/internal/logging"
	"github.com/doitintl/intercloud-throughput/internal/metrics"
	"github.com/doitintl/intercloud-throughput/pkg/types"
)

// Source hands out pairs that are safe to run now. queue.PairQueue
// implements it.
type Source interface {
	Dequeue(ctx context.Context) (types.TestPair, bool)
	Done(key types.PairKey) bool
}

type Benchmarker interface {
	RunBenchmark(ctx context.Context, runID string, pair types.TestPair) (string, error)
}

// ResultSink persists test outcomes as they happen.
type ResultSink interface {
	RecordSuccess(ctx context.Context, runID string, pair types.RegionPair, result history.Result) error
	RecordFailure(ctx context.Context, runID string, pair types.RegionPair) error
}

type Pool struct {
	runID          string
	source         Source
	bench          Benchmarker
	sink           ResultSink
	workerCount    int
	testTimeout    time.Duration
	requiredFields []string
	logger         *log.Logger
	events         events.Recorder
	metrics        metrics.RunRecorder
}

type PoolOption func(*Pool)

func WithWorkerCount(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workerCount = n
		}
	}
}

// WithTestTimeout bounds a single benchmark run.
func WithTestTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.testTimeout = d
		}
	}
}

func WithRequiredFields(fields []string) PoolOption {
	return func(p *Pool) {
		if fields != nil {
			p.requiredFields = fields
		}
	}
}

func WithLogger(logger *log.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = logging.OrDiscard(logger)
	}
}

func WithEventRecorder(rec events.Recorder) PoolOption {
	return func(p *Pool) {
		if rec != nil {
			p.events = rec
		}
	}
}

func WithMetricsRecorder(rec metrics.RunRecorder) PoolOption {
	return func(p *Pool) {
		if rec != nil {
			p.metrics = rec
		}
	}
}

func NewPool(runID string, source Source, bench Benchmarker, sink ResultSink, opts ...PoolOption) *Pool {
	p := &Pool{
		runID:          runID,
		source:         source,
		bench:          bench,
		sink:           sink,
		workerCount:    1,
		testTimeout:    5 * time.Minute,
		requiredFields: DefaultRequiredFields,
		logger:         logging.OrDiscard(nil),
		events:         events.NoopRecorder{},
		metrics:        metrics.NoopRunRecorder{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerCountFor sizes the pool for a batch touching regionCount regions:
// twice the integer square root, at least one.
func WorkerCountFor(regionCount int) int {
	n := 2 * int(math.Sqrt(float64(regionCount)))
	if n < 1 {
		return 1
	}
	return n
}

func (p *Pool) Start(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	for i := 0; i < p.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runWorker(ctx)
		}()
	}
	return &wg
}

func (p *Pool) runWorker(ctx context.Context) {
	for {
		pair, ok := p.source.Dequeue(ctx)
		if !ok {
			return
		}
		p.runTest(ctx, pair)
	}
}

// runTest never lets one pair's failure escape; the pair is always
// released back to the source.
func (p *Pool) runTest(ctx context.Context, pair types.TestPair) {
	defer p.source.Done(pair.Key())
	defer logging.Timed(p.logger, "test "+pair.Key().String())()

	// Outcomes are recorded even when the run is being cancelled.
	recordCtx := context.WithoutCancel(ctx)

	result, err := p.benchmark(ctx, pair)
	if err == nil {
		err = p.sink.RecordSuccess(recordCtx, p.runID, pair.Pair(), result)
	}
	if err != nil {
		p.fail(recordCtx, pair, err)
		return
	}
	p.metrics.IncTestsCompleted()
	p.logger.Printf("test %s result from %s: %v", p.runID, pair.Key(), result)
}

func (p *Pool) benchmark(ctx context.Context, pair types.TestPair) (history.Result, error) {
	testCtx, cancel := context.WithTimeout(ctx, p.testTimeout)
	defer cancel()

	p.logger.Printf("running test from %s to %s", pair.Src.Region, pair.Dst.Region)
	out, err := p.bench.RunBenchmark(testCtx, p.runID, pair)
	if err != nil {
		return nil, err
	}
	result, err := ParseResult(out, p.requiredFields)
	if err != nil {
		return nil, err
	}
	Enrich(result, pair)
	return result, nil
}

func (p *Pool) fail(ctx context.Context, pair types.TestPair, cause error) {
	p.logger.Printf("test %s failed: %v", pair.Key(), cause)
	p.metrics.IncTestsFailed()
	p.events.Record(types.Event{
		Type:      types.EventTestFailed,
		Timestamp: time.Now().UTC(),
		RunID:     p.runID,
		Subject:   pair.Key().String(),
		Labels:    map[string]string{"error": cause.Error()},
	})
	if err := p.sink.RecordFailure(ctx, p.runID, pair.Pair()); err != nil {
		p.logger.Printf("record failed test %s: %v", pair.Key(), err)
	}
}
