// Package runtime drives a run: batch by batch it records the attempt,
// creates VMs, runs the tests and deletes the VMs.
package runtime

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/doitintl/intercloud-throughput/internal/executor"
	"github.com/doitintl/intercloud-throughput/internal/history"
	"github.com/doitintl/intercloud-throughput/internal/logging"
	"github.com/doitintl/intercloud-throughput/internal/metrics"
	"github.com/doitintl/intercloud-throughput/internal/teardown"
	"github.com/doitintl/intercloud-throughput/pkg/types"
)

// MetricsFile is written to the data directory after a run.
const MetricsFile = "metrics.prom"

type Provisioner interface {
	CreateVMs(ctx context.Context, pairs []types.RegionPair, runID string, machineTypes map[types.Cloud]string) []types.PairVMs
}

type Executor interface {
	Execute(ctx context.Context, runID string, pairs []types.PairVMs) executor.Outcome
}

type Teardown interface {
	DeleteVMs(ctx context.Context, runID string, regions []types.Region) teardown.Report
}

type Option func(*settings)

type settings struct {
	logger       *log.Logger
	metricsStore *metrics.Store
	dataDir      string
	summaryLimit int
}

func WithLogger(logger *log.Logger) Option {
	return func(s *settings) {
		s.logger = logging.OrDiscard(logger)
	}
}

func WithMetricsStore(store *metrics.Store) Option {
	return func(s *settings) {
		s.metricsStore = store
	}
}

// WithDataDir makes Run write metrics.prom into dir when it finishes.
func WithDataDir(dir string) Option {
	return func(s *settings) {
		s.dataDir = dir
	}
}

// WithSummaryLimit caps the pairs listed in the coverage summary.
func WithSummaryLimit(n int) Option {
	return func(s *settings) {
		s.summaryLimit = n
	}
}

type Runtime struct {
	store       history.Store
	provisioner Provisioner
	executor    Executor
	teardown    Teardown
	settings
}

func New(store history.Store, prov Provisioner, exec Executor, td Teardown, opts ...Option) *Runtime {
	s := settings{
		logger:       logging.OrDiscard(nil),
		metricsStore: metrics.NewStore(),
		summaryLimit: 20,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return &Runtime{
		store:       store,
		provisioner: prov,
		executor:    exec,
		teardown:    td,
		settings:    s,
	}
}

// Report describes a finished run.
type Report struct {
	RunID    string
	Batches  int
	Outcomes []executor.Outcome
	Summary  history.Summary
}

// Run executes batches one after another. Per-region and per-pair failures
// are recorded in history; only failures to record intent, and
// cancellation between batches, stop the run.
func (r *Runtime) Run(ctx context.Context, runID string, batches []types.Batch, machineTypes map[types.Cloud]string) (Report, error) {
	defer logging.Timed(r.logger, "run "+runID)()
	report := Report{RunID: runID}

	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		r.logger.Printf("run %s batch %d of %d: %d tests", runID, i+1, len(batches), len(batch))
		outcome, err := r.runBatch(ctx, runID, batch, machineTypes)
		if err != nil {
			return report, fmt.Errorf("batch %d: %w", i+1, err)
		}
		report.Batches++
		report.Outcomes = append(report.Outcomes, outcome)
	}

	hist, err := r.store.LoadHistory(ctx)
	if err != nil {
		return report, fmt.Errorf("load history: %w", err)
	}
	report.Summary = hist.Summarize(r.summaryLimit)
	report.Summary.Log(r.logger)

	if r.dataDir != "" {
		if err := r.metricsStore.WriteFile(filepath.Join(r.dataDir, MetricsFile)); err != nil {
			r.logger.Printf("write metrics: %v", err)
		}
	}
	return report, nil
}

func (r *Runtime) runBatch(ctx context.Context, runID string, batch types.Batch, machineTypes map[types.Cloud]string) (executor.Outcome, error) {
	pairs := []types.RegionPair(batch)
	if err := r.store.RecordAttempts(ctx, runID, pairs, machineTypes); err != nil {
		return executor.Outcome{}, fmt.Errorf("record attempts: %w", err)
	}
	r.metricsStore.RunRecorder().IncBatches()

	// VMs are deleted even when creation or tests fail part way.
	defer r.teardown.DeleteVMs(ctx, runID, types.UniqueRegions(pairs))

	vms := r.provisioner.CreateVMs(ctx, pairs, runID, machineTypes)
	outcome := r.executor.Execute(ctx, runID, vms)
	r.logger.Printf("batch done: %d tests run, %d without vms", outcome.Runnable, outcome.Skipped)

	if err := r.store.CombineRun(context.WithoutCancel(ctx), runID); err != nil {
		r.logger.Printf("combine results of run %s: %v", runID, err)
	}
	return outcome, nil
}
