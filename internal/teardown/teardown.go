// Package teardown deletes the VMs of a run. Deletion is best effort:
// failures are logged and counted, never returned.
package teardown

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/doitintl/intercloud-throughput/internal/cloud"
	"github.com/doitintl/intercloud-throughput/internal/events"
	"github.com/doitintl/intercloud-throughput/internal/logging"
	"github.com/doitintl/intercloud-throughput/internal/metrics"
	"github.com/doitintl/intercloud-throughput/pkg/types"
)

type Deleter interface {
	DeleteRegion(ctx context.Context, runID string, region types.Region) error
}

type Teardown struct {
	deleter       Deleter
	regionTimeout time.Duration
	runTimeout    time.Duration
	logger        *log.Logger
	events        events.Recorder
	metrics       metrics.RunRecorder
}

type Option func(*Teardown)

// WithRegionTimeout bounds a per-region deletion.
func WithRegionTimeout(d time.Duration) Option {
	return func(t *Teardown) {
		if d > 0 {
			t.regionTimeout = d
		}
	}
}

// WithRunTimeout bounds a deletion that covers the whole run in one call.
func WithRunTimeout(d time.Duration) Option {
	return func(t *Teardown) {
		if d > 0 {
			t.runTimeout = d
		}
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(t *Teardown) {
		t.logger = logging.OrDiscard(logger)
	}
}

func WithEventRecorder(rec events.Recorder) Option {
	return func(t *Teardown) {
		if rec != nil {
			t.events = rec
		}
	}
}

func WithMetricsRecorder(rec metrics.RunRecorder) Option {
	return func(t *Teardown) {
		if rec != nil {
			t.metrics = rec
		}
	}
}

func New(deleter Deleter, opts ...Option) *Teardown {
	t := &Teardown{
		deleter:       deleter,
		regionTimeout: 5 * time.Minute,
		runTimeout:    6 * time.Minute,
		logger:        logging.OrDiscard(nil),
		events:        events.NoopRecorder{},
		metrics:       metrics.NoopRunRecorder{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type Report struct {
	Calls  int
	Failed []types.RegionKey
}

// DeleteVMs deletes the run's VMs in regions. Clouds deleted per region get
// one call per region; clouds deleted per run get a single call issued from
// their first region. It runs even when ctx is already cancelled.
func (t *Teardown) DeleteVMs(ctx context.Context, runID string, regions []types.Region) Report {
	defer logging.Timed(t.logger, "delete vms")()
	ctx = context.WithoutCancel(ctx)

	type task struct {
		region  types.Region
		timeout time.Duration
	}
	var tasks []task
	perRunDone := make(map[types.Cloud]bool)
	for _, r := range regions {
		scope, err := cloud.DeletionScope(r.Cloud)
		if err != nil {
			t.failed(runID, r, err)
			continue
		}
		switch scope {
		case cloud.PerRegion:
			tasks = append(tasks, task{region: r, timeout: t.regionTimeout})
		case cloud.PerRun:
			if perRunDone[r.Cloud] {
				continue
			}
			perRunDone[r.Cloud] = true
			tasks = append(tasks, task{region: r, timeout: t.runTimeout})
		}
	}

	var (
		mu     sync.Mutex
		report = Report{Calls: len(tasks)}
		g      errgroup.Group
	)
	for _, tk := range tasks {
		g.Go(func() error {
			taskCtx, cancel := context.WithTimeout(ctx, tk.timeout)
			defer cancel()
			t.logger.Printf("deleting vms of run %s in %s", runID, tk.region)
			if err := t.deleter.DeleteRegion(taskCtx, runID, tk.region); err != nil {
				t.failed(runID, tk.region, err)
				mu.Lock()
				report.Failed = append(report.Failed, tk.region.Key())
				mu.Unlock()
				return nil
			}
			t.logger.Printf("deletion in %s done", tk.region)
			return nil
		})
	}
	_ = g.Wait()
	return report
}

func (t *Teardown) failed(runID string, region types.Region, err error) {
	t.logger.Printf("failed to delete vms of run %s in %s: %v", runID, region, err)
	t.metrics.IncDeleteFailures()
	t.events.Record(types.Event{
		Type:      types.EventDeleteFailed,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		Subject:   region.String(),
		Labels:    map[string]string{"error": err.Error()},
	})
}
