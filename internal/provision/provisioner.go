// Package provision creates one VM per region for a batch of test pairs.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/doitintl/intercloud-throughput/internal/events"
	"github.com/doitintl/intercloud-throughput/internal/logging"
	"github.com/doitintl/intercloud-throughput/internal/metrics"
	"github.com/doitintl/intercloud-throughput/pkg/types"
)

type Launcher interface {
	ProvisionRegion(ctx context.Context, runID string, region types.Region, machineType string) (types.VMHandle, error)
}

// FailureRecorder stores regions that got no VM and the tests that
// therefore cannot run.
type FailureRecorder interface {
	RecordVMFailure(ctx context.Context, runID string, region types.Region, machineType string) error
	RecordFailure(ctx context.Context, runID string, pair types.RegionPair) error
}

type Provisioner struct {
	launcher    Launcher
	recorder    FailureRecorder
	limiter     *rate.Limiter
	taskTimeout time.Duration
	joinTimeout time.Duration
	logger      *log.Logger
	events      events.Recorder
	metrics     metrics.RunRecorder
}

type Option func(*Provisioner)

// WithLaunchRate paces launch script starts to stay under cloud API limits.
func WithLaunchRate(perSecond float64, burst int) Option {
	return func(p *Provisioner) {
		if perSecond <= 0 {
			p.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithTaskTimeout bounds a single region's launch.
func WithTaskTimeout(d time.Duration) Option {
	return func(p *Provisioner) {
		if d > 0 {
			p.taskTimeout = d
		}
	}
}

// WithJoinTimeout bounds the wait for all launches together.
func WithJoinTimeout(d time.Duration) Option {
	return func(p *Provisioner) {
		if d > 0 {
			p.joinTimeout = d
		}
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(p *Provisioner) {
		p.logger = logging.OrDiscard(logger)
	}
}

func WithEventRecorder(rec events.Recorder) Option {
	return func(p *Provisioner) {
		if rec != nil {
			p.events = rec
		}
	}
}

func WithMetricsRecorder(rec metrics.RunRecorder) Option {
	return func(p *Provisioner) {
		if rec != nil {
			p.metrics = rec
		}
	}
}

func New(launcher Launcher, recorder FailureRecorder, opts ...Option) *Provisioner {
	p := &Provisioner{
		launcher:    launcher,
		recorder:    recorder,
		limiter:     rate.NewLimiter(rate.Limit(5), 10),
		taskTimeout: 5 * time.Minute,
		joinTimeout: 5 * time.Minute,
		logger:      logging.OrDiscard(nil),
		events:      events.NoopRecorder{},
		metrics:     metrics.NoopRunRecorder{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CreateVMs launches one VM per distinct region referenced by pairs and
// returns every pair with whatever VMs exist for its endpoints. Regions
// without a VM are recorded as VM failures and the pairs needing them as
// failed tests; neither is an error for the batch.
func (p *Provisioner) CreateVMs(ctx context.Context, pairs []types.RegionPair, runID string, machineTypes map[types.Cloud]string) []types.PairVMs {
	defer logging.Timed(p.logger, "create vms")()

	regions := types.UniqueRegions(pairs)
	var (
		mu     sync.Mutex
		vms    = make(map[types.RegionKey]*types.VMHandle, len(regions))
		causes = make(map[types.RegionKey]error, len(regions))
	)

	// Launches still running at the join timeout are abandoned, not
	// killed; teardown by run id removes any VM they create later.
	var g errgroup.Group
	for _, r := range regions {
		g.Go(func() error {
			vm, err := p.launch(ctx, runID, r, machineTypes[r.Cloud])
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				causes[r.Key()] = err
				return nil
			}
			vms[r.Key()] = &vm
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.joinTimeout):
		p.logger.Printf("vm creation for run %s timed out after %s", runID, p.joinTimeout)
		p.events.Record(types.Event{
			Type:      types.EventJoinTimeout,
			Timestamp: time.Now().UTC(),
			RunID:     runID,
			Subject:   "create-vms",
		})
	}

	mu.Lock()
	got := make(map[types.RegionKey]*types.VMHandle, len(vms))
	for k, v := range vms {
		got[k] = v
	}
	reasons := make(map[types.RegionKey]error, len(causes))
	for k, v := range causes {
		reasons[k] = v
	}
	mu.Unlock()

	recordCtx := context.WithoutCancel(ctx)
	for _, r := range regions {
		if _, ok := got[r.Key()]; ok {
			p.metrics.IncVMsCreated()
			continue
		}
		cause := reasons[r.Key()]
		if cause == nil {
			cause = errors.New("no vm before join timeout")
		}
		p.recordVMFailure(recordCtx, runID, r, machineTypes[r.Cloud], cause)
	}

	out := make([]types.PairVMs, 0, len(pairs))
	for _, pair := range pairs {
		pv := types.PairVMs{Pair: pair, Src: got[pair.Src.Key()], Dst: got[pair.Dst.Key()]}
		if !pv.Runnable() {
			p.recordUnrunnable(recordCtx, runID, pv)
		}
		out = append(out, pv)
	}
	p.logger.Printf("created %d of %d vms for run %s", len(got), len(regions), runID)
	return out
}

func (p *Provisioner) launch(ctx context.Context, runID string, region types.Region, machineType string) (types.VMHandle, error) {
	if machineType == "" {
		return types.VMHandle{}, fmt.Errorf("no machine type for %s", region.Cloud)
	}
	taskCtx, cancel := context.WithTimeout(ctx, p.taskTimeout)
	defer cancel()
	if err := p.limiter.Wait(taskCtx); err != nil {
		return types.VMHandle{}, fmt.Errorf("wait for launch slot: %w", err)
	}
	p.logger.Printf("creating %s vm in %s for run %s", machineType, region, runID)
	vm, err := p.launcher.ProvisionRegion(taskCtx, runID, region, machineType)
	if err != nil {
		return types.VMHandle{}, err
	}
	p.logger.Printf("created vm in %s at %s", region, vm.Address)
	return vm, nil
}

func (p *Provisioner) recordVMFailure(ctx context.Context, runID string, region types.Region, machineType string, cause error) {
	p.logger.Printf("failed to create vm in %s: %v", region, cause)
	p.metrics.IncVMFailures()
	p.events.Record(types.Event{
		Type:      types.EventVMCreateFailed,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		Subject:   region.String(),
		Labels:    map[string]string{"machine_type": machineType, "error": cause.Error()},
	})
	if err := p.recorder.RecordVMFailure(ctx, runID, region, machineType); err != nil {
		p.logger.Printf("record vm failure for %s: %v", region, err)
	}
}

func (p *Provisioner) recordUnrunnable(ctx context.Context, runID string, pv types.PairVMs) {
	var missing []string
	if pv.Src == nil {
		missing = append(missing, pv.Pair.Src.String())
	}
	if pv.Dst == nil && !pv.Pair.Dst.Equal(pv.Pair.Src) {
		missing = append(missing, pv.Pair.Dst.String())
	}
	p.metrics.IncTestsFailed()
	p.events.Record(types.Event{
		Type:      types.EventTestSkipped,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		Subject:   pv.Pair.String(),
		Labels:    map[string]string{"missing_vm": fmt.Sprint(missing)},
	})
	if err := p.recorder.RecordFailure(ctx, runID, pv.Pair); err != nil {
		p.logger.Printf("record failed test %s: %v", pv.Pair, err)
	}
}
