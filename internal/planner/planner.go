// Package planner groups catalog regions into batches of test pairs.
package planner

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/doitintl/intercloud-throughput/internal/history"
	"github.com/doitintl/intercloud-throughput/internal/logging"
	"github.com/doitintl/intercloud-throughput/internal/regions"
	"github.com/doitintl/intercloud-throughput/pkg/types"
)

type RegionSource interface {
	Regions() []types.Region
}

type HistoryLoader interface {
	LoadHistory(ctx context.Context) (*history.History, error)
}

// Enabler reports whether a region can be used with the current credentials.
type Enabler interface {
	Enabled(ctx context.Context, region types.Region) (bool, error)
}

type Planner struct {
	regions RegionSource
	history HistoryLoader
	enabler Enabler
	logger  *log.Logger
}

type Option func(*Planner)

func WithEnabler(e Enabler) Option {
	return func(p *Planner) {
		p.enabler = e
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(p *Planner) {
		p.logger = logging.OrDiscard(logger)
	}
}

func New(catalog RegionSource, store HistoryLoader, opts ...Option) *Planner {
	p := &Planner{
		regions: catalog,
		history: store,
		logger:  logging.OrDiscard(nil),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan returns the batches to run. With explicit pairs it returns them as
// one batch. Otherwise it groups enabled regions, builds each group's
// directed cross product and drops pairs that already succeeded, fall
// outside the cloud-pair filter or lie outside the distance window. When
// that leaves nothing it widens MaxBatches one group at a time. An empty
// plan means nothing is left to test.
func (p *Planner) Plan(ctx context.Context, o Options) ([]types.Batch, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if len(o.Pairs) > 0 {
		return []types.Batch{append(types.Batch(nil), o.Pairs...)}, nil
	}

	hist, err := p.history.LoadHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	all, err := p.enabledRegions(ctx)
	if err != nil {
		return nil, err
	}
	sorted := SortRegions(all, len(o.CloudPairs) > 0, hist.RegionFrequency())

	if allDone(sorted, o.CloudPairs, hist) {
		p.logger.Printf("did all possible tests")
		return nil, nil
	}

	groups := chunk(sorted, o.RegionsPerBatch)
	maxBatches := o.MaxBatches
	var batches []types.Batch
	for {
		batches = p.makeBatches(groups[:min(maxBatches, len(groups))], o, hist)
		if len(batches) > 0 {
			break
		}
		if maxBatches >= len(groups) {
			p.logger.Printf("could not find tests that have not yet been run")
			break
		}
		p.logger.Printf("made no batches with max batches %d; retrying with %d", maxBatches, maxBatches+1)
		maxBatches++
	}

	p.logPlan(batches)
	return batches, nil
}

func (p *Planner) enabledRegions(ctx context.Context) ([]types.Region, error) {
	all := p.regions.Regions()
	if p.enabler == nil {
		return all, nil
	}
	out := make([]types.Region, 0, len(all))
	for _, r := range all {
		ok, err := p.enabler.Enabled(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("check %s enabled: %w", r, err)
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (p *Planner) makeBatches(groups [][]types.Region, o Options, hist *history.History) []types.Batch {
	var batches []types.Batch
	for _, group := range groups {
		pairs := crossProduct(group, o.CloudPairs)

		before := len(pairs)
		pairs = filterPairs(pairs, func(rp types.RegionPair) bool { return !hist.Succeeded(rp.Key()) })
		if len(pairs) != before {
			p.logger.Printf("dropping %d region pairs that already succeeded, leaving %d", before-len(pairs), len(pairs))
		}

		if o.distanceFiltered() {
			before = len(pairs)
			pairs = filterPairs(pairs, func(rp types.RegionPair) bool {
				km, err := regions.Distance(rp.Src, rp.Dst)
				if err != nil {
					p.logger.Printf("dropping %s: %v", rp, err)
					return false
				}
				return o.MinDistanceKm <= km && km <= o.MaxDistanceKm
			})
			if len(pairs) != before {
				p.logger.Printf("dropping %d region pairs outside the distance limits [%v,%v], leaving %d",
					before-len(pairs), o.MinDistanceKm, o.MaxDistanceKm, len(pairs))
			}
		}

		if len(pairs) > 0 {
			batches = append(batches, types.Batch(pairs))
		}
	}
	return batches
}

func (p *Planner) logPlan(batches []types.Batch) {
	total := 0
	sizes := make([]string, len(batches))
	for i, b := range batches {
		total += len(b)
		sizes[i] = fmt.Sprint(len(b))
	}
	if len(batches) < 2 {
		p.logger.Printf("%d tests in %d batches", total, len(batches))
		return
	}
	p.logger.Printf("%d tests in %d batches of sizes %s", total, len(batches), strings.Join(sizes, ", "))
}

// SortRegions orders regions by cloud then region id, descending, as a rough
// proxy for popularity. Without a cloud-pair filter the clouds are then
// interleaved so batches mix clouds. With one, regions are instead ordered
// by ascending past-test frequency, keeping the id order among ties.
func SortRegions(rs []types.Region, cloudFiltered bool, freq map[types.RegionKey]int) []types.Region {
	sorted := append([]types.Region(nil), rs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].String() > sorted[j].String()
	})

	if cloudFiltered {
		sort.SliceStable(sorted, func(i, j int) bool {
			return freq[sorted[i].Key()] < freq[sorted[j].Key()]
		})
		return sorted
	}

	byCloud := make([][]types.Region, len(types.Clouds))
	for _, r := range sorted {
		for i, c := range types.Clouds {
			if r.Cloud == c {
				byCloud[i] = append(byCloud[i], r)
			}
		}
	}
	longest := 0
	for _, rs := range byCloud {
		longest = max(longest, len(rs))
	}
	out := make([]types.Region, 0, len(sorted))
	for i := 0; i < longest; i++ {
		for _, rs := range byCloud {
			if i < len(rs) {
				out = append(out, rs[i])
			}
		}
	}
	return out
}

// crossProduct returns every directed pair of distinct regions, restricted
// to cloudPairs when any are given.
func crossProduct(rs []types.Region, cloudPairs []types.CloudPair) []types.RegionPair {
	allowed := make(map[types.CloudPair]bool, len(cloudPairs))
	for _, cp := range cloudPairs {
		allowed[cp] = true
	}
	var pairs []types.RegionPair
	for _, src := range rs {
		for _, dst := range rs {
			if src.Equal(dst) {
				continue
			}
			rp := types.RegionPair{Src: src, Dst: dst}
			if len(allowed) > 0 && !allowed[rp.CloudPair()] {
				continue
			}
			pairs = append(pairs, rp)
		}
	}
	return pairs
}

func filterPairs(pairs []types.RegionPair, keep func(types.RegionPair) bool) []types.RegionPair {
	out := pairs[:0:0]
	for _, p := range pairs {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

func allDone(rs []types.Region, cloudPairs []types.CloudPair, hist *history.History) bool {
	for _, p := range crossProduct(rs, cloudPairs) {
		if !hist.Succeeded(p.Key()) {
			return false
		}
	}
	return true
}

func chunk(rs []types.Region, size int) [][]types.Region {
	var groups [][]types.Region
	for len(rs) > 0 {
		n := min(size, len(rs))
		groups = append(groups, rs[:n])
		rs = rs[n:]
	}
	return groups
}
