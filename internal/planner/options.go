package planner

import (
	"errors"
	"fmt"
	"math"

	"github.com/doitintl/intercloud-throughput/internal/config"
	"github.com/doitintl/intercloud-throughput/pkg/types"
)

var (
	ErrBatchTooSmall      = errors.New("each batch must have 2 or more regions for a meaningful test")
	ErrConflictingOptions = errors.New("explicit region pairs cannot be combined with planning options")
)

// Options controls how regions are grouped into batches. Unlimited counts
// are config.Unbounded; an unlimited distance is +Inf.
type Options struct {
	RegionsPerBatch int
	MaxBatches      int
	// Pairs, when set, is run verbatim as a single batch.
	Pairs         []types.RegionPair
	CloudPairs    []types.CloudPair
	MinDistanceKm float64
	MaxDistanceKm float64
}

func DefaultOptions() Options {
	return Options{
		RegionsPerBatch: config.Unbounded,
		MaxBatches:      1,
		MinDistanceKm:   0,
		MaxDistanceKm:   math.Inf(1),
	}
}

func (o Options) hasPlanningParams() bool {
	d := DefaultOptions()
	return o.RegionsPerBatch != d.RegionsPerBatch ||
		o.MaxBatches != d.MaxBatches ||
		len(o.CloudPairs) > 0 ||
		o.MinDistanceKm != d.MinDistanceKm ||
		o.MaxDistanceKm != d.MaxDistanceKm
}

// distanceFiltered reports whether the distance window excludes anything.
func (o Options) distanceFiltered() bool {
	return o.MinDistanceKm > 0 || !math.IsInf(o.MaxDistanceKm, 1)
}

func (o Options) Validate() error {
	if len(o.Pairs) > 0 && o.hasPlanningParams() {
		return ErrConflictingOptions
	}
	if o.RegionsPerBatch < 2 {
		return fmt.Errorf("%w: got %d", ErrBatchTooSmall, o.RegionsPerBatch)
	}
	if o.MaxBatches < 1 {
		return fmt.Errorf("max batches must be positive, got %d", o.MaxBatches)
	}
	if o.MinDistanceKm < 0 || math.IsNaN(o.MinDistanceKm) || math.IsNaN(o.MaxDistanceKm) {
		return fmt.Errorf("invalid distance window [%v, %v]", o.MinDistanceKm, o.MaxDistanceKm)
	}
	if o.MaxDistanceKm < o.MinDistanceKm {
		return fmt.Errorf("max distance %v is below min distance %v", o.MaxDistanceKm, o.MinDistanceKm)
	}
	for _, p := range o.Pairs {
		if p.Src.Equal(p.Dst) {
			return fmt.Errorf("region pair %s tests a region against itself", p)
		}
	}
	return nil
}
