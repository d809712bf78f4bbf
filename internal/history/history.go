// Package history persists test attempts, failures and results across runs.
package history

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/doitintl/intercloud-throughput/pkg/types"
)

// Result is one benchmark result as decoded from the benchmark script's JSON.
type Result map[string]any

// Key columns added to every stored result.
const (
	FieldTimestamp  = "timestamp"
	FieldRunID      = "run_id"
	FieldFromCloud  = "from_cloud"
	FieldFromRegion = "from_region"
	FieldToCloud    = "to_cloud"
	FieldToRegion   = "to_region"
	FieldDistance   = "distance"
)

// Store is the persistence boundary for run history. Implementations must
// be safe for concurrent RecordFailure and RecordSuccess calls.
type Store interface {
	LoadHistory(ctx context.Context) (*History, error)
	RecordAttempts(ctx context.Context, runID string, pairs []types.RegionPair, machineTypes map[types.Cloud]string) error
	RecordFailure(ctx context.Context, runID string, pair types.RegionPair) error
	RecordVMFailure(ctx context.Context, runID string, region types.Region, machineType string) error
	RecordSuccess(ctx context.Context, runID string, pair types.RegionPair, result Result) error
	// CombineRun makes the successes recorded for runID visible to LoadHistory.
	CombineRun(ctx context.Context, runID string) error
	Close() error
}

// Entry is a timestamped record about one directed pair.
type Entry struct {
	Time  time.Time
	RunID string
	Pair  types.PairKey
}

type VMFailure struct {
	Time        time.Time
	RunID       string
	Region      types.RegionKey
	MachineType string
}

// History is a read-only snapshot of everything recorded so far.
type History struct {
	Attempts   []Entry
	Failures   []Entry
	VMFailures []VMFailure
	Successes  []Entry

	succeeded map[types.PairKey]int
}

func (h *History) addSuccess(e Entry) {
	if h.succeeded == nil {
		h.succeeded = make(map[types.PairKey]int)
	}
	h.Successes = append(h.Successes, e)
	h.succeeded[e.Pair]++
}

// Succeeded reports whether the pair has at least one stored result.
func (h *History) Succeeded(pair types.PairKey) bool {
	if h == nil {
		return false
	}
	return h.succeeded[pair] > 0
}

// RegionFrequency counts successful tests each region took part in, as
// either source or destination.
func (h *History) RegionFrequency() map[types.RegionKey]int {
	counts := make(map[types.RegionKey]int)
	if h == nil {
		return counts
	}
	for _, s := range h.Successes {
		counts[s.Pair.Src]++
		counts[s.Pair.Dst]++
	}
	return counts
}

// PairCount is a pair with the number of times it succeeded.
type PairCount struct {
	Pair  types.PairKey
	Count int
}

// Summary describes test coverage across all runs.
type Summary struct {
	Attempts          int
	Failures          int
	VMFailures        int
	Successes         int
	DistinctSucceeded int
	MinPerPair        int
	MaxPerPair        int
	MeanPerPair       float64
	// LeastTested lists attempted pairs in ascending success count.
	LeastTested []PairCount
	// Repeated lists pairs that succeeded more than once, most often first.
	Repeated []PairCount
}

// Summarize computes coverage statistics, keeping at most limit entries in
// LeastTested and Repeated.
func (h *History) Summarize(limit int) Summary {
	s := Summary{
		Attempts:   len(h.Attempts),
		Failures:   len(h.Failures),
		VMFailures: len(h.VMFailures),
		Successes:  len(h.Successes),
	}

	counts := make(map[types.PairKey]int, len(h.succeeded))
	for k, n := range h.succeeded {
		counts[k] = n
	}
	for _, a := range h.Attempts {
		if _, ok := counts[a.Pair]; !ok {
			counts[a.Pair] = 0
		}
	}

	all := make([]PairCount, 0, len(counts))
	for k, n := range counts {
		all = append(all, PairCount{Pair: k, Count: n})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count < all[j].Count
		}
		return all[i].Pair.String() < all[j].Pair.String()
	})

	s.DistinctSucceeded = len(h.succeeded)
	if len(all) > 0 {
		s.MinPerPair = all[0].Count
		s.MaxPerPair = all[len(all)-1].Count
		s.MeanPerPair = float64(len(h.Successes)) / float64(len(all))
	}

	s.LeastTested = truncate(all, limit)
	for i := len(all) - 1; i >= 0 && all[i].Count > 1; i-- {
		s.Repeated = append(s.Repeated, all[i])
	}
	s.Repeated = truncate(s.Repeated, limit)
	return s
}

func truncate(pcs []PairCount, limit int) []PairCount {
	if limit >= 0 && len(pcs) > limit {
		return pcs[:limit]
	}
	return pcs
}

// Log writes the summary in a human-readable form.
func (s Summary) Log(logger *log.Logger) {
	logger.Printf("history: %d attempts, %d successes over %d distinct pairs, %d failed tests, %d failed VM creations",
		s.Attempts, s.Successes, s.DistinctSucceeded, s.Failures, s.VMFailures)
	logger.Printf("history: successes per pair min=%d max=%d mean=%.2f", s.MinPerPair, s.MaxPerPair, s.MeanPerPair)
	for _, pc := range s.LeastTested {
		logger.Printf("least tested: %d: %s", pc.Count, pc.Pair)
	}
	for _, pc := range s.Repeated {
		logger.Printf("tested more than once: %d: %s", pc.Count, pc.Pair)
	}
}

func pairKey(fromCloud, fromRegion, toCloud, toRegion string) (types.PairKey, error) {
	src, err := regionKey(fromCloud, fromRegion)
	if err != nil {
		return types.PairKey{}, err
	}
	dst, err := regionKey(toCloud, toRegion)
	if err != nil {
		return types.PairKey{}, err
	}
	return types.PairKey{Src: src, Dst: dst}, nil
}

func regionKey(cloud, region string) (types.RegionKey, error) {
	c, err := types.ParseCloud(cloud)
	if err != nil {
		return types.RegionKey{}, err
	}
	if region == "" {
		return types.RegionKey{}, fmt.Errorf("empty region for %s", c)
	}
	return types.RegionKey{Cloud: c, ID: region}, nil
}

// withPairFields returns a copy of result tagged with the run and pair.
func withPairFields(result Result, runID string, pair types.RegionPair, now time.Time) Result {
	out := make(Result, len(result)+6)
	for k, v := range result {
		out[k] = v
	}
	out[FieldTimestamp] = now.UTC().Format(time.RFC3339)
	out[FieldRunID] = runID
	out[FieldFromCloud] = string(pair.Src.Cloud)
	out[FieldFromRegion] = pair.Src.ID
	out[FieldToCloud] = string(pair.Dst.Cloud)
	out[FieldToRegion] = pair.Dst.ID
	return out
}
