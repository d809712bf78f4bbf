package history

import (
	"context"
	"sync"
	"time"

	"github.com/doitintl/intercloud-throughput/pkg/types"
)

// MemoryStore keeps history in memory. It backs dry runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	history History
	pending map[string][]Result
	results []Result
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, pending: make(map[string][]Result)}
}

// MarkSucceeded seeds a stored success for pair.
func (m *MemoryStore) MarkSucceeded(pair types.PairKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history.addSuccess(Entry{Time: m.now(), Pair: pair})
}

func (m *MemoryStore) LoadHistory(context.Context) (*History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := &History{
		Attempts:   append([]Entry(nil), m.history.Attempts...),
		Failures:   append([]Entry(nil), m.history.Failures...),
		VMFailures: append([]VMFailure(nil), m.history.VMFailures...),
	}
	for _, s := range m.history.Successes {
		h.addSuccess(s)
	}
	return h, nil
}

func (m *MemoryStore) RecordAttempts(_ context.Context, runID string, pairs []types.RegionPair, _ map[types.Cloud]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range pairs {
		m.history.Attempts = append(m.history.Attempts, Entry{Time: m.now(), RunID: runID, Pair: p.Key()})
	}
	return nil
}

func (m *MemoryStore) RecordFailure(_ context.Context, runID string, pair types.RegionPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history.Failures = append(m.history.Failures, Entry{Time: m.now(), RunID: runID, Pair: pair.Key()})
	return nil
}

func (m *MemoryStore) RecordVMFailure(_ context.Context, runID string, region types.Region, machineType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history.VMFailures = append(m.history.VMFailures, VMFailure{
		Time: m.now(), RunID: runID, Region: region.Key(), MachineType: machineType,
	})
	return nil
}

func (m *MemoryStore) RecordSuccess(_ context.Context, runID string, pair types.RegionPair, result Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[runID] = append(m.pending[runID], withPairFields(result, runID, pair, m.now()))
	return nil
}

func (m *MemoryStore) CombineRun(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.pending[runID] {
		key, err := pairKey(str(r[FieldFromCloud]), str(r[FieldFromRegion]), str(r[FieldToCloud]), str(r[FieldToRegion]))
		if err != nil {
			return err
		}
		m.history.addSuccess(Entry{Time: m.now(), RunID: runID, Pair: key})
		m.results = append(m.results, r)
	}
	delete(m.pending, runID)
	return nil
}

// Results returns combined results in the order they were merged.
func (m *MemoryStore) Results() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Result(nil), m.results...)
}

// Pending returns results recorded for runID but not yet combined.
func (m *MemoryStore) Pending(runID string) []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Result(nil), m.pending[runID]...)
}

func (m *MemoryStore) Close() error {
	return nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
