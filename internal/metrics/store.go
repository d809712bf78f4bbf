package metrics

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
)

// Store maintains in-memory gauges and counters for a performance-test run.
type Store struct {
	inFlight       atomic.Int64
	maxInFlight    atomic.Int64
	queueWaits     atomic.Uint64
	vmsCreated     atomic.Uint64
	vmFailures     atomic.Uint64
	testsCompleted atomic.Uint64
	testsFailed    atomic.Uint64
	deleteFailures atomic.Uint64
	batches        atomic.Uint64
}

// NewStore constructs a Store with zeroed metrics.
func NewStore() *Store {
	return &Store{}
}

// Snapshot captures the current metric values in a plain struct.
type Snapshot struct {
	InFlight       int64
	MaxInFlight    int64
	QueueWaits     uint64
	VMsCreated     uint64
	VMFailures     uint64
	TestsCompleted uint64
	TestsFailed    uint64
	DeleteFailures uint64
	Batches        uint64
}

// Snapshot returns a point-in-time copy of the metrics.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		InFlight:       s.inFlight.Load(),
		MaxInFlight:    s.maxInFlight.Load(),
		QueueWaits:     s.queueWaits.Load(),
		VMsCreated:     s.vmsCreated.Load(),
		VMFailures:     s.vmFailures.Load(),
		TestsCompleted: s.testsCompleted.Load(),
		TestsFailed:    s.testsFailed.Load(),
		DeleteFailures: s.deleteFailures.Load(),
		Batches:        s.batches.Load(),
	}
}

// QueueRecorder returns an implementation of QueueRecorder backed by the store.
func (s *Store) QueueRecorder() QueueRecorder {
	return queueRecorder{store: s}
}

// RunRecorder returns an implementation of RunRecorder backed by the store.
func (s *Store) RunRecorder() RunRecorder {
	return runRecorder{store: s}
}

type queueRecorder struct {
	store *Store
}

func (r queueRecorder) ObserveInFlight(n int) {
	r.store.inFlight.Store(int64(n))
	for {
		cur := r.store.maxInFlight.Load()
		if int64(n) <= cur || r.store.maxInFlight.CompareAndSwap(cur, int64(n)) {
			return
		}
	}
}

func (r queueRecorder) IncQueueWaits() {
	r.store.queueWaits.Add(1)
}

type runRecorder struct {
	store *Store
}

func (r runRecorder) IncVMsCreated()     { r.store.vmsCreated.Add(1) }
func (r runRecorder) IncVMFailures()     { r.store.vmFailures.Add(1) }
func (r runRecorder) IncTestsCompleted() { r.store.testsCompleted.Add(1) }
func (r runRecorder) IncTestsFailed()    { r.store.testsFailed.Add(1) }
func (r runRecorder) IncDeleteFailures() { r.store.deleteFailures.Add(1) }
func (r runRecorder) IncBatches()        { r.store.batches.Add(1) }

// WritePrometheus renders the current metrics using the Prometheus text format.
func (s *Store) WritePrometheus(w io.Writer) error {
	snap := s.Snapshot()
	lines := []string{
		"# HELP perftest_queue_in_flight_number Tests currently running.",
		"# TYPE perftest_queue_in_flight_number gauge",
		fmt.Sprintf("perftest_queue_in_flight_number %d", snap.InFlight),
		"# HELP perftest_queue_in_flight_max_number Highest number of tests running at once.",
		"# TYPE perftest_queue_in_flight_max_number gauge",
		fmt.Sprintf("perftest_queue_in_flight_max_number %d", snap.MaxInFlight),
		"# HELP perftest_queue_waits_total Times a worker found no pair free of in-flight regions.",
		"# TYPE perftest_queue_waits_total counter",
		fmt.Sprintf("perftest_queue_waits_total %d", snap.QueueWaits),
		"# HELP perftest_vms_total VM creation outcomes.",
		"# TYPE perftest_vms_total counter",
		fmt.Sprintf("perftest_vms_total{outcome=%q} %d", "created", snap.VMsCreated),
		fmt.Sprintf("perftest_vms_total{outcome=%q} %d", "failed", snap.VMFailures),
		"# HELP perftest_tests_total Test outcomes.",
		"# TYPE perftest_tests_total counter",
		fmt.Sprintf("perftest_tests_total{outcome=%q} %d", "completed", snap.TestsCompleted),
		fmt.Sprintf("perftest_tests_total{outcome=%q} %d", "failed", snap.TestsFailed),
		"# HELP perftest_delete_failures_total VM deletions that failed or timed out.",
		"# TYPE perftest_delete_failures_total counter",
		fmt.Sprintf("perftest_delete_failures_total %d", snap.DeleteFailures),
		"# HELP perftest_batches_total Batches executed.",
		"# TYPE perftest_batches_total counter",
		fmt.Sprintf("perftest_batches_total %d", snap.Batches),
		"",
	}
	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile writes the Prometheus text rendering to path, replacing it atomically.
func (s *Store) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure metrics dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create metrics file: %w", err)
	}
	if err := s.WritePrometheus(f); err != nil {
		f.Close()
		return fmt.Errorf("write metrics: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close metrics file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit metrics file: %w", err)
	}
	return nil
}
