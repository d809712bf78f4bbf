package metrics

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRecordersUpdateSnapshot(t *testing.T) {
	store := NewStore()
	q := store.QueueRecorder()
	r := store.RunRecorder()

	q.ObserveInFlight(3)
	q.ObserveInFlight(5)
	q.ObserveInFlight(1)
	q.IncQueueWaits()
	r.IncVMsCreated()
	r.IncVMsCreated()
	r.IncVMFailures()
	r.IncTestsCompleted()
	r.IncTestsFailed()
	r.IncDeleteFailures()
	r.IncBatches()

	snap := store.Snapshot()
	assert.EqualValues(t, 1, snap.InFlight)
	assert.EqualValues(t, 5, snap.MaxInFlight)
	assert.EqualValues(t, 2, snap.VMsCreated)
	assert.EqualValues(t, 1, snap.VMFailures)
	assert.EqualValues(t, 1, snap.TestsCompleted)
	assert.EqualValues(t, 1, snap.TestsFailed)
	assert.EqualValues(t, 1, snap.DeleteFailures)
	assert.EqualValues(t, 1, snap.Batches)
	assert.EqualValues(t, 1, snap.QueueWaits)
}

func TestWritePrometheus(t *testing.T) {
	store := NewStore()
	store.RunRecorder().IncTestsCompleted()
	store.RunRecorder().IncVMFailures()

	var buf bytes.Buffer
	require.NoError(t, store.WritePrometheus(&buf))
	out := buf.String()
	assert.Contains(t, out, `perftest_tests_total{outcome="completed"} 1`)
	assert.Contains(t, out, `perftest_vms_total{outcome="failed"} 1`)
	assert.Contains(t, out, "# TYPE perftest_queue_waits_total counter")
}

func TestWriteFile(t *testing.T) {
	store := NewStore()
	path := filepath.Join(t.TempDir(), "out", "metrics.prom")
	require.NoError(t, store.WriteFile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "perftest_batches_total 0")
}
