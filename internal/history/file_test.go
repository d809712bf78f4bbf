package history

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doitintl/intercloud-throughput/pkg/types"
)

var (
	awsEast = types.Region{Cloud: types.AWS, ID: "us-east-1"}
	awsWest = types.Region{Cloud: types.AWS, ID: "us-west-1"}
	gcpWest = types.Region{Cloud: types.GCP, ID: "us-west3"}
)

func fixedClock() time.Time {
	return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestFileStoreRecordsAndLoads(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir, WithClock(fixedClock))
	require.NoError(t, err)

	pairs := []types.RegionPair{{Src: awsEast, Dst: gcpWest}, {Src: gcpWest, Dst: awsWest}}
	machineTypes := map[types.Cloud]string{types.AWS: "t3.nano", types.GCP: "e2-small"}
	require.NoError(t, store.RecordAttempts(ctx, "bacedi", pairs, machineTypes))
	require.NoError(t, store.RecordAttempts(ctx, "fogahu", pairs[:1], machineTypes))
	require.NoError(t, store.RecordFailure(ctx, "bacedi", pairs[1]))
	require.NoError(t, store.RecordVMFailure(ctx, "bacedi", gcpWest, "e2-small"))

	b, err := os.ReadFile(filepath.Join(dir, AttemptsFile))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 4, "one header and three rows")
	assert.Equal(t, "timestamp,run_id,from_cloud,from_region,to_cloud,to_region,aws_vm,gcp_vm", lines[0])
	assert.Equal(t, "2024-03-01T12:00:00Z,bacedi,AWS,us-east-1,GCP,us-west3,t3.nano,e2-small", lines[1])

	h, err := store.LoadHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, h.Attempts, 3)
	require.Len(t, h.Failures, 1)
	assert.Equal(t, pairs[1].Key(), h.Failures[0].Pair)
	require.Len(t, h.VMFailures, 1)
	assert.Equal(t, "e2-small", h.VMFailures[0].MachineType)
	assert.True(t, fixedClock().Equal(h.VMFailures[0].Time))
	assert.Empty(t, h.Successes)
}

func TestFileStoreSuccessVisibleAfterCombine(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir, WithClock(fixedClock))
	require.NoError(t, err)

	pair := types.RegionPair{Src: awsEast, Dst: gcpWest}
	result := Result{
		"bitrate_Bps": 1.25e9,
		"avgrtt":      61.5,
		"distance":    2900.1,
		"aws_vm":      "t3.nano",
		"tcp":         map[string]any{"retransmits": 3, "cwnd": "64k"},
	}
	require.NoError(t, store.RecordSuccess(ctx, "bacedi", pair, result))

	h, err := store.LoadHistory(ctx)
	require.NoError(t, err)
	assert.False(t, h.Succeeded(pair.Key()), "spooled results are not history until combined")

	require.NoError(t, store.CombineRun(ctx, "bacedi"))
	h, err = store.LoadHistory(ctx)
	require.NoError(t, err)
	assert.True(t, h.Succeeded(pair.Key()))
	assert.False(t, h.Succeeded(types.RegionPair{Src: gcpWest, Dst: awsEast}.Key()))

	header, rows, err := readCSV(filepath.Join(dir, ResultsFile))
	require.NoError(t, err)
	assert.Equal(t, []string{"timestamp", "run_id", "from_cloud", "from_region", "to_cloud", "to_region", "distance"}, header[:7])
	require.Len(t, rows, 1)
	assert.Equal(t, "1250000000", rows[0]["bitrate_Bps"])
	assert.Equal(t, "3", rows[0]["tcp_retransmits"])
	assert.Equal(t, "64k", rows[0]["tcp_cwnd"])
	assert.Equal(t, "2900.1", rows[0]["distance"])

	// Merged files are not merged again.
	require.NoError(t, store.CombineRun(ctx, "bacedi"))
	_, rows, err = readCSV(filepath.Join(dir, ResultsFile))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestFileStoreCombineAddsNewColumns(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.RecordSuccess(ctx, "r1", types.RegionPair{Src: awsEast, Dst: awsWest}, Result{"avgrtt": 60}))
	require.NoError(t, store.CombineRun(ctx, "r1"))
	require.NoError(t, store.RecordSuccess(ctx, "r2", types.RegionPair{Src: awsWest, Dst: awsEast}, Result{"avgrtt": 61, "gcp_vm": nil}))
	require.NoError(t, store.CombineRun(ctx, "r2"))

	header, rows, err := readCSV(filepath.Join(dir, ResultsFile))
	require.NoError(t, err)
	assert.Contains(t, header, "gcp_vm")
	require.Len(t, rows, 2)
	assert.Equal(t, "r1", rows[0][FieldRunID])
	assert.Equal(t, "", rows[0]["gcp_vm"])
	assert.Equal(t, "61", rows[1]["avgrtt"])

	h, err := store.LoadHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, h.Successes, 2)
}

func TestFileStoreCombineSetsAsideBadResult(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.RecordSuccess(ctx, "bacedi", types.RegionPair{Src: awsEast, Dst: awsWest}, Result{"avgrtt": 60}))
	runDir := filepath.Join(dir, RunResultsDir, "bacedi")
	bad := filepath.Join(runDir, "0-truncated.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"avgrtt": `), 0o644))

	require.NoError(t, store.CombineRun(ctx, "bacedi"))
	_, rows, err := readCSV(filepath.Join(dir, ResultsFile))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "60", rows[0]["avgrtt"])
	assert.FileExists(t, bad+".bad")
	assert.NoFileExists(t, bad)

	// Nothing left to merge; the set-aside file does not block later runs.
	require.NoError(t, store.CombineRun(ctx, "bacedi"))
	_, rows, err = readCSV(filepath.Join(dir, ResultsFile))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestFileStoreCombineOnlyBadResults(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	runDir := filepath.Join(dir, RunResultsDir, "bacedi")
	require.NoError(t, os.MkdirAll(runDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "a.json"), []byte(`[1,2]`), 0o644))

	require.NoError(t, store.CombineRun(ctx, "bacedi"))
	assert.NoFileExists(t, filepath.Join(dir, ResultsFile), "results untouched without good rows")
	assert.FileExists(t, filepath.Join(runDir, "a.json.bad"))
}

func TestFileStoreConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pair := types.RegionPair{Src: awsEast, Dst: gcpWest}
			if i%2 == 0 {
				assert.NoError(t, store.RecordFailure(ctx, "run", pair))
			} else {
				assert.NoError(t, store.RecordSuccess(ctx, "run", pair, Result{"avgrtt": i}))
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, store.CombineRun(ctx, "run"))

	h, err := store.LoadHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, h.Failures, 10)
	assert.Len(t, h.Successes, 10)
}

func TestFlattenJSON(t *testing.T) {
	flat, err := FlattenJSON([]byte(`{"a":{"b":1,"c":{"d":true}},"e":"x","f":null,"g":[1,2]}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"a_b": "1",
		"a_c": `{"d":true}`,
		"e":   "x",
		"f":   "",
		"g":   "[1,2]",
	}, flat)

	_, err = FlattenJSON([]byte(`[1,2]`))
	assert.Error(t, err)
}
