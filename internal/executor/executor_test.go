package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doitintl/intercloud-throughput/internal/history"
	"github.com/doitintl/intercloud-throughput/internal/metrics"
	"github.com/doitintl/intercloud-throughput/pkg/types"
)

type fakeBench struct {
	mu       sync.Mutex
	running  map[types.RegionKey]bool
	overlaps int
	calls    int
	hang     bool
	delay    time.Duration
}

func (f *fakeBench) RunBenchmark(ctx context.Context, _ string, pair types.TestPair) (string, error) {
	key := pair.Key()
	f.mu.Lock()
	f.calls++
	if f.running == nil {
		f.running = make(map[types.RegionKey]bool)
	}
	for _, r := range []types.RegionKey{key.Src, key.Dst} {
		if f.running[r] {
			f.overlaps++
		}
		f.running[r] = true
	}
	f.mu.Unlock()

	if f.hang {
		<-ctx.Done()
	} else {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	delete(f.running, key.Src)
	delete(f.running, key.Dst)
	f.mu.Unlock()
	if f.hang {
		return "", ctx.Err()
	}
	return `{"bitrate_Bps": 1000, "avgrtt": 12.5}`, nil
}

var (
	awsEast1 = types.Region{Cloud: types.AWS, ID: "us-east-1"}
	awsEast2 = types.Region{Cloud: types.AWS, ID: "us-east-2"}
	gcpWest3 = types.Region{Cloud: types.GCP, ID: "us-west3"}
)

func handle(r types.Region) *types.VMHandle {
	return &types.VMHandle{Region: r, Address: r.ID, Name: "vm-" + r.ID, Zone: r.ID + "-a"}
}

func TestExecuteSkipsPairsWithoutVMs(t *testing.T) {
	pairs := []types.PairVMs{
		{Pair: types.RegionPair{Src: awsEast1, Dst: awsEast2}, Src: handle(awsEast1), Dst: handle(awsEast2)},
		{Pair: types.RegionPair{Src: awsEast2, Dst: awsEast1}, Src: handle(awsEast2), Dst: handle(awsEast1)},
		{Pair: types.RegionPair{Src: awsEast1, Dst: gcpWest3}, Src: handle(awsEast1)},
		{Pair: types.RegionPair{Src: gcpWest3, Dst: awsEast1}, Dst: handle(awsEast1)},
		{Pair: types.RegionPair{Src: awsEast2, Dst: gcpWest3}, Src: handle(awsEast2)},
		{Pair: types.RegionPair{Src: gcpWest3, Dst: awsEast2}, Dst: handle(awsEast2)},
	}
	bench := &fakeBench{}
	store := history.NewMemoryStore()
	m := metrics.NewStore()
	e := New(bench, store, WithBackoff(time.Millisecond), WithMetricsStore(m))

	out := e.Execute(context.Background(), "bacedi", pairs)
	assert.Equal(t, 2, out.Runnable)
	assert.Equal(t, 4, out.Skipped)
	assert.Equal(t, 2, out.Workers, "three regions give 2*floor(sqrt(3)) workers")
	assert.False(t, out.TimedOut)
	assert.Equal(t, 2, out.Queue.Completed)
	assert.Equal(t, 2, bench.calls)
	assert.Zero(t, bench.overlaps)

	require.NoError(t, store.CombineRun(context.Background(), "bacedi"))
	h, _ := store.LoadHistory(context.Background())
	assert.Len(t, h.Successes, 2)
	assert.Empty(t, h.Failures, "skipped pairs are recorded by the provisioner, not here")
	assert.EqualValues(t, 1, m.Snapshot().MaxInFlight)
}

func TestExecuteManyRegionsNoOverlap(t *testing.T) {
	var regions []types.Region
	for i := 1; i <= 9; i++ {
		regions = append(regions, types.Region{Cloud: types.AWS, ID: fmt.Sprintf("region-%d", i)})
	}
	var pairs []types.PairVMs
	for _, a := range regions {
		for _, b := range regions {
			if !a.Equal(b) {
				pairs = append(pairs, types.PairVMs{Pair: types.RegionPair{Src: a, Dst: b}, Src: handle(a), Dst: handle(b)})
			}
		}
	}
	bench := &fakeBench{delay: time.Millisecond}
	store := history.NewMemoryStore()
	e := New(bench, store, WithBackoff(time.Millisecond))

	out := e.Execute(context.Background(), "bacedi", pairs)
	assert.Equal(t, 72, out.Runnable)
	assert.Equal(t, 6, out.Workers)
	assert.Equal(t, 72, out.Queue.Completed)
	assert.Zero(t, bench.overlaps)
}

func TestExecuteJoinTimeout(t *testing.T) {
	pairs := []types.PairVMs{
		{Pair: types.RegionPair{Src: awsEast1, Dst: awsEast2}, Src: handle(awsEast1), Dst: handle(awsEast2)},
	}
	bench := &fakeBench{hang: true}
	store := history.NewMemoryStore()
	e := New(bench, store, WithJoinTimeout(30*time.Millisecond), WithTestTimeout(200*time.Millisecond))

	start := time.Now()
	out := e.Execute(context.Background(), "bacedi", pairs)
	assert.True(t, out.TimedOut)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecuteJoinTimeoutLetsRunningTestsFinish(t *testing.T) {
	// Both pairs share us-east-1, so the second one waits behind the first.
	pairs := []types.PairVMs{
		{Pair: types.RegionPair{Src: awsEast1, Dst: awsEast2}, Src: handle(awsEast1), Dst: handle(awsEast2)},
		{Pair: types.RegionPair{Src: gcpWest3, Dst: awsEast1}, Src: handle(gcpWest3), Dst: handle(awsEast1)},
	}
	bench := &fakeBench{delay: 300 * time.Millisecond}
	store := history.NewMemoryStore()
	e := New(bench, store,
		WithBackoff(time.Millisecond),
		WithWorkerCount(2),
		WithJoinTimeout(30*time.Millisecond),
		WithTestTimeout(time.Minute))

	out := e.Execute(context.Background(), "bacedi", pairs)
	require.True(t, out.TimedOut)
	assert.Equal(t, 1, out.Queue.InFlight)
	assert.Equal(t, 1, out.Queue.Untested)

	require.Eventually(t, func() bool {
		return len(store.Pending("bacedi")) == 1
	}, 5*time.Second, 10*time.Millisecond, "the running test records its own result")

	time.Sleep(50 * time.Millisecond)
	h, err := store.LoadHistory(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.Failures, "an abandoned test is not killed")
	bench.mu.Lock()
	defer bench.mu.Unlock()
	assert.Equal(t, 1, bench.calls, "no new test starts after the timeout")
}

func TestExecuteNothingRunnable(t *testing.T) {
	e := New(&fakeBench{}, history.NewMemoryStore())
	out := e.Execute(context.Background(), "bacedi", []types.PairVMs{
		{Pair: types.RegionPair{Src: awsEast1, Dst: gcpWest3}},
	})
	assert.Equal(t, Outcome{Runnable: 0, Skipped: 1}, out)
}
