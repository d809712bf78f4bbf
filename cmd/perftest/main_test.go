package main

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doitintl/intercloud-throughput/internal/config"
	"github.com/doitintl/intercloud-throughput/internal/planner"
	"github.com/doitintl/intercloud-throughput/internal/regions"
	"github.com/doitintl/intercloud-throughput/pkg/types"
)

func testCatalog(t *testing.T) *regions.Catalog {
	t.Helper()
	catalog, err := regions.New([]types.Region{
		{Cloud: types.AWS, ID: "us-east-1", Latitude: 38.9, Longitude: -77.4, HasCoords: true},
		{Cloud: types.GCP, ID: "us-east4", Latitude: 38.9, Longitude: -77.4, HasCoords: true},
	})
	require.NoError(t, err)
	return catalog
}

func TestApplyFlagsOverridesOnlyGivenFlags(t *testing.T) {
	cfg := config.Default()
	cfg.Run.Clouds = "GCP,AWS"

	fs, f := newFlagSet("run")
	require.NoError(t, fs.Parse([]string{"--batch_size", "4", "--max_distance", "500", "--machine_types", "AWS,m5.large"}))
	require.NoError(t, applyFlags(&cfg, fs, f))

	assert.Equal(t, "4", cfg.Run.RegionsPerBatch)
	assert.Equal(t, "500", cfg.Run.MaxDistanceKm)
	assert.Equal(t, "GCP,AWS", cfg.Run.Clouds, "clouds from config kept")
	assert.Equal(t, "1", cfg.Run.MaxBatches, "max batches unchanged without a flag")
	assert.Equal(t, "m5.large", cfg.Run.MachineTypes["AWS"])
	assert.Equal(t, "e2-small", cfg.Run.MachineTypes["GCP"])
}

func TestApplyFlagsRejectsBadMachineTypes(t *testing.T) {
	cfg := config.Default()
	fs, f := newFlagSet("run")
	require.NoError(t, fs.Parse([]string{"--machine_types", "AZURE,b1s"}))
	assert.Error(t, applyFlags(&cfg, fs, f))
}

func TestPlanOptionsFromConfig(t *testing.T) {
	run := config.Default().Run
	run.RegionsPerBatch = "6"
	run.MaxBatches = "inf"
	run.Clouds = "GCP,AWS;AWS,GCP"
	run.MinDistanceKm = 100

	o, err := planOptions(run, testCatalog(t))
	require.NoError(t, err)
	assert.Equal(t, 6, o.RegionsPerBatch)
	assert.Equal(t, config.Unbounded, o.MaxBatches)
	require.Len(t, o.CloudPairs, 2)
	assert.Equal(t, types.CloudPair{From: types.GCP, To: types.AWS}, o.CloudPairs[0])
	assert.EqualValues(t, 100, o.MinDistanceKm)
	assert.True(t, math.IsInf(o.MaxDistanceKm, 1))
}

func TestPlanOptionsExplicitPairs(t *testing.T) {
	run := config.Default().Run
	run.RegionPairs = "GCP.us-east4,AWS.us-east-1"

	o, err := planOptions(run, testCatalog(t))
	require.NoError(t, err)
	require.Len(t, o.Pairs, 1)
	assert.Equal(t, "GCP.us-east4->AWS.us-east-1", o.Pairs[0].String())

	run.RegionsPerBatch = "2"
	_, err = planOptions(run, testCatalog(t))
	assert.ErrorIs(t, err, planner.ErrConflictingOptions)
}

func TestPlanOptionsRejectsSmallBatch(t *testing.T) {
	run := config.Default().Run
	run.RegionsPerBatch = "1"
	_, err := planOptions(run, testCatalog(t))
	assert.ErrorIs(t, err, planner.ErrBatchTooSmall)
}

func TestPrintBatches(t *testing.T) {
	east1 := types.Region{Cloud: types.AWS, ID: "us-east-1"}
	east4 := types.Region{Cloud: types.GCP, ID: "us-east4"}

	var buf bytes.Buffer
	printBatches(&buf, []types.Batch{{{Src: east1, Dst: east4}, {Src: east4, Dst: east1}}})
	out := buf.String()
	assert.Contains(t, out, "batch 1: 2 tests, 2 regions")
	assert.Contains(t, out, "AWS.us-east-1->GCP.us-east4")

	buf.Reset()
	printBatches(&buf, nil)
	assert.Equal(t, "nothing left to test", strings.TrimSpace(buf.String()))
}
