package config

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doitintl/intercloud-throughput/pkg/types"
)

const sampleYAML = `
run:
  data_dir: /var/lib/perftest
  scripts_dir: /opt/perftest/scripts
  regions_per_batch: 8
  max_batches: inf
  clouds: "GCP,AWS;AWS,GCP"
  min_distance_km: 100
  max_distance_km: 5000
  machine_types:
    GCP: e2-micro
timeouts:
  test: 90s
  backoff: 2s
history:
  backend: csv
gcp:
  project: perf-project
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "perftest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(context.Background(), writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/perftest", cfg.Run.DataDir)
	assert.Equal(t, "8", cfg.Run.RegionsPerBatch)
	assert.Equal(t, "inf", cfg.Run.MaxBatches)
	assert.Equal(t, 90*time.Second, cfg.Timeouts.Test)
	assert.Equal(t, 5*time.Minute, cfg.Timeouts.Provision, "default provision timeout")
	assert.Equal(t, "cloud-perf", cfg.AWS.BaseKeyName, "default key name")
	assert.Equal(t, "perf-project", cfg.GCP.Project)

	mts, err := cfg.Run.ResolveMachineTypes()
	require.NoError(t, err)
	assert.Equal(t, "e2-micro", mts[types.GCP])
	assert.Equal(t, "t3.nano", mts[types.AWS])
}

func TestLoadAppliesEnvironmentOverrides(t *testing.T) {
	t.Setenv(envConfigPath, writeConfig(t, sampleYAML))
	t.Setenv("PERFTEST_DATADIR", "/tmp/perf-data")
	t.Setenv("PERFTEST_GCP_PROJECT", "other-project")

	cfg, err := LoadFromEnv(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "/tmp/perf-data", cfg.Run.DataDir)
	assert.Equal(t, "other-project", cfg.GCP.Project)
	assert.Equal(t, "/opt/perftest/scripts", cfg.Run.ScriptsDir, "unset env var keeps file value")
}

func TestLoadRejectsPostgresWithoutDSN(t *testing.T) {
	_, err := Load(context.Background(), writeConfig(t, "history:\n  backend: postgres\n"))
	assert.Error(t, err)
}

func TestParseLimit(t *testing.T) {
	cases := []struct {
		in   string
		want int
		err  bool
	}{
		{"", 7, false},
		{"inf", Unbounded, false},
		{" 12 ", 12, false},
		{"1", 1, false},
		{"lots", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseLimit(tc.in, 7)
		if tc.err {
			assert.Error(t, err, "ParseLimit(%q)", tc.in)
			continue
		}
		require.NoError(t, err, "ParseLimit(%q)", tc.in)
		assert.Equal(t, tc.want, got, "ParseLimit(%q)", tc.in)
	}
}

func TestParseDistance(t *testing.T) {
	km, err := ParseDistance("inf", 0)
	require.NoError(t, err)
	assert.True(t, math.IsInf(km, 1))

	km, err = ParseDistance("2500.5", 0)
	require.NoError(t, err)
	assert.Equal(t, 2500.5, km)

	_, err = ParseDistance("-3", 0)
	assert.Error(t, err, "negative distance")
}

func TestParseMachineTypes(t *testing.T) {
	mts, err := ParseMachineTypes("AWS,t3.micro")
	require.NoError(t, err)
	assert.Equal(t, "t3.micro", mts[types.AWS])
	assert.Equal(t, DefaultMachineTypes[types.GCP], mts[types.GCP])

	_, err = ParseMachineTypes("AWS")
	assert.Error(t, err, "malformed entry")
}

func TestSaveRunConfigRedactsDSN(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.History.DSN = "postgres://user:secret@db/perf"

	require.NoError(t, SaveRunConfig(dir, "bacedi", cfg))
	data, err := os.ReadFile(RunConfigPath(dir, "bacedi"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
}
