package regions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doitintl/intercloud-throughput/pkg/types"
)

type fakeAuthRunner struct {
	mu       sync.Mutex
	disabled map[string]bool
	calls    []string
}

func (f *fakeAuthRunner) Run(_ context.Context, script string, env map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, script+":"+env["REGION"])
	if f.disabled[env["REGION"]] {
		return "", errors.New("exit status 255")
	}
	return "", nil
}

func TestAuthCheckerCachesResults(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "region_data", "cache.json")
	runner := &fakeAuthRunner{disabled: map[string]bool{"af-south-1": true}}
	checker := NewAuthChecker(runner, cachePath, nil)
	ctx := context.Background()

	ok, err := checker.Enabled(ctx, types.Region{Cloud: types.AWS, ID: "af-south-1"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = checker.Enabled(ctx, types.Region{Cloud: types.AWS, ID: "us-east-1"})
	require.NoError(t, err)
	assert.True(t, ok)

	// Cached: no new script calls.
	_, _ = checker.Enabled(ctx, types.Region{Cloud: types.AWS, ID: "af-south-1"})
	assert.Equal(t, []string{"aws-test-auth.sh:af-south-1", "aws-test-auth.sh:us-east-1"}, runner.calls)

	// A fresh checker reads the file instead of calling the script.
	second := NewAuthChecker(&fakeAuthRunner{}, cachePath, nil)
	ok, err = second.Enabled(ctx, types.Region{Cloud: types.AWS, ID: "af-south-1"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAuthCheckerIgnoresNonAWSAndComments(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "cache.json")
	cache := `{"__comment": "regions checked with the perftest account", "me-south-1": false}`
	require.NoError(t, os.WriteFile(cachePath, []byte(cache), 0o644))
	runner := &fakeAuthRunner{}
	checker := NewAuthChecker(runner, cachePath, nil)

	var kept []string
	for _, r := range []types.Region{
		{Cloud: types.GCP, ID: "us-west3"},
		{Cloud: types.AWS, ID: "me-south-1"},
		{Cloud: types.AWS, ID: "us-west-1"},
	} {
		ok, err := checker.Enabled(context.Background(), r)
		require.NoError(t, err)
		if ok {
			kept = append(kept, r.ID)
		}
	}
	assert.Equal(t, []string{"us-west3", "us-west-1"}, kept)
	assert.Equal(t, []string{"aws-test-auth.sh:us-west-1"}, runner.calls)
}

func TestAuthCheckerRejectsNonBooleanEntries(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(cachePath, []byte(`{"us-east-1": "yes"}`), 0o644))
	checker := NewAuthChecker(&fakeAuthRunner{}, cachePath, nil)
	_, err := checker.Enabled(context.Background(), types.Region{Cloud: types.AWS, ID: "us-east-1"})
	assert.ErrorContains(t, err, "not a boolean")
}

func TestAuthCheckerDoesNotCacheOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker := NewAuthChecker(&fakeAuthRunner{disabled: map[string]bool{"us-east-1": true}}, "", nil)
	_, err := checker.Enabled(ctx, types.Region{Cloud: types.AWS, ID: "us-east-1"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, checker.cache)
}
