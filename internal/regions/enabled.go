package regions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/doitintl/intercloud-throughput/internal/logging"
	"github.com/doitintl/intercloud-throughput/internal/script"
	"github.com/doitintl/intercloud-throughput/pkg/types"
)

// AuthScript checks whether the configured AWS credentials work in REGION.
const AuthScript = "aws-test-auth.sh"

// AuthChecker reports whether AWS opt-in regions are enabled for the
// current account. Results are cached in a JSON file keyed by region id;
// keys starting with "__" are comments.
type AuthChecker struct {
	runner    script.Runner
	cachePath string
	logger    *log.Logger

	mu     sync.Mutex
	loaded bool
	cache  map[string]bool
}

func NewAuthChecker(runner script.Runner, cachePath string, logger *log.Logger) *AuthChecker {
	return &AuthChecker{
		runner:    runner,
		cachePath: cachePath,
		logger:    logging.OrDiscard(logger),
		cache:     make(map[string]bool),
	}
}

// Enabled reports whether r can be used. Non-AWS regions are always enabled.
func (a *AuthChecker) Enabled(ctx context.Context, r types.Region) (bool, error) {
	if r.Cloud != types.AWS {
		return true, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.loadLocked(); err != nil {
		return false, err
	}
	if enabled, ok := a.cache[r.ID]; ok {
		return enabled, nil
	}

	_, err := a.runner.Run(ctx, AuthScript, map[string]string{"REGION": r.ID})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	enabled := err == nil
	if enabled {
		a.logger.Printf("discovered %s is enabled", r.ID)
	} else {
		a.logger.Printf("discovered %s is not enabled: %v", r.ID, err)
	}
	a.cache[r.ID] = enabled
	if err := a.saveLocked(); err != nil {
		a.logger.Printf("save auth cache: %v", err)
	}
	return enabled, nil
}

func (a *AuthChecker) loadLocked() error {
	if a.loaded || a.cachePath == "" {
		a.loaded = true
		return nil
	}
	b, err := os.ReadFile(a.cachePath)
	if errors.Is(err, fs.ErrNotExist) {
		a.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read auth cache: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("decode auth cache %q: %w", a.cachePath, err)
	}
	for k, v := range raw {
		if strings.HasPrefix(k, "__") {
			continue
		}
		enabled, ok := v.(bool)
		if !ok {
			return fmt.Errorf("decode auth cache %q: %s is not a boolean", a.cachePath, k)
		}
		a.cache[k] = enabled
	}
	a.loaded = true
	return nil
}

func (a *AuthChecker) saveLocked() error {
	if a.cachePath == "" {
		return nil
	}
	b, err := json.MarshalIndent(a.cache, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.cachePath), 0o755); err != nil {
		return err
	}
	tmp := a.cachePath + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, a.cachePath)
}
