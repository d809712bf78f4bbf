package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// RunConfigPath is where the effective configuration of a run is recorded.
func RunConfigPath(dataDir, runID string) string {
	return filepath.Join(dataDir, "runs", runID+".yaml")
}

// SaveRunConfig records the effective configuration for a run next to its results.
func SaveRunConfig(dataDir, runID string, cfg Config) error {
	path := RunConfigPath(dataDir, runID)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("ensure config dir %q: %w", dir, err)
	}

	redacted := cfg
	if redacted.History.DSN != "" {
		redacted.History.DSN = "REDACTED"
	}
	data, err := yaml.Marshal(&redacted)
	if err != nil {
		return fmt.Errorf("marshal run config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write temp config %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit config %q: %w", path, err)
	}

	return nil
}
