package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	envConfigPath     = "PERFTEST_CONFIG"
	DefaultConfigPath = "./perftest.yaml"
)

type Config struct {
	Run      RunConfig     `yaml:"run"`
	Timeouts TimeoutConfig `yaml:"timeouts"`
	History  HistoryConfig `yaml:"history"`
	AWS      AWSConfig     `yaml:"aws"`
	GCP      GCPConfig     `yaml:"gcp"`
	Scripts  ScriptsConfig `yaml:"scripts"`
	Launch   LaunchConfig  `yaml:"launch"`
}

type RunConfig struct {
	DataDir         string            `yaml:"data_dir" env:"PERFTEST_DATADIR"`
	ScriptsDir      string            `yaml:"scripts_dir" env:"PERFTEST_SCRIPTS_DIR"`
	Locations       string            `yaml:"locations" env:"PERFTEST_LOCATIONS"`
	RegionsPerBatch string            `yaml:"regions_per_batch"`
	MaxBatches      string            `yaml:"max_batches"`
	Clouds          string            `yaml:"clouds"`
	RegionPairs     string            `yaml:"region_pairs"`
	MinDistanceKm   float64           `yaml:"min_distance_km"`
	MaxDistanceKm   string            `yaml:"max_distance_km"`
	MachineTypes    map[string]string `yaml:"machine_types"`
	RequiredFields  []string          `yaml:"required_fields"`
}

type TimeoutConfig struct {
	Provision time.Duration `yaml:"provision"`
	Test      time.Duration `yaml:"test"`
	Delete    time.Duration `yaml:"delete"`
	DeleteRun time.Duration `yaml:"delete_run"`
	Join      time.Duration `yaml:"join"`
	Backoff   time.Duration `yaml:"backoff"`
}

type HistoryConfig struct {
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn" env:"PERFTEST_HISTORY_DSN"`
}

type AWSConfig struct {
	BaseKeyName string `yaml:"base_keyname"`
	AuthCache   string `yaml:"auth_cache"`
	SkipAuth    bool   `yaml:"skip_auth_check"`
}

type GCPConfig struct {
	Project string `yaml:"project" env:"PERFTEST_GCP_PROJECT"`
}

type ScriptsConfig struct {
	PublicKey string `yaml:"public_key"`
}

type LaunchConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

const (
	BackendCSV      = "csv"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Run: RunConfig{
			DataDir:         "./data",
			ScriptsDir:      "./scripts",
			Locations:       "./reference_data/locations.csv",
			RegionsPerBatch: "inf",
			MaxBatches:      "1",
			MaxDistanceKm:   "inf",
			RequiredFields:  []string{"bitrate_Bps", "avgrtt"},
		},
		Timeouts: TimeoutConfig{
			Provision: 5 * time.Minute,
			Test:      5 * time.Minute,
			Delete:    5 * time.Minute,
			DeleteRun: 6 * time.Minute,
			Join:      5 * time.Minute,
			Backoff:   5 * time.Second,
		},
		History: HistoryConfig{Backend: BackendCSV},
		AWS: AWSConfig{
			BaseKeyName: "cloud-perf",
			AuthCache:   "./region_data/enabled_aws_regions_cache.json",
		},
		Launch: LaunchConfig{RatePerSecond: 5, Burst: 10},
	}
}

func Load(ctx context.Context, path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// LoadFromEnv loads the file named by PERFTEST_CONFIG, or the default path.
// A missing default file is not an error; defaults plus environment overrides are returned.
func LoadFromEnv(ctx context.Context) (Config, error) {
	path := os.Getenv(envConfigPath)
	if path != "" {
		return Load(ctx, path)
	}
	cfg, err := Load(ctx, DefaultConfigPath)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		if err := applyEnv(&cfg); err != nil {
			return cfg, err
		}
		return cfg, cfg.Validate()
	}
	return cfg, err
}

func applyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("apply environment overrides: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	if c.Run.DataDir == "" {
		return fmt.Errorf("run.data_dir must be configured")
	}
	if c.Run.ScriptsDir == "" {
		return fmt.Errorf("run.scripts_dir must be configured")
	}
	switch c.History.Backend {
	case BackendCSV, BackendMemory:
	case BackendPostgres:
		if c.History.DSN == "" {
			return fmt.Errorf("history.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown history backend %q", c.History.Backend)
	}
	for name, d := range map[string]time.Duration{
		"provision":  c.Timeouts.Provision,
		"test":       c.Timeouts.Test,
		"delete":     c.Timeouts.Delete,
		"delete_run": c.Timeouts.DeleteRun,
		"join":       c.Timeouts.Join,
		"backoff":    c.Timeouts.Backoff,
	} {
		if d <= 0 {
			return fmt.Errorf("timeouts.%s must be positive", name)
		}
	}
	return nil
}
