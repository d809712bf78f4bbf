// Package cloud maps VM lifecycle and benchmark operations onto the
// per-cloud shell scripts.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/doitintl/intercloud-throughput/internal/script"
	"github.com/doitintl/intercloud-throughput/pkg/types"
)

var (
	ErrUnsupportedCloud = errors.New("unsupported cloud")
	ErrMalformedOutput  = errors.New("malformed script output")
)

// Driver is the narrow boundary between scheduling and the clouds.
type Driver interface {
	ProvisionRegion(ctx context.Context, runID string, region types.Region, machineType string) (types.VMHandle, error)
	DeleteRegion(ctx context.Context, runID string, region types.Region) error
	// RunBenchmark runs one test from pair.Src to pair.Dst and returns the
	// benchmark's raw stdout.
	RunBenchmark(ctx context.Context, runID string, pair types.TestPair) (string, error)
}

// ProjectScript prints the gcloud default project, used when no project
// is configured.
const ProjectScript = "gcp-project.sh"

func LaunchScript(c types.Cloud) string {
	return c.Lower() + "-launch.sh"
}

func DeleteScript(c types.Cloud) string {
	return c.Lower() + "-delete-instances.sh"
}

func BenchmarkScript(c types.Cloud) string {
	return "do-one-test-from-" + c.Lower() + ".sh"
}

// Scripts lists every script the driver may run, for signature checks.
func Scripts() []string {
	var names []string
	for _, c := range types.Clouds {
		names = append(names, LaunchScript(c), DeleteScript(c), BenchmarkScript(c))
	}
	return append(names, ProjectScript)
}

// Scope says how VM deletion is issued for a cloud.
type Scope int

const (
	// PerRegion deletes the run's VMs one region at a time.
	PerRegion Scope = iota
	// PerRun deletes all of the run's VMs with a single call.
	PerRun
)

func DeletionScope(c types.Cloud) (Scope, error) {
	switch c {
	case types.AWS:
		return PerRegion, nil
	case types.GCP:
		return PerRun, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedCloud, c)
	}
}

// ScriptDriver implements Driver by running scripts with a script.Runner.
type ScriptDriver struct {
	runner      script.Runner
	baseKeyName string
	gcpProject  string

	mu         sync.Mutex
	defaultGCP string
}

type Option func(*ScriptDriver)

// WithBaseKeyName sets the AWS SSH key name prefix passed as BASE_KEYNAME.
func WithBaseKeyName(name string) Option {
	return func(d *ScriptDriver) {
		d.baseKeyName = name
	}
}

// WithGCPProject sets PROJECT_ID for GCP scripts. Without it the gcloud
// default project is looked up once with ProjectScript.
func WithGCPProject(project string) Option {
	return func(d *ScriptDriver) {
		d.gcpProject = project
	}
}

func NewScriptDriver(runner script.Runner, opts ...Option) *ScriptDriver {
	d := &ScriptDriver{runner: runner, baseKeyName: "cloud-perf"}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *ScriptDriver) ProvisionRegion(ctx context.Context, runID string, region types.Region, machineType string) (types.VMHandle, error) {
	env, err := d.regionEnv(ctx, runID, region)
	if err != nil {
		return types.VMHandle{}, err
	}
	env["MACHINE_TYPE"] = machineType

	out, err := d.runner.Run(ctx, LaunchScript(region.Cloud), env)
	if err != nil {
		return types.VMHandle{}, fmt.Errorf("launch vm in %s: %w", region, err)
	}
	vm, err := ParseVMOutput(out)
	if err != nil {
		return types.VMHandle{}, fmt.Errorf("launch vm in %s: %w", region, err)
	}
	vm.Region = region
	vm.MachineType = machineType
	return vm, nil
}

func (d *ScriptDriver) DeleteRegion(ctx context.Context, runID string, region types.Region) error {
	env, err := d.regionEnv(ctx, runID, region)
	if err != nil {
		return err
	}
	if _, err := d.runner.Run(ctx, DeleteScript(region.Cloud), env); err != nil {
		return fmt.Errorf("delete vms in %s: %w", region, err)
	}
	return nil
}

func (d *ScriptDriver) RunBenchmark(ctx context.Context, runID string, pair types.TestPair) (string, error) {
	env, err := BenchmarkEnv(runID, pair, d.baseKeyName)
	if err != nil {
		return "", err
	}
	out, err := d.runner.Run(ctx, BenchmarkScript(pair.Src.Region.Cloud), env)
	if err != nil {
		return "", fmt.Errorf("benchmark %s: %w", pair.Key(), err)
	}
	return out, nil
}

func (d *ScriptDriver) regionEnv(ctx context.Context, runID string, region types.Region) (map[string]string, error) {
	env := map[string]string{
		"REGION": region.ID,
		"RUN_ID": runID,
	}
	switch region.Cloud {
	case types.AWS:
		env["BASE_KEYNAME"] = d.baseKeyName
	case types.GCP:
		project, err := d.project(ctx)
		if err != nil {
			return nil, err
		}
		env["PROJECT_ID"] = project
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCloud, region.Cloud)
	}
	return env, nil
}

// project returns the configured GCP project, falling back to the gcloud
// default. A successful lookup is cached for the driver's lifetime.
func (d *ScriptDriver) project(ctx context.Context) (string, error) {
	if d.gcpProject != "" {
		return d.gcpProject, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.defaultGCP != "" {
		return d.defaultGCP, nil
	}
	out, err := d.runner.Run(ctx, ProjectScript, map[string]string{})
	if err != nil {
		return "", fmt.Errorf("look up default gcp project: %w", err)
	}
	project := strings.TrimSpace(out)
	if project == "" || strings.ContainsAny(project, " \n") {
		return "", fmt.Errorf("look up default gcp project: %w: got %q", ErrMalformedOutput, out)
	}
	d.defaultGCP = project
	return project, nil
}

// BenchmarkEnv builds the environment for the benchmark script run from the
// source VM. The source cloud decides how the client VM is addressed.
func BenchmarkEnv(runID string, pair types.TestPair, baseKeyName string) (map[string]string, error) {
	src, dst := pair.Src, pair.Dst
	env := map[string]string{
		"RUN_ID":                runID,
		"SERVER_PUBLIC_ADDRESS": dst.Address,
		"SERVER_CLOUD":          string(dst.Region.Cloud),
		"CLIENT_CLOUD":          string(src.Region.Cloud),
		"SERVER_REGION":         dst.Region.ID,
		"CLIENT_REGION":         src.Region.ID,
	}
	switch src.Region.Cloud {
	case types.AWS:
		env["CLIENT_PUBLIC_ADDRESS"] = src.Address
		env["BASE_KEYNAME"] = baseKeyName
	case types.GCP:
		if src.Name == "" || src.Zone == "" {
			return nil, fmt.Errorf("gcp client vm in %s needs a name and zone", src.Region)
		}
		env["CLIENT_NAME"] = src.Name
		env["CLIENT_ZONE"] = src.Zone
	default:
		return nil, fmt.Errorf("%w: %q as test source", ErrUnsupportedCloud, src.Region.Cloud)
	}
	return env, nil
}

// ParseVMOutput parses a launch script's "address[,name,zone]" line.
func ParseVMOutput(out string) (types.VMHandle, error) {
	line := strings.TrimRight(out, "\r\n")
	if line == "" || strings.Contains(line, "\n") {
		return types.VMHandle{}, fmt.Errorf("%w: want one line address[,name,zone], got %q", ErrMalformedOutput, out)
	}
	fields := strings.Split(line, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if fields[0] == "" || len(fields) > 3 {
		return types.VMHandle{}, fmt.Errorf("%w: want address[,name,zone], got %q", ErrMalformedOutput, line)
	}
	vm := types.VMHandle{Address: fields[0]}
	if len(fields) > 1 {
		vm.Name = fields[1]
	}
	if len(fields) > 2 {
		vm.Zone = fields[2]
	}
	return vm, nil
}
