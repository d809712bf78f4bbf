package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/doitintl/intercloud-throughput/internal/cloud"
	"github.com/doitintl/intercloud-throughput/internal/config"
	"github.com/doitintl/intercloud-throughput/internal/events"
	"github.com/doitintl/intercloud-throughput/internal/executor"
	"github.com/doitintl/intercloud-throughput/internal/history"
	"github.com/doitintl/intercloud-throughput/internal/logging"
	"github.com/doitintl/intercloud-throughput/internal/metrics"
	"github.com/doitintl/intercloud-throughput/internal/planner"
	"github.com/doitintl/intercloud-throughput/internal/provision"
	"github.com/doitintl/intercloud-throughput/internal/regions"
	"github.com/doitintl/intercloud-throughput/internal/runtime"
	"github.com/doitintl/intercloud-throughput/internal/script"
	"github.com/doitintl/intercloud-throughput/internal/teardown"
	"github.com/doitintl/intercloud-throughput/pkg/types"
)

const defaultSummaryLimit = 20

func main() {
	ctx := context.Background()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = run(ctx, os.Args[2:])
	case "plan":
		err = plan(ctx, os.Args[2:], os.Stdout)
	case "stats":
		err = stats(ctx, os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "command %s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Intercloud throughput test CLI")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  perftest run   [--config perftest.yaml] [--region_pairs 'GCP.us-east1,AWS.us-east-1;...'] [--batch_size N|inf]")
	fmt.Println("                 [--max_batches N|inf] [--clouds 'GCP,AWS;AWS,GCP'] [--min_distance km] [--max_distance km|inf]")
	fmt.Println("                 [--machine_types 'AWS,t3.nano;GCP,e2-small'] [--data_dir dir]")
	fmt.Println("  perftest plan  [same flags as run]   print the batches without creating VMs")
	fmt.Println("  perftest stats [--config path] [--data_dir dir]")
}

// cliFlags holds the flags shared by the subcommands. Only flags given on
// the command line override the configuration.
type cliFlags struct {
	configPath   string
	regionPairs  string
	batchSize    string
	maxBatches   string
	clouds       string
	minDistance  float64
	maxDistance  string
	machineTypes string
	dataDir      string
}

func newFlagSet(name string) (*flag.FlagSet, *cliFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	f := &cliFlags{}
	fs.StringVar(&f.configPath, "config", "", "Path to configuration file (default $PERFTEST_CONFIG or "+config.DefaultConfigPath+")")
	fs.StringVar(&f.dataDir, "data_dir", "", "Directory for history and results")
	if name == "stats" {
		return fs, f
	}
	fs.StringVar(&f.regionPairs, "region_pairs", "", "Explicit pairs to test, e.g. 'GCP.us-east1,AWS.us-east-1;AWS.us-west-1,GCP.us-west1'")
	fs.StringVar(&f.batchSize, "batch_size", "", "Regions per batch, or inf")
	fs.StringVar(&f.maxBatches, "max_batches", "", "Maximum number of batches, or inf")
	fs.StringVar(&f.clouds, "clouds", "", "Directed cloud pairs to test, e.g. 'GCP,AWS;AWS,GCP'")
	fs.Float64Var(&f.minDistance, "min_distance", 0, "Minimum distance in km between tested regions")
	fs.StringVar(&f.maxDistance, "max_distance", "", "Maximum distance in km between tested regions, or inf")
	fs.StringVar(&f.machineTypes, "machine_types", "", "Machine types per cloud, e.g. 'AWS,t3.nano;GCP,e2-small'")
	return fs, f
}

func loadConfig(ctx context.Context, fs *flag.FlagSet, f *cliFlags) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if f.configPath != "" {
		cfg, err = config.Load(ctx, f.configPath)
	} else {
		cfg, err = config.LoadFromEnv(ctx)
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyFlags(&cfg, fs, f); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyFlags(cfg *config.Config, fs *flag.FlagSet, f *cliFlags) error {
	var err error
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "data_dir":
			cfg.Run.DataDir = f.dataDir
		case "region_pairs":
			cfg.Run.RegionPairs = f.regionPairs
		case "batch_size":
			cfg.Run.RegionsPerBatch = f.batchSize
		case "max_batches":
			cfg.Run.MaxBatches = f.maxBatches
		case "clouds":
			cfg.Run.Clouds = f.clouds
		case "min_distance":
			cfg.Run.MinDistanceKm = f.minDistance
		case "max_distance":
			cfg.Run.MaxDistanceKm = f.maxDistance
		case "machine_types":
			var mts map[types.Cloud]string
			if mts, err = config.ParseMachineTypes(f.machineTypes); err != nil {
				return
			}
			cfg.Run.MachineTypes = make(map[string]string, len(mts))
			for c, mt := range mts {
				cfg.Run.MachineTypes[string(c)] = mt
			}
		}
	})
	return err
}

// planOptions translates the run section into planner options.
func planOptions(run config.RunConfig, catalog *regions.Catalog) (planner.Options, error) {
	o := planner.DefaultOptions()
	var err error

	if strings.TrimSpace(run.RegionPairs) != "" {
		if o.Pairs, err = catalog.ParsePairs(run.RegionPairs); err != nil {
			return o, fmt.Errorf("parse region_pairs: %w", err)
		}
	}
	if o.RegionsPerBatch, err = config.ParseLimit(run.RegionsPerBatch, config.Unbounded); err != nil {
		return o, fmt.Errorf("parse batch size: %w", err)
	}
	if o.MaxBatches, err = config.ParseLimit(run.MaxBatches, 1); err != nil {
		return o, fmt.Errorf("parse max batches: %w", err)
	}
	if o.CloudPairs, err = types.ParseCloudPairs(run.Clouds); err != nil {
		return o, fmt.Errorf("parse clouds: %w", err)
	}
	o.MinDistanceKm = run.MinDistanceKm
	if o.MaxDistanceKm, err = config.ParseDistance(run.MaxDistanceKm, o.MaxDistanceKm); err != nil {
		return o, fmt.Errorf("parse max distance: %w", err)
	}
	return o, o.Validate()
}

// deps are the pieces shared by run and plan.
type deps struct {
	catalog *regions.Catalog
	store   history.Store
	runner  script.Runner
	planner *planner.Planner
}

func setup(ctx context.Context, cfg config.Config, logger *log.Logger) (*deps, error) {
	if err := os.MkdirAll(cfg.Run.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure data dir: %w", err)
	}

	names := append(cloud.Scripts(), regions.AuthScript)
	if err := script.VerifyScripts(ctx, cfg.Run.ScriptsDir, cfg.Scripts.PublicKey, names); err != nil {
		return nil, fmt.Errorf("verify scripts: %w", err)
	}

	catalog, err := regions.Load(cfg.Run.Locations)
	if err != nil {
		return nil, fmt.Errorf("load region catalog: %w", err)
	}
	logger.Printf("loaded %d regions from %s", catalog.Len(), cfg.Run.Locations)

	store, err := history.Open(ctx, cfg.History, cfg.Run.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	runner := script.NewExecRunner(cfg.Run.ScriptsDir)
	planOpts := []planner.Option{planner.WithLogger(logger)}
	if !cfg.AWS.SkipAuth {
		planOpts = append(planOpts, planner.WithEnabler(regions.NewAuthChecker(runner, cfg.AWS.AuthCache, logger)))
	}

	return &deps{
		catalog: catalog,
		store:   store,
		runner:  runner,
		planner: planner.New(catalog, store, planOpts...),
	}, nil
}

func run(ctx context.Context, args []string) error {
	fs, f := newFlagSet("run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(ctx, fs, f)
	if err != nil {
		return err
	}
	machineTypes, err := cfg.Run.ResolveMachineTypes()
	if err != nil {
		return fmt.Errorf("resolve machine types: %w", err)
	}

	logger := logging.New()
	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := setup(runCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.store.Close()

	opts, err := planOptions(cfg.Run, d.catalog)
	if err != nil {
		return err
	}
	batches, err := d.planner.Plan(runCtx, opts)
	if err != nil {
		return fmt.Errorf("plan batches: %w", err)
	}
	if len(batches) == 0 {
		logger.Printf("nothing left to test")
		return nil
	}

	runID := runtime.NewRunID()
	logger.Printf("run %s starting (batches=%d, data_dir=%s)", runID, len(batches), cfg.Run.DataDir)
	if err := config.SaveRunConfig(cfg.Run.DataDir, runID, cfg); err != nil {
		logger.Printf("failed to record run config: %v", err)
	}

	rt := newRuntime(cfg, d, logger)

	done := make(chan struct{})
	grp, groupCtx := errgroup.WithContext(runCtx)

	grp.Go(func() error {
		defer close(done)
		report, err := rt.Run(groupCtx, runID, batches, machineTypes)
		if err != nil {
			return err
		}
		logger.Printf("run %s finished: %d batches, %d successes overall", runID, report.Batches, report.Summary.Successes)
		return nil
	})

	grp.Go(func() error {
		select {
		case <-done:
		case <-runCtx.Done():
			// Restore default handling so a second interrupt exits without cleanup.
			stop()
			logger.Printf("interrupted; deleting VMs of the current batch, interrupt again to exit now")
		}
		return nil
	})

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Printf("run %s stopped", runID)
	return nil
}

func newRuntime(cfg config.Config, d *deps, logger *log.Logger) *runtime.Runtime {
	metricsStore := metrics.NewStore()
	recorder := events.LogRecorder{Logger: logger}

	driver := cloud.NewScriptDriver(d.runner,
		cloud.WithBaseKeyName(cfg.AWS.BaseKeyName),
		cloud.WithGCPProject(cfg.GCP.Project),
	)

	prov := provision.New(driver, d.store,
		provision.WithLaunchRate(cfg.Launch.RatePerSecond, cfg.Launch.Burst),
		provision.WithTaskTimeout(cfg.Timeouts.Provision),
		provision.WithJoinTimeout(cfg.Timeouts.Join),
		provision.WithLogger(logger),
		provision.WithEventRecorder(recorder),
		provision.WithMetricsRecorder(metricsStore.RunRecorder()),
	)

	exec := executor.New(driver, d.store,
		executor.WithBackoff(cfg.Timeouts.Backoff),
		executor.WithTestTimeout(cfg.Timeouts.Test),
		executor.WithJoinTimeout(cfg.Timeouts.Join),
		executor.WithRequiredFields(cfg.Run.RequiredFields),
		executor.WithLogger(logger),
		executor.WithEventRecorder(recorder),
		executor.WithMetricsStore(metricsStore),
	)

	td := teardown.New(driver,
		teardown.WithRegionTimeout(cfg.Timeouts.Delete),
		teardown.WithRunTimeout(cfg.Timeouts.DeleteRun),
		teardown.WithLogger(logger),
		teardown.WithEventRecorder(recorder),
		teardown.WithMetricsRecorder(metricsStore.RunRecorder()),
	)

	return runtime.New(d.store, prov, exec, td,
		runtime.WithLogger(logger),
		runtime.WithMetricsStore(metricsStore),
		runtime.WithDataDir(cfg.Run.DataDir),
		runtime.WithSummaryLimit(defaultSummaryLimit),
	)
}

func plan(ctx context.Context, args []string, out io.Writer) error {
	fs, f := newFlagSet("plan")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(ctx, fs, f)
	if err != nil {
		return err
	}

	logger := logging.New()
	d, err := setup(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.store.Close()

	opts, err := planOptions(cfg.Run, d.catalog)
	if err != nil {
		return err
	}
	batches, err := d.planner.Plan(ctx, opts)
	if err != nil {
		return fmt.Errorf("plan batches: %w", err)
	}
	printBatches(out, batches)
	return nil
}

func printBatches(out io.Writer, batches []types.Batch) {
	if len(batches) == 0 {
		fmt.Fprintln(out, "nothing left to test")
		return
	}
	for i, batch := range batches {
		fmt.Fprintf(out, "batch %d: %d tests, %d regions\n", i+1, len(batch), len(types.UniqueRegions(batch)))
		for _, p := range batch {
			fmt.Fprintf(out, "  %s\n", p)
		}
	}
}

func stats(ctx context.Context, args []string) error {
	fs, f := newFlagSet("stats")
	limit := fs.Int("limit", defaultSummaryLimit, "Pairs listed per section")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(ctx, fs, f)
	if err != nil {
		return err
	}

	logger := logging.New()
	store, err := history.Open(ctx, cfg.History, cfg.Run.DataDir, logger)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	hist, err := store.LoadHistory(ctx)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	hist.Summarize(*limit).Log(logger)
	return nil
}
