package testfleet

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/testfleet/testfleet/pkg/api"
	"github.com/testfleet/testfleet/pkg/orchestrator"
	"github.com/testfleet/testfleet/pkg/shardplan"
)

type runFlags struct {
	profileFlags

	RunID         string
	TestFilesPath string
	WorkloadPath  string
	Shards        int
	Strategy      string
	Framework     string
}

func newRunFlags() *runFlags {
	return &runFlags{}
}

func (f *runFlags) BindFlags(fs *pflag.FlagSet) {
	f.profileFlags.Bind(fs)
	fs.StringVar(&f.RunID, "run-id", f.RunID, "Run identifier. Generated when omitted; must be unique per run.")
	fs.StringVar(&f.TestFilesPath, "test-files", f.TestFilesPath, "JSON file listing the discovered test files.")
	fs.StringVar(&f.WorkloadPath, "workload", f.WorkloadPath, "Path to the test-code tarball workers download.")
	fs.IntVar(&f.Shards, "shards", f.Shards, "Number of shards, overrides the profile.")
	fs.StringVar(&f.Strategy, "strategy", f.Strategy, "Shard strategy: round-robin, size-balanced or duration-balanced.")
	fs.StringVar(&f.Framework, "framework", f.Framework, "Test framework the workers invoke, overrides the profile.")
}

func (f *runFlags) Validate() error {
	if f.TestFilesPath == "" {
		return errors.New("missing --test-files")
	}
	if f.WorkloadPath == "" {
		return errors.New("missing --workload")
	}
	if f.RunID != "" && !api.ValidRunID(f.RunID) {
		return fmt.Errorf("malformed --run-id %q, expected run-<millis>-<suffix>", f.RunID)
	}
	return nil
}

func newRunCommand() *cobra.Command {
	f := newRunFlags()

	cmd := &cobra.Command{
		Use:          "run",
		Short:        "Shard the suite, launch one task per shard and aggregate the results",
		SilenceUsage: true,
		Args:         noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return f.run(ctx)
		},
	}

	f.BindFlags(cmd.Flags())
	return cmd
}

func (f *runFlags) run(ctx context.Context) error {
	profile, err := f.Profile()
	if err != nil {
		return err
	}
	if f.Shards > 0 {
		profile.Shards = f.Shards
	}
	if f.Strategy != "" {
		profile.Strategy = f.Strategy
	}
	if f.Framework != "" {
		profile.Framework = f.Framework
	}
	strategy, err := shardplan.ParseStrategy(profile.Strategy)
	if err != nil {
		return err
	}

	files, err := loadTestFiles(f.TestFilesPath)
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, profile)
	if err != nil {
		return err
	}

	runID := f.RunID
	if runID == "" {
		runID = api.NewRunID()
	}
	logger := logrus.WithField("run", runID)
	logger.Infof("Submitting run with %d test file(s)", len(files))

	o := &orchestrator.Options{
		RunID:               runID,
		Files:               files,
		ShardCount:          profile.Shards,
		Strategy:            strategy,
		Framework:           profile.Framework,
		WorkloadPath:        f.WorkloadPath,
		Store:               rt.store,
		Backend:             rt.backend,
		Bucket:              profile.Bucket,
		Region:              profile.Region,
		Cluster:             profile.Cluster,
		CPU:                 profile.CPU,
		MemoryMiB:           profile.MemoryMiB,
		ShardTimeout:        profile.ShardTimeout.Duration,
		CostPerVCPUHour:     profile.CostPerVCPUHour,
		CostPerMemoryGBHour: profile.CostPerMemoryGBHour,
		Logger:              logger,
	}

	summary, runErr := o.Run(ctx)
	if summary != nil {
		if err := printJSON(summary); err != nil {
			return err
		}
	}
	if runErr != nil {
		// Infra outcomes: launch failure, deadline, missing results,
		// cancellation. All distinct from tests failing.
		return runErr
	}
	if summary.Failed > 0 {
		return fmt.Errorf("run %s: %d test(s) failed", runID, summary.Failed)
	}
	logger.WithField("cost", fmt.Sprintf("$%.4f", summary.EstimatedCost)).
		Infof("Run completed: %d passed, %d skipped in %s", summary.Passed, summary.Skipped, summary.Duration.Round(summaryRounding))
	return nil
}
