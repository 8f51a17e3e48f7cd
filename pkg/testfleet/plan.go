package testfleet

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/testfleet/testfleet/pkg/api"
	"github.com/testfleet/testfleet/pkg/shardplan"
)

// summaryRounding keeps durations in human output readable.
const summaryRounding = time.Second

type planFlags struct {
	TestFilesPath string
	Shards        int
	Strategy      string
}

func newPlanFlags() *planFlags {
	return &planFlags{
		Shards:   4,
		Strategy: string(shardplan.StrategyDurationBalanced),
	}
}

func (f *planFlags) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&f.TestFilesPath, "test-files", f.TestFilesPath, "JSON file listing the discovered test files.")
	fs.IntVar(&f.Shards, "shards", f.Shards, "Number of shards.")
	fs.StringVar(&f.Strategy, "strategy", f.Strategy, "Shard strategy: round-robin, size-balanced or duration-balanced.")
}

// planOutput is the machine-readable plan preview.
type planOutput struct {
	Shards       []api.Shard `json:"shards"`
	BalanceScore float64     `json:"balanceScore"`
}

func newPlanCommand() *cobra.Command {
	f := newPlanFlags()

	cmd := &cobra.Command{
		Use:          "plan",
		Short:        "Compute and print the shard plan without launching anything",
		SilenceUsage: true,
		Args:         noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.TestFilesPath == "" {
				return errors.New("missing --test-files")
			}
			strategy, err := shardplan.ParseStrategy(f.Strategy)
			if err != nil {
				return err
			}
			files, err := loadTestFiles(f.TestFilesPath)
			if err != nil {
				return err
			}
			shards, err := shardplan.Plan(files, f.Shards, strategy)
			if err != nil {
				return fmt.Errorf("planning shards: %w", err)
			}
			return printJSON(planOutput{Shards: shards, BalanceScore: shardplan.BalanceScore(shards)})
		},
	}

	f.BindFlags(cmd.Flags())
	return cmd
}
