package testfleet

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/testfleet/testfleet/pkg/cancel"
)

type cancelFlags struct {
	profileFlags

	RunID string
	Force bool
}

func newCancelFlags() *cancelFlags {
	return &cancelFlags{}
}

func (f *cancelFlags) BindFlags(fs *pflag.FlagSet) {
	f.profileFlags.Bind(fs)
	fs.StringVar(&f.RunID, "run-id", f.RunID, "Run identifier to cancel.")
	fs.BoolVar(&f.Force, "force", f.Force, "Actually stop tasks. Without it only the plan is printed.")
}

func newCancelCommand() *cobra.Command {
	f := newCancelFlags()

	cmd := &cobra.Command{
		Use:          "cancel",
		Short:        "Stop the still-active tasks of a run",
		SilenceUsage: true,
		Args:         noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.RunID == "" {
				return errors.New("missing --run-id")
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return f.run(ctx)
		},
	}

	f.BindFlags(cmd.Flags())
	return cmd
}

func (f *cancelFlags) run(ctx context.Context) error {
	profile, err := f.Profile()
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, profile)
	if err != nil {
		return err
	}

	coordinator := &cancel.Coordinator{
		Store:   rt.store,
		Backend: rt.backend,
		Logger:  logrus.WithField("run", f.RunID),
	}
	result, err := coordinator.Cancel(ctx, f.RunID, f.Force)
	if result != nil {
		if printErr := printJSON(result); printErr != nil {
			return printErr
		}
	}
	return err
}
