package testfleet

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/testfleet/testfleet/pkg/api"
	"github.com/testfleet/testfleet/pkg/status"
)

type statusFlags struct {
	profileFlags

	RunID    string
	Watch    bool
	Interval time.Duration
}

func newStatusFlags() *statusFlags {
	return &statusFlags{Interval: 15 * time.Second}
}

func (f *statusFlags) BindFlags(fs *pflag.FlagSet) {
	f.profileFlags.Bind(fs)
	fs.StringVar(&f.RunID, "run-id", f.RunID, "Run identifier to inspect.")
	fs.BoolVar(&f.Watch, "watch", f.Watch, "Poll until the run reaches a terminal state.")
	fs.DurationVar(&f.Interval, "interval", f.Interval, "Polling interval in watch mode.")
}

func newStatusCommand() *cobra.Command {
	f := newStatusFlags()

	cmd := &cobra.Command{
		Use:          "status",
		Short:        "Report per-shard and overall progress of a run",
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

func (f *statusFlags) run(ctx context.Context) error {
	profile, err := f.Profile()
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, profile)
	if err != nil {
		return err
	}

	reconciler := &status.Reconciler{
		Store:   rt.store,
		Backend: rt.backend,
		Logger:  logrus.WithField("run", f.RunID),
	}

	var snapshot *api.RunStatus
	if f.Watch {
		snapshot, err = reconciler.Watch(ctx, f.RunID, f.Interval)
	} else {
		snapshot, err = reconciler.Status(ctx, f.RunID)
	}
	if err != nil {
		return err
	}
	return printJSON(snapshot)
}
