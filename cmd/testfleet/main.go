package main

import (
	goflag "flag"
	"os"

	"github.com/spf13/pflag"

	"github.com/testfleet/testfleet/pkg/testfleet"
)

func main() {
	cmd := testfleet.NewTestfleetCommand()
	pflag.CommandLine.AddGoFlagSet(goflag.CommandLine)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
