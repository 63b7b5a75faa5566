package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// appName tags the reconciler's database, Redis and NATS connections.
const appName = "llmgate-reconciler"

func main() {
	root := &cobra.Command{
		Use:           "reconciler",
		Short:         "Turn gateway usage logs into priced billing records",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newRunCmd(),
		newPricingCmd(),
		newMigrateUsageLogCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
