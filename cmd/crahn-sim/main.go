// Command crahn-sim runs cognitive radio spectrum simulations and manages
// their primary-user datasets.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/crahn-simulator/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log := logging.NewFromEnv()
	if err := newRootCmd(log).ExecuteContext(ctx); err != nil {
		log.Error(ctx, "command failed", logging.Err(err))
		stop()
		os.Exit(1)
	}
}

func newRootCmd(log logging.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "crahn-sim",
		Short:         "Cognitive radio spectrum sensing and handoff simulator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(log))
	root.AddCommand(newValidateCmd(log))
	root.AddCommand(newPUCmd(log))
	return root
}
