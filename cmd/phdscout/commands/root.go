package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"phdscout/lib/telemetry"
)

var debug *bool

var rootCmd = &cobra.Command{
	Use:   "phdscout",
	Short: "phdscout sweeps a PhD listings site for projects matching a research goal.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		telemetry.InitSlog(*debug)
	},
}

func init() {
	debug = rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging.")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
