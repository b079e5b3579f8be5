// natsim: NAT translation table simulator.
// Drives a translation table with synthetic traffic and answers status and
// translation requests over a loopback control port.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/igjeong/natsim/config"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

type globalFlags struct {
	configPath string
	logFile    string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "natsim",
		Short:         "NAT translation table simulator",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", config.DefaultPath, "Path to configuration file")
	root.PersistentFlags().StringVar(&flags.logFile, "logfile", "", "Path to log file (default: stdout)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable verbose logging")

	root.AddCommand(
		newRunCommand(flags),
		newInitCommand(flags),
		newStatusCommand(flags),
		newTranslateCommand(flags),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "natsim v%s (built: %s)\n", version, buildTime)
		},
	}
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
