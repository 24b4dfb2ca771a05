package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// CLI flags shared by the subcommands
	logLevel string // Log verbosity level

	// CLI flags for the plan subcommand
	topologyFile  string // YAML system description path
	planRanks     int    // Number of ranks to plan for
	planDevices   int    // Synthesized device count when no topology file is given
	channelTarget int    // Rings the search aims for

	// CLI flags for the launch subcommand
	launchRanks   int   // Number of in-process ranks to launch
	payloadSize   int   // Per-rank payload size in bytes
	proxyWindow   int   // In-flight steps per channel-direction
	launchTimeout int64 // Per-phase timeout in seconds
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "collring",
	Short: "Collective-communication control plane: topology, channels, transports",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")

	planCmd.Flags().StringVar(&topologyFile, "topology", "", "YAML system description (default: synthesized single host)")
	planCmd.Flags().IntVar(&planRanks, "ranks", 4, "Number of ranks to plan channels for")
	planCmd.Flags().IntVar(&planDevices, "devices", 0, "Device count for the synthesized topology (default: ranks)")
	planCmd.Flags().IntVar(&channelTarget, "channels", 2, "Ring count the search aims for")

	launchCmd.Flags().IntVar(&launchRanks, "ranks", 4, "Number of in-process ranks to launch")
	launchCmd.Flags().IntVar(&payloadSize, "size", 1<<20, "Per-rank payload size in bytes")
	launchCmd.Flags().IntVar(&proxyWindow, "window", 8, "In-flight steps per channel-direction")
	launchCmd.Flags().Int64Var(&launchTimeout, "timeout", 30, "Per-phase timeout in seconds")

	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(launchCmd)
}
