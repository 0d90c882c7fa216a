package main

import (
	"github.com/spf13/cobra"

	"github.com/soma-tiles/tileindex/internal/logger"
)

var (
	verbose bool
	logFile string
)

var rootCmd = &cobra.Command{
	Use:   "tileindex",
	Short: "Viewport to tile-index server",
	Long: `tileindex maps a camera viewport onto the tiles of a quadtree pyramid.

Commands:
  serve    Run the HTTP API for the configured datasets
  indices  Print the tiles covering one viewport as JSON`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Path to log file for persistent logging (JSON format)")
}

// initLogger prefers command-line flags over configured values.
func initLogger(level, file string) {
	debug := verbose || logger.IsDebug(level)
	if logFile != "" {
		file = logFile
	}
	if file != "" {
		logger.InitWithFile(debug, file)
	} else {
		logger.Init(debug)
	}
}
