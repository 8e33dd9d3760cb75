package main

import (
	"log"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "gputraced",
	Short:         "Merges kernel perf-event streams and tracks GPU command-buffer spans",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (defaults to built-in defaults + GPUTRACE_* env vars)")
	rootCmd.AddCommand(runCmd)
}

// Execute runs the root command and returns a process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		log.Println(err)
		return 1
	}
	return 0
}
