// Package commands implements the foreman CLI commands using cobra.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Work coordination server for autonomous agent fleets",
	Long: `Foreman keeps a fleet of AI coding agents from stepping on each other.

It owns the shared task board: agents discover work matched to their
capabilities, claim tasks atomically, report failures into per-task
circuit breakers, and hand results back. Humans drive the same board
from this CLI.

Run 'foreman serve' to start the coordination server, or manage tasks
directly with 'foreman task'.`,
	Version: Version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the foreman version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("foreman %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
