// Command burnsync keeps a local script tree in sync with a running
// Bitburner game over its remote API.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/burnsync/internal/config"
	"github.com/Mschirtzinger/burnsync/internal/rpc"
)

// Exit codes.
const (
	exitOK        = 0
	exitError     = 1
	exitPortInUse = 2
)

var rootCmd = &cobra.Command{
	Use:   "burnsync",
	Short: "Sync a local script tree with a Bitburner game",
	Long: `burnsync watches a project directory and pushes every change to a
Bitburner game connected through its Remote API (Options > Remote API,
port 12525 by default). Files can be compiled with esbuild on the way and
imports are rewritten to match their remote locations.

Without a subcommand, burnsync runs "watch".`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().IntP("port", "p", config.DefaultPort, "Port the game connects to")
	rootCmd.PersistentFlags().String("cwd", "", "Project root (default: current directory)")
	rootCmd.PersistentFlags().Int("timeout", int(config.DefaultTimeout.Milliseconds()), "Request timeout in milliseconds")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default: burnsync.{yaml,json,toml} in the project root)")
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, rpc.ErrPortInUse):
		return exitPortInUse
	default:
		return exitError
	}
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, rpc.ErrPortInUse) {
			fmt.Fprintf(os.Stderr, "Is another burnsync running? Use --port to pick another port.\n")
		}
	}
	os.Exit(exitCode(err))
}
