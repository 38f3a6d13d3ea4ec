// Package cmd is the daemon's thin CLI shell: a cobra root command
// plus one subcommand file per surface area (daemon, hook, project,
// agent, status, threads, bridges, search, config, mcp, init).
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X .../cmd.Version=v1.0.0".
var Version = "dev"

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "cortexd",
	Short: "cortexd — cognitive-memory daemon for long-running AI coding agents",
	Long: "cortexd observes agent tool output and prompts, distills them into\n" +
		"persistent memory threads, and injects curated context back into every\n" +
		"subsequent prompt. This binary is the daemon plus its CLI/hook shell.",
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(hookCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(threadsCmd())
	rootCmd.AddCommand(bridgesCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(setupONNXCmd())
}

func initLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cortexd %s\n", Version)
		},
	}
}

// Execute runs the root cobra command. Hook subcommands never reach
// this path's exit code: cmd/hook.go uses Run, which has no error
// return, so a hook failure never turns into a non-zero exit.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
