package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cortexd/internal/hookrunner"
)

// hookCmd is the short-lived entry point the host AI CLI invokes on
// every UserPromptSubmit/PostToolUse/PreToolUse event. The hook
// subcommand always exits 0 regardless of what Run
// returns: a failure is logged to stderr and the (possibly unchanged)
// payload is still whatever hookrunner.Run managed to write to stdout.
func hookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hook {inject|capture|pretool|health} <project_hash> [agent_id]",
		Short: "Run one hook invocation (always exits 0)",
		Args:  cobra.RangeArgs(2, 3),
		Run: func(cmd *cobra.Command, args []string) {
			kind := hookrunner.Kind(args[0])
			projectHash := args[1]
			agentID := ""
			if len(args) == 3 {
				agentID = args[2]
			}
			if err := hookrunner.Run(kind, projectHash, agentID, os.Stdin, os.Stdout); err != nil {
				slog.Warn("hook.run_failed", "kind", kind, "error", err)
			}
		},
	}
	return cmd
}
