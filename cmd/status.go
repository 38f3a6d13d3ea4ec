package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cortexd/internal/ipcclient"
	"github.com/nextlevelbuilder/cortexd/internal/pathutil"
)

// statusCmd is a thin top-level alias for "daemon status" that also
// accepts a project/agent pair to drill into per-agent thread counts,
// since the IPC "status" method already branches on that.
func statusCmd() *cobra.Command {
	var projectHash, agentID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report daemon, pool, queue, and (optionally) per-agent status",
		RunE: func(cmd *cobra.Command, args []string) error {
			socket := pathutil.SocketPath()
			if !ipcclient.Reachable(socket) {
				fmt.Println("cortexd: not running")
				return nil
			}
			params := map[string]string{}
			if projectHash != "" {
				params["project_hash"] = projectHash
			}
			if agentID != "" {
				params["agent_id"] = agentID
			}
			var out map[string]any
			if err := ipcclient.Call(socket, "status", params, &out); err != nil {
				return fmt.Errorf("status call failed: %w", err)
			}
			enc, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(enc))
			return nil
		},
	}
	cmd.Flags().StringVar(&projectHash, "project", "", "project hash to scope status to")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id to scope status to (requires --project)")
	return cmd
}
