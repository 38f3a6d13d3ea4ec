package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cortexd/internal/config"
	"github.com/nextlevelbuilder/cortexd/internal/mcptools"
	"github.com/nextlevelbuilder/cortexd/internal/pathutil"
)

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp <project_hash> <agent_id>",
		Short: "Serve the agent-visible MCP tool surface over stdio",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, regDB, err := openRegistry()
			if err != nil {
				return err
			}
			defer regDB.Close()

			configFn := func() config.GuardianConfig {
				cfg, err := config.Load(pathutil.ConfigPath())
				if err != nil {
					return config.Defaults().Snapshot()
				}
				return cfg.Snapshot()
			}

			srv, err := mcptools.New(args[0], args[1], reg, configFn)
			if err != nil {
				return fmt.Errorf("start mcp server: %w", err)
			}
			defer srv.Close()
			return srv.ServeStdio()
		},
	}
}
