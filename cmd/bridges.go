package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cortexd/internal/model"
	"github.com/nextlevelbuilder/cortexd/internal/pathutil"
	"github.com/nextlevelbuilder/cortexd/internal/storedb"
	"github.com/nextlevelbuilder/cortexd/internal/threadstore"
)

func bridgesCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "bridges <project_hash> <agent_id>",
		Short: "List gossip bridges between threads",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := storedb.Open(pathutil.AgentDBPath(args[0], args[1]))
			if err != nil {
				return fmt.Errorf("open agent db: %w", err)
			}
			defer db.Close()
			if err := storedb.Migrate(db, storedb.RoleAgent); err != nil {
				return fmt.Errorf("migrate agent db: %w", err)
			}

			var bridges []*model.Bridge
			if status != "" {
				bridges, err = threadstore.ListBridgesByStatus(db, model.BridgeStatus(status))
			} else {
				bridges, err = threadstore.ListAllBridges(db)
			}
			if err != nil {
				return err
			}
			if len(bridges) == 0 {
				fmt.Println("no bridges")
				return nil
			}
			for _, b := range bridges {
				fmt.Printf("%s  %s -[%s w=%.2f]-> %s  (%s)\n",
					b.ID, b.SourceID, b.RelationType, b.Weight, b.TargetID, b.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by active|dismissed|merged")
	return cmd
}
