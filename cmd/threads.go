package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cortexd/internal/model"
	"github.com/nextlevelbuilder/cortexd/internal/pathutil"
	"github.com/nextlevelbuilder/cortexd/internal/storedb"
	"github.com/nextlevelbuilder/cortexd/internal/threadstore"
)

func threadsCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "threads <project_hash> <agent_id>",
		Short: "List threads belonging to an agent",
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

			var threads []*model.Thread
			if status != "" {
				threads, err = threadstore.ListByStatus(db, model.ThreadStatus(status))
			} else {
				threads, err = threadstore.ListAll(db)
			}
			if err != nil {
				return err
			}
			if len(threads) == 0 {
				fmt.Println("no threads")
				return nil
			}
			for _, t := range threads {
				fmt.Printf("%s  [%-9s] importance=%.2f activations=%-3d  %s\n",
					t.ID, t.Status, t.Importance, t.ActivationCount, t.Title)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by active|suspended|archived")
	return cmd
}
