package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cortexd/internal/config"
	"github.com/nextlevelbuilder/cortexd/internal/inject"
	"github.com/nextlevelbuilder/cortexd/internal/model"
	"github.com/nextlevelbuilder/cortexd/internal/pathutil"
	"github.com/nextlevelbuilder/cortexd/internal/storedb"
	"github.com/nextlevelbuilder/cortexd/internal/threadstore"
)

func searchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <project_hash> <agent_id> <query...>",
		Short: "Run the engram retriever against an agent's active threads",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := storedb.Open(pathutil.AgentDBPath(args[0], args[1]))
			if err != nil {
				return fmt.Errorf("open agent db: %w", err)
			}
			defer db.Close()
			if err := storedb.Migrate(db, storedb.RoleAgent); err != nil {
				return fmt.Errorf("migrate agent db: %w", err)
			}

			threads, err := threadstore.ListByStatus(db, model.ThreadActive)
			if err != nil {
				return err
			}
			query := strings.Join(args[2:], " ")
			cfg := config.Defaults().Engram
			eng := inject.NewEngram(threads, cfg)
			hits := eng.Retrieve(query, threads, "")
			if len(hits) == 0 {
				fmt.Println("no matching threads")
				return nil
			}
			for _, t := range hits {
				fmt.Printf("%s  relevance=%.2f importance=%.2f  %s\n", t.ID, t.RelevanceScore, t.Importance, t.Title)
			}
			return nil
		},
	}
}
