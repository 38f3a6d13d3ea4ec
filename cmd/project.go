package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cortexd/internal/model"
	"github.com/nextlevelbuilder/cortexd/internal/pathutil"
)

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage registered projects",
	}
	cmd.AddCommand(projectAddCmd())
	cmd.AddCommand(projectRemoveCmd())
	cmd.AddCommand(projectListCmd())
	return cmd
}

func projectAddCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Register a project by its filesystem path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := pathutil.ExpandTilde(args[0])
			hash, err := pathutil.ProjectHash(path)
			if err != nil {
				return err
			}
			reg, db, err := openRegistry()
			if err != nil {
				return err
			}
			defer db.Close()
			if name == "" {
				name = path
			}
			if err := reg.AddProject(&model.Project{Hash: hash, Path: path, Name: name}); err != nil {
				return err
			}
			fmt.Printf("project registered: %s -> %s\n", path, hash)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the path)")
	return cmd
}

func projectRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <project_hash>",
		Short: "Remove a registered project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, db, err := openRegistry()
			if err != nil {
				return err
			}
			defer db.Close()
			if err := reg.RemoveProject(args[0]); err != nil {
				return err
			}
			fmt.Printf("project removed: %s\n", args[0])
			return nil
		},
	}
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, db, err := openRegistry()
			if err != nil {
				return err
			}
			defer db.Close()
			projects, err := reg.ListProjects()
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				fmt.Println("no projects registered")
				return nil
			}
			for _, p := range projects {
				fmt.Printf("%s  %-30s %s\n", p.Hash, p.Name, p.Path)
			}
			return nil
		},
	}
}
