package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cortexd/internal/model"
	"github.com/nextlevelbuilder/cortexd/internal/pathutil"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents registered within a project",
	}
	cmd.AddCommand(agentAddCmd())
	cmd.AddCommand(agentRemoveCmd())
	cmd.AddCommand(agentListCmd())
	cmd.AddCommand(agentHierarchyCmd())
	cmd.AddCommand(agentTasksCmd())
	cmd.AddCommand(agentSelectCmd())
	return cmd
}

func agentAddCmd() *cobra.Command {
	var role, mode, supervisor string
	cmd := &cobra.Command{
		Use:   "add <project_hash> <agent_id>",
		Short: "Register an agent within a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, db, err := openRegistry()
			if err != nil {
				return err
			}
			defer db.Close()
			a := &model.Agent{
				ID:          args[1],
				ProjectHash: args[0],
				Role:        role,
				ThreadMode:  model.ParseThreadMode(mode),
			}
			if supervisor != "" {
				a.SupervisorID = &supervisor
			}
			if err := reg.AddAgent(a); err != nil {
				return err
			}
			fmt.Printf("agent registered: %s (project %s, quota %d)\n", a.ID, a.ProjectHash, a.ThreadMode.Quota())
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "free-form role description")
	cmd.Flags().StringVar(&mode, "thread-mode", "normal", "light|normal|heavy|max")
	cmd.Flags().StringVar(&supervisor, "supervisor", "", "supervisor agent id")
	return cmd
}

func agentRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <project_hash> <agent_id>",
		Short: "Remove an agent (cascades to its thread database)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, db, err := openRegistry()
			if err != nil {
				return err
			}
			defer db.Close()
			if err := reg.RemoveAgent(args[0], args[1]); err != nil {
				return err
			}
			_ = os.Remove(pathutil.AgentDBPath(args[0], args[1]))
			fmt.Printf("agent removed: %s\n", args[1])
			return nil
		},
	}
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <project_hash>",
		Short: "List agents registered within a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, db, err := openRegistry()
			if err != nil {
				return err
			}
			defer db.Close()
			agents, err := reg.ListAgents(args[0])
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				fmt.Println("no agents registered")
				return nil
			}
			for _, a := range agents {
				fmt.Printf("%-24s role=%-14s mode=%-7s quota=%-3d status=%s\n",
					a.ID, a.Role, a.ThreadMode, a.ThreadMode.Quota(), a.Status)
			}
			return nil
		},
	}
}

func agentHierarchyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hierarchy <project_hash>",
		Short: "Print supervisor/subordinate chains for every agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, db, err := openRegistry()
			if err != nil {
				return err
			}
			defer db.Close()
			agents, err := reg.ListAgents(args[0])
			if err != nil {
				return err
			}
			subordinates := make(map[string][]string)
			for _, a := range agents {
				if a.SupervisorID != nil {
					subordinates[*a.SupervisorID] = append(subordinates[*a.SupervisorID], a.ID)
				}
			}
			for _, a := range agents {
				if a.SupervisorID != nil {
					continue // printed as a subordinate below its supervisor
				}
				printHierarchy(a.ID, subordinates, 0)
			}
			return nil
		},
	}
}

func printHierarchy(id string, subordinates map[string][]string, depth int) {
	fmt.Printf("%s- %s\n", indent(depth), id)
	for _, child := range subordinates[id] {
		printHierarchy(child, subordinates, depth+1)
	}
}

func indent(depth int) string {
	out := ""
	for i := 0; i < depth; i++ {
		out += "  "
	}
	return out
}

func agentTasksCmd() *cobra.Command {
	var assignedTo string
	cmd := &cobra.Command{
		Use:   "tasks <project_hash>",
		Short: "List agent_tasks for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, db, err := openRegistry()
			if err != nil {
				return err
			}
			defer db.Close()
			tasks, err := reg.ListTasks(args[0], assignedTo)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("no tasks")
				return nil
			}
			for _, t := range tasks {
				fmt.Printf("%s  [%s/%s] %s -> %s\n", t.ID, t.Priority, t.Status, t.AssignedTo, t.Title)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&assignedTo, "assigned-to", "", "filter by assignee agent id")
	return cmd
}

func agentSelectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "select <project_hash> <agent_id> <session_id>",
		Short: "Bind a session id to an agent (what ai_agent_select does from inside the agent)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := pathutil.PerSessionAgentPath(args[0], args[2])
			if err := os.WriteFile(path, []byte(args[1]), 0o644); err != nil {
				return err
			}
			fmt.Printf("session %s bound to agent %s\n", args[2], args[1])
			return nil
		},
	}
}
