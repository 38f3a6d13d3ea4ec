package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cortexd/internal/config"
	"github.com/nextlevelbuilder/cortexd/internal/model"
	"github.com/nextlevelbuilder/cortexd/internal/pathutil"
)

// initCmd runs the first-run onboarding wizard: it writes config.json
// if one doesn't exist yet, then registers the first project and its
// first agent, the minimum state a hook invocation needs to find
// anything in registry.db.
func initCmd() *cobra.Command {
	var nonInteractive bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive first-run setup: write config.json and register a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if nonInteractive {
				return runNonInteractiveInit()
			}
			return runInteractiveInit()
		},
	}
	cmd.Flags().BoolVar(&nonInteractive, "yes", false, "accept defaults without prompting")
	return cmd
}

func runNonInteractiveInit() error {
	if err := pathutil.EnsureDataDirs(); err != nil {
		return err
	}
	if err := writeDefaultConfigIfAbsent(); err != nil {
		return err
	}
	fmt.Println("wrote", pathutil.ConfigPath())
	fmt.Println("run `cortexd project add <path>` and `cortexd agent add <project_hash> <agent_id>` next")
	return nil
}

func runInteractiveInit() error {
	if err := pathutil.EnsureDataDirs(); err != nil {
		return err
	}
	if err := writeDefaultConfigIfAbsent(); err != nil {
		return err
	}

	var (
		projectPath string
		projectName string
		agentID     string
		threadMode  = "normal"
		registerNow = true
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("cortexd setup").
				Description("This registers your first project and agent in registry.db."),
			huh.NewConfirm().
				Title("Register a project now?").
				Value(&registerNow),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Project path").
				Description("absolute path to the repository this agent works in").
				Value(&projectPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("path is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Project name").
				Description("defaults to the path if left blank").
				Value(&projectName),
			huh.NewInput().
				Title("Agent id").
				Value(&agentID).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("agent id is required")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Thread mode").
				Options(
					huh.NewOption("light  (quota 15)", "light"),
					huh.NewOption("normal (quota 50)", "normal"),
					huh.NewOption("heavy  (quota 100)", "heavy"),
					huh.NewOption("max    (quota 200)", "max"),
				).
				Value(&threadMode),
		).WithHideFunc(func() bool { return !registerNow }),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("setup wizard: %w", err)
	}
	if !registerNow {
		fmt.Println("wrote", pathutil.ConfigPath())
		return nil
	}

	path := pathutil.ExpandTilde(projectPath)
	hash, err := pathutil.ProjectHash(path)
	if err != nil {
		return err
	}
	if projectName == "" {
		projectName = path
	}

	reg, db, err := openRegistry()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := reg.AddProject(&model.Project{Hash: hash, Path: path, Name: projectName}); err != nil {
		return fmt.Errorf("register project: %w", err)
	}
	if err := reg.AddAgent(&model.Agent{
		ID:          agentID,
		ProjectHash: hash,
		ThreadMode:  model.ParseThreadMode(threadMode),
	}); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}

	fmt.Printf("\nregistered project %s (%s) and agent %s\n", projectName, hash, agentID)
	fmt.Println("start the daemon with `cortexd daemon start`")
	return nil
}

func writeDefaultConfigIfAbsent() error {
	path := pathutil.ConfigPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := json.MarshalIndent(config.Defaults().Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
