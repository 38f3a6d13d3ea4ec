package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cortexd/internal/config"
	"github.com/nextlevelbuilder/cortexd/internal/pathutil"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and edit config.json",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configGetCmd())
	cmd.AddCommand(configSetEnabledCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(pathutil.ConfigPath())
			if err != nil {
				return err
			}
			snap := cfg.Snapshot()
			out, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <section>",
		Short: "Print a single top-level section (extraction|coherence|gossip|decay|healthguard|backup|injection|engram|telemetry)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(pathutil.ConfigPath())
			if err != nil {
				return err
			}
			snap := cfg.Snapshot()
			var section any
			switch args[0] {
			case "extraction":
				section = snap.Extraction
			case "coherence":
				section = snap.Coherence
			case "gossip":
				section = snap.Gossip
			case "decay":
				section = snap.Decay
			case "healthguard":
				section = snap.HealthGuard
			case "backup":
				section = snap.Backup
			case "injection":
				section = snap.Injection
			case "engram":
				section = snap.Engram
			case "telemetry":
				section = snap.Telemetry
			default:
				return fmt.Errorf("unknown section %q", args[0])
			}
			out, err := json.MarshalIndent(section, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

// configSetEnabledCmd toggles the handful of boolean feature gates that
// operators actually flip from the command line; finer-grained tuning
// means hand-editing config.json.
func configSetEnabledCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-enabled <backup|healthguard|label_suggestion|telemetry> <true|false>",
		Short: "Flip a boolean feature gate and persist it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled := args[1] == "true"
			path := pathutil.ConfigPath()
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			snap := cfg.Snapshot()
			switch args[0] {
			case "backup":
				snap.Backup.Enabled = enabled
			case "healthguard":
				snap.HealthGuard.Enabled = enabled
			case "label_suggestion":
				snap.LabelSuggestion.Enabled = enabled
			case "telemetry":
				snap.Telemetry.Enabled = enabled
			default:
				return fmt.Errorf("unknown feature %q", args[0])
			}
			data, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("%s.enabled = %v\n", args[0], enabled)
			return nil
		},
	}
}
