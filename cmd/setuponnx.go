package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// setupONNXCmd exists only because the hook/hook-adjacent tooling this
// daemon talks to advertises a local embedding runtime; the runtime
// itself (downloading and running an ONNX model) is not wired —
// Gossip.Embedding.Mode stays "off" until an operator wires a
// provider-backed embedding mode by hand.
func setupONNXCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup-onnx",
		Short: "Placeholder for local embedding runtime setup (not implemented)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("local ONNX embedding runtime setup is out of scope for cortexd; " +
				"set gossip.embedding.mode to \"off\" (default) or point it at a provider-backed mode by hand")
			return nil
		},
	}
}
