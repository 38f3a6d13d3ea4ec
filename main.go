// Command cortexd is the cognitive-memory daemon's entrypoint, a
// one-line main() deferring to cmd.Execute(); see cmd/root.go for
// the CLI surface.
package main

import "github.com/nextlevelbuilder/cortexd/cmd"

func main() {
	cmd.Execute()
}
