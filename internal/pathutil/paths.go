// Package pathutil resolves the on-disk layout shared by every
// subsystem of the daemon: the host-global data directory, per-project
// directories keyed by a stable project hash, and the three SQLite
// roles (registry, shared, agent) that live underneath them.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const productDirName = "cortexd"

// DataDir returns the host-wide data root, overridable via CORTEXD_DATA_DIR.
// Falls back to os.UserConfigDir()/cortexd.
func DataDir() string {
	if v := os.Getenv("CORTEXD_DATA_DIR"); v != "" {
		return v
	}
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		home, herr := os.UserHomeDir()
		if herr != nil || home == "" {
			home = "."
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, productDirName)
}

func ProjectsDir() string {
	return filepath.Join(DataDir(), "projects")
}

func ProjectDir(projectHash string) string {
	return filepath.Join(ProjectsDir(), projectHash)
}

func AgentDBPath(projectHash, agentID string) string {
	return filepath.Join(ProjectDir(projectHash), "agents", agentID+".db")
}

func AgentDataDir(projectHash, agentID string) string {
	return filepath.Join(ProjectDir(projectHash), "agents", agentID)
}

func SharedDBPath(projectHash string) string {
	return filepath.Join(ProjectDir(projectHash), "shared.db")
}

func RegistryDBPath() string {
	return filepath.Join(DataDir(), "registry.db")
}

func WakeSignalsDir() string {
	return filepath.Join(DataDir(), "wake_signals")
}

func WakeSignalPath(agentID string) string {
	return filepath.Join(WakeSignalsDir(), agentID+".signal")
}

func AgentSessionPath(projectHash string) string {
	return filepath.Join(ProjectDir(projectHash), "session_agent")
}

func SessionAgentsDir(projectHash string) string {
	return filepath.Join(ProjectDir(projectHash), "session_agents")
}

func PerSessionAgentPath(projectHash, sessionID string) string {
	return filepath.Join(SessionAgentsDir(projectHash), sessionID)
}

// ConfigPath returns the host-wide config.json location (parsed as
// json5), overridable via CORTEXD_CONFIG.
func ConfigPath() string {
	if v := os.Getenv("CORTEXD_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(DataDir(), "config.json")
}

func SocketPath() string {
	if v := os.Getenv("CORTEXD_SOCKET"); v != "" {
		return v
	}
	return filepath.Join(DataDir(), "cortexd.sock")
}

// ProjectHash canonicalizes path (resolving symlinks) and returns a
// stable, deterministic, non-cryptographic hash of it. xxhash is used
// rather than a cryptographic hash because the identifier only needs
// to be stable across processes, not resistant to deliberate collision.
func ProjectHash(path string) (string, error) {
	canonical, err := filepath.EvalSymlinks(path)
	if err != nil {
		canonical = filepath.Clean(path)
	}
	return HashPathString(canonical), nil
}

// HashPathString is the pure hashing step, split out from ProjectHash
// so callers that already have a canonical string (tests, CLI args
// that reference a hash directly) can skip filesystem I/O.
func HashPathString(canonical string) string {
	sum := xxhash.Sum64String(strings.ToLower(canonical))
	return formatHex(sum)
}

func formatHex(v uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(buf)
}

// ExpandTilde expands a leading ~ to the user's home directory.
func ExpandTilde(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil && home != "" {
			return strings.Replace(path, "~", home, 1)
		}
	}
	return path
}

// EnsureDataDirs creates the directories the daemon writes into on
// first run: projects/ and wake_signals/ under the data root.
func EnsureDataDirs() error {
	for _, dir := range []string{DataDir(), ProjectsDir(), WakeSignalsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
