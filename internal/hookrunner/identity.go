// Package hookrunner implements the short-lived per-event process
// invoked by the host AI CLI on UserPromptSubmit / PostToolUse /
// PreToolUse. It owns agent-identity resolution and the four
// subcommands (inject, capture, pretool, health); cmd/hook.go is the
// thin cobra shell that always reports exit code 0 regardless of what
// Run returns.
package hookrunner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/cortexd/internal/controller"
	"github.com/nextlevelbuilder/cortexd/internal/pathutil"
	"github.com/nextlevelbuilder/cortexd/internal/registry"
)

// resumeArgPattern extracts a session id from a parent process's
// cmdline, e.g. "... --resume 3f9a2c...", step 5 of the identity
// cascade. Linux-only: /proc/<pid>/cmdline is read verbatim.
var resumeArgPattern = regexp.MustCompile(`--resume[= ]([A-Za-z0-9_-]+)`)

// ResolveIdentity runs the eight-step identity cascade, first match
// wins. explicitArg is the CLI's [agent_id] positional argument, empty
// if not given.
func ResolveIdentity(reg *registry.Store, projectHash, explicitArg string) string {
	if explicitArg != "" {
		return explicitArg
	}
	if v := os.Getenv("CORTEXD_AGENT_ID"); v != "" {
		return v
	}
	if v := os.Getenv("CORTEXD_AGENT"); v != "" {
		return v
	}
	if reg != nil {
		if a, err := reg.SoleAgent(projectHash); err == nil && a != nil {
			return a.ID
		}
	}
	if sessionID := resumeSessionID(); sessionID != "" {
		if id := readSessionFile(pathutil.PerSessionAgentPath(projectHash, sessionID)); id != "" {
			return id
		}
	}
	if id := recentWakeAgent(projectHash); id != "" {
		return id
	}
	if id := readSessionFile(pathutil.AgentSessionPath(projectHash)); id != "" {
		return id
	}
	return anonymousID(projectHash)
}

// resumeSessionID reads the parent process's cmdline on Linux looking
// for "--resume <id>"; returns "" on any non-Linux platform or failure.
func resumeSessionID() string {
	ppid := os.Getppid()
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(ppid), "cmdline"))
	if err != nil {
		return ""
	}
	cmdline := strings.ReplaceAll(string(data), "\x00", " ")
	m := resumeArgPattern.FindStringSubmatch(cmdline)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func readSessionFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// recentWakeAgent scans wake_signals/ for a signal file whose
// acknowledged_at is under 15s old, step 6 of the cascade. The signal
// file is named <agent_id>.signal by pathutil.WakeSignalPath.
func recentWakeAgent(projectHash string) string {
	dir := pathutil.WakeSignalsDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".signal") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var sig controller.WakeSignal
		if json.Unmarshal(data, &sig) != nil || !sig.Acknowledged ||
			time.Since(sig.AcknowledgedAt) >= 15*time.Second {
			continue
		}
		return strings.TrimSuffix(e.Name(), ".signal")
	}
	return ""
}

// anonymousID is step 8's final fallback: a stable anon-<hash-prefix>
// identity so a capture/inject without any resolvable agent still has
// somewhere to write, rather than being silently dropped.
func anonymousID(projectHash string) string {
	prefix := projectHash
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return "anon-" + prefix
}
