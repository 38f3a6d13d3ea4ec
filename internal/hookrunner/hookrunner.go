package hookrunner

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/cortexd/internal/beat"
	"github.com/nextlevelbuilder/cortexd/internal/config"
	"github.com/nextlevelbuilder/cortexd/internal/controller"
	"github.com/nextlevelbuilder/cortexd/internal/healthguard"
	"github.com/nextlevelbuilder/cortexd/internal/inject"
	"github.com/nextlevelbuilder/cortexd/internal/ipcclient"
	"github.com/nextlevelbuilder/cortexd/internal/model"
	"github.com/nextlevelbuilder/cortexd/internal/pathutil"
	"github.com/nextlevelbuilder/cortexd/internal/registry"
	"github.com/nextlevelbuilder/cortexd/internal/storedb"
)

// Kind is which of the four hook subcommands is running.
type Kind string

const (
	KindInject  Kind = "inject"
	KindCapture Kind = "capture"
	KindPretool Kind = "pretool"
	KindHealth  Kind = "health"
)

// promptPayload is the stdin shape for inject/capture, a minimal
// superset of what every host AI CLI's hook JSON carries.
type promptPayload struct {
	Prompt     string `json:"prompt"`
	Content    string `json:"content"`
	SourceType string `json:"source_type"`
	FilePath   string `json:"file_path"`
	SessionID  string `json:"session_id"`
}

// Run executes one hook invocation: reads stdin, resolves identity,
// dispatches by kind, writes stdout. It never returns a fatal
// condition to the caller as anything other than a log line — the hook
// process always exits 0, enforced by cmd/hook.go discarding this
// return value for exit-code purposes.
func Run(kind Kind, projectHash, explicitAgentID string, stdin io.Reader, stdout io.Writer) error {
	if guardVar := os.Getenv("CORTEXD_GUARD_ENV"); guardVar != "" && os.Getenv(guardVar) != "" {
		return passthrough(stdin, stdout)
	}

	raw, err := io.ReadAll(bufio.NewReader(stdin))
	if err != nil {
		return passthroughBytes(raw, stdout)
	}
	var payload promptPayload
	_ = json.Unmarshal(raw, &payload)

	regDB, err := storedb.Open(pathutil.RegistryDBPath())
	if err != nil {
		return passthroughBytes(raw, stdout)
	}
	defer regDB.Close()
	if err := storedb.Migrate(regDB, storedb.RoleRegistry); err != nil {
		return passthroughBytes(raw, stdout)
	}
	reg := registry.New(regDB)

	agentID := ResolveIdentity(reg, projectHash, explicitAgentID)
	if payload.SessionID != "" {
		_ = os.WriteFile(pathutil.PerSessionAgentPath(projectHash, payload.SessionID), []byte(agentID), 0o644)
	}

	switch kind {
	case KindInject:
		return runInject(reg, projectHash, agentID, payload, stdout)
	case KindCapture:
		return runCapture(projectHash, agentID, payload, stdout, raw)
	case KindPretool:
		return runPretool(projectHash, agentID, payload, stdout, raw)
	case KindHealth:
		return runHealth(projectHash, agentID, stdout)
	default:
		return passthroughBytes(raw, stdout)
	}
}

func passthrough(stdin io.Reader, stdout io.Writer) error {
	data, _ := io.ReadAll(stdin)
	return passthroughBytes(data, stdout)
}

func passthroughBytes(raw []byte, stdout io.Writer) error {
	_, err := stdout.Write(raw)
	return err
}

// runInject opens the agent DB in hook mode (one-shot, closed at the
// end of this call rather than cached in a pool) and assembles the
// ten injection layers, firing prompt_capture at the daemon
// fire-and-forget first.
func runInject(reg *registry.Store, projectHash, agentID string, payload promptPayload, stdout io.Writer) error {
	fireCapture("prompt_capture", map[string]string{
		"project_hash": projectHash, "agent_id": agentID,
		"prompt": payload.Prompt, "session_id": payload.SessionID,
	})

	dbPath := pathutil.AgentDBPath(projectHash, agentID)
	db, err := storedb.Open(dbPath)
	if err != nil {
		return emitPrompt(payload.Prompt, stdout)
	}
	defer db.Close()
	if err := storedb.Migrate(db, storedb.RoleAgent); err != nil {
		return emitPrompt(payload.Prompt, stdout)
	}

	beatPath := filepath.Join(pathutil.AgentDataDir(projectHash, agentID), "beat.json")
	st, err := beat.Load(beatPath)
	if err != nil {
		st = beat.New(beatPath)
	}
	st.RecordInteraction(payload.SessionID)
	_ = st.Save()

	var agent *model.Agent
	if reg != nil {
		agent, _ = reg.GetAgent(projectHash, agentID)
	}

	cfg, err := config.Load(pathutil.ConfigPath())
	if err != nil {
		cfg = config.Defaults()
	}

	queued := drainInjectQueue(projectHash, agentID)

	result := inject.Assemble(inject.Input{
		DB:           db,
		DBPath:       dbPath,
		Beat:         st,
		Registry:     reg,
		Agent:        agent,
		ProjectHash:  projectHash,
		AgentID:      agentID,
		SessionID:    payload.SessionID,
		Prompt:       payload.Prompt,
		AgentDataDir: pathutil.AgentDataDir(projectHash, agentID),
		Config:       cfg.Snapshot(),
	})
	// Persist the nudge cooldown entry Assemble may have scheduled.
	_ = st.Save()
	if len(queued) > 0 {
		var blocks []string
		for _, text := range queued {
			blocks = append(blocks, "<system-reminder>"+text+"</system-reminder>")
		}
		result = strings.Join(blocks, "\n") + "\n" + result
	}
	return emitPrompt(result, stdout)
}

// drainInjectQueue consumes the controller's fallback injection files
// for this agent: expired ones are deleted outright, the rest are
// removed and their text returned for delivery with this prompt.
func drainInjectQueue(projectHash, agentID string) []string {
	dir := filepath.Join(pathutil.AgentDataDir(projectHash, agentID), "inject_queue")
	controller.DrainExpiredQueue(dir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var texts []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var doc struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(data, &doc); err == nil && doc.Text != "" {
			texts = append(texts, doc.Text)
		}
		_ = os.Remove(path)
	}
	return texts
}

func emitPrompt(prompt string, stdout io.Writer) error {
	out, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return err
	}
	_, err = stdout.Write(out)
	return err
}

// runCapture fires tool_capture at the daemon and echoes the original
// payload back unchanged — capture never alters what the CLI sees.
func runCapture(projectHash, agentID string, payload promptPayload, stdout io.Writer, raw []byte) error {
	fireCapture("tool_capture", map[string]string{
		"project_hash": projectHash, "agent_id": agentID,
		"source_type": payload.SourceType, "content": payload.Content, "file_path": payload.FilePath,
	})
	return passthroughBytes(raw, stdout)
}

// runPretool behaves like capture but is invoked before the tool runs:
// it first deletes expired inject_queue files, then hands the payload
// to runCapture unchanged, so the pipeline sees no before/after
// distinction.
func runPretool(projectHash, agentID string, payload promptPayload, stdout io.Writer, raw []byte) error {
	controller.DrainExpiredQueue(filepath.Join(pathutil.AgentDataDir(projectHash, agentID), "inject_queue"))
	return runCapture(projectHash, agentID, payload, stdout, raw)
}

// runHealth runs the seven HealthGuard checks directly (bypassing the
// daemon entirely — a hook-mode health check is meant to work even if
// the daemon isn't running) and prints any High/Critical findings as
// an injectable suggestion block; Low/Medium findings are not printed,
// and no MCP tool lists them.
func runHealth(projectHash, agentID string, stdout io.Writer) error {
	dbPath := pathutil.AgentDBPath(projectHash, agentID)
	db, err := storedb.Open(dbPath)
	if err != nil {
		return emitPrompt("", stdout)
	}
	defer db.Close()
	if err := storedb.Migrate(db, storedb.RoleAgent); err != nil {
		return emitPrompt("", stdout)
	}

	cfg, err := config.Load(pathutil.ConfigPath())
	if err != nil {
		cfg = config.Defaults()
	}
	findings, err := healthguard.Run(db, dbPath, cfg.Snapshot())
	if err != nil {
		return emitPrompt("", stdout)
	}

	var block string
	for _, f := range findings {
		if f.ShouldInject() {
			block += fmt.Sprintf("[%s] %s (%s)\n", f.Priority, f.Message, f.Action)
		}
	}
	return emitPrompt(block, stdout)
}

// fireCapture is deliberately fire-and-forget: it runs on its own
// goroutine and swallows any error, since a hook must never fail the
// host CLI's tool/prompt flow over a daemon that is slow, restarting,
// or absent. Callers that need the capture queued before the process
// exits (every caller here does, since main() returns right after)
// rely on the OS delivering already-written socket data even if this
// goroutine is still in flight at exit.
func fireCapture(method string, params map[string]string) {
	go func() {
		_ = ipcclient.Call(pathutil.SocketPath(), method, params, nil)
	}()
}
