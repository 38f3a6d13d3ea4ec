package ipc

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/cortexd/internal/model"
	"github.com/nextlevelbuilder/cortexd/internal/pool"
	"github.com/nextlevelbuilder/cortexd/internal/queue"
	"github.com/nextlevelbuilder/cortexd/internal/registry"
	"github.com/nextlevelbuilder/cortexd/internal/threadmgr"
	"github.com/nextlevelbuilder/cortexd/internal/threadstore"
)

// Methods wires the daemon's method table onto a Pool/Queue/
// registry.Store triple.
type Methods struct {
	Pool     *pool.Pool
	Queue    *queue.Queue
	Registry *registry.Store
	Shutdown func()
}

// Register installs every daemon method onto srv.
func (m *Methods) Register(srv *Server) {
	srv.Register("ping", m.ping)
	srv.Register("status", m.status)
	srv.Register("shutdown", m.handleShutdown)
	srv.Register("tool_capture", m.toolCapture)
	srv.Register("prompt_capture", m.promptCapture)
	srv.Register("injection_usage", m.injectionUsage)
	srv.Register("lock", m.lock)
	srv.Register("unlock", m.unlock)
	srv.Register("pool_status", m.poolStatus)
	srv.Register("queue_status", m.queueStatus)
	srv.Register("set_thread_mode", m.setThreadMode)
	srv.Register("list_active_agents", m.listActiveAgents)
}

func (m *Methods) ping(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]bool{"pong": true}, nil
}

type agentParams struct {
	ProjectHash string `json:"project_hash"`
	AgentID     string `json:"agent_id"`
}

func (m *Methods) status(_ context.Context, raw json.RawMessage) (any, error) {
	var p agentParams
	_ = json.Unmarshal(raw, &p)
	if p.ProjectHash == "" || p.AgentID == "" {
		return map[string]any{
			"pool":  m.Pool.Stats(),
			"queue": m.Queue.Stats(),
		}, nil
	}
	key := pool.AgentKey{ProjectHash: p.ProjectHash, AgentID: p.AgentID}
	var counts map[string]int
	err := m.Pool.WithConn(key, func(db *sql.DB) error {
		var statusErr error
		counts, statusErr = countThreadsByStatus(db)
		return statusErr
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"project_hash": p.ProjectHash,
		"agent_id":     p.AgentID,
		"locked":       m.Pool.IsLocked(key),
		"quota":        m.Pool.GetThreadQuota(key),
		"threads":      counts,
	}, nil
}

func countThreadsByStatus(db *sql.DB) (map[string]int, error) {
	out := make(map[string]int, 3)
	for _, status := range []model.ThreadStatus{model.ThreadActive, model.ThreadSuspended, model.ThreadArchived} {
		n, err := threadstore.CountByStatus(db, status)
		if err != nil {
			return nil, err
		}
		out[string(status)] = n
	}
	return out, nil
}

func (m *Methods) handleShutdown(_ context.Context, _ json.RawMessage) (any, error) {
	if m.Shutdown != nil {
		go m.Shutdown()
	}
	return map[string]bool{"shutting_down": true}, nil
}

type toolCaptureParams struct {
	ProjectHash string `json:"project_hash"`
	AgentID     string `json:"agent_id"`
	SourceType  string `json:"source_type"`
	Content     string `json:"content"`
	FilePath    string `json:"file_path,omitempty"`
}

func (m *Methods) toolCapture(_ context.Context, raw json.RawMessage) (any, error) {
	var p toolCaptureParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid tool_capture params: %w", err)
	}
	if p.ProjectHash == "" || p.AgentID == "" {
		return nil, fmt.Errorf("project_hash and agent_id are required")
	}
	queued := m.Queue.TrySubmit(queue.Job{
		ProjectHash: p.ProjectHash,
		AgentID:     p.AgentID,
		Kind:        queue.JobCapture,
		SourceType:  p.SourceType,
		Content:     p.Content,
		FilePath:    p.FilePath,
	})
	return map[string]any{"queued": queued}, nil
}

type promptCaptureParams struct {
	ProjectHash string `json:"project_hash"`
	AgentID     string `json:"agent_id"`
	Prompt      string `json:"prompt"`
	SessionID   string `json:"session_id,omitempty"`
}

func (m *Methods) promptCapture(_ context.Context, raw json.RawMessage) (any, error) {
	var p promptCaptureParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid prompt_capture params: %w", err)
	}
	if p.ProjectHash == "" || p.AgentID == "" {
		return nil, fmt.Errorf("project_hash and agent_id are required")
	}
	queued := m.Queue.TrySubmit(queue.Job{
		ProjectHash: p.ProjectHash,
		AgentID:     p.AgentID,
		Kind:        queue.JobPrompt,
		Content:     p.Prompt,
		SessionID:   p.SessionID,
	})
	return map[string]any{"queued": queued}, nil
}

type injectionUsageParams struct {
	ProjectHash string `json:"project_hash"`
	AgentID     string `json:"agent_id"`
	ThreadID    string `json:"thread_id"`
}

// injectionUsage records that the agent actually acted on threadID
// after it was surfaced through the injection pipeline, distinct from
// the injection count itself (see threadmgr.RecordUsage).
func (m *Methods) injectionUsage(_ context.Context, raw json.RawMessage) (any, error) {
	var p injectionUsageParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid injection_usage params: %w", err)
	}
	key := pool.AgentKey{ProjectHash: p.ProjectHash, AgentID: p.AgentID}
	err := m.Pool.WithConn(key, func(db *sql.DB) error {
		t, err := threadstore.GetThread(db, p.ThreadID)
		if err != nil {
			return err
		}
		threadmgr.RecordUsage(t)
		return threadstore.UpdateThread(db, t)
	})
	if err != nil {
		return nil, err
	}
	return map[string]bool{"recorded": true}, nil
}

func (m *Methods) lock(_ context.Context, raw json.RawMessage) (any, error) {
	return m.setLocked(raw, true)
}

func (m *Methods) unlock(_ context.Context, raw json.RawMessage) (any, error) {
	return m.setLocked(raw, false)
}

func (m *Methods) setLocked(raw json.RawMessage, locked bool) (any, error) {
	var p agentParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	key := pool.AgentKey{ProjectHash: p.ProjectHash, AgentID: p.AgentID}
	m.Pool.SetLocked(key, locked)
	return map[string]bool{"locked": locked}, nil
}

func (m *Methods) poolStatus(_ context.Context, _ json.RawMessage) (any, error) {
	return m.Pool.Stats(), nil
}

func (m *Methods) queueStatus(_ context.Context, _ json.RawMessage) (any, error) {
	return m.Queue.Stats(), nil
}

type setThreadModeParams struct {
	ProjectHash string `json:"project_hash"`
	AgentID     string `json:"agent_id"`
	ThreadMode  string `json:"thread_mode"`
}

func (m *Methods) setThreadMode(_ context.Context, raw json.RawMessage) (any, error) {
	var p setThreadModeParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid set_thread_mode params: %w", err)
	}
	mode := model.ParseThreadMode(p.ThreadMode)
	quota, err := m.Registry.SetThreadMode(p.ProjectHash, p.AgentID, mode)
	if err != nil {
		return nil, err
	}
	key := pool.AgentKey{ProjectHash: p.ProjectHash, AgentID: p.AgentID}
	m.Pool.SetThreadQuota(key, quota)

	suspended := 0
	err = m.Pool.WithConn(key, func(db *sql.DB) error {
		mgr := threadmgr.New(db, quota)
		n, quotaErr := mgr.EnforceQuota()
		suspended = n
		if quotaErr != nil {
			return nil // soft-fail: quota exhaustion isn't an RPC error here
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"updated": true, "threads_suspended": suspended}, nil
}

func (m *Methods) listActiveAgents(_ context.Context, _ json.RawMessage) (any, error) {
	agents, err := m.Registry.ListActiveAgents()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		key := pool.AgentKey{ProjectHash: a.ProjectHash, AgentID: a.ID}
		out = append(out, map[string]any{
			"project_hash": a.ProjectHash,
			"agent_id":     a.ID,
			"locked":       m.Pool.IsLocked(key),
		})
	}
	return out, nil
}
