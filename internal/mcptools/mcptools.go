// Package mcptools declares the agent-visible MCP tool surface —
// threads, bridges, recall, focus, split, merge, share, discover,
// messaging, status, agents, windows — as a stdio JSON-RPC server
// over github.com/mark3labs/mcp-go. Every handler here is a thin
// adapter over the same threadstore/threadmgr/sharedstore calls the
// hook and daemon code paths use; nothing here duplicates pipeline or
// maintenance logic.
package mcptools

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/cortexd/internal/config"
	"github.com/nextlevelbuilder/cortexd/internal/inject"
	"github.com/nextlevelbuilder/cortexd/internal/model"
	"github.com/nextlevelbuilder/cortexd/internal/pathutil"
	"github.com/nextlevelbuilder/cortexd/internal/registry"
	"github.com/nextlevelbuilder/cortexd/internal/sharedstore"
	"github.com/nextlevelbuilder/cortexd/internal/storedb"
	"github.com/nextlevelbuilder/cortexd/internal/threadmgr"
	"github.com/nextlevelbuilder/cortexd/internal/threadstore"
)

// Server holds the one agent-DB connection and one shared-DB
// connection this MCP process keeps open for its whole session
// lifetime (unlike the hook's per-call ephemeral open), since an MCP
// stdio server is itself a long-lived per-session process.
type Server struct {
	ProjectHash string
	AgentID     string
	AgentDB     *sql.DB
	SharedDB    *sql.DB
	Registry    *registry.Store
	ConfigFn    func() config.GuardianConfig

	mcp *server.MCPServer
}

// New opens the agent and shared databases for (projectHash, agentID)
// and registers every tool. The caller owns the registry DB connection
// and passes its *registry.Store in.
func New(projectHash, agentID string, reg *registry.Store, configFn func() config.GuardianConfig) (*Server, error) {
	agentDB, err := storedb.Open(pathutil.AgentDBPath(projectHash, agentID))
	if err != nil {
		return nil, fmt.Errorf("mcptools: open agent db: %w", err)
	}
	if err := storedb.Migrate(agentDB, storedb.RoleAgent); err != nil {
		agentDB.Close()
		return nil, err
	}
	sharedDB, err := storedb.Open(pathutil.SharedDBPath(projectHash))
	if err != nil {
		agentDB.Close()
		return nil, fmt.Errorf("mcptools: open shared db: %w", err)
	}
	if err := storedb.Migrate(sharedDB, storedb.RoleShared); err != nil {
		agentDB.Close()
		sharedDB.Close()
		return nil, err
	}

	s := &Server{
		ProjectHash: projectHash,
		AgentID:     agentID,
		AgentDB:     agentDB,
		SharedDB:    sharedDB,
		Registry:    reg,
		ConfigFn:    configFn,
	}
	s.mcp = server.NewMCPServer("cortexd", "1.0.0", server.WithToolCapabilities(true))
	s.registerTools()
	return s, nil
}

func (s *Server) Close() {
	s.AgentDB.Close()
	s.SharedDB.Close()
}

// ServeStdio blocks, serving MCP requests over stdin/stdout until the
// client disconnects.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("threads",
		mcp.WithDescription("List this agent's memory threads, optionally filtered by status (active, suspended, archived)"),
		mcp.WithString("status", mcp.Description("active|suspended|archived, omit for all")),
	), s.handleThreads)

	s.mcp.AddTool(mcp.NewTool("bridges",
		mcp.WithDescription("List the concept bridges connecting this agent's threads"),
	), s.handleBridges)

	s.mcp.AddTool(mcp.NewTool("recall",
		mcp.WithDescription("Retrieve the memory threads most relevant to a query, ranked by the nine-validator engram scorer"),
		mcp.WithString("query", mcp.Required(), mcp.Description("free-text query")),
	), s.handleRecall)

	s.mcp.AddTool(mcp.NewTool("focus",
		mcp.WithDescription("Pin a thread as a manual focus (protected from quota eviction and decay)"),
		mcp.WithString("thread_id", mcp.Required()),
	), s.handleFocus)

	s.mcp.AddTool(mcp.NewTool("split",
		mcp.WithDescription("Lock a thread against the gossip merge pass, e.g. while deliberately keeping two related topics separate"),
		mcp.WithString("thread_id", mcp.Required()),
		mcp.WithBoolean("locked", mcp.Description("true to lock, false to unlock (default true)")),
	), s.handleSplit)

	s.mcp.AddTool(mcp.NewTool("merge",
		mcp.WithDescription("Merge a source thread's messages into a target thread and archive the source"),
		mcp.WithString("source_id", mcp.Required()),
		mcp.WithString("target_id", mcp.Required()),
	), s.handleMerge)

	s.mcp.AddTool(mcp.NewTool("share",
		mcp.WithDescription("Publish a snapshot of one of this agent's threads for other agents in the project to discover"),
		mcp.WithString("thread_id", mcp.Required()),
		mcp.WithString("visibility", mcp.Description("network|private, default network")),
	), s.handleShare)

	s.mcp.AddTool(mcp.NewTool("discover",
		mcp.WithDescription("List threads other agents in this project have published"),
	), s.handleDiscover)

	s.mcp.AddTool(mcp.NewTool("messaging",
		mcp.WithDescription("Send a message to another agent's inbox, or list messages waiting in this agent's inbox"),
		mcp.WithString("to_agent", mcp.Description("recipient agent id; omit to list this agent's pending inbox instead")),
		mcp.WithString("subject", mcp.Description("required when to_agent is set")),
		mcp.WithString("content", mcp.Description("required when to_agent is set")),
	), s.handleMessaging)

	s.mcp.AddTool(mcp.NewTool("status",
		mcp.WithDescription("Report this agent's thread counts by status and current quota"),
	), s.handleStatus)

	s.mcp.AddTool(mcp.NewTool("agents",
		mcp.WithDescription("List every agent registered for this project"),
	), s.handleAgents)

	s.mcp.AddTool(mcp.NewTool("windows",
		mcp.WithDescription("Report recent injection/context-window usage for this agent"),
	), s.handleWindows)
}

func argString(req mcp.CallToolRequest, key string) string {
	args := req.GetArguments()
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argBool(req mcp.CallToolRequest, key string, def bool) bool {
	args := req.GetArguments()
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func (s *Server) handleThreads(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := argString(req, "status")
	var threads []*model.Thread
	var err error
	if status == "" {
		threads, err = threadstore.ListAll(s.AgentDB)
	} else {
		threads, err = threadstore.ListByStatus(s.AgentDB, model.ThreadStatus(status))
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(summarizeThreads(threads)), nil
}

func summarizeThreads(threads []*model.Thread) string {
	out := ""
	for _, t := range threads {
		out += fmt.Sprintf("%s [%s] %s (weight=%.2f, importance=%.2f)\n", t.ID, t.Status, t.Title, t.Weight, t.Importance)
	}
	if out == "" {
		return "no threads"
	}
	return out
}

func (s *Server) handleBridges(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	bridges, err := threadstore.ListAllBridges(s.AgentDB)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out := ""
	for _, b := range bridges {
		out += fmt.Sprintf("%s: %s <-> %s (%s, weight=%.2f, %s)\n", b.ID, b.SourceID, b.TargetID, b.RelationType, b.Weight, b.Status)
	}
	if out == "" {
		out = "no bridges"
	}
	return mcp.NewToolResultText(out), nil
}

func (s *Server) handleRecall(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := argString(req, "query")
	if query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	threads, err := threadstore.ListByStatus(s.AgentDB, model.ThreadActive)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cfg := s.ConfigFn()
	eng := inject.NewEngram(threads, cfg.Engram)
	hits := eng.Retrieve(query, threads, "")
	for _, t := range hits {
		threadmgr.RecordInjection(t)
		_ = threadstore.UpdateThread(s.AgentDB, t)
	}
	return mcp.NewToolResultText(summarizeThreads(hits)), nil
}

func (s *Server) handleFocus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := argString(req, "thread_id")
	t, err := threadstore.GetThread(s.AgentDB, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !model.HasFold(t.Tags, model.TagFocus) {
		t.Tags = append(t.Tags, model.TagFocus)
	}
	t.ImportanceManualSet = true
	if err := threadstore.UpdateThread(s.AgentDB, t); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("focused " + id), nil
}

func (s *Server) handleSplit(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := argString(req, "thread_id")
	locked := argBool(req, "locked", true)
	t, err := threadstore.GetThread(s.AgentDB, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	t.SplitLocked = locked
	if err := threadstore.UpdateThread(s.AgentDB, t); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("split_locked=%v on %s", locked, id)), nil
}

// handleMerge moves every message from source into target, raises
// target's weight to the max of the two, unions their topics and
// labels, and archives source. Activation counts are left unchanged.
func (s *Server) handleMerge(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sourceID := argString(req, "source_id")
	targetID := argString(req, "target_id")
	if sourceID == "" || targetID == "" {
		return mcp.NewToolResultError("source_id and target_id are required"), nil
	}
	source, err := threadstore.GetThread(s.AgentDB, sourceID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	target, err := threadstore.GetThread(s.AgentDB, targetID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	messages, err := threadstore.ListMessages(s.AgentDB, sourceID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := threadstore.ReassignMessages(s.AgentDB, sourceID, targetID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if target.Weight < source.Weight {
		target.Weight = source.Weight
	}
	target.Topics = model.DedupeFold(append(target.Topics, source.Topics...))
	target.Labels = model.DedupeFold(append(target.Labels, source.Labels...))
	if err := threadstore.UpdateThread(s.AgentDB, target); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	source.Status = model.ThreadArchived
	if err := threadstore.UpdateThread(s.AgentDB, source); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("merged %s into %s (%d messages moved)", sourceID, targetID, len(messages))), nil
}

func (s *Server) handleShare(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID := argString(req, "thread_id")
	visibility := argString(req, "visibility")
	if visibility == "" {
		visibility = "network"
	}
	t, err := threadstore.GetThread(s.AgentDB, threadID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	now := t.LastActive
	shared := &model.SharedThread{
		SharedID:       uuid.NewString(),
		SourceThreadID: t.ID,
		OwnerAgent:     s.AgentID,
		Title:          t.Title,
		Summary:        t.Summary,
		Topics:         t.Topics,
		Visibility:     visibility,
		PublishedAt:    now,
		UpdatedAt:      now,
	}
	if err := sharedstore.InsertSharedThread(s.SharedDB, shared); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("shared " + threadID + " as " + shared.SharedID), nil
}

func (s *Server) handleDiscover(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	shared, err := sharedstore.ListSharedThreads(s.SharedDB, "network")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out := ""
	for _, s := range shared {
		out += fmt.Sprintf("%s by %s: %s\n", s.SharedID, s.OwnerAgent, s.Title)
	}
	if out == "" {
		out = "nothing shared yet"
	}
	return mcp.NewToolResultText(out), nil
}

func (s *Server) handleMessaging(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	to := argString(req, "to_agent")
	if to == "" {
		msgs, err := sharedstore.ListMCPMessages(s.SharedDB, s.AgentID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		out := ""
		for _, m := range msgs {
			out += fmt.Sprintf("%s from %s: %s\n", m.ID, m.FromAgent, m.Subject)
			_ = sharedstore.MarkMCPMessageDelivered(s.SharedDB, m.ID)
		}
		if out == "" {
			out = "no messages"
		}
		return mcp.NewToolResultText(out), nil
	}
	subject := argString(req, "subject")
	content := argString(req, "content")
	msg := &sharedstore.MCPMessage{
		ID: uuid.NewString(), FromAgent: s.AgentID, ToAgent: to,
		MsgType: "request", Subject: subject, Payload: content,
		Priority: "normal", Status: "pending",
	}
	if err := sharedstore.InsertMCPMessage(s.SharedDB, msg); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("sent to " + to), nil
}

func (s *Server) handleStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out := ""
	for _, st := range []model.ThreadStatus{model.ThreadActive, model.ThreadSuspended, model.ThreadArchived} {
		n, err := threadstore.CountByStatus(s.AgentDB, st)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		out += fmt.Sprintf("%s: %d\n", st, n)
	}
	if s.Registry != nil {
		quota, err := s.Registry.ThreadQuota(s.ProjectHash, s.AgentID)
		if err == nil {
			out += fmt.Sprintf("quota: %d\n", quota)
		}
	}
	return mcp.NewToolResultText(out), nil
}

func (s *Server) handleAgents(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.Registry == nil {
		return mcp.NewToolResultText("registry unavailable"), nil
	}
	agents, err := s.Registry.ListAgents(s.ProjectHash)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out := ""
	for _, a := range agents {
		out += fmt.Sprintf("%s (%s) role=%s status=%s\n", a.ID, a.Name, a.Role, a.Status)
	}
	if out == "" {
		out = "no agents registered"
	}
	return mcp.NewToolResultText(out), nil
}

func (s *Server) handleWindows(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	active, err := threadstore.ListByStatus(s.AgentDB, model.ThreadActive)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	injected := 0
	for _, t := range active {
		if t.InjectionStats != nil && t.InjectionStats.InjectionCount > 0 {
			injected++
		}
	}
	return mcp.NewToolResultText(fmt.Sprintf("%d active threads, %d surfaced via injection at least once", len(active), injected)), nil
}
