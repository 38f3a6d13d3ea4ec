// Package sharedstore is threadstore's counterpart over the
// per-project shared database: published thread snapshots other
// agents can discover, and the inter-agent mcp_messages inbox used by
// the MCP "messaging"/"share"/"discover" tools.
package sharedstore

import (
	"database/sql"
	"time"

	"github.com/nextlevelbuilder/cortexd/internal/dbutil"
	"github.com/nextlevelbuilder/cortexd/internal/model"
)

func InsertSharedThread(db *sql.DB, s *model.SharedThread) error {
	include := 0
	if s.IncludeMessages {
		include = 1
	}
	_, err := db.Exec(`INSERT INTO shared_threads
		(shared_id, source_thread_id, owner_agent, title, summary, topics, visibility,
		 allowed_agents, include_messages, snapshot, published_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SharedID, s.SourceThreadID, s.OwnerAgent, s.Title, s.Summary,
		dbutil.EncodeStrings(s.Topics), s.Visibility, dbutil.EncodeStrings(s.AllowedAgents),
		include, dbutil.EncodeJSON(s.Snapshot), s.PublishedAt.UTC().Format(time.RFC3339),
		s.UpdatedAt.UTC().Format(time.RFC3339))
	return err
}

// ListSharedThreads returns every thread published under the given
// visibility ("network" is the default, agent-scoped shares use
// "private" with an explicit allowed_agents list the caller filters).
func ListSharedThreads(db *sql.DB, visibility string) ([]*model.SharedThread, error) {
	rows, err := db.Query(`SELECT shared_id, source_thread_id, owner_agent, title, summary, topics,
		visibility, allowed_agents, include_messages, snapshot, published_at, updated_at
		FROM shared_threads WHERE visibility = ? ORDER BY published_at DESC`, visibility)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.SharedThread
	for rows.Next() {
		var s model.SharedThread
		var topics, allowed, snapshot, published, updated string
		var include int
		if err := rows.Scan(&s.SharedID, &s.SourceThreadID, &s.OwnerAgent, &s.Title, &s.Summary,
			&topics, &s.Visibility, &allowed, &include, &snapshot, &published, &updated); err != nil {
			return nil, err
		}
		s.Topics = dbutil.DecodeStrings(topics)
		s.AllowedAgents = dbutil.DecodeStrings(allowed)
		s.IncludeMessages = include != 0
		_ = dbutil.DecodeJSON(snapshot, &s.Snapshot)
		s.PublishedAt, _ = time.Parse(time.RFC3339, published)
		s.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		out = append(out, &s)
	}
	return out, rows.Err()
}

// DeleteOrphanShares removes ownerAgent's shared_threads rows whose
// source_thread_id is no longer among existingThreadIDs, run by the
// maintenance loop after the owning thread is deleted or merged away.
func DeleteOrphanShares(db *sql.DB, ownerAgent string, existingThreadIDs []string) (int, error) {
	keep := make(map[string]struct{}, len(existingThreadIDs))
	for _, id := range existingThreadIDs {
		keep[id] = struct{}{}
	}
	rows, err := db.Query(`SELECT shared_id, source_thread_id FROM shared_threads WHERE owner_agent = ?`, ownerAgent)
	if err != nil {
		return 0, err
	}
	var orphans []string
	for rows.Next() {
		var sharedID, sourceID string
		if err := rows.Scan(&sharedID, &sourceID); err != nil {
			rows.Close()
			return 0, err
		}
		if _, ok := keep[sourceID]; !ok {
			orphans = append(orphans, sharedID)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, id := range orphans {
		if _, err := db.Exec(`DELETE FROM shared_threads WHERE shared_id = ?`, id); err != nil {
			return len(orphans), err
		}
	}
	return len(orphans), nil
}

// MCPMessage is one row of the shared mcp_messages inbox (distinct
// from model.InboxMessage, which threadstore keeps in the per-agent DB and
// carries the capture pipeline's delivery vocabulary; this one is
// cross-agent and project-scoped).
type MCPMessage struct {
	ID        string
	FromAgent string
	ToAgent   string
	MsgType   string
	Subject   string
	Payload   string
	Priority  string
	Status    string
	ThreadID  string
	CreatedAt time.Time
}

func InsertMCPMessage(db *sql.DB, m *MCPMessage) error {
	_, err := db.Exec(`INSERT INTO mcp_messages
		(id, from_agent, to_agent, msg_type, subject, payload, priority, status, thread_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.FromAgent, m.ToAgent, m.MsgType, m.Subject, m.Payload, m.Priority, m.Status,
		m.ThreadID, m.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

func ListMCPMessages(db *sql.DB, toAgent string) ([]*MCPMessage, error) {
	rows, err := db.Query(`SELECT id, from_agent, to_agent, msg_type, subject, payload, priority,
		status, COALESCE(thread_id, ''), created_at
		FROM mcp_messages WHERE to_agent = ? AND status = 'pending' ORDER BY created_at`, toAgent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MCPMessage
	for rows.Next() {
		var m MCPMessage
		var created string
		if err := rows.Scan(&m.ID, &m.FromAgent, &m.ToAgent, &m.MsgType, &m.Subject, &m.Payload,
			&m.Priority, &m.Status, &m.ThreadID, &created); err != nil {
			return nil, err
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func MarkMCPMessageDelivered(db *sql.DB, id string) error {
	_, err := db.Exec(`UPDATE mcp_messages SET status = 'delivered', delivered_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), id)
	return err
}
