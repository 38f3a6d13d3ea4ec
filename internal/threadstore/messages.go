package threadstore

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/cortexd/internal/cortexerr"
	"github.com/nextlevelbuilder/cortexd/internal/dbutil"
	"github.com/nextlevelbuilder/cortexd/internal/model"
)

func InsertMessage(db *sql.DB, m *model.ThreadMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	_, err := db.Exec(`INSERT INTO thread_messages (id, thread_id, content, source, source_type, timestamp, metadata, is_truncated)
		VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.ThreadID, m.Content, m.Source, m.SourceType, m.Timestamp.Format(time.RFC3339),
		dbutil.EncodeJSON(m.Metadata), m.IsTruncated)
	if err != nil {
		return cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.InsertMessage", err)
	}
	return nil
}

func ListMessages(db *sql.DB, threadID string) ([]*model.ThreadMessage, error) {
	rows, err := db.Query(`SELECT id, thread_id, content, source, source_type, timestamp, metadata, is_truncated
		FROM thread_messages WHERE thread_id = ? ORDER BY timestamp ASC, id ASC`, threadID)
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.ListMessages", err)
	}
	defer rows.Close()

	var out []*model.ThreadMessage
	for rows.Next() {
		var m model.ThreadMessage
		var ts, metadata string
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Content, &m.Source, &m.SourceType, &ts, &metadata, &m.IsTruncated); err != nil {
			return nil, cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.ListMessages scan", err)
		}
		m.Timestamp, _ = time.Parse(time.RFC3339, ts)
		_ = dbutil.DecodeJSON(metadata, &m.Metadata)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func CountMessages(db *sql.DB, threadID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM thread_messages WHERE thread_id = ?`, threadID).Scan(&n)
	if err != nil {
		return 0, cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.CountMessages", err)
	}
	return n, nil
}

// ReassignMessages moves every message from one thread to another,
// used when two threads are merged.
func ReassignMessages(db *sql.DB, fromThreadID, toThreadID string) error {
	_, err := db.Exec(`UPDATE thread_messages SET thread_id = ? WHERE thread_id = ?`, toThreadID, fromThreadID)
	if err != nil {
		return cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.ReassignMessages", err)
	}
	return nil
}

// SingleMessageThreadCount returns how many threads in status have
// exactly one message, feeding HealthGuard's fragmentation check.
func SingleMessageThreadCount(db *sql.DB, status model.ThreadStatus) (int, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM threads t
		WHERE t.status = ? AND (SELECT COUNT(*) FROM thread_messages m WHERE m.thread_id = t.id) = 1`,
		string(status)).Scan(&n)
	if err != nil {
		return 0, cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.SingleMessageThreadCount", err)
	}
	return n, nil
}
