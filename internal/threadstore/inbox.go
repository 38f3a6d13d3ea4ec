package threadstore

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/cortexd/internal/cortexerr"
	"github.com/nextlevelbuilder/cortexd/internal/dbutil"
	"github.com/nextlevelbuilder/cortexd/internal/model"
)

func InsertInboxMessage(db *sql.DB, m *model.InboxMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := db.Exec(`INSERT INTO cognitive_inbox (id, from_agent, to_agent, subject, content, priority,
		ttl_expiry, status, created_at, read_at, acked_at, attachments)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.FromAgent, m.ToAgent, m.Subject, m.Content, string(m.Priority),
		formatTimePtr(m.TTLExpiry), string(m.Status), m.CreatedAt.Format(time.RFC3339),
		formatTimePtr(m.ReadAt), formatTimePtr(m.AckedAt), dbutil.EncodeStrings(m.Attachments))
	if err != nil {
		return cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.InsertInboxMessage", err)
	}
	return nil
}

const inboxColumns = `id, from_agent, to_agent, subject, content, priority, ttl_expiry, status,
	created_at, read_at, acked_at, attachments`

// ListPendingInbox returns toAgent's Pending messages, oldest first,
// id ascending on equal timestamps.
func ListPendingInbox(db *sql.DB, toAgent string) ([]*model.InboxMessage, error) {
	rows, err := db.Query(`SELECT `+inboxColumns+` FROM cognitive_inbox
		WHERE to_agent = ? AND status = 'pending' ORDER BY created_at ASC, id ASC`, toAgent)
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.ListPendingInbox", err)
	}
	defer rows.Close()
	return scanInbox(rows)
}

func MarkInboxRead(db *sql.DB, id string) error {
	_, err := db.Exec(`UPDATE cognitive_inbox SET status='read', read_at=? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.MarkInboxRead", err)
	}
	return nil
}

func MarkInboxAcked(db *sql.DB, id string) error {
	_, err := db.Exec(`UPDATE cognitive_inbox SET status='acked', acked_at=? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.MarkInboxAcked", err)
	}
	return nil
}

// ExpireInbox moves every Pending/Read message whose ttl_expiry has
// passed into dead_letters, returning how many were moved.
func ExpireInbox(db *sql.DB, now time.Time) (int, error) {
	rows, err := db.Query(`SELECT `+inboxColumns+` FROM cognitive_inbox
		WHERE status IN ('pending','read') AND ttl_expiry IS NOT NULL AND ttl_expiry <= ?`,
		now.Format(time.RFC3339))
	if err != nil {
		return 0, cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.ExpireInbox query", err)
	}
	expired, err := scanInbox(rows)
	rows.Close()
	if err != nil {
		return 0, err
	}

	for _, m := range expired {
		dl := &model.DeadLetter{
			ID: m.ID, FromAgent: m.FromAgent, ToAgent: m.ToAgent, Subject: m.Subject,
			Content: m.Content, Priority: m.Priority, OriginalTTL: m.TTLExpiry,
			Attachments: m.Attachments, ExpiredAt: now, CreatedAt: m.CreatedAt,
		}
		if err := InsertDeadLetter(db, dl); err != nil {
			return 0, err
		}
		if _, err := db.Exec(`DELETE FROM cognitive_inbox WHERE id = ?`, m.ID); err != nil {
			return 0, cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.ExpireInbox delete", err)
		}
	}
	return len(expired), nil
}

func scanInbox(rows *sql.Rows) ([]*model.InboxMessage, error) {
	var out []*model.InboxMessage
	for rows.Next() {
		var m model.InboxMessage
		var priority, status, attachments, createdAt string
		var ttlExpiry, readAt, ackedAt sql.NullString
		if err := rows.Scan(&m.ID, &m.FromAgent, &m.ToAgent, &m.Subject, &m.Content, &priority,
			&ttlExpiry, &status, &createdAt, &readAt, &ackedAt, &attachments); err != nil {
			return nil, cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.scanInbox", err)
		}
		m.Priority = model.InboxPriority(priority)
		m.Status = model.InboxStatus(status)
		m.Attachments = dbutil.DecodeStrings(attachments)
		m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if ttlExpiry.Valid {
			if ts, err := time.Parse(time.RFC3339, ttlExpiry.String); err == nil {
				m.TTLExpiry = &ts
			}
		}
		if readAt.Valid {
			if ts, err := time.Parse(time.RFC3339, readAt.String); err == nil {
				m.ReadAt = &ts
			}
		}
		if ackedAt.Valid {
			if ts, err := time.Parse(time.RFC3339, ackedAt.String); err == nil {
				m.AckedAt = &ts
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func InsertDeadLetter(db *sql.DB, d *model.DeadLetter) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := db.Exec(`INSERT INTO dead_letters (id, from_agent, to_agent, subject, content,
		priority, original_ttl, expired_at, created_at, attachments)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.FromAgent, d.ToAgent, d.Subject, d.Content, string(d.Priority),
		formatTimePtr(d.OriginalTTL), d.ExpiredAt.Format(time.RFC3339), d.CreatedAt.Format(time.RFC3339),
		dbutil.EncodeStrings(d.Attachments))
	if err != nil {
		return cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.InsertDeadLetter", err)
	}
	return nil
}
