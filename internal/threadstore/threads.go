// Package threadstore is the row-mapping layer over one agent
// database's threads/thread_messages/bridges/cognitive_inbox/
// dead_letters tables. Every function takes a *sql.DB directly rather
// than holding one, matching the pool's WithConn discipline (daemon
// callers run these under the pool entry's connection mutex; the MCP
// server and the CLI commands call them on their own connections). Array
// fields are stored as JSON-encoded TEXT columns.
package threadstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/cortexd/internal/cortexerr"
	"github.com/nextlevelbuilder/cortexd/internal/dbutil"
	"github.com/nextlevelbuilder/cortexd/internal/model"
)

const threadColumns = `id, title, status, summary, origin_type, parent_id, child_ids, weight,
	importance, importance_manually_set, relevance_score, activation_count, split_locked,
	split_locked_until, topics, tags, labels, concepts, drift_history, work_context, ratings,
	injection_stats, embedding, created_at, last_active`

// InsertThread creates a new thread row, assigning an id if unset.
func InsertThread(db *sql.DB, t *model.Thread) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.LastActive.IsZero() {
		t.LastActive = now
	}
	_, err := db.Exec(`INSERT INTO threads (`+threadColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, string(t.Status), t.Summary, t.OriginType, t.ParentID,
		dbutil.EncodeStrings(t.ChildIDs), t.Weight, t.Importance, t.ImportanceManualSet,
		t.RelevanceScore, t.ActivationCount, t.SplitLocked, formatTimePtr(t.SplitLockedUntil),
		dbutil.EncodeStrings(t.Topics), dbutil.EncodeStrings(t.Tags), dbutil.EncodeStrings(t.Labels),
		dbutil.EncodeStrings(t.Concepts), encodeDriftHistory(t.DriftHistory), t.WorkContext,
		encodeRatings(t.Ratings), encodeInjectionStats(t.InjectionStats), t.Embedding,
		t.CreatedAt.Format(time.RFC3339), t.LastActive.Format(time.RFC3339))
	if err != nil {
		return cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.InsertThread", err)
	}
	return nil
}

// UpdateThread rewrites every mutable column of an existing thread.
func UpdateThread(db *sql.DB, t *model.Thread) error {
	res, err := db.Exec(`UPDATE threads SET title=?, status=?, summary=?, origin_type=?, parent_id=?,
		child_ids=?, weight=?, importance=?, importance_manually_set=?, relevance_score=?,
		activation_count=?, split_locked=?, split_locked_until=?, topics=?, tags=?, labels=?,
		concepts=?, drift_history=?, work_context=?, ratings=?, injection_stats=?, embedding=?,
		last_active=? WHERE id=?`,
		t.Title, string(t.Status), t.Summary, t.OriginType, t.ParentID, dbutil.EncodeStrings(t.ChildIDs),
		t.Weight, t.Importance, t.ImportanceManualSet, t.RelevanceScore, t.ActivationCount,
		t.SplitLocked, formatTimePtr(t.SplitLockedUntil), dbutil.EncodeStrings(t.Topics),
		dbutil.EncodeStrings(t.Tags), dbutil.EncodeStrings(t.Labels), dbutil.EncodeStrings(t.Concepts),
		encodeDriftHistory(t.DriftHistory), t.WorkContext, encodeRatings(t.Ratings),
		encodeInjectionStats(t.InjectionStats), t.Embedding, t.LastActive.Format(time.RFC3339), t.ID)
	if err != nil {
		return cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.UpdateThread", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cortexerr.Wrap(cortexerr.ErrNotFound, "threadstore.UpdateThread", fmt.Errorf("thread %s", t.ID))
	}
	return nil
}

func GetThread(db *sql.DB, id string) (*model.Thread, error) {
	row := db.QueryRow(`SELECT `+threadColumns+` FROM threads WHERE id = ?`, id)
	return scanThread(row)
}

// ListByStatus returns threads in the given status, ordered by
// last_active descending (most recently touched first).
func ListByStatus(db *sql.DB, status model.ThreadStatus) ([]*model.Thread, error) {
	rows, err := db.Query(`SELECT `+threadColumns+` FROM threads WHERE status = ? ORDER BY last_active DESC`, string(status))
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.ListByStatus", err)
	}
	defer rows.Close()
	return scanThreads(rows)
}

func ListAll(db *sql.DB) ([]*model.Thread, error) {
	rows, err := db.Query(`SELECT ` + threadColumns + ` FROM threads ORDER BY last_active DESC`)
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.ListAll", err)
	}
	defer rows.Close()
	return scanThreads(rows)
}

func CountByStatus(db *sql.DB, status model.ThreadStatus) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM threads WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.CountByStatus", err)
	}
	return n, nil
}

func CountAll(db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM threads`).Scan(&n); err != nil {
		return 0, cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.CountAll", err)
	}
	return n, nil
}

func DeleteThread(db *sql.DB, id string) error {
	_, err := db.Exec(`DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.DeleteThread", err)
	}
	return nil
}

// AppendChild adds childID to parent's child_ids if not already
// present, keeping the cached list in sync with parent_id (parent_id
// stays authoritative; the cache is best-effort).
func AppendChild(db *sql.DB, parentID, childID string) error {
	parent, err := GetThread(db, parentID)
	if err != nil {
		return err
	}
	if model.HasFold(parent.ChildIDs, childID) {
		return nil
	}
	parent.ChildIDs = append(parent.ChildIDs, childID)
	return UpdateThread(db, parent)
}

func scanThreads(rows *sql.Rows) ([]*model.Thread, error) {
	var out []*model.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanThread(row scanner) (*model.Thread, error) {
	var t model.Thread
	var status, childIDs, topics, tags, labels, concepts, driftHistory, ratings string
	var splitLockedUntil, workContext, injectionStats sql.NullString
	var parentID sql.NullString
	var createdAt, lastActive string

	err := row.Scan(&t.ID, &t.Title, &status, &t.Summary, &t.OriginType, &parentID, &childIDs,
		&t.Weight, &t.Importance, &t.ImportanceManualSet, &t.RelevanceScore, &t.ActivationCount,
		&t.SplitLocked, &splitLockedUntil, &topics, &tags, &labels, &concepts, &driftHistory,
		&workContext, &ratings, &injectionStats, &t.Embedding, &createdAt, &lastActive)
	if err == sql.ErrNoRows {
		return nil, cortexerr.Wrap(cortexerr.ErrNotFound, "threadstore.scanThread", err)
	}
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.scanThread", err)
	}

	t.Status = model.ThreadStatus(status)
	if parentID.Valid {
		t.ParentID = dbutil.NullString(parentID.String)
	}
	t.ChildIDs = dbutil.DecodeStrings(childIDs)
	t.Topics = dbutil.DecodeStrings(topics)
	t.Tags = dbutil.DecodeStrings(tags)
	t.Labels = dbutil.DecodeStrings(labels)
	t.Concepts = dbutil.DecodeStrings(concepts)
	_ = dbutil.DecodeJSON(driftHistory, &t.DriftHistory)
	_ = dbutil.DecodeJSON(ratings, &t.Ratings)
	if workContext.Valid {
		t.WorkContext = dbutil.NullString(workContext.String)
	}
	if splitLockedUntil.Valid {
		if ts, err := time.Parse(time.RFC3339, splitLockedUntil.String); err == nil {
			t.SplitLockedUntil = &ts
		}
	}
	if injectionStats.Valid && injectionStats.String != "" {
		var stats model.InjectionStats
		if err := dbutil.DecodeJSON(injectionStats.String, &stats); err == nil {
			t.InjectionStats = &stats
		}
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.LastActive, _ = time.Parse(time.RFC3339, lastActive)
	return &t, nil
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func encodeDriftHistory(d []model.DriftEvent) string { return dbutil.EncodeJSON(d) }
func encodeRatings(r []float64) string               { return dbutil.EncodeJSON(r) }

func encodeInjectionStats(s *model.InjectionStats) *string {
	if s == nil {
		return nil
	}
	enc := dbutil.EncodeJSON(s)
	return &enc
}
