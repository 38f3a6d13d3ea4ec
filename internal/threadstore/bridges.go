package threadstore

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/cortexd/internal/cortexerr"
	"github.com/nextlevelbuilder/cortexd/internal/dbutil"
	"github.com/nextlevelbuilder/cortexd/internal/model"
)

const bridgeColumns = `id, source_id, target_id, relation_type, reason, shared_concepts, confidence,
	weight, status, propagated_from, propagation_depth, created_by, use_count, created_at, last_reinforced`

func InsertBridge(db *sql.DB, b *model.Bridge) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := db.Exec(`INSERT INTO bridges (`+bridgeColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.SourceID, b.TargetID, string(b.RelationType), b.Reason,
		dbutil.EncodeStrings(b.SharedConcepts), b.Confidence, b.Weight, string(b.Status),
		b.PropagatedFrom, b.PropagationDepth, b.CreatedBy, b.UseCount,
		b.CreatedAt.Format(time.RFC3339), formatTimePtr(b.LastReinforced))
	if err != nil {
		return cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.InsertBridge", err)
	}
	return nil
}

func UpdateBridge(db *sql.DB, b *model.Bridge) error {
	_, err := db.Exec(`UPDATE bridges SET weight=?, status=?, use_count=?, last_reinforced=? WHERE id=?`,
		b.Weight, string(b.Status), b.UseCount, formatTimePtr(b.LastReinforced), b.ID)
	if err != nil {
		return cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.UpdateBridge", err)
	}
	return nil
}

func DeleteBridge(db *sql.DB, id string) error {
	_, err := db.Exec(`DELETE FROM bridges WHERE id = ?`, id)
	if err != nil {
		return cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.DeleteBridge", err)
	}
	return nil
}

func ListBridgesByStatus(db *sql.DB, status model.BridgeStatus) ([]*model.Bridge, error) {
	rows, err := db.Query(`SELECT `+bridgeColumns+` FROM bridges WHERE status = ?`, string(status))
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.ListBridgesByStatus", err)
	}
	defer rows.Close()
	return scanBridges(rows)
}

func ListBridgesByCreator(db *sql.DB, createdBy string, minWeight, maxWeight float64) ([]*model.Bridge, error) {
	rows, err := db.Query(`SELECT `+bridgeColumns+` FROM bridges
		WHERE created_by = ? AND status = 'active' AND weight >= ? AND weight < ?
		ORDER BY weight DESC`, createdBy, minWeight, maxWeight)
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.ListBridgesByCreator", err)
	}
	defer rows.Close()
	return scanBridges(rows)
}

func ListAllBridges(db *sql.DB) ([]*model.Bridge, error) {
	rows, err := db.Query(`SELECT ` + bridgeColumns + ` FROM bridges`)
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.ListAllBridges", err)
	}
	defer rows.Close()
	return scanBridges(rows)
}

func CountBridgesBelowWeight(db *sql.DB, weight float64) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM bridges WHERE weight < ? AND status = 'active'`, weight).Scan(&n)
	if err != nil {
		return 0, cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.CountBridgesBelowWeight", err)
	}
	return n, nil
}

func scanBridges(rows *sql.Rows) ([]*model.Bridge, error) {
	var out []*model.Bridge
	for rows.Next() {
		b, err := scanBridge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBridge(row scanner) (*model.Bridge, error) {
	var b model.Bridge
	var relationType, status, sharedConcepts, createdAt string
	var propagatedFrom, lastReinforced sql.NullString
	err := row.Scan(&b.ID, &b.SourceID, &b.TargetID, &relationType, &b.Reason, &sharedConcepts,
		&b.Confidence, &b.Weight, &status, &propagatedFrom, &b.PropagationDepth, &b.CreatedBy,
		&b.UseCount, &createdAt, &lastReinforced)
	if err == sql.ErrNoRows {
		return nil, cortexerr.Wrap(cortexerr.ErrNotFound, "threadstore.scanBridge", err)
	}
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.scanBridge", err)
	}
	b.RelationType = model.BridgeRelation(relationType)
	b.Status = model.BridgeStatus(status)
	b.SharedConcepts = dbutil.DecodeStrings(sharedConcepts)
	if propagatedFrom.Valid {
		b.PropagatedFrom = dbutil.NullString(propagatedFrom.String)
	}
	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if lastReinforced.Valid {
		if ts, err := time.Parse(time.RFC3339, lastReinforced.String); err == nil {
			b.LastReinforced = &ts
		}
	}
	return &b, nil
}

// DeleteOrphanBridges removes every bridge whose source or target
// thread no longer exists, run by the maintenance loop's orphan
// cleanup task.
func DeleteOrphanBridges(db *sql.DB) (int, error) {
	res, err := db.Exec(`
		DELETE FROM bridges
		WHERE source_id NOT IN (SELECT id FROM threads) OR target_id NOT IN (SELECT id FROM threads)`)
	if err != nil {
		return 0, cortexerr.Wrap(cortexerr.ErrStorage, "threadstore.DeleteOrphanBridges", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
