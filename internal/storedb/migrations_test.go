package storedb

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
)

func openMemDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA foreign_keys=ON")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func columnNames(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	require.NoError(t, err)
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull int
		var dflt any
		var pk int
		require.NoError(t, rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk))
		cols = append(cols, name)
	}
	return cols
}

func TestMigrateAgentDB_CreatesAllTablesAndLatestColumns(t *testing.T) {
	db := openMemDB(t)
	require.NoError(t, MigrateAgentDB(db))

	version, err := SchemaVersion(db)
	require.NoError(t, err)
	require.Equal(t, 5, version)

	require.Contains(t, columnNames(t, db, "threads"), "concepts")
	require.Contains(t, columnNames(t, db, "thread_messages"), "is_truncated")
	require.Contains(t, columnNames(t, db, "cognitive_inbox"), "attachments")
	require.Contains(t, columnNames(t, db, "dead_letters"), "attachments")
}

func TestMigrateAgentDB_IsIdempotent(t *testing.T) {
	db := openMemDB(t)
	require.NoError(t, MigrateAgentDB(db))
	require.NoError(t, MigrateAgentDB(db))

	version, err := SchemaVersion(db)
	require.NoError(t, err)
	require.Equal(t, 5, version)
}

func TestMigrateSharedDB_AddsAttachmentsColumn(t *testing.T) {
	db := openMemDB(t)
	require.NoError(t, MigrateSharedDB(db))
	require.Contains(t, columnNames(t, db, "mcp_messages"), "attachments")
}

func TestMigrateRegistryDB_V4ColumnsExist(t *testing.T) {
	db := openMemDB(t)
	require.NoError(t, MigrateRegistryDB(db))

	cols := columnNames(t, db, "agents")
	require.Contains(t, cols, "report_to")
	require.Contains(t, cols, "custom_role")
	require.Contains(t, cols, "workspace_path")
	require.Contains(t, cols, "thread_mode")
	require.Contains(t, cols, "full_permissions")
	require.Contains(t, cols, "expected_model")
}

func TestMigrateRegistryDB_V5NormalizesEmptyToNull(t *testing.T) {
	db := openMemDB(t)

	// Replay only V1-V4, mirroring the original's "pre-migration state" test setup.
	version := 0
	require.NoError(t, step(db, &version, 1, registryDBV1))
	require.NoError(t, step(db, &version, 2, registryDBV2))
	require.NoError(t, step(db, &version, 3, registryDBV3))
	require.NoError(t, step(db, &version, 4, registryDBV4))

	_, err := db.Exec(
		"INSERT INTO projects (hash, path, created_at) VALUES ('ph1', '/tmp/test', datetime('now'))",
	)
	require.NoError(t, err)
	_, err = db.Exec(
		`INSERT INTO agents (id, project_hash, name, status, last_seen, registered_at, report_to, custom_role)
		 VALUES ('a1', 'ph1', 'test', 'active', datetime('now'), datetime('now'), '', '')`,
	)
	require.NoError(t, err)

	require.NoError(t, MigrateRegistryDB(db))

	var reportTo, customRole sql.NullString
	require.NoError(t, db.QueryRow("SELECT report_to, custom_role FROM agents WHERE id = 'a1'").Scan(&reportTo, &customRole))
	require.False(t, reportTo.Valid, "V5 should convert empty report_to to NULL")
	require.False(t, customRole.Valid, "V5 should convert empty custom_role to NULL")
}

func TestMigrateRegistryDB_DropsAgentPermissionsTable(t *testing.T) {
	db := openMemDB(t)
	require.NoError(t, MigrateRegistryDB(db))

	var name sql.NullString
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='agent_permissions'",
	).Scan(&name)
	require.ErrorIs(t, err, sql.ErrNoRows)
}
