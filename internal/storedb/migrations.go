package storedb

import "database/sql"

// Migrations ratchet version-by-version per role; re-running Migrate
// on an up-to-date database is a no-op.

const agentDBV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS threads (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	summary TEXT DEFAULT '',
	origin_type TEXT DEFAULT 'prompt',
	parent_id TEXT,
	child_ids TEXT DEFAULT '[]',
	weight REAL DEFAULT 1.0,
	importance REAL DEFAULT 0.5,
	importance_manually_set INTEGER DEFAULT 0,
	relevance_score REAL DEFAULT 1.0,
	activation_count INTEGER DEFAULT 0,
	split_locked INTEGER DEFAULT 0,
	split_locked_until TEXT,
	topics TEXT DEFAULT '[]',
	tags TEXT DEFAULT '[]',
	labels TEXT DEFAULT '[]',
	drift_history TEXT DEFAULT '[]',
	work_context TEXT,
	ratings TEXT DEFAULT '[]',
	injection_stats TEXT,
	embedding BLOB,
	created_at TEXT NOT NULL,
	last_active TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_threads_status ON threads(status);
CREATE INDEX IF NOT EXISTS idx_threads_weight ON threads(weight);
CREATE INDEX IF NOT EXISTS idx_threads_last_active ON threads(last_active);

CREATE TABLE IF NOT EXISTS thread_messages (
	id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	content TEXT NOT NULL,
	source TEXT NOT NULL,
	source_type TEXT DEFAULT 'prompt',
	timestamp TEXT NOT NULL,
	metadata TEXT DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON thread_messages(thread_id);

CREATE TABLE IF NOT EXISTS bridges (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	target_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	relation_type TEXT NOT NULL,
	reason TEXT DEFAULT '',
	shared_concepts TEXT DEFAULT '[]',
	confidence REAL DEFAULT 0.8,
	weight REAL DEFAULT 1.0,
	status TEXT NOT NULL DEFAULT 'active',
	propagated_from TEXT,
	propagation_depth INTEGER DEFAULT 0,
	created_by TEXT DEFAULT 'llm',
	use_count INTEGER DEFAULT 0,
	created_at TEXT NOT NULL,
	last_reinforced TEXT
);
CREATE INDEX IF NOT EXISTS idx_bridges_source ON bridges(source_id);
CREATE INDEX IF NOT EXISTS idx_bridges_target ON bridges(target_id);
CREATE INDEX IF NOT EXISTS idx_bridges_status ON bridges(status);

CREATE TABLE IF NOT EXISTS cognitive_inbox (
	id TEXT PRIMARY KEY,
	from_agent TEXT NOT NULL,
	to_agent TEXT NOT NULL,
	subject TEXT NOT NULL,
	content TEXT NOT NULL,
	priority TEXT DEFAULT 'normal',
	ttl_expiry TEXT,
	status TEXT DEFAULT 'pending',
	created_at TEXT NOT NULL,
	read_at TEXT,
	acked_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_inbox_to ON cognitive_inbox(to_agent, status);
CREATE INDEX IF NOT EXISTS idx_inbox_ttl ON cognitive_inbox(ttl_expiry) WHERE ttl_expiry IS NOT NULL;

CREATE TABLE IF NOT EXISTS dead_letters (
	id TEXT PRIMARY KEY,
	from_agent TEXT NOT NULL,
	to_agent TEXT NOT NULL,
	subject TEXT NOT NULL,
	content TEXT NOT NULL,
	priority TEXT,
	original_ttl TEXT,
	expired_at TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS health_check (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	last_check TEXT
);
`

const agentDBV3 = `
ALTER TABLE cognitive_inbox ADD COLUMN attachments TEXT DEFAULT '[]';
ALTER TABLE dead_letters ADD COLUMN attachments TEXT DEFAULT '[]';
`

const agentDBV4 = `ALTER TABLE threads ADD COLUMN concepts TEXT DEFAULT '[]';`

const agentDBV5 = `ALTER TABLE thread_messages ADD COLUMN is_truncated BOOLEAN DEFAULT 0;`

// MigrateAgentDB ratchets an agent database to the latest schema version.
func MigrateAgentDB(db *sql.DB) error {
	version, err := SchemaVersion(db)
	if err != nil {
		return err
	}
	if err := step(db, &version, 1, agentDBV1); err != nil {
		return err
	}
	if err := step(db, &version, 2, ""); err != nil { // no-op version bump, as in the original
		return err
	}
	if err := step(db, &version, 3, agentDBV3); err != nil {
		return err
	}
	if err := step(db, &version, 4, agentDBV4); err != nil {
		return err
	}
	if err := step(db, &version, 5, agentDBV5); err != nil {
		return err
	}
	return nil
}

const sharedDBV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS shared_threads (
	shared_id TEXT PRIMARY KEY,
	source_thread_id TEXT NOT NULL,
	owner_agent TEXT NOT NULL,
	title TEXT NOT NULL,
	summary TEXT DEFAULT '',
	topics TEXT DEFAULT '[]',
	visibility TEXT DEFAULT 'network',
	allowed_agents TEXT DEFAULT '[]',
	include_messages INTEGER DEFAULT 0,
	snapshot TEXT DEFAULT '{}',
	published_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_shared_owner ON shared_threads(owner_agent);

CREATE TABLE IF NOT EXISTS subscriptions (
	id TEXT PRIMARY KEY,
	shared_id TEXT NOT NULL REFERENCES shared_threads(shared_id) ON DELETE CASCADE,
	subscriber_agent TEXT NOT NULL,
	subscribed_at TEXT NOT NULL,
	last_synced TEXT,
	UNIQUE(shared_id, subscriber_agent)
);

CREATE TABLE IF NOT EXISTS mcp_messages (
	id TEXT PRIMARY KEY,
	from_agent TEXT NOT NULL,
	to_agent TEXT NOT NULL,
	msg_type TEXT DEFAULT 'request',
	subject TEXT NOT NULL,
	payload TEXT DEFAULT '{}',
	priority TEXT DEFAULT 'normal',
	status TEXT DEFAULT 'pending',
	reply_to TEXT,
	thread_id TEXT,
	created_at TEXT NOT NULL,
	delivered_at TEXT,
	read_at TEXT,
	expires_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_mcp_to ON mcp_messages(to_agent, status);
CREATE INDEX IF NOT EXISTS idx_mcp_thread ON mcp_messages(thread_id);
`

const sharedDBV3 = `ALTER TABLE mcp_messages ADD COLUMN attachments TEXT DEFAULT '[]';`

// MigrateSharedDB ratchets a project's shared.db to the latest schema version.
func MigrateSharedDB(db *sql.DB) error {
	version, err := SchemaVersion(db)
	if err != nil {
		return err
	}
	if err := step(db, &version, 1, sharedDBV1); err != nil {
		return err
	}
	if err := step(db, &version, 2, ""); err != nil {
		return err
	}
	if err := step(db, &version, 3, sharedDBV3); err != nil {
		return err
	}
	return nil
}

const registryDBV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS projects (
	hash TEXT PRIMARY KEY,
	path TEXT NOT NULL UNIQUE,
	name TEXT,
	provider TEXT DEFAULT 'claude',
	agent_mode TEXT NOT NULL DEFAULT 'single',
	channel_mode TEXT NOT NULL DEFAULT 'isolated',
	messaging_mode TEXT DEFAULT 'cognitive',
	allowed_channels TEXT NOT NULL DEFAULT '[]',
	provider_config TEXT DEFAULT '{}',
	created_at TEXT NOT NULL,
	last_accessed TEXT
);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT NOT NULL,
	project_hash TEXT NOT NULL REFERENCES projects(hash) ON DELETE CASCADE,
	name TEXT NOT NULL,
	description TEXT DEFAULT '',
	role TEXT DEFAULT '',
	capabilities TEXT DEFAULT '[]',
	status TEXT DEFAULT 'available',
	last_seen TEXT NOT NULL,
	registered_at TEXT NOT NULL,
	supervisor_id TEXT,
	coordination_mode TEXT DEFAULT 'autonomous',
	team TEXT,
	specializations TEXT DEFAULT '[]',
	PRIMARY KEY (id, project_hash)
);
CREATE INDEX IF NOT EXISTS idx_agents_project ON agents(project_hash);
CREATE INDEX IF NOT EXISTS idx_agents_supervisor ON agents(supervisor_id, project_hash);
CREATE INDEX IF NOT EXISTS idx_agents_team ON agents(team, project_hash);

CREATE TABLE IF NOT EXISTS agent_tasks (
	id TEXT PRIMARY KEY,
	project_hash TEXT NOT NULL,
	assigned_to TEXT NOT NULL,
	assigned_by TEXT NOT NULL DEFAULT 'admin',
	title TEXT NOT NULL,
	description TEXT DEFAULT '',
	priority TEXT DEFAULT 'normal',
	status TEXT DEFAULT 'pending',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	deadline TEXT,
	dependencies TEXT DEFAULT '[]',
	result TEXT,
	FOREIGN KEY (project_hash) REFERENCES projects(hash) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_tasks_agent ON agent_tasks(assigned_to, project_hash);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON agent_tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_assigned_by ON agent_tasks(assigned_by);

CREATE TABLE IF NOT EXISTS agent_permissions (
	agent_id TEXT NOT NULL,
	project_hash TEXT NOT NULL REFERENCES projects(hash) ON DELETE CASCADE,
	permission_level TEXT NOT NULL DEFAULT 'supervised',
	allowed_tools TEXT NOT NULL DEFAULT '[]',
	denied_tools TEXT NOT NULL DEFAULT '[]',
	can_send_messages BOOLEAN NOT NULL DEFAULT 1,
	can_broadcast BOOLEAN NOT NULL DEFAULT 0,
	can_delegate_tasks BOOLEAN NOT NULL DEFAULT 1,
	allowed_recipients TEXT NOT NULL DEFAULT '["*"]',
	can_create_threads BOOLEAN NOT NULL DEFAULT 1,
	can_delete_threads BOOLEAN NOT NULL DEFAULT 1,
	can_merge_threads BOOLEAN NOT NULL DEFAULT 1,
	can_share_threads BOOLEAN NOT NULL DEFAULT 1,
	can_subscribe BOOLEAN NOT NULL DEFAULT 1,
	max_threads_override INTEGER,
	updated_at TEXT NOT NULL DEFAULT (datetime('now')),
	updated_by TEXT NOT NULL DEFAULT 'install',
	PRIMARY KEY (agent_id, project_hash),
	FOREIGN KEY (agent_id, project_hash) REFERENCES agents(id, project_hash) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS project_backups (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_hash TEXT NOT NULL REFERENCES projects(hash) ON DELETE CASCADE,
	agent_id TEXT NOT NULL,
	backup_enabled BOOLEAN NOT NULL DEFAULT 0,
	backup_interval_hours INTEGER NOT NULL DEFAULT 24,
	max_backups INTEGER NOT NULL DEFAULT 5,
	last_backup_at TEXT,
	last_backup_path TEXT,
	last_backup_size_bytes INTEGER,
	backup_count INTEGER NOT NULL DEFAULT 0,
	auto_backup_on_prune BOOLEAN NOT NULL DEFAULT 1,
	UNIQUE (project_hash, agent_id)
);

CREATE TABLE IF NOT EXISTS federation_links (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_hash_a TEXT NOT NULL REFERENCES projects(hash),
	project_hash_b TEXT NOT NULL REFERENCES projects(hash),
	direction TEXT NOT NULL DEFAULT 'bidirectional',
	status TEXT NOT NULL DEFAULT 'active',
	created_at TEXT NOT NULL,
	created_by TEXT NOT NULL,
	UNIQUE (project_hash_a, project_hash_b),
	CHECK (project_hash_a < project_hash_b)
);
`

const registryDBV2 = `ALTER TABLE agents ADD COLUMN thread_mode TEXT NOT NULL DEFAULT 'normal';`
const registryDBV3 = `ALTER TABLE agents ADD COLUMN current_activity TEXT DEFAULT '';`
const registryDBV4 = `
ALTER TABLE agents ADD COLUMN report_to TEXT DEFAULT '';
ALTER TABLE agents ADD COLUMN custom_role TEXT DEFAULT '';
ALTER TABLE agents ADD COLUMN workspace_path TEXT DEFAULT '';
`
const registryDBV5 = `
UPDATE agents SET report_to = NULL WHERE report_to = '';
UPDATE agents SET custom_role = NULL WHERE custom_role = '';
`
const registryDBV6 = `
ALTER TABLE agents ADD COLUMN full_permissions BOOLEAN NOT NULL DEFAULT 0;
DROP TABLE IF EXISTS agent_permissions;
`
const registryDBV7 = `ALTER TABLE agents ADD COLUMN expected_model TEXT;`

// MigrateRegistryDB ratchets registry.db to the latest schema version.
func MigrateRegistryDB(db *sql.DB) error {
	version, err := SchemaVersion(db)
	if err != nil {
		return err
	}
	for _, m := range []struct {
		target int
		stmts  string
	}{
		{1, registryDBV1},
		{2, registryDBV2},
		{3, registryDBV3},
		{4, registryDBV4},
		{5, registryDBV5},
		{6, registryDBV6},
		{7, registryDBV7},
	} {
		if err := step(db, &version, m.target, m.stmts); err != nil {
			return err
		}
	}
	return nil
}

// Migrate dispatches to the migration appropriate for role.
func Migrate(db *sql.DB, role Role) error {
	switch role {
	case RoleAgent:
		return MigrateAgentDB(db)
	case RoleShared:
		return MigrateSharedDB(db)
	case RoleRegistry:
		return MigrateRegistryDB(db)
	default:
		return MigrateAgentDB(db)
	}
}
