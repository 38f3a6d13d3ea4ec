// Package registry is the host-wide registry.db access layer: projects,
// agents, and agent_tasks. It is the single source of truth the
// connection pool consults (lazily, and then caches) for an agent's
// thread_mode/quota, and the table the hook's agent-identity cascade
// and the out-of-scope CLI surface both read and write.
//
package registry

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/cortexd/internal/cortexerr"
	"github.com/nextlevelbuilder/cortexd/internal/dbutil"
	"github.com/nextlevelbuilder/cortexd/internal/model"
)

// Store wraps registry.db. The registry connection is opened once by
// the daemon and shared; callers are responsible for serializing
// writes the same way the pool serializes agent-DB writes (registry.db
// has SetMaxOpenConns(1), see storedb.Open).
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store { return &Store{db: db} }

// AddProject registers a project by its canonical path and hash,
// idempotently (re-adding an existing hash updates name/path only).
func (s *Store) AddProject(p *model.Project) error {
	if p.Hash == "" {
		return cortexerr.Wrap(cortexerr.ErrInvalidInput, "registry.AddProject", fmt.Errorf("hash required"))
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO projects (hash, path, name, provider, agent_mode, channel_mode, messaging_mode, allowed_channels, provider_config, created_at, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET path = excluded.path, name = excluded.name`,
		p.Hash, p.Path, p.Name, p.Provider, p.AgentMode, p.ChannelMode, p.MessagingMode,
		dbutil.EncodeStrings(p.AllowedChannels), dbutil.EncodeJSON(p.ProviderConfig),
		p.CreatedAt.Format(time.RFC3339), nil)
	if err != nil {
		return cortexerr.Wrap(cortexerr.ErrStorage, "registry.AddProject", err)
	}
	return nil
}

func (s *Store) RemoveProject(hash string) error {
	_, err := s.db.Exec(`DELETE FROM projects WHERE hash = ?`, hash)
	if err != nil {
		return cortexerr.Wrap(cortexerr.ErrStorage, "registry.RemoveProject", err)
	}
	return nil
}

func (s *Store) GetProject(hash string) (*model.Project, error) {
	row := s.db.QueryRow(`
		SELECT hash, path, name, provider, agent_mode, channel_mode, messaging_mode, allowed_channels, provider_config, created_at, last_accessed
		FROM projects WHERE hash = ?`, hash)
	return scanProject(row)
}

func (s *Store) ListProjects() ([]*model.Project, error) {
	rows, err := s.db.Query(`
		SELECT hash, path, name, provider, agent_mode, channel_mode, messaging_mode, allowed_channels, provider_config, created_at, last_accessed
		FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.ErrStorage, "registry.ListProjects", err)
	}
	defer rows.Close()

	var out []*model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TouchProjectAccess bumps last_accessed, called whenever a hook
// resolves an agent within this project.
func (s *Store) TouchProjectAccess(hash string) error {
	_, err := s.db.Exec(`UPDATE projects SET last_accessed = ? WHERE hash = ?`,
		time.Now().UTC().Format(time.RFC3339), hash)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (*model.Project, error) {
	var p model.Project
	var allowedChannels, providerConfig, createdAt string
	var lastAccessed sql.NullString
	err := row.Scan(&p.Hash, &p.Path, &p.Name, &p.Provider, &p.AgentMode, &p.ChannelMode,
		&p.MessagingMode, &allowedChannels, &providerConfig, &createdAt, &lastAccessed)
	if err == sql.ErrNoRows {
		return nil, cortexerr.Wrap(cortexerr.ErrNotFound, "registry.GetProject", err)
	}
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.ErrStorage, "registry.scanProject", err)
	}
	p.AllowedChannels = dbutil.DecodeStrings(allowedChannels)
	_ = dbutil.DecodeJSON(providerConfig, &p.ProviderConfig)
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if lastAccessed.Valid {
		t, _ := time.Parse(time.RFC3339, lastAccessed.String)
		p.LastAccessed = &t
	}
	return &p, nil
}

// AddAgent registers an agent under a project, generating an id if one
// isn't supplied.
func (s *Store) AddAgent(a *model.Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if a.RegisteredAt.IsZero() {
		a.RegisteredAt = time.Now().UTC()
	}
	if a.ThreadMode == "" {
		a.ThreadMode = model.ThreadModeNormal
	}
	_, err := s.db.Exec(`
		INSERT INTO agents (id, project_hash, name, description, role, capabilities, status,
			last_seen, registered_at, supervisor_id, coordination_mode, team, specializations,
			thread_mode, current_activity, report_to, custom_role, workspace_path, full_permissions, expected_model)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id, project_hash) DO UPDATE SET
			name=excluded.name, role=excluded.role, status=excluded.status, last_seen=excluded.last_seen`,
		a.ID, a.ProjectHash, a.Name, a.Description, a.Role, dbutil.EncodeStrings(a.Capabilities),
		nonEmpty(a.Status, "available"), now, a.RegisteredAt.Format(time.RFC3339),
		a.SupervisorID, string(nonEmptyMode(a.CoordinationMode)), a.Team, dbutil.EncodeStrings(a.Specializations),
		string(a.ThreadMode), a.CurrentActivity, a.ReportTo, a.CustomRole, a.WorkspacePath,
		a.FullPermissions, a.ExpectedModel)
	if err != nil {
		return cortexerr.Wrap(cortexerr.ErrStorage, "registry.AddAgent", err)
	}
	return nil
}

func nonEmpty(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func nonEmptyMode(s string) string {
	return nonEmpty(s, "autonomous")
}

func (s *Store) RemoveAgent(projectHash, agentID string) error {
	_, err := s.db.Exec(`DELETE FROM agents WHERE id = ? AND project_hash = ?`, agentID, projectHash)
	if err != nil {
		return cortexerr.Wrap(cortexerr.ErrStorage, "registry.RemoveAgent", err)
	}
	return nil
}

const agentColumns = `id, project_hash, name, description, role, capabilities, status, last_seen,
	registered_at, supervisor_id, coordination_mode, team, specializations, thread_mode,
	current_activity, report_to, custom_role, workspace_path, full_permissions, expected_model`

func (s *Store) GetAgent(projectHash, agentID string) (*model.Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ? AND project_hash = ?`, agentID, projectHash)
	return scanAgent(row)
}

// SoleAgent returns the project's single registered agent, used by
// step 4 of the identity-resolution cascade: if there is exactly
// one, it wins by default.
func (s *Store) SoleAgent(projectHash string) (*model.Agent, error) {
	agents, err := s.ListAgents(projectHash)
	if err != nil {
		return nil, err
	}
	if len(agents) != 1 {
		return nil, cortexerr.Wrap(cortexerr.ErrNotFound, "registry.SoleAgent", fmt.Errorf("%d agents registered", len(agents)))
	}
	return agents[0], nil
}

func (s *Store) ListAgents(projectHash string) ([]*model.Agent, error) {
	rows, err := s.db.Query(`SELECT `+agentColumns+` FROM agents WHERE project_hash = ? ORDER BY registered_at`, projectHash)
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.ErrStorage, "registry.ListAgents", err)
	}
	defer rows.Close()
	var out []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListActiveAgents lists every agent across every project, backing the
// IPC list_active_agents method.
func (s *Store) ListActiveAgents() ([]*model.Agent, error) {
	rows, err := s.db.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY project_hash, registered_at`)
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.ErrStorage, "registry.ListActiveAgents", err)
	}
	defer rows.Close()
	var out []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetThreadMode updates an agent's symbolic mode, returning the newly
// resolved numeric quota.
func (s *Store) SetThreadMode(projectHash, agentID string, mode model.ThreadMode) (int, error) {
	res, err := s.db.Exec(`UPDATE agents SET thread_mode = ? WHERE id = ? AND project_hash = ?`,
		string(mode), agentID, projectHash)
	if err != nil {
		return 0, cortexerr.Wrap(cortexerr.ErrStorage, "registry.SetThreadMode", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, cortexerr.Wrap(cortexerr.ErrNotFound, "registry.SetThreadMode", fmt.Errorf("agent %s", agentID))
	}
	return mode.Quota(), nil
}

// ThreadQuota resolves an agent's numeric quota. Returns
// model.FallbackQuota (Light) when the agent can't be found at all,
// per the pool's deliberately-conservative-fallback policy.
func (s *Store) ThreadQuota(projectHash, agentID string) (int, error) {
	a, err := s.GetAgent(projectHash, agentID)
	if err != nil {
		return model.FallbackQuota, err
	}
	return a.ThreadMode.Quota(), nil
}

func (s *Store) TouchAgentSeen(projectHash, agentID string) error {
	_, err := s.db.Exec(`UPDATE agents SET last_seen = ? WHERE id = ? AND project_hash = ?`,
		time.Now().UTC().Format(time.RFC3339), agentID, projectHash)
	return err
}

func (s *Store) SetCurrentActivity(projectHash, agentID, activity string) error {
	_, err := s.db.Exec(`UPDATE agents SET current_activity = ? WHERE id = ? AND project_hash = ?`,
		activity, agentID, projectHash)
	return err
}

func scanAgent(row scanner) (*model.Agent, error) {
	var a model.Agent
	var capabilities, specializations string
	var lastSeen, registeredAt string
	var supervisorID, team, reportTo, customRole, expectedModel sql.NullString
	err := row.Scan(&a.ID, &a.ProjectHash, &a.Name, &a.Description, &a.Role, &capabilities,
		&a.Status, &lastSeen, &registeredAt, &supervisorID, &a.CoordinationMode, &team,
		&specializations, &a.ThreadMode, &a.CurrentActivity, &reportTo, &customRole,
		&a.WorkspacePath, &a.FullPermissions, &expectedModel)
	if err == sql.ErrNoRows {
		return nil, cortexerr.Wrap(cortexerr.ErrNotFound, "registry.GetAgent", err)
	}
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.ErrStorage, "registry.scanAgent", err)
	}
	a.Capabilities = dbutil.DecodeStrings(capabilities)
	a.Specializations = dbutil.DecodeStrings(specializations)
	a.LastSeen, _ = time.Parse(time.RFC3339, lastSeen)
	a.RegisteredAt, _ = time.Parse(time.RFC3339, registeredAt)
	if supervisorID.Valid {
		a.SupervisorID = &supervisorID.String
	}
	if team.Valid {
		a.Team = &team.String
	}
	if reportTo.Valid {
		a.ReportTo = &reportTo.String
	}
	if customRole.Valid {
		a.CustomRole = &customRole.String
	}
	if expectedModel.Valid {
		a.ExpectedModel = &expectedModel.String
	}
	return &a, nil
}

// AddTask inserts an agent_tasks row.
func (s *Store) AddTask(t *model.AgentTask) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO agent_tasks (id, project_hash, assigned_to, assigned_by, title, description,
			priority, status, created_at, updated_at, deadline, dependencies, result)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectHash, t.AssignedTo, nonEmpty(t.AssignedBy, "admin"), t.Title, t.Description,
		nonEmpty(t.Priority, "normal"), nonEmpty(t.Status, "pending"), now, now, t.Deadline,
		dbutil.EncodeStrings(t.Dependencies), t.Result)
	if err != nil {
		return cortexerr.Wrap(cortexerr.ErrStorage, "registry.AddTask", err)
	}
	return nil
}

func (s *Store) ListTasks(projectHash, assignedTo string) ([]*model.AgentTask, error) {
	rows, err := s.db.Query(`
		SELECT id, project_hash, assigned_to, assigned_by, title, description, priority, status,
			created_at, updated_at, deadline, dependencies, result
		FROM agent_tasks WHERE project_hash = ? AND (? = '' OR assigned_to = ?) ORDER BY created_at`,
		projectHash, assignedTo, assignedTo)
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.ErrStorage, "registry.ListTasks", err)
	}
	defer rows.Close()
	var out []*model.AgentTask
	for rows.Next() {
		var t model.AgentTask
		var deps string
		var createdAt, updatedAt string
		var deadline, result sql.NullString
		if err := rows.Scan(&t.ID, &t.ProjectHash, &t.AssignedTo, &t.AssignedBy, &t.Title,
			&t.Description, &t.Priority, &t.Status, &createdAt, &updatedAt, &deadline, &deps, &result); err != nil {
			return nil, cortexerr.Wrap(cortexerr.ErrStorage, "registry.ListTasks scan", err)
		}
		t.Dependencies = dbutil.DecodeStrings(deps)
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		if deadline.Valid {
			t.Deadline = dbutil.NullString(deadline.String)
		}
		if result.Valid {
			t.Result = dbutil.NullString(result.String)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
