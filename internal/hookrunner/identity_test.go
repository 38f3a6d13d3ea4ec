package hookrunner

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/cortexd/internal/model"
	"github.com/nextlevelbuilder/cortexd/internal/pathutil"
	"github.com/nextlevelbuilder/cortexd/internal/registry"
	"github.com/nextlevelbuilder/cortexd/internal/storedb"
)

func testRegistry(t *testing.T) *registry.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	require.NoError(t, storedb.MigrateRegistryDB(db))
	t.Cleanup(func() { db.Close() })
	return registry.New(db)
}

func clearIdentityEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CORTEXD_DATA_DIR", t.TempDir())
	t.Setenv("CORTEXD_AGENT_ID", "")
	t.Setenv("CORTEXD_AGENT", "")
}

func TestResolveIdentityExplicitArgWins(t *testing.T) {
	clearIdentityEnv(t)
	t.Setenv("CORTEXD_AGENT_ID", "env-agent")
	assert.Equal(t, "explicit", ResolveIdentity(nil, "ph", "explicit"))
}

func TestResolveIdentityEnvVars(t *testing.T) {
	clearIdentityEnv(t)
	t.Setenv("CORTEXD_AGENT_ID", "from-id")
	t.Setenv("CORTEXD_AGENT", "from-name")
	assert.Equal(t, "from-id", ResolveIdentity(nil, "ph", ""))

	t.Setenv("CORTEXD_AGENT_ID", "")
	assert.Equal(t, "from-name", ResolveIdentity(nil, "ph", ""))
}

func TestResolveIdentitySoleAgent(t *testing.T) {
	clearIdentityEnv(t)
	reg := testRegistry(t)
	require.NoError(t, reg.AddProject(&model.Project{Hash: "ph", Path: "/tmp/p", Name: "p"}))
	require.NoError(t, reg.AddAgent(&model.Agent{
		ID: "only-one", ProjectHash: "ph", Name: "solo", Status: "active",
		ThreadMode: model.ThreadModeNormal, CoordinationMode: "autonomous",
	}))

	assert.Equal(t, "only-one", ResolveIdentity(reg, "ph", ""))
}

func TestResolveIdentityGlobalSessionFile(t *testing.T) {
	clearIdentityEnv(t)
	path := pathutil.AgentSessionPath("ph")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("session-agent\n"), 0o644))

	assert.Equal(t, "session-agent", ResolveIdentity(nil, "ph", ""))
}

// TestResolveIdentityAnonymousFallback: with nothing else resolvable,
// the hook still gets a stable per-project identity to write under.
func TestResolveIdentityAnonymousFallback(t *testing.T) {
	clearIdentityEnv(t)
	got := ResolveIdentity(nil, "0123456789abcdef", "")
	assert.Equal(t, "anon-01234567", got)
}
