package registry

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/cortexd/internal/model"
	"github.com/nextlevelbuilder/cortexd/internal/storedb"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA foreign_keys=ON")
	require.NoError(t, err)
	require.NoError(t, storedb.MigrateRegistryDB(db))
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func addProjectAndAgent(t *testing.T, s *Store, mode model.ThreadMode) *model.Agent {
	t.Helper()
	require.NoError(t, s.AddProject(&model.Project{Hash: "ph", Path: "/tmp/p", Name: "p"}))
	a := &model.Agent{
		ID: "a1", ProjectHash: "ph", Name: "worker", Role: "developer",
		Status: "active", ThreadMode: mode, CoordinationMode: "autonomous",
	}
	require.NoError(t, s.AddAgent(a))
	return a
}

func TestAddAndGetAgent(t *testing.T) {
	s := newStore(t)
	addProjectAndAgent(t, s, model.ThreadModeNormal)

	got, err := s.GetAgent("ph", "a1")
	require.NoError(t, err)
	assert.Equal(t, "worker", got.Name)
	assert.Equal(t, model.ThreadModeNormal, got.ThreadMode)
}

func TestThreadQuota(t *testing.T) {
	s := newStore(t)
	addProjectAndAgent(t, s, model.ThreadModeHeavy)

	quota, err := s.ThreadQuota("ph", "a1")
	require.NoError(t, err)
	assert.Equal(t, 100, quota)
}

// TestThreadQuotaFallbackForUnknownAgent: an unregistered agent gets
// the conservative Light-tier quota, not the Normal default.
func TestThreadQuotaFallbackForUnknownAgent(t *testing.T) {
	s := newStore(t)

	quota, err := s.ThreadQuota("ph", "ghost")
	require.Error(t, err)
	assert.Equal(t, model.FallbackQuota, quota)
}

func TestSetThreadMode(t *testing.T) {
	s := newStore(t)
	addProjectAndAgent(t, s, model.ThreadModeNormal)

	quota, err := s.SetThreadMode("ph", "a1", model.ThreadModeLight)
	require.NoError(t, err)
	assert.Equal(t, 15, quota)

	got, err := s.GetAgent("ph", "a1")
	require.NoError(t, err)
	assert.Equal(t, model.ThreadModeLight, got.ThreadMode)
}

func TestSetThreadModeUnknownAgent(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.AddProject(&model.Project{Hash: "ph", Path: "/tmp/p", Name: "p"}))

	_, err := s.SetThreadMode("ph", "ghost", model.ThreadModeLight)
	assert.Error(t, err)
}

func TestSoleAgent(t *testing.T) {
	s := newStore(t)
	addProjectAndAgent(t, s, model.ThreadModeNormal)

	a, err := s.SoleAgent("ph")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "a1", a.ID)

	// A second agent makes the project ambiguous.
	require.NoError(t, s.AddAgent(&model.Agent{
		ID: "a2", ProjectHash: "ph", Name: "second", Status: "active",
		ThreadMode: model.ThreadModeNormal, CoordinationMode: "autonomous",
	}))
	_, err = s.SoleAgent("ph")
	assert.Error(t, err)
}

func TestRemoveProjectCascades(t *testing.T) {
	s := newStore(t)
	addProjectAndAgent(t, s, model.ThreadModeNormal)

	require.NoError(t, s.RemoveProject("ph"))
	_, err := s.GetAgent("ph", "a1")
	assert.Error(t, err)
}
