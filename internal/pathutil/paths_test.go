package pathutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataDirEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CORTEXD_DATA_DIR", dir)

	assert.Equal(t, dir, DataDir())
	assert.Equal(t, filepath.Join(dir, "registry.db"), RegistryDBPath())
	assert.Equal(t, filepath.Join(dir, "projects", "ph", "agents", "a1.db"), AgentDBPath("ph", "a1"))
	assert.Equal(t, filepath.Join(dir, "wake_signals", "a1.signal"), WakeSignalPath("a1"))
}

func TestHashPathStringDeterministic(t *testing.T) {
	h1 := HashPathString("/home/dev/project")
	h2 := HashPathString("/home/dev/project")
	require.Equal(t, h1, h2)
	require.Len(t, h1, 16)

	// Case-folded before hashing, so path-case differences on
	// case-insensitive filesystems collapse to one project.
	assert.Equal(t, h1, HashPathString("/HOME/dev/Project"))
	assert.NotEqual(t, h1, HashPathString("/home/dev/other"))
}

func TestProjectHashCanonicalizes(t *testing.T) {
	dir := t.TempDir()
	h1, err := ProjectHash(dir)
	require.NoError(t, err)
	h2, err := ProjectHash(dir + string(filepath.Separator))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestEnsureDataDirs(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CORTEXD_DATA_DIR", filepath.Join(dir, "nested"))
	require.NoError(t, EnsureDataDirs())
	assert.DirExists(t, ProjectsDir())
	assert.DirExists(t, WakeSignalsDir())
}
