package hookrunner

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/cortexd/internal/pathutil"
)

func TestGuardEnvPassthrough(t *testing.T) {
	t.Setenv("CORTEXD_DATA_DIR", t.TempDir())
	t.Setenv("CORTEXD_GUARD_ENV", "CORTEXD_TEST_GUARD")
	t.Setenv("CORTEXD_TEST_GUARD", "1")

	in := `{"prompt":"hello there"}`
	var out bytes.Buffer
	err := Run(KindInject, "ph", "a1", strings.NewReader(in), &out)
	require.NoError(t, err)
	assert.Equal(t, in, out.String())
}

func TestDrainInjectQueueConsumesFreshFiles(t *testing.T) {
	t.Setenv("CORTEXD_DATA_DIR", t.TempDir())
	dir := filepath.Join(pathutil.AgentDataDir("ph", "a1"), "inject_queue")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1_a1.json"),
		[]byte(`{"type":"user","text":"wake up","agent_id":"a1"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2_a1.json"),
		[]byte(`{"type":"user","text":"","agent_id":"a1"}`), 0o644))

	texts := drainInjectQueue("ph", "a1")
	assert.Equal(t, []string{"wake up"}, texts)

	// Every file is gone afterward, consumed or not.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.Empty(t, drainInjectQueue("ph", "a1"))
}
