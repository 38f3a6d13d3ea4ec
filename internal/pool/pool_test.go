package pool

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/cortexd/internal/model"
)

type stubQuotaSource struct {
	quota int
	err   error
	calls int
}

func (s *stubQuotaSource) ThreadQuota(string, string) (int, error) {
	s.calls++
	return s.quota, s.err
}

func newTestPool(t *testing.T, capacity int, maxIdle time.Duration, qs QuotaSource) *Pool {
	t.Helper()
	t.Setenv("CORTEXD_DATA_DIR", t.TempDir())
	p := New(capacity, maxIdle, qs)
	t.Cleanup(p.CloseAll)
	return p
}

func TestWithConnOpensAndMigrates(t *testing.T) {
	p := newTestPool(t, 4, time.Hour, nil)
	key := AgentKey{ProjectHash: "ph", AgentID: "a1"}

	var count int
	require.NoError(t, p.WithConn(key, func(db *sql.DB) error {
		return db.QueryRow(`SELECT COUNT(*) FROM threads`).Scan(&count)
	}))
	assert.Equal(t, 0, count)
	assert.Equal(t, 1, p.Stats().OpenConnections)
}

func TestForceEvictReopensCleanly(t *testing.T) {
	p := newTestPool(t, 4, time.Hour, nil)
	key := AgentKey{ProjectHash: "ph", AgentID: "a1"}

	require.NoError(t, p.WithConn(key, func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO threads (id, title, status, summary, origin_type, child_ids, weight,
			importance, importance_manually_set, relevance_score, activation_count, split_locked,
			topics, tags, labels, concepts, drift_history, ratings, created_at, last_active)
			VALUES ('t1','t','active','','prompt','[]',1,0.5,0,1,0,0,'[]','[]','[]','[]','[]','[]',
			'2026-01-01T00:00:00Z','2026-01-01T00:00:00Z')`)
		return err
	}))

	p.ForceEvict(key)
	assert.Equal(t, 0, p.Stats().OpenConnections)

	// The reopened connection sees the same on-disk database.
	var count int
	require.NoError(t, p.WithConn(key, func(db *sql.DB) error {
		return db.QueryRow(`SELECT COUNT(*) FROM threads`).Scan(&count)
	}))
	assert.Equal(t, 1, count)
}

func TestMarkPoisonedBlocksUntilEvicted(t *testing.T) {
	p := newTestPool(t, 4, time.Hour, nil)
	key := AgentKey{ProjectHash: "ph", AgentID: "a1"}

	require.NoError(t, p.WithConn(key, func(*sql.DB) error { return nil }))
	p.MarkPoisoned(key)

	err := p.WithConn(key, func(*sql.DB) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, errPoisoned))

	p.ForceEvict(key)
	require.NoError(t, p.WithConn(key, func(*sql.DB) error { return nil }))
}

func TestCapacityEvictsOldest(t *testing.T) {
	p := newTestPool(t, 2, time.Hour, nil)

	k1 := AgentKey{ProjectHash: "ph", AgentID: "a1"}
	k2 := AgentKey{ProjectHash: "ph", AgentID: "a2"}
	k3 := AgentKey{ProjectHash: "ph", AgentID: "a3"}

	require.NoError(t, p.WithConn(k1, func(*sql.DB) error { return nil }))
	require.NoError(t, p.WithConn(k2, func(*sql.DB) error { return nil }))
	require.NoError(t, p.WithConn(k3, func(*sql.DB) error { return nil }))

	stats := p.Stats()
	assert.Equal(t, 2, stats.OpenConnections)
	keys := p.ActiveKeys()
	assert.NotContains(t, keys, k1)
	assert.Contains(t, keys, k3)
}

func TestEvictIdleSweepsStaleEntries(t *testing.T) {
	p := newTestPool(t, 4, time.Millisecond, nil)
	key := AgentKey{ProjectHash: "ph", AgentID: "a1"}

	require.NoError(t, p.WithConn(key, func(*sql.DB) error { return nil }))
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, 1, p.EvictIdle())
	assert.Equal(t, 0, p.Stats().OpenConnections)
}

func TestQuotaFallbackWhenNoSource(t *testing.T) {
	p := newTestPool(t, 4, time.Hour, nil)
	key := AgentKey{ProjectHash: "ph", AgentID: "a1"}
	assert.Equal(t, model.FallbackQuota, p.GetThreadQuota(key))
}

func TestQuotaCachedUntilRefresh(t *testing.T) {
	qs := &stubQuotaSource{quota: 100}
	p := newTestPool(t, 4, time.Hour, qs)
	key := AgentKey{ProjectHash: "ph", AgentID: "a1"}

	assert.Equal(t, 100, p.GetThreadQuota(key))
	assert.Equal(t, 100, p.GetThreadQuota(key))
	assert.Equal(t, 1, qs.calls, "second read must hit the cache")

	qs.quota = 200
	p.RefreshQuota(key)
	assert.Equal(t, 200, p.GetThreadQuota(key))
	assert.Equal(t, 2, qs.calls)
}

func TestQuotaFallbackWhenSourceErrors(t *testing.T) {
	qs := &stubQuotaSource{quota: 0, err: errors.New("agent not in registry")}
	p := newTestPool(t, 4, time.Hour, qs)
	key := AgentKey{ProjectHash: "ph", AgentID: "ghost"}
	assert.Equal(t, model.FallbackQuota, p.GetThreadQuota(key))
}

func TestSetLocked(t *testing.T) {
	p := newTestPool(t, 4, time.Hour, nil)
	key := AgentKey{ProjectHash: "ph", AgentID: "a1"}

	assert.False(t, p.IsLocked(key))
	p.SetLocked(key, true)
	assert.True(t, p.IsLocked(key))
	p.SetLocked(key, false)
	assert.False(t, p.IsLocked(key))
}
