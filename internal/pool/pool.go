// Package pool is the daemon's per-agent database connection cache:
// lazy-open, idle eviction, and panic-quarantine via force-evict.
// The coarse pool mutex only ever guards map mutations and timestamp
// reads, never database I/O.
package pool

import (
	"database/sql"
	"sync"
	"time"

	"github.com/nextlevelbuilder/cortexd/internal/cortexerr"
	"github.com/nextlevelbuilder/cortexd/internal/model"
	"github.com/nextlevelbuilder/cortexd/internal/pathutil"
	"github.com/nextlevelbuilder/cortexd/internal/storedb"
)

// AgentKey identifies one per-agent database.
type AgentKey struct {
	ProjectHash string
	AgentID     string
}

// QuotaSource resolves an agent's numeric quota from the registry. The
// pool only calls this once per entry (until RefreshQuota is called
// again) to avoid a registry round-trip on every capture.
type QuotaSource interface {
	ThreadQuota(projectHash, agentID string) (int, error)
}

// PendingContext is the in-memory coherence-gate snapshot of the last
// capture for one agent. Its own mutex is separate
// from the entry's connection mutex and is allowed to tolerate a
// recovered panic without invalidating the connection.
type PendingContext struct {
	Content   string
	ThreadID  string
	Labels    []string
	Timestamp time.Time
}

// IsExpired reports whether this snapshot is older than ttl.
func (p *PendingContext) IsExpired(ttl time.Duration) bool {
	if p == nil {
		return true
	}
	return time.Since(p.Timestamp) > ttl
}

type entry struct {
	connMu sync.Mutex
	conn   *sql.DB

	pendingMu sync.Mutex
	pending   *PendingContext

	lastUsed time.Time
	locked   bool
	poisoned bool

	quotaMu          sync.Mutex
	threadQuota      int
	quotaInitialized bool
}

// Pool caches one open *sql.DB per (project, agent) pair.
type Pool struct {
	mu          sync.Mutex
	entries     map[AgentKey]*entry
	capacity    int
	maxIdle     time.Duration
	quotaSource QuotaSource
}

// New creates a pool bounded to capacity entries, evicting the oldest
// idle (preferring entries idle longer than maxIdle) when full.
func New(capacity int, maxIdle time.Duration, quotaSource QuotaSource) *Pool {
	if capacity <= 0 {
		capacity = 64
	}
	return &Pool{
		entries:     make(map[AgentKey]*entry),
		capacity:    capacity,
		maxIdle:     maxIdle,
		quotaSource: quotaSource,
	}
}

// WithConn runs fn holding the entry's connection mutex, the only
// legitimate way to touch the underlying *sql.DB — callers never
// receive the raw handle so the pool never lends out references that
// could outlive an eviction.
func (p *Pool) WithConn(key AgentKey, fn func(db *sql.DB) error) error {
	e, err := p.getOrOpen(key)
	if err != nil {
		return err
	}
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if e.poisoned {
		return cortexerr.Wrap(cortexerr.ErrStorage, "pool.WithConn", errPoisoned)
	}
	return fn(e.conn)
}

var errPoisoned = poolError("entry poisoned by a prior panic")

type poolError string

func (e poolError) Error() string { return string(e) }

// WithPending runs fn holding the entry's pending-context mutex,
// recovering a prior panic (Go has no mutex poisoning, but a panic
// mid-mutation could leave Pending partially updated; fn is expected
// to always leave it in a valid state, and coherence is soft — a
// stale/zero value is an acceptable fallback, never a correctness
// issue).
func (p *Pool) WithPending(key AgentKey, fn func(pc **PendingContext)) error {
	e, err := p.getOrOpen(key)
	if err != nil {
		return err
	}
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	fn(&e.pending)
	return nil
}

// getOrOpen returns the cached entry for key, opening and migrating a
// fresh database on a miss.
func (p *Pool) getOrOpen(key AgentKey) (*entry, error) {
	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		e.lastUsed = time.Now()
		p.mu.Unlock()
		return e, nil
	}
	if len(p.entries) >= p.capacity {
		p.evictOneLocked()
	}
	p.mu.Unlock()

	path := pathutil.AgentDBPath(key.ProjectHash, key.AgentID)
	db, err := storedb.Open(path)
	if err != nil {
		return nil, cortexerr.Wrap(cortexerr.ErrStorage, "pool.getOrOpen open", err)
	}
	if err := storedb.Migrate(db, storedb.RoleAgent); err != nil {
		db.Close()
		return nil, cortexerr.Wrap(cortexerr.ErrStorage, "pool.getOrOpen migrate", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.entries[key]; ok {
		// Lost a race with a concurrent opener for the same key; keep
		// the one already installed and close our redundant handle.
		db.Close()
		existing.lastUsed = time.Now()
		return existing, nil
	}
	e := &entry{conn: db, lastUsed: time.Now()}
	p.entries[key] = e
	return e, nil
}

// evictOneLocked evicts the oldest entry idle longer than maxIdle, or
// else the absolute oldest entry. Caller holds p.mu.
func (p *Pool) evictOneLocked() {
	var oldestIdleKey, oldestKey AgentKey
	var oldestIdleAt, oldestAt time.Time
	haveIdle, haveAny := false, false

	now := time.Now()
	for k, e := range p.entries {
		if !haveAny || e.lastUsed.Before(oldestAt) {
			oldestAt, oldestKey, haveAny = e.lastUsed, k, true
		}
		if now.Sub(e.lastUsed) > p.maxIdle {
			if !haveIdle || e.lastUsed.Before(oldestIdleAt) {
				oldestIdleAt, oldestIdleKey, haveIdle = e.lastUsed, k, true
			}
		}
	}
	if haveIdle {
		p.closeLocked(oldestIdleKey)
		return
	}
	if haveAny {
		p.closeLocked(oldestKey)
	}
}

func (p *Pool) closeLocked(key AgentKey) {
	if e, ok := p.entries[key]; ok {
		e.conn.Close()
		delete(p.entries, key)
	}
}

// EvictIdle sweeps every entry idle longer than maxIdle, called by the
// maintenance loop once per cycle.
func (p *Pool) EvictIdle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	var evicted int
	for k, e := range p.entries {
		if e.connMu.TryLock() {
			idle := now.Sub(e.lastUsed) > p.maxIdle
			e.connMu.Unlock()
			if idle {
				p.closeLocked(k)
				evicted++
			}
		}
	}
	return evicted
}

// ForceEvict discards a possibly-poisoned entry after a recovered
// worker panic; the next GetOrOpen reopens cleanly.
func (p *Pool) ForceEvict(key AgentKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked(key)
}

// MarkPoisoned flags an entry as poisoned without evicting it
// immediately, letting in-flight holders of the connection mutex
// finish; the next getOrOpen on a poisoned entry still returns it
// (Go mutexes can't actually poison), but WithConn refuses to run fn
// against it. Call ForceEvict to actually reopen.
func (p *Pool) MarkPoisoned(key AgentKey) {
	p.mu.Lock()
	e, ok := p.entries[key]
	p.mu.Unlock()
	if ok {
		e.poisoned = true
	}
}

func (p *Pool) SetLocked(key AgentKey, locked bool) {
	e, err := p.getOrOpen(key)
	if err != nil {
		return
	}
	p.mu.Lock()
	e.locked = locked
	p.mu.Unlock()
}

func (p *Pool) IsLocked(key AgentKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok {
		return e.locked
	}
	return false
}

// ActiveKeys returns a snapshot of every key currently cached, used by
// the maintenance loop to decide which agents to walk this cycle.
func (p *Pool) ActiveKeys() []AgentKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]AgentKey, 0, len(p.entries))
	for k := range p.entries {
		keys = append(keys, k)
	}
	return keys
}

// GetThreadQuota returns the cached quota for key, lazily resolving it
// from the registry (falling back to model.FallbackQuota) on first
// access.
func (p *Pool) GetThreadQuota(key AgentKey) int {
	e, err := p.getOrOpen(key)
	if err != nil {
		return model.FallbackQuota
	}
	e.quotaMu.Lock()
	defer e.quotaMu.Unlock()
	if e.quotaInitialized {
		return e.threadQuota
	}
	quota := model.FallbackQuota
	if p.quotaSource != nil {
		if q, err := p.quotaSource.ThreadQuota(key.ProjectHash, key.AgentID); err == nil {
			quota = q
		}
	}
	e.threadQuota = quota
	e.quotaInitialized = true
	return quota
}

// SetThreadQuota overrides the cached quota directly, used right after
// an IPC set_thread_mode call so the new quota is visible without a
// registry round-trip.
func (p *Pool) SetThreadQuota(key AgentKey, quota int) {
	e, err := p.getOrOpen(key)
	if err != nil {
		return
	}
	e.quotaMu.Lock()
	e.threadQuota = quota
	e.quotaInitialized = true
	e.quotaMu.Unlock()
}

// RefreshQuota forces a re-read from the registry on the next
// GetThreadQuota call.
func (p *Pool) RefreshQuota(key AgentKey) {
	p.mu.Lock()
	e, ok := p.entries[key]
	p.mu.Unlock()
	if !ok {
		return
	}
	e.quotaMu.Lock()
	e.quotaInitialized = false
	e.quotaMu.Unlock()
}

func (p *Pool) IsQuotaInitialized(key AgentKey) bool {
	p.mu.Lock()
	e, ok := p.entries[key]
	p.mu.Unlock()
	if !ok {
		return false
	}
	e.quotaMu.Lock()
	defer e.quotaMu.Unlock()
	return e.quotaInitialized
}

// Stats is a snapshot for the IPC pool_status method.
type Stats struct {
	OpenConnections int `json:"open_connections"`
	Capacity        int `json:"capacity"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{OpenConnections: len(p.entries), Capacity: p.capacity}
}

// CloseAll closes every cached connection, called on daemon shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.entries {
		e.conn.Close()
		delete(p.entries, k)
	}
}
