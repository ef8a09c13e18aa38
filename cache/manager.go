// Package cache implements the bounded in-memory cache of loaded
// ExecutionEngine artifacts. Two independent instances exist in a running
// engine — a CPU cache and a device (GPU) cache — both built from this
// same Manager type.
package cache

import (
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/vecdbio/vecdb/dberr"
)

// Artifact is anything a Manager can hold: a loaded ExecutionEngine (or a
// stand-in during tests). Size must be stable for the lifetime of the
// Artifact once inserted.
type Artifact interface {
	// PhysicalSize is the resident memory footprint counted against
	// capacity, matching the source ExecutionEngine's PhysicalSize.
	PhysicalSize() int64
}

// Manager maps a file location to its loaded artifact, evicting by
// least-recently-used/inserted order once a new insert would exceed
// Capacity. golang-lru gives us the eviction order and O(1) touch/remove;
// Manager layers the byte-budget accounting on top since golang-lru itself
// only counts entries, not bytes.
type Manager struct {
	mu       sync.Mutex
	capacity int64
	usage    int64
	lru      *lru.Cache

	artifactsOnce sync.Once
	artifactsMap  map[string]Artifact
}

type entry struct {
	key  string
	size int64
}

// NewManager creates a Manager with the given byte capacity. A capacity of
// 0 means unlimited (tracking only, never rejects an Insert).
func NewManager(capacityBytes int64) (*Manager, error) {
	m := &Manager{capacity: capacityBytes}

	// golang-lru requires a positive max entry count; the entry count itself
	// is not the enforcement mechanism (byte usage is), so this only needs
	// to be large enough to never trigger count-based eviction ahead of our
	// own byte-budget eviction below.
	c, err := lru.NewWithEvict(1<<20, m.onEvict)
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeDBError, err, "cache: create LRU")
	}
	m.lru = c
	return m, nil
}

// onEvict is golang-lru's callback; it only updates our byte counter since
// golang-lru has already removed the entry from its own bookkeeping.
func (m *Manager) onEvict(key, value any) {
	if e, ok := value.(entry); ok {
		m.usage -= e.size
	}
}

// Capacity returns the configured byte budget.
func (m *Manager) Capacity() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capacity
}

// Usage returns the current resident byte total.
func (m *Manager) Usage() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

// Insert admits an artifact under key, evicting least-recently-used entries
// until it fits. Returns CodeCacheFull if the artifact alone exceeds
// Capacity (eviction of everything else still would not make room).
func (m *Manager) Insert(key string, a Artifact) error {
	size := a.PhysicalSize()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.capacity > 0 && size > m.capacity {
		return dberr.New(dberr.CodeCacheFull, "artifact %d bytes exceeds cache capacity %d bytes", size, m.capacity)
	}

	// If key is already resident, remove it first so re-insertion doesn't
	// double-count its bytes; Remove fires the eviction callback, which
	// subtracts them from usage.
	if _, ok := m.lru.Peek(key); ok {
		m.lru.Remove(key)
	}

	if m.capacity > 0 {
		for m.usage+size > m.capacity {
			if _, _, ok := m.lru.RemoveOldest(); !ok {
				break
			}
		}
		if m.usage+size > m.capacity {
			return dberr.New(dberr.CodeCacheFull, "cannot admit %d bytes: only %d available", size, m.capacity-m.usage)
		}
	}

	m.lru.Add(key, entry{key: key, size: size})
	m.usage += size
	m.artifacts()[key] = a
	return nil
}

// artifacts lazily initializes the parallel map from key to Artifact, kept
// separate from the LRU's own value (a lightweight entry{}) so eviction
// bookkeeping never needs to type-assert an Artifact out of golang-lru's
// `any` values.
func (m *Manager) artifacts() map[string]Artifact {
	m.artifactsOnce.Do(func() { m.artifactsMap = make(map[string]Artifact) })
	return m.artifactsMap
}

// Lookup returns the artifact resident under key, marking it most-recently-used.
func (m *Manager) Lookup(key string) (Artifact, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lru.Get(key); !ok {
		return nil, false
	}
	a, ok := m.artifacts()[key]
	return a, ok
}

// Erase explicitly drops key from the cache, e.g. after a file transitions
// past its searchable states.
func (m *Manager) Erase(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Remove(key)
	delete(m.artifacts(), key)
}

// PrintInfo returns a human-readable capacity/usage summary for logging.
func (m *Manager) PrintInfo() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capacity <= 0 {
		return "cache: unbounded, usage=" + strconv.FormatInt(m.usage, 10)
	}
	return "cache: capacity=" + strconv.FormatInt(m.capacity, 10) + " usage=" + strconv.FormatInt(m.usage, 10)
}
