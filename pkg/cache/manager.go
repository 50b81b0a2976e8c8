// Package cache manages a station's bounded update cache with
// priority-aware eviction, and answers holder queries for the mesh.
package cache

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"airmesh/pkg/metrics"
	"airmesh/pkg/store"
	"airmesh/pkg/types"
)

var ErrInsufficientSpace = errors.New("insufficient cache space")

// Policy selects the eviction candidate ordering.
type Policy string

const (
	// PolicyPriorityLRU evicts least-important entries first, least
	// recently accessed breaking ties.
	PolicyPriorityLRU Policy = "priority-lru"
	// PolicyPriorityOnly orders by priority alone.
	PolicyPriorityOnly Policy = "priority-only"
	// PolicyLRU orders by last access alone.
	PolicyLRU Policy = "lru"
)

// Config bounds the local cache namespace.
type Config struct {
	Station  types.StationID
	MaxBytes int64
	Policy   Policy
}

// Statistics is a point-in-time snapshot of the local cache.
type Statistics struct {
	TotalBytes       int64
	UsedBytes        int64
	FreeBytes        int64
	Entries          int
	CountsByPriority [6]int
	Evictions        int64
}

// Manager owns the cache entries of one station. Writes for the local
// namespace are serialized so two stores cannot both pass the same
// space check.
type Manager struct {
	store   store.Store
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.Mutex // local-namespace critical section
	usedBytes int64
	evictions int64
}

// NewManager builds a cache manager, rebuilding byte accounting from
// entries already persisted for the station.
func NewManager(st store.Store, cfg Config, mtr *metrics.Metrics, logger *zap.Logger) (*Manager, error) {
	if cfg.Policy == "" {
		cfg.Policy = PolicyPriorityLRU
	}
	if cfg.MaxBytes <= 0 {
		return nil, fmt.Errorf("cache budget must be positive, got %d", cfg.MaxBytes)
	}

	m := &Manager{
		store:   st,
		cfg:     cfg,
		logger:  logger,
		metrics: mtr,
		now:     time.Now,
	}

	entries, err := st.CacheEntriesByStation(cfg.Station)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild cache accounting: %w", err)
	}
	for _, e := range entries {
		m.usedBytes += e.Size
	}
	m.metrics.CacheUsedBytes.Set(float64(m.usedBytes))
	m.metrics.CacheEntries.Set(float64(len(entries)))

	return m, nil
}

// SetClock overrides the manager clock, for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Store caches an update locally, evicting less important content if
// the budget requires it. On failure the cache is left untouched.
func (m *Manager) Store(u *types.Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	size := u.Size()
	if size > m.cfg.MaxBytes {
		m.metrics.CacheStoreFails.Inc()
		return fmt.Errorf("%w: update %s needs %d of %d budget", ErrInsufficientSpace, u.ID, size, m.cfg.MaxBytes)
	}

	existing := m.localEntryLocked(u.ID)
	retained := int64(0)
	if existing != nil {
		retained = existing.Size
	}

	if m.usedBytes-retained+size > m.cfg.MaxBytes {
		required := size - (m.cfg.MaxBytes - (m.usedBytes - retained))
		if err := m.evictToMakeSpaceLocked(required, u.Priority, u.ID); err != nil {
			m.metrics.CacheStoreFails.Inc()
			return err
		}
	}

	now := m.now()
	entry := &types.CacheEntry{
		ID:           types.CacheEntryID(uuid.NewString()),
		UpdateID:     u.ID,
		Station:      m.cfg.Station,
		CachedAt:     now,
		ExpiresAt:    u.ExpiresAt,
		LastAccessed: now,
		Size:         size,
		Priority:     u.Priority,
	}
	if existing != nil {
		entry.ID = existing.ID
		entry.AccessCount = existing.AccessCount
	}

	if err := m.store.PutCacheEntry(entry); err != nil {
		return fmt.Errorf("failed to persist cache entry: %w", err)
	}
	m.usedBytes += size - retained
	m.publishGauges()

	m.logger.Debug("Cached update",
		zap.String("update_id", string(u.ID)),
		zap.Int("priority", int(u.Priority)),
		zap.Int64("size", size))
	return nil
}

// evictToMakeSpaceLocked frees at least required bytes from the local
// namespace. The plan is computed first and applied only if feasible,
// so a failed eviction leaves the cache intact. Never evicts unexpired
// priority 0/1 content, and never evicts entries more important than
// the requesting priority.
func (m *Manager) evictToMakeSpaceLocked(required int64, requesting types.Priority, incoming types.UpdateID) error {
	entries, err := m.store.CacheEntriesByStation(m.cfg.Station)
	if err != nil {
		return fmt.Errorf("failed to list eviction candidates: %w", err)
	}

	now := m.now()
	var candidates []*types.CacheEntry
	for _, e := range entries {
		if e.UpdateID == incoming {
			continue
		}
		if e.Expired(now) {
			candidates = append(candidates, e)
			continue
		}
		if e.Priority <= types.PriorityUrgent {
			continue // protected tier
		}
		if e.Priority < requesting {
			continue // never sacrifice better content for worse
		}
		candidates = append(candidates, e)
	}

	m.orderCandidates(candidates, now)

	var plan []*types.CacheEntry
	freed := int64(0)
	for _, e := range candidates {
		if freed >= required {
			break
		}
		plan = append(plan, e)
		freed += e.Size
	}
	if freed < required {
		return fmt.Errorf("%w: need %d more bytes, only %d evictable", ErrInsufficientSpace, required, freed)
	}

	for _, e := range plan {
		if err := m.store.DeleteCacheEntry(e.ID); err != nil {
			return fmt.Errorf("failed to evict entry %s: %w", e.ID, err)
		}
		m.usedBytes -= e.Size
		m.evictions++
		m.metrics.CacheEvictions.Inc()
		m.logger.Info("Evicted cache entry",
			zap.String("update_id", string(e.UpdateID)),
			zap.Int("priority", int(e.Priority)),
			zap.Int64("size", e.Size))
	}
	m.publishGauges()
	return nil
}

// orderCandidates sorts eviction candidates per policy, expired entries
// always leading.
func (m *Manager) orderCandidates(candidates []*types.CacheEntry, now time.Time) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if ea, eb := a.Expired(now), b.Expired(now); ea != eb {
			return ea
		}
		switch m.cfg.Policy {
		case PolicyLRU:
			return a.LastAccessed.Before(b.LastAccessed)
		case PolicyPriorityOnly:
			return a.Priority > b.Priority
		default: // priority-lru
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return a.LastAccessed.Before(b.LastAccessed)
		}
	})
}

// Get returns the local entry for an update, bumping its access stats.
// Expired entries read as not found.
func (m *Manager) Get(updateID types.UpdateID) (*types.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.localEntryLocked(updateID)
	if entry == nil || entry.Expired(m.now()) {
		return nil, store.ErrNotFound
	}

	entry.AccessCount++
	entry.LastAccessed = m.now()
	if err := m.store.PutCacheEntry(entry); err != nil {
		return nil, fmt.Errorf("failed to record access: %w", err)
	}
	return entry, nil
}

func (m *Manager) localEntryLocked(updateID types.UpdateID) *types.CacheEntry {
	entries, err := m.store.CacheEntriesByUpdate(updateID)
	if err != nil {
		m.logger.Warn("Failed to query cache entries", zap.String("update_id", string(updateID)), zap.Error(err))
		return nil
	}
	for _, e := range entries {
		if e.Station == m.cfg.Station {
			return e
		}
	}
	return nil
}

// GetHolders returns the distinct stations with a live copy of the
// update, local or remote.
func (m *Manager) GetHolders(updateID types.UpdateID) ([]types.StationID, error) {
	entries, err := m.store.CacheEntriesByUpdate(updateID)
	if err != nil {
		return nil, fmt.Errorf("failed to query holders: %w", err)
	}

	now := m.now()
	seen := make(map[types.StationID]bool)
	var holders []types.StationID
	for _, e := range entries {
		if e.Expired(now) || seen[e.Station] {
			continue
		}
		seen[e.Station] = true
		holders = append(holders, e.Station)
	}
	return holders, nil
}

// RecordRemoteCopy notes that another station holds the update. Remote
// namespaces carry no budget here; their own managers enforce it.
func (m *Manager) RecordRemoteCopy(u *types.Update, station types.StationID) error {
	entries, err := m.store.CacheEntriesByUpdate(u.ID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Station == station {
			return nil
		}
	}
	now := m.now()
	return m.store.PutCacheEntry(&types.CacheEntry{
		ID:           types.CacheEntryID(uuid.NewString()),
		UpdateID:     u.ID,
		Station:      station,
		CachedAt:     now,
		ExpiresAt:    u.ExpiresAt,
		LastAccessed: now,
		Size:         u.Size(),
		Priority:     u.Priority,
	})
}

// Delete removes the local copy of an update.
func (m *Manager) Delete(updateID types.UpdateID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.localEntryLocked(updateID)
	if entry == nil {
		return store.ErrNotFound
	}
	if err := m.store.DeleteCacheEntry(entry.ID); err != nil {
		return err
	}
	m.usedBytes -= entry.Size
	m.publishGauges()
	return nil
}

// RunEviction sweeps only already-expired local entries, independent of
// space pressure. Returns the number removed.
func (m *Manager) RunEviction() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.store.CacheEntriesByStation(m.cfg.Station)
	if err != nil {
		return 0, fmt.Errorf("failed to list entries: %w", err)
	}

	now := m.now()
	removed := 0
	for _, e := range entries {
		if !e.Expired(now) {
			continue
		}
		if err := m.store.DeleteCacheEntry(e.ID); err != nil {
			m.logger.Warn("Failed to remove expired entry", zap.String("id", string(e.ID)), zap.Error(err))
			continue
		}
		m.usedBytes -= e.Size
		removed++
	}

	if removed > 0 {
		m.publishGauges()
		m.logger.Info("Expired-entry sweep", zap.Int("removed", removed))
	}
	return removed, nil
}

// GetStatistics snapshots the local namespace.
func (m *Manager) GetStatistics() (*Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.store.CacheEntriesByStation(m.cfg.Station)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}

	stats := &Statistics{
		TotalBytes: m.cfg.MaxBytes,
		UsedBytes:  m.usedBytes,
		FreeBytes:  m.cfg.MaxBytes - m.usedBytes,
		Entries:    len(entries),
		Evictions:  m.evictions,
	}
	for _, e := range entries {
		if e.Priority.Valid() {
			stats.CountsByPriority[e.Priority]++
		}
	}
	return stats, nil
}

func (m *Manager) publishGauges() {
	m.metrics.CacheUsedBytes.Set(float64(m.usedBytes))
	entries, err := m.store.CacheEntriesByStation(m.cfg.Station)
	if err == nil {
		m.metrics.CacheEntries.Set(float64(len(entries)))
	}
}
