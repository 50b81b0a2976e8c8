package store

import (
	"sync"

	"airmesh/pkg/types"
)

// MemoryStore keeps everything in maps. It backs tests and short-lived
// tooling; stations persist with the leveldb store.
type MemoryStore struct {
	mu sync.RWMutex

	updates       map[types.UpdateID]*types.Update
	subscriptions map[types.SubscriptionID]*types.Subscription
	retryRequests map[types.RetryRequestID]*types.RetryRequest
	cacheEntries  map[types.CacheEntryID]*types.CacheEntry
	beaconPaths   map[types.StationID]*types.BeaconPath

	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		updates:       make(map[types.UpdateID]*types.Update),
		subscriptions: make(map[types.SubscriptionID]*types.Subscription),
		retryRequests: make(map[types.RetryRequestID]*types.RetryRequest),
		cacheEntries:  make(map[types.CacheEntryID]*types.CacheEntry),
		beaconPaths:   make(map[types.StationID]*types.BeaconPath),
	}
}

func (m *MemoryStore) PutUpdate(u *types.Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := *u
	m.updates[u.ID] = &cp
	return nil
}

func (m *MemoryStore) GetUpdate(id types.UpdateID) (*types.Update, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	u, ok := m.updates[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) DeleteUpdate(id types.UpdateID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.updates, id)
	return nil
}

func (m *MemoryStore) ListUpdates() ([]*types.Update, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]*types.Update, 0, len(m.updates))
	for _, u := range m.updates {
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) PutSubscription(s *types.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := *s
	m.subscriptions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSubscription(id types.SubscriptionID) (*types.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	s, ok := m.subscriptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) DeleteSubscription(id types.SubscriptionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.subscriptions, id)
	return nil
}

func (m *MemoryStore) ListSubscriptions() ([]*types.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]*types.Subscription, 0, len(m.subscriptions))
	for _, s := range m.subscriptions {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) SubscriptionsBySubscriber(station types.StationID) ([]*types.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []*types.Subscription
	for _, s := range m.subscriptions {
		if s.Subscriber == station {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) SubscriptionsByCategory(category string) ([]*types.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []*types.Subscription
	for _, s := range m.subscriptions {
		for _, c := range s.Categories {
			if c == category {
				cp := *s
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) PutRetryRequest(r *types.RetryRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := *r
	m.retryRequests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRetryRequest(id types.RetryRequestID) (*types.RetryRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	r, ok := m.retryRequests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) DeleteRetryRequest(id types.RetryRequestID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.retryRequests, id)
	return nil
}

func (m *MemoryStore) ListRetryRequests() ([]*types.RetryRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]*types.RetryRequest, 0, len(m.retryRequests))
	for _, r := range m.retryRequests {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) RetryRequestsByUpdate(id types.UpdateID) ([]*types.RetryRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []*types.RetryRequest
	for _, r := range m.retryRequests {
		if r.UpdateID == id {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) PutCacheEntry(e *types.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := *e
	m.cacheEntries[e.ID] = &cp
	return nil
}

func (m *MemoryStore) GetCacheEntry(id types.CacheEntryID) (*types.CacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	e, ok := m.cacheEntries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) DeleteCacheEntry(id types.CacheEntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.cacheEntries, id)
	return nil
}

func (m *MemoryStore) CacheEntriesByStation(station types.StationID) ([]*types.CacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []*types.CacheEntry
	for _, e := range m.cacheEntries {
		if e.Station == station {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) CacheEntriesByUpdate(id types.UpdateID) ([]*types.CacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []*types.CacheEntry
	for _, e := range m.cacheEntries {
		if e.UpdateID == id {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) PutBeaconPath(p *types.BeaconPath) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := *p
	m.beaconPaths[p.Station] = &cp
	return nil
}

func (m *MemoryStore) GetBeaconPath(station types.StationID) (*types.BeaconPath, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	p, ok := m.beaconPaths[station]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListBeaconPaths() ([]*types.BeaconPath, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]*types.BeaconPath, 0, len(m.beaconPaths))
	for _, p := range m.beaconPaths {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
