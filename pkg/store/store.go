// Package store persists the mesh state shared by every component:
// updates, subscriptions, retry requests, cache entries and beacon
// paths. Two backends exist: a goleveldb-backed store for stations and
// an in-memory store for tests.
package store

import (
	"errors"

	"airmesh/pkg/types"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrClosed   = errors.New("store is closed")
)

// Store is the shared persistent state. Query methods returning slices
// skip individually corrupt records with a logged warning instead of
// failing the whole query.
type Store interface {
	PutUpdate(u *types.Update) error
	GetUpdate(id types.UpdateID) (*types.Update, error)
	DeleteUpdate(id types.UpdateID) error
	ListUpdates() ([]*types.Update, error)

	PutSubscription(s *types.Subscription) error
	GetSubscription(id types.SubscriptionID) (*types.Subscription, error)
	DeleteSubscription(id types.SubscriptionID) error
	ListSubscriptions() ([]*types.Subscription, error)
	SubscriptionsBySubscriber(station types.StationID) ([]*types.Subscription, error)
	SubscriptionsByCategory(category string) ([]*types.Subscription, error)

	PutRetryRequest(r *types.RetryRequest) error
	GetRetryRequest(id types.RetryRequestID) (*types.RetryRequest, error)
	DeleteRetryRequest(id types.RetryRequestID) error
	ListRetryRequests() ([]*types.RetryRequest, error)
	RetryRequestsByUpdate(id types.UpdateID) ([]*types.RetryRequest, error)

	PutCacheEntry(e *types.CacheEntry) error
	GetCacheEntry(id types.CacheEntryID) (*types.CacheEntry, error)
	DeleteCacheEntry(id types.CacheEntryID) error
	CacheEntriesByStation(station types.StationID) ([]*types.CacheEntry, error)
	CacheEntriesByUpdate(id types.UpdateID) ([]*types.CacheEntry, error)

	PutBeaconPath(p *types.BeaconPath) error
	GetBeaconPath(station types.StationID) (*types.BeaconPath, error)
	ListBeaconPaths() ([]*types.BeaconPath, error)

	Close() error
}

// PendingRetryRequests filters the update's retry requests down to the
// unfulfilled ones.
func PendingRetryRequests(s Store, id types.UpdateID) ([]*types.RetryRequest, error) {
	reqs, err := s.RetryRequestsByUpdate(id)
	if err != nil {
		return nil, err
	}
	pending := reqs[:0]
	for _, r := range reqs {
		if !r.Fulfilled {
			pending = append(pending, r)
		}
	}
	return pending, nil
}
