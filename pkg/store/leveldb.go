package store

import (
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"airmesh/pkg/types"
)

// Key layout:
//
//	u/<updateID>                   update record
//	s/<subscriptionID>             subscription record
//	r/<retryRequestID>             retry request record
//	c/<cacheEntryID>               cache entry record
//	b/<station>                    beacon path record
//	ix/ss/<subscriber>/<subID>     subscription by subscriber
//	ix/sc/<category>/<subID>       subscription by category
//	ix/ru/<updateID>/<reqID>       retry request by update
//	ix/cs/<station>/<entryID>      cache entry by station
//	ix/cu/<updateID>/<entryID>     cache entry by update
//
// Index values hold the primary key so a prefix scan resolves records
// with one extra point read.

// LevelStore is the on-disk store backed by goleveldb.
type LevelStore struct {
	db     *leveldb.DB
	logger *zap.Logger
}

// OpenLevelStore opens (creating if needed) a leveldb store at path.
func OpenLevelStore(path string, logger *zap.Logger) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", path, err)
	}
	return &LevelStore{db: db, logger: logger}, nil
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}

func updateKey(id types.UpdateID) []byte        { return []byte("u/" + id) }
func subKey(id types.SubscriptionID) []byte     { return []byte("s/" + id) }
func retryKey(id types.RetryRequestID) []byte   { return []byte("r/" + id) }
func cacheKey(id types.CacheEntryID) []byte     { return []byte("c/" + id) }
func beaconKey(station types.StationID) []byte  { return []byte("b/" + station) }
func indexKey(ix, bucket, id string) []byte     { return []byte("ix/" + ix + "/" + bucket + "/" + id) }
func indexPrefix(ix, bucket string) *util.Range { return util.BytesPrefix([]byte("ix/" + ix + "/" + bucket + "/")) }

func (s *LevelStore) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if err := s.db.Put(key, data, nil); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

func (s *LevelStore) get(key []byte, v any) error {
	data, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read record: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode record %s: %w", key, err)
	}
	return nil
}

// decodeOrSkip unmarshals a record, logging and skipping corruption so a
// single bad record never fails a whole query.
func (s *LevelStore) decodeOrSkip(key, data []byte, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("Skipping corrupt record",
			zap.String("key", string(key)),
			zap.Error(err))
		return false
	}
	return true
}

func (s *LevelStore) PutUpdate(u *types.Update) error {
	return s.put(updateKey(u.ID), u)
}

func (s *LevelStore) GetUpdate(id types.UpdateID) (*types.Update, error) {
	var u types.Update
	if err := s.get(updateKey(id), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *LevelStore) DeleteUpdate(id types.UpdateID) error {
	return s.db.Delete(updateKey(id), nil)
}

func (s *LevelStore) ListUpdates() ([]*types.Update, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte("u/")), nil)
	defer iter.Release()

	var out []*types.Update
	for iter.Next() {
		var u types.Update
		if s.decodeOrSkip(iter.Key(), iter.Value(), &u) {
			out = append(out, &u)
		}
	}
	return out, iter.Error()
}

func (s *LevelStore) PutSubscription(sub *types.Subscription) error {
	batch := new(leveldb.Batch)

	// Drop stale index keys from a previous version of the record.
	if old, err := s.GetSubscription(sub.ID); err == nil {
		batch.Delete(indexKey("ss", string(old.Subscriber), string(old.ID)))
		for _, c := range old.Categories {
			batch.Delete(indexKey("sc", c, string(old.ID)))
		}
	}

	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to encode subscription: %w", err)
	}
	batch.Put(subKey(sub.ID), data)
	batch.Put(indexKey("ss", string(sub.Subscriber), string(sub.ID)), []byte(sub.ID))
	for _, c := range sub.Categories {
		batch.Put(indexKey("sc", c, string(sub.ID)), []byte(sub.ID))
	}
	return s.db.Write(batch, nil)
}

func (s *LevelStore) GetSubscription(id types.SubscriptionID) (*types.Subscription, error) {
	var sub types.Subscription
	if err := s.get(subKey(id), &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *LevelStore) DeleteSubscription(id types.SubscriptionID) error {
	batch := new(leveldb.Batch)
	if old, err := s.GetSubscription(id); err == nil {
		batch.Delete(indexKey("ss", string(old.Subscriber), string(old.ID)))
		for _, c := range old.Categories {
			batch.Delete(indexKey("sc", c, string(old.ID)))
		}
	}
	batch.Delete(subKey(id))
	return s.db.Write(batch, nil)
}

func (s *LevelStore) ListSubscriptions() ([]*types.Subscription, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte("s/")), nil)
	defer iter.Release()

	var out []*types.Subscription
	for iter.Next() {
		var sub types.Subscription
		if s.decodeOrSkip(iter.Key(), iter.Value(), &sub) {
			out = append(out, &sub)
		}
	}
	return out, iter.Error()
}

func (s *LevelStore) SubscriptionsBySubscriber(station types.StationID) ([]*types.Subscription, error) {
	return s.subscriptionsByIndex("ss", string(station))
}

func (s *LevelStore) SubscriptionsByCategory(category string) ([]*types.Subscription, error) {
	return s.subscriptionsByIndex("sc", category)
}

func (s *LevelStore) subscriptionsByIndex(ix, bucket string) ([]*types.Subscription, error) {
	iter := s.db.NewIterator(indexPrefix(ix, bucket), nil)
	defer iter.Release()

	var out []*types.Subscription
	for iter.Next() {
		sub, err := s.GetSubscription(types.SubscriptionID(iter.Value()))
		if err == ErrNotFound {
			continue // dangling index entry
		}
		if err != nil {
			s.logger.Warn("Skipping unreadable subscription",
				zap.String("id", string(iter.Value())),
				zap.Error(err))
			continue
		}
		out = append(out, sub)
	}
	return out, iter.Error()
}

func (s *LevelStore) PutRetryRequest(r *types.RetryRequest) error {
	batch := new(leveldb.Batch)
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode retry request: %w", err)
	}
	batch.Put(retryKey(r.ID), data)
	batch.Put(indexKey("ru", string(r.UpdateID), string(r.ID)), []byte(r.ID))
	return s.db.Write(batch, nil)
}

func (s *LevelStore) GetRetryRequest(id types.RetryRequestID) (*types.RetryRequest, error) {
	var r types.RetryRequest
	if err := s.get(retryKey(id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *LevelStore) DeleteRetryRequest(id types.RetryRequestID) error {
	batch := new(leveldb.Batch)
	if old, err := s.GetRetryRequest(id); err == nil {
		batch.Delete(indexKey("ru", string(old.UpdateID), string(old.ID)))
	}
	batch.Delete(retryKey(id))
	return s.db.Write(batch, nil)
}

func (s *LevelStore) ListRetryRequests() ([]*types.RetryRequest, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte("r/")), nil)
	defer iter.Release()

	var out []*types.RetryRequest
	for iter.Next() {
		var r types.RetryRequest
		if s.decodeOrSkip(iter.Key(), iter.Value(), &r) {
			out = append(out, &r)
		}
	}
	return out, iter.Error()
}

func (s *LevelStore) RetryRequestsByUpdate(id types.UpdateID) ([]*types.RetryRequest, error) {
	iter := s.db.NewIterator(indexPrefix("ru", string(id)), nil)
	defer iter.Release()

	var out []*types.RetryRequest
	for iter.Next() {
		r, err := s.GetRetryRequest(types.RetryRequestID(iter.Value()))
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			s.logger.Warn("Skipping unreadable retry request",
				zap.String("id", string(iter.Value())),
				zap.Error(err))
			continue
		}
		out = append(out, r)
	}
	return out, iter.Error()
}

func (s *LevelStore) PutCacheEntry(e *types.CacheEntry) error {
	batch := new(leveldb.Batch)
	if old, err := s.GetCacheEntry(e.ID); err == nil {
		batch.Delete(indexKey("cs", string(old.Station), string(old.ID)))
		batch.Delete(indexKey("cu", string(old.UpdateID), string(old.ID)))
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	batch.Put(cacheKey(e.ID), data)
	batch.Put(indexKey("cs", string(e.Station), string(e.ID)), []byte(e.ID))
	batch.Put(indexKey("cu", string(e.UpdateID), string(e.ID)), []byte(e.ID))
	return s.db.Write(batch, nil)
}

func (s *LevelStore) GetCacheEntry(id types.CacheEntryID) (*types.CacheEntry, error) {
	var e types.CacheEntry
	if err := s.get(cacheKey(id), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *LevelStore) DeleteCacheEntry(id types.CacheEntryID) error {
	batch := new(leveldb.Batch)
	if old, err := s.GetCacheEntry(id); err == nil {
		batch.Delete(indexKey("cs", string(old.Station), string(old.ID)))
		batch.Delete(indexKey("cu", string(old.UpdateID), string(old.ID)))
	}
	batch.Delete(cacheKey(id))
	return s.db.Write(batch, nil)
}

func (s *LevelStore) CacheEntriesByStation(station types.StationID) ([]*types.CacheEntry, error) {
	return s.cacheEntriesByIndex("cs", string(station))
}

func (s *LevelStore) CacheEntriesByUpdate(id types.UpdateID) ([]*types.CacheEntry, error) {
	return s.cacheEntriesByIndex("cu", string(id))
}

func (s *LevelStore) cacheEntriesByIndex(ix, bucket string) ([]*types.CacheEntry, error) {
	iter := s.db.NewIterator(indexPrefix(ix, bucket), nil)
	defer iter.Release()

	var out []*types.CacheEntry
	for iter.Next() {
		e, err := s.GetCacheEntry(types.CacheEntryID(iter.Value()))
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			s.logger.Warn("Skipping unreadable cache entry",
				zap.String("id", string(iter.Value())),
				zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	return out, iter.Error()
}

func (s *LevelStore) PutBeaconPath(p *types.BeaconPath) error {
	return s.put(beaconKey(p.Station), p)
}

func (s *LevelStore) GetBeaconPath(station types.StationID) (*types.BeaconPath, error) {
	var p types.BeaconPath
	if err := s.get(beaconKey(station), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *LevelStore) ListBeaconPaths() ([]*types.BeaconPath, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte("b/")), nil)
	defer iter.Release()

	var out []*types.BeaconPath
	for iter.Next() {
		var p types.BeaconPath
		if s.decodeOrSkip(iter.Key(), iter.Value(), &p) {
			out = append(out, &p)
		}
	}
	return out, iter.Error()
}
