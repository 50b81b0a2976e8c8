// Package retry coordinates missed-update recovery. A station that
// missed an update asks the mesh to retransmit it; the coordinator
// assigns each request a randomized coordination window so concurrent
// requesters for the same update do not key up on top of each other.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"airmesh/pkg/auth"
	"airmesh/pkg/metrics"
	"airmesh/pkg/store"
	"airmesh/pkg/types"
)

var (
	ErrRateLimited      = errors.New("retry request rate limit exceeded")
	ErrDuplicateRequest = errors.New("retry request already pending")
	ErrAlreadyFulfilled = errors.New("retry request already fulfilled")
)

const (
	// Coordination windows default to draws from
	// [DefaultWindowMinSec, DefaultWindowMaxSec].
	DefaultWindowMinSec = 10
	DefaultWindowMaxSec = 30

	// maxWindowDraws bounds the search for a window distinct from the
	// other pending requests on the same update.
	maxWindowDraws = 10

	// DefaultRequestsPerMinute is the per-requester rate limit.
	DefaultRequestsPerMinute = 6
)

// Rand is the randomness source for window draws, injectable for tests.
type Rand interface {
	Intn(n int) int
}

// Notifier observes a request's coordination window opening. The holder
// side listens and decides whether to retransmit.
type Notifier interface {
	WindowOpen(req *types.RetryRequest)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(req *types.RetryRequest)

func (f NotifierFunc) WindowOpen(req *types.RetryRequest) { f(req) }

// HolderSource reports stations holding a live copy of an update.
type HolderSource interface {
	GetHolders(id types.UpdateID) ([]types.StationID, error)
}

// Config tunes the coordinator. Coordination windows are drawn from
// [WindowMinSec, WindowMaxSec].
type Config struct {
	RequestsPerMinute int
	WindowMinSec      int
	WindowMaxSec      int
}

// Coordinator validates, rate-limits and schedules retry requests.
type Coordinator struct {
	store     store.Store
	cache     HolderSource
	validator auth.Validator
	verifier  auth.SignatureVerifier
	notifier  Notifier
	cfg       Config
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
	rand      Rand

	// mu guards the maps; each update additionally gets its own lock so
	// window assignment for one update is a critical section without
	// serializing unrelated updates.
	mu          sync.Mutex
	updateLocks map[types.UpdateID]*sync.Mutex
	buckets     map[types.StationID]*tokenBucket

	timersMu sync.Mutex
	timers   map[types.RetryRequestID]*time.Timer
}

func NewCoordinator(st store.Store, cache HolderSource, validator auth.Validator,
	verifier auth.SignatureVerifier, cfg Config, mtr *metrics.Metrics, logger *zap.Logger) *Coordinator {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if cfg.WindowMinSec <= 0 {
		cfg.WindowMinSec = DefaultWindowMinSec
	}
	if cfg.WindowMaxSec <= 0 {
		cfg.WindowMaxSec = DefaultWindowMaxSec
	}
	if cfg.WindowMaxSec < cfg.WindowMinSec {
		cfg.WindowMaxSec = cfg.WindowMinSec
	}
	return &Coordinator{
		store:       st,
		cache:       cache,
		validator:   validator,
		verifier:    verifier,
		cfg:         cfg,
		metrics:     mtr,
		logger:      logger,
		now:         time.Now,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
		updateLocks: make(map[types.UpdateID]*sync.Mutex),
		buckets:     make(map[types.StationID]*tokenBucket),
		timers:      make(map[types.RetryRequestID]*time.Timer),
	}
}

// SetNotifier installs the window observer.
func (c *Coordinator) SetNotifier(n Notifier) {
	c.notifier = n
}

// SetClock overrides the coordinator clock, for tests.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// SetRand overrides the window randomness, for tests.
func (c *Coordinator) SetRand(r Rand) {
	c.rand = r
}

// RequestRetry registers a missed-update recovery request. The
// requester must be a licensed station with a valid signature and
// inside its rate budget; the update must still exist. The assigned
// coordination window avoids the windows of other pending requests for
// the same update.
func (c *Coordinator) RequestRetry(ctx context.Context, updateID types.UpdateID, version uint64,
	requester types.StationID, signature []byte) (*types.RetryRequest, error) {

	if err := c.validator.ValidateFormat(requester); err != nil {
		c.reject("bad_format")
		return nil, fmt.Errorf("requester %s: %w", requester, err)
	}
	if !c.validator.IsLicensed(requester) {
		c.reject("unlicensed")
		return nil, fmt.Errorf("requester %s may not transmit retry requests: %w", requester, auth.ErrUnlicensed)
	}
	if c.verifier != nil {
		if err := c.verifier.Verify(ctx, requester, []byte(updateID), signature); err != nil {
			c.reject("bad_signature")
			return nil, fmt.Errorf("requester %s: %w", requester, err)
		}
	}
	if !c.allow(requester) {
		c.reject("rate_limited")
		return nil, fmt.Errorf("requester %s: %w", requester, ErrRateLimited)
	}

	u, err := c.store.GetUpdate(updateID)
	if err != nil {
		c.reject("unknown_update")
		return nil, fmt.Errorf("update %s: %w", updateID, err)
	}
	if u.Expired(c.now()) {
		c.reject("expired_update")
		return nil, fmt.Errorf("update %s expired: %w", updateID, store.ErrNotFound)
	}

	lock := c.lockFor(updateID)
	lock.Lock()
	defer lock.Unlock()

	pending, err := store.PendingRetryRequests(c.store, updateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending requests: %w", err)
	}
	for _, p := range pending {
		if p.Requester == requester {
			c.reject("duplicate")
			return nil, fmt.Errorf("requester %s, update %s: %w", requester, updateID, ErrDuplicateRequest)
		}
	}

	req := &types.RetryRequest{
		ID:                 types.RetryRequestID(uuid.New().String()),
		UpdateID:           updateID,
		Version:            version,
		Requester:          requester,
		CoordinationWindow: c.drawWindow(pending),
		RequestedAt:        c.now(),
	}
	if err := c.store.PutRetryRequest(req); err != nil {
		return nil, fmt.Errorf("failed to store retry request: %w", err)
	}

	c.armTimer(req)
	c.metrics.RetryRequests.Inc()
	c.logger.Info("Retry request accepted",
		zap.String("request_id", string(req.ID)),
		zap.String("update_id", string(updateID)),
		zap.String("requester", string(requester)),
		zap.Int("window_sec", req.CoordinationWindow))
	return req, nil
}

// drawWindow picks a coordination window in the configured range,
// distinct from every pending request on the same update. After the
// draw budget it jitters the last draw and clamps it back into range.
func (c *Coordinator) drawWindow(pending []*types.RetryRequest) int {
	taken := make(map[int]bool, len(pending))
	for _, p := range pending {
		taken[p.CoordinationWindow] = true
	}

	span := c.cfg.WindowMaxSec - c.cfg.WindowMinSec + 1
	window := c.cfg.WindowMinSec + c.rand.Intn(span)
	for i := 0; i < maxWindowDraws && taken[window]; i++ {
		window = c.cfg.WindowMinSec + c.rand.Intn(span)
		c.metrics.WindowRedraws.Inc()
	}
	if taken[window] {
		window += 1 + c.rand.Intn(span)
		if window > c.cfg.WindowMaxSec {
			window = c.cfg.WindowMinSec + (window-c.cfg.WindowMinSec)%span
		}
	}
	return window
}

// armTimer schedules the window-open notification. The callback re-reads
// the request and no-ops when it vanished, was fulfilled meanwhile, or
// the update itself expired.
func (c *Coordinator) armTimer(req *types.RetryRequest) {
	if c.notifier == nil {
		return
	}
	id := req.ID
	timer := time.AfterFunc(time.Duration(req.CoordinationWindow)*time.Second, func() {
		c.timersMu.Lock()
		delete(c.timers, id)
		c.timersMu.Unlock()
		c.fireWindow(id)
	})

	c.timersMu.Lock()
	c.timers[id] = timer
	c.timersMu.Unlock()
}

func (c *Coordinator) fireWindow(id types.RetryRequestID) {
	req, err := c.store.GetRetryRequest(id)
	if err != nil || req.Fulfilled {
		return
	}
	u, err := c.store.GetUpdate(req.UpdateID)
	if err != nil || u.Expired(c.now()) {
		return
	}
	c.notifier.WindowOpen(req)
}

// FulfillRetry records a holder's retransmission. Only a licensed
// station fulfills, and only once per request.
func (c *Coordinator) FulfillRetry(requestID types.RetryRequestID, fulfiller types.StationID,
	mode types.TransmissionMode) error {

	if !c.validator.IsLicensed(fulfiller) {
		return fmt.Errorf("fulfiller %s: %w", fulfiller, auth.ErrUnlicensed)
	}

	req, err := c.store.GetRetryRequest(requestID)
	if err != nil {
		return fmt.Errorf("retry request %s: %w", requestID, err)
	}

	lock := c.lockFor(req.UpdateID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the update lock: another holder may have won.
	req, err = c.store.GetRetryRequest(requestID)
	if err != nil {
		return fmt.Errorf("retry request %s: %w", requestID, err)
	}
	if req.Fulfilled {
		return fmt.Errorf("retry request %s: %w", requestID, ErrAlreadyFulfilled)
	}

	req.Fulfilled = true
	req.Fulfiller = fulfiller
	req.Mode = mode
	req.FulfilledAt = c.now()
	if err := c.store.PutRetryRequest(req); err != nil {
		return fmt.Errorf("failed to mark retry request fulfilled: %w", err)
	}

	c.cancelTimer(requestID)
	c.metrics.RetryFulfilled.Inc()
	c.logger.Info("Retry fulfilled",
		zap.String("request_id", string(requestID)),
		zap.String("fulfiller", string(fulfiller)),
		zap.String("mode", string(mode)))
	return nil
}

// FindHolders lists the licensed stations that could fulfill a retry.
func (c *Coordinator) FindHolders(updateID types.UpdateID) ([]types.StationID, error) {
	holders, err := c.cache.GetHolders(updateID)
	if err != nil {
		return nil, fmt.Errorf("failed to query holders: %w", err)
	}
	licensed := holders[:0]
	for _, h := range holders {
		if c.validator.IsLicensed(h) {
			licensed = append(licensed, h)
		}
	}
	return licensed, nil
}

// PendingRequests lists the unfulfilled requests for an update.
func (c *Coordinator) PendingRequests(updateID types.UpdateID) ([]*types.RetryRequest, error) {
	return store.PendingRetryRequests(c.store, updateID)
}

// Cleanup drops fulfilled or aged-out requests and returns how many
// were removed.
func (c *Coordinator) Cleanup(maxAge time.Duration) (int, error) {
	reqs, err := c.store.ListRetryRequests()
	if err != nil {
		return 0, fmt.Errorf("failed to list retry requests: %w", err)
	}

	now := c.now()
	removed := 0
	for _, r := range reqs {
		if !r.Fulfilled && now.Sub(r.RequestedAt) < maxAge {
			continue
		}
		if err := c.store.DeleteRetryRequest(r.ID); err != nil {
			c.logger.Warn("Failed to remove retry request",
				zap.String("request_id", string(r.ID)),
				zap.Error(err))
			continue
		}
		c.cancelTimer(r.ID)
		removed++
	}
	if removed > 0 {
		c.logger.Debug("Retry requests cleaned up", zap.Int("removed", removed))
	}
	return removed, nil
}

// Stop cancels every armed window timer.
func (c *Coordinator) Stop() {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

func (c *Coordinator) cancelTimer(id types.RetryRequestID) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
}

func (c *Coordinator) lockFor(id types.UpdateID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.updateLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		c.updateLocks[id] = lock
	}
	return lock
}

func (c *Coordinator) reject(reason string) {
	c.metrics.RetryRejected.WithLabelValues(reason).Inc()
}

func (c *Coordinator) allow(requester types.StationID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[requester]
	if !ok {
		b = &tokenBucket{tokens: float64(c.cfg.RequestsPerMinute), last: c.now()}
		c.buckets[requester] = b
	}
	return b.take(c.now(), float64(c.cfg.RequestsPerMinute))
}

// tokenBucket refills at perMinute tokens per minute up to perMinute.
type tokenBucket struct {
	tokens float64
	last   time.Time
}

func (b *tokenBucket) take(now time.Time, perMinute float64) bool {
	elapsed := now.Sub(b.last).Minutes()
	if elapsed > 0 {
		b.tokens += elapsed * perMinute
		if b.tokens > perMinute {
			b.tokens = perMinute
		}
		b.last = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
