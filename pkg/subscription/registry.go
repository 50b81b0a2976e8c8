// Package subscription keeps station interest profiles and matches
// incoming updates against them.
package subscription

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"airmesh/pkg/auth"
	"airmesh/pkg/store"
	"airmesh/pkg/types"
)

var (
	ErrTooManySubscriptions = errors.New("subscription limit reached for subscriber")
	ErrNoCategories         = errors.New("subscription needs at least one category")
	ErrInvalidPriority      = errors.New("priority outside supported range")
)

const (
	DefaultTTL           = 30 * 24 * time.Hour
	DefaultMaxPerStation = 10

	maxQueueSize      = 100
	maxRetryCount     = 5
	minRetryDelayMs   = 1000
	defaultQueueSize  = 10
	defaultRetryCount = 3
)

// Config bounds the registry.
type Config struct {
	MaxPerSubscriber int
	DefaultTTL       time.Duration
}

// Registry owns the subscriptions collection.
type Registry struct {
	store     store.Store
	validator auth.Validator
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// CreateOptions describes a new subscription request.
type CreateOptions struct {
	Subscriber types.StationID // empty registers an unlicensed listener
	Categories []string
	Priorities []types.Priority
	Keywords   []string
	MaxSize    int64
	Filters    []types.Filter
	Delivery   types.DeliveryConfig
	TTL        time.Duration // zero applies the registry default
}

func NewRegistry(st store.Store, validator auth.Validator, cfg Config, logger *zap.Logger) *Registry {
	if cfg.MaxPerSubscriber <= 0 {
		cfg.MaxPerSubscriber = DefaultMaxPerStation
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	return &Registry{
		store:     st,
		validator: validator,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the registry clock, for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Create validates and persists a new subscription.
func (r *Registry) Create(opts CreateOptions) (*types.Subscription, error) {
	if opts.Subscriber != "" {
		if err := r.validator.ValidateFormat(opts.Subscriber); err != nil {
			return nil, fmt.Errorf("invalid subscriber %q: %w", opts.Subscriber, err)
		}
		existing, err := r.store.SubscriptionsBySubscriber(opts.Subscriber)
		if err != nil {
			return nil, fmt.Errorf("failed to count subscriptions: %w", err)
		}
		if len(existing) >= r.cfg.MaxPerSubscriber {
			return nil, fmt.Errorf("%w: %s has %d", ErrTooManySubscriptions, opts.Subscriber, len(existing))
		}
	}

	if len(opts.Categories) == 0 {
		return nil, ErrNoCategories
	}

	priorities := opts.Priorities
	if len(priorities) == 0 {
		priorities = []types.Priority{types.PriorityWildcard}
	}
	for _, p := range priorities {
		if p != types.PriorityWildcard && !p.Valid() {
			return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, p)
		}
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = r.cfg.DefaultTTL
	}

	now := r.now()
	sub := &types.Subscription{
		ID:         types.SubscriptionID(uuid.NewString()),
		Subscriber: opts.Subscriber,
		Categories: opts.Categories,
		Priorities: priorities,
		Keywords:   opts.Keywords,
		MaxSize:    opts.MaxSize,
		Filters:    opts.Filters,
		Delivery:   clampDelivery(opts.Delivery),
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		IsActive:   true,
	}

	if err := r.store.PutSubscription(sub); err != nil {
		return nil, fmt.Errorf("failed to persist subscription: %w", err)
	}

	r.logger.Info("Subscription created",
		zap.String("id", string(sub.ID)),
		zap.String("subscriber", string(sub.Subscriber)),
		zap.Strings("categories", sub.Categories))
	return sub, nil
}

func clampDelivery(d types.DeliveryConfig) types.DeliveryConfig {
	if d.QueueSize <= 0 {
		d.QueueSize = defaultQueueSize
	}
	if d.QueueSize > maxQueueSize {
		d.QueueSize = maxQueueSize
	}
	if d.RetryCount < 0 {
		d.RetryCount = defaultRetryCount
	}
	if d.RetryCount > maxRetryCount {
		d.RetryCount = maxRetryCount
	}
	if d.RetryDelayMs < minRetryDelayMs {
		d.RetryDelayMs = minRetryDelayMs
	}
	return d
}

// Get returns a subscription by id.
func (r *Registry) Get(id types.SubscriptionID) (*types.Subscription, error) {
	return r.store.GetSubscription(id)
}

// FindMatching returns the active, unexpired subscriptions interested
// in an update of the given category, priority and keywords.
func (r *Registry) FindMatching(category string, priority types.Priority, keywords []string) ([]*types.Subscription, error) {
	direct, err := r.store.SubscriptionsByCategory(category)
	if err != nil {
		return nil, fmt.Errorf("failed to query by category: %w", err)
	}
	wildcard, err := r.store.SubscriptionsByCategory(types.CategoryWildcard)
	if err != nil {
		return nil, fmt.Errorf("failed to query wildcard category: %w", err)
	}

	now := r.now()
	seen := make(map[types.SubscriptionID]bool)
	var out []*types.Subscription
	for _, sub := range append(direct, wildcard...) {
		if seen[sub.ID] {
			continue
		}
		seen[sub.ID] = true

		if !sub.IsActive || sub.Expired(now) {
			continue
		}
		if !prioritiesMatch(sub.Priorities, priority) {
			continue
		}
		if !keywordsMatch(sub.Keywords, keywords) {
			continue
		}
		if !filtersPass(sub.Filters, category, priority, keywords, -1) {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

// PendingUpdates lists the live updates a subscription would accept,
// oldest first, optionally restricted to those created after since.
// Backs the per-subscription poll surface.
func (r *Registry) PendingUpdates(id types.SubscriptionID, since time.Time) ([]*types.Update, error) {
	sub, err := r.store.GetSubscription(id)
	if err != nil {
		return nil, err
	}

	updates, err := r.store.ListUpdates()
	if err != nil {
		return nil, fmt.Errorf("failed to list updates: %w", err)
	}

	now := r.now()
	var out []*types.Update
	for _, u := range updates {
		if u.Expired(now) {
			continue
		}
		if !since.IsZero() && !u.CreatedAt.After(since) {
			continue
		}
		if !MatchesUpdate(sub, u, now) {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MatchesUpdate applies the full interest check against a concrete
// update, including the size cap and SIZE_LIMIT filters FindMatching
// cannot see.
func MatchesUpdate(sub *types.Subscription, u *types.Update, now time.Time) bool {
	if !sub.IsActive || sub.Expired(now) {
		return false
	}
	if !categoriesMatch(sub.Categories, u.Category) {
		return false
	}
	if !prioritiesMatch(sub.Priorities, u.Priority) {
		return false
	}
	if sub.MaxSize > 0 && u.Size() > sub.MaxSize {
		return false
	}
	return filtersPass(sub.Filters, u.Category, u.Priority, nil, u.Size())
}

func categoriesMatch(categories []string, category string) bool {
	for _, c := range categories {
		if c == category || c == types.CategoryWildcard {
			return true
		}
	}
	return false
}

func prioritiesMatch(priorities []types.Priority, priority types.Priority) bool {
	for _, p := range priorities {
		if p == priority || p == types.PriorityWildcard {
			return true
		}
	}
	return false
}

// keywordsMatch passes when the subscription names no keywords or any
// keyword overlaps.
func keywordsMatch(subscribed, offered []string) bool {
	if len(subscribed) == 0 {
		return true
	}
	for _, want := range subscribed {
		for _, have := range offered {
			if want == have {
				return true
			}
		}
	}
	return false
}

// filtersPass evaluates the ordered filter chain; every predicate must
// hold. A negative size skips SIZE_LIMIT filters.
func filtersPass(filters []types.Filter, category string, priority types.Priority, keywords []string, size int64) bool {
	for _, f := range filters {
		if !filterPasses(f, category, priority, keywords, size) {
			return false
		}
	}
	return true
}

func filterPasses(f types.Filter, category string, priority types.Priority, keywords []string, size int64) bool {
	switch f.Field {
	case types.FilterSize:
		return size < 0 || f.SizeLimit <= 0 || size <= f.SizeLimit
	case types.FilterCategory:
		return applyPolarity(f.Action, containsString(f.Values, category))
	case types.FilterPriority:
		return applyPolarity(f.Action, containsString(f.Values, fmt.Sprintf("%d", priority)))
	case types.FilterKeyword:
		hit := false
		for _, k := range keywords {
			if containsString(f.Values, k) {
				hit = true
				break
			}
		}
		return applyPolarity(f.Action, hit)
	default:
		return true
	}
}

func applyPolarity(action types.FilterAction, matched bool) bool {
	if action == types.FilterExclude {
		return !matched
	}
	return matched
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

// UpdateOptions carries mutable subscription fields; zero values leave
// the stored field untouched.
type UpdateOptions struct {
	Categories []string
	Priorities []types.Priority
	Keywords   []string
	MaxSize    int64
	Filters    []types.Filter
	Delivery   *types.DeliveryConfig
}

// Update mutates an existing subscription.
func (r *Registry) Update(id types.SubscriptionID, opts UpdateOptions) (*types.Subscription, error) {
	sub, err := r.store.GetSubscription(id)
	if err != nil {
		return nil, err
	}

	if len(opts.Categories) > 0 {
		sub.Categories = opts.Categories
	}
	if len(opts.Priorities) > 0 {
		for _, p := range opts.Priorities {
			if p != types.PriorityWildcard && !p.Valid() {
				return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, p)
			}
		}
		sub.Priorities = opts.Priorities
	}
	if opts.Keywords != nil {
		sub.Keywords = opts.Keywords
	}
	if opts.MaxSize > 0 {
		sub.MaxSize = opts.MaxSize
	}
	if opts.Filters != nil {
		sub.Filters = opts.Filters
	}
	if opts.Delivery != nil {
		sub.Delivery = clampDelivery(*opts.Delivery)
	}

	if err := r.store.PutSubscription(sub); err != nil {
		return nil, fmt.Errorf("failed to persist subscription: %w", err)
	}
	return sub, nil
}

// Deactivate soft-disables a subscription.
func (r *Registry) Deactivate(id types.SubscriptionID) error {
	sub, err := r.store.GetSubscription(id)
	if err != nil {
		return err
	}
	sub.IsActive = false
	return r.store.PutSubscription(sub)
}

// Reactivate re-enables a subscription. Without an explicit extension
// an expired subscription is re-granted the default TTL.
func (r *Registry) Reactivate(id types.SubscriptionID, extendTTL time.Duration) (*types.Subscription, error) {
	sub, err := r.store.GetSubscription(id)
	if err != nil {
		return nil, err
	}

	now := r.now()
	sub.IsActive = true
	if extendTTL > 0 {
		sub.ExpiresAt = now.Add(extendTTL)
	} else if sub.Expired(now) {
		sub.ExpiresAt = now.Add(r.cfg.DefaultTTL)
	}

	if err := r.store.PutSubscription(sub); err != nil {
		return nil, fmt.Errorf("failed to persist subscription: %w", err)
	}
	return sub, nil
}

// Delete removes a subscription outright.
func (r *Registry) Delete(id types.SubscriptionID) error {
	if _, err := r.store.GetSubscription(id); err != nil {
		return err
	}
	return r.store.DeleteSubscription(id)
}

// Cleanup removes subscriptions that are inactive and expired, or whose
// expiry is older than maxAge. Returns the number removed.
func (r *Registry) Cleanup(maxAge time.Duration) (int, error) {
	subs, err := r.store.ListSubscriptions()
	if err != nil {
		return 0, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	now := r.now()
	removed := 0
	for _, sub := range subs {
		expired := sub.Expired(now)
		stale := expired && now.Sub(sub.ExpiresAt) >= maxAge
		if (expired && !sub.IsActive) || stale {
			if err := r.store.DeleteSubscription(sub.ID); err != nil {
				r.logger.Warn("Failed to delete subscription during cleanup",
					zap.String("id", string(sub.ID)), zap.Error(err))
				continue
			}
			removed++
		}
	}

	if removed > 0 {
		r.logger.Info("Subscription cleanup", zap.Int("removed", removed))
	}
	return removed, nil
}

// UpdateDeliveryStats records a delivery outcome on the subscription.
func (r *Registry) UpdateDeliveryStats(id types.SubscriptionID, success bool) error {
	sub, err := r.store.GetSubscription(id)
	if err != nil {
		return err
	}
	if success {
		sub.DeliveryCount++
	} else {
		sub.FailureCount++
	}
	sub.LastDeliveryAt = r.now()
	return r.store.PutSubscription(sub)
}
