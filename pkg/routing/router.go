// Package routing plans update delivery across the mesh: who receives
// a copy, over which transport, on which channel band, and when.
package routing

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"airmesh/pkg/auth"
	"airmesh/pkg/beacon"
	"airmesh/pkg/metrics"
	"airmesh/pkg/store"
	"airmesh/pkg/subscription"
	"airmesh/pkg/types"
)

var (
	ErrUnreachable = errors.New("station unreachable")
	ErrNoTargets   = errors.New("no reachable subscribers")
)

// Matcher resolves registry interest for an update.
type Matcher interface {
	FindMatching(category string, priority types.Priority, keywords []string) ([]*types.Subscription, error)
}

// HolderSource is the cache view the router reads holders from and
// reports successful deliveries back into.
type HolderSource interface {
	GetHolders(id types.UpdateID) ([]types.StationID, error)
	RecordRemoteCopy(u *types.Update, station types.StationID) error
}

// PeerTransport is the high-bandwidth peer link, consumed as a
// collaborator; the wire itself lives outside this module.
type PeerTransport interface {
	Connected(station types.StationID) bool
}

// PathDecision is what path selection yields for one station.
type PathDecision struct {
	Mode     types.TransmissionMode
	Hops     []types.StationID
	HopCount int
}

// PathSelector lets deployments plug their own path policy in front of
// the built-in fallback.
type PathSelector interface {
	SelectPath(station types.StationID, updateID types.UpdateID) (*PathDecision, error)
}

// CapacityModel reports achievable channel throughput; the modulation
// controller implements it.
type CapacityModel interface {
	CalculateThroughput(channelID string, symbolRate, packetErrorRate float64) float64
}

// TransmissionClass is the channel mode of a routing pass.
type TransmissionClass string

const (
	ClassHighCapacity TransmissionClass = "high-capacity"
	ClassFallback     TransmissionClass = "fallback"
)

// BandState reports whether the pass transmits now or waits.
type BandState string

const (
	BandActive BandState = "active"
	BandQueued BandState = "queued"
)

// Constraints narrow a single routing pass.
type Constraints struct {
	MaxBandwidth float64 // bits/s; 0 means unconstrained
}

// Plan is the full delivery plan for one update.
type Plan struct {
	UpdateID       types.UpdateID
	Class          TransmissionClass
	Band           string
	BandState      BandState
	EstimatedDelay time.Duration
	Targets        []*types.DeliveryTarget
}

// DeliveryStatus tracks per-target outcomes for an update.
type DeliveryStatus struct {
	Successful []types.StationID
	Failed     []types.StationID
	Pending    []types.StationID
}

// Config tunes the router.
type Config struct {
	Station           types.StationID
	FreshnessWindow   time.Duration // RF path considered alive
	StaggerInterval   time.Duration // spacing between consecutive targets
	QueueDelayBase    time.Duration // busy-band delay numerator
	SymbolRate        float64       // baud, for the capacity model
	HighCapacityFloor float64       // bits/s below which constraints force fallback
}

func (c *Config) applyDefaults() {
	if c.FreshnessWindow <= 0 {
		c.FreshnessWindow = 5 * time.Minute
	}
	if c.StaggerInterval <= 0 {
		c.StaggerInterval = time.Second
	}
	if c.QueueDelayBase <= 0 {
		c.QueueDelayBase = 30 * time.Second
	}
	if c.SymbolRate <= 0 {
		c.SymbolRate = 9600
	}
	if c.HighCapacityFloor <= 0 {
		c.HighCapacityFloor = 9600
	}
}

// Router computes delivery plans and tracks their outcomes.
type Router struct {
	store     store.Store
	registry  Matcher
	cache     HolderSource
	validator auth.Validator
	beacons   beacon.Monitor
	peers     PeerTransport
	selector  PathSelector // optional
	capacity  CapacityModel
	cfg       Config
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	bandMu sync.Mutex
	bands  map[string]types.UpdateID // band -> holding update

	statusMu sync.Mutex
	statuses map[types.UpdateID]*DeliveryStatus
}

func NewRouter(st store.Store, registry Matcher, cache HolderSource, validator auth.Validator,
	beacons beacon.Monitor, peers PeerTransport, capacity CapacityModel,
	cfg Config, mtr *metrics.Metrics, logger *zap.Logger) *Router {
	cfg.applyDefaults()
	return &Router{
		store:     st,
		registry:  registry,
		cache:     cache,
		validator: validator,
		beacons:   beacons,
		peers:     peers,
		capacity:  capacity,
		cfg:       cfg,
		metrics:   mtr,
		logger:    logger,
		now:       time.Now,
		bands:     make(map[string]types.UpdateID),
		statuses:  make(map[types.UpdateID]*DeliveryStatus),
	}
}

// SetPathSelector installs an external path policy.
func (r *Router) SetPathSelector(s PathSelector) {
	r.selector = s
}

// SetClock overrides the router clock, for tests.
func (r *Router) SetClock(now func() time.Time) {
	r.now = now
}

// RouteUpdate builds the delivery plan for an update: resolves the
// subscriber set, selects a path per subscriber, reserves a channel
// band and staggers transmissions to avoid collisions. Unreachable
// subscribers are skipped, never fatal.
func (r *Router) RouteUpdate(updateID types.UpdateID, constraints *Constraints) (*Plan, error) {
	u, err := r.store.GetUpdate(updateID)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", updateID, err)
	}

	subscribers, err := r.resolveSubscribers(u)
	if err != nil {
		return nil, err
	}

	class := r.chooseClass(u.Priority, constraints)
	band, state, delay := r.reserveBand(u.Priority, updateID)
	if state == BandQueued {
		r.metrics.BandQueued.Inc()
	}

	now := r.now()
	plan := &Plan{
		UpdateID:       updateID,
		Class:          class,
		Band:           band,
		BandState:      state,
		EstimatedDelay: delay,
	}

	for _, station := range subscribers {
		target, err := r.buildTarget(u, station)
		if err != nil {
			r.logger.Warn("Skipping unreachable subscriber",
				zap.String("update_id", string(updateID)),
				zap.String("station", string(station)),
				zap.Error(err))
			continue
		}
		n := len(plan.Targets)
		target.ScheduledTime = now.Add(delay + time.Duration(n)*r.cfg.StaggerInterval)
		target.CollisionAvoidance = n > 0
		plan.Targets = append(plan.Targets, target)
	}

	if len(plan.Targets) == 0 {
		r.releaseBand(updateID)
		return nil, fmt.Errorf("update %s: %w", updateID, ErrNoTargets)
	}

	r.recordPending(plan)
	r.metrics.RoutingPasses.Inc()
	r.logger.Info("Routed update",
		zap.String("update_id", string(updateID)),
		zap.Int("priority", int(u.Priority)),
		zap.String("band", band),
		zap.String("band_state", string(state)),
		zap.Int("targets", len(plan.Targets)))
	return plan, nil
}

// resolveSubscribers merges the update's explicit recipients with the
// registry matches, dropping the originator and duplicates, in a
// deterministic order.
func (r *Router) resolveSubscribers(u *types.Update) ([]types.StationID, error) {
	seen := make(map[types.StationID]bool)
	var out []types.StationID

	add := func(s types.StationID) {
		if s == "" || s == u.Originator || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	for _, s := range u.Subscribers {
		add(s)
	}

	matches, err := r.registry.FindMatching(u.Category, u.Priority, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to match subscriptions: %w", err)
	}
	now := r.now()
	for _, sub := range matches {
		// FindMatching cannot see size caps or SIZE_LIMIT filters.
		if !subscription.MatchesUpdate(sub, u, now) {
			continue
		}
		add(sub.Subscriber)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// chooseClass picks the channel mode: urgent traffic always rides the
// high-capacity mode; a bandwidth constraint can force the fallback
// mode for everything else.
func (r *Router) chooseClass(p types.Priority, constraints *Constraints) TransmissionClass {
	if p <= types.PriorityUrgent {
		return ClassHighCapacity
	}
	if constraints != nil && constraints.MaxBandwidth > 0 && constraints.MaxBandwidth < r.cfg.HighCapacityFloor {
		return ClassFallback
	}
	return ClassHighCapacity
}

// bandFor maps a priority to its carrier band. Tiers 0 and 1 share the
// top band; each lower tier gets a disjoint one.
func bandFor(p types.Priority) string {
	if p <= types.PriorityUrgent {
		return "band-0"
	}
	return fmt.Sprintf("band-%d", p)
}

// reserveBand atomically checks and reserves the priority band. A busy
// band queues the pass with a delay shrinking as priority rises.
func (r *Router) reserveBand(p types.Priority, updateID types.UpdateID) (string, BandState, time.Duration) {
	band := bandFor(p)

	r.bandMu.Lock()
	defer r.bandMu.Unlock()

	if holder, busy := r.bands[band]; busy && holder != updateID {
		delay := r.cfg.QueueDelayBase / time.Duration(p+1)
		return band, BandQueued, delay
	}
	r.bands[band] = updateID
	return band, BandActive, 0
}

func (r *Router) releaseBand(updateID types.UpdateID) {
	r.bandMu.Lock()
	defer r.bandMu.Unlock()
	for band, holder := range r.bands {
		if holder == updateID {
			delete(r.bands, band)
		}
	}
}

// buildTarget runs path selection and the license rules for one
// station.
func (r *Router) buildTarget(u *types.Update, station types.StationID) (*types.DeliveryTarget, error) {
	if !r.validator.IsLicensed(station) {
		return r.buildUnlicensedTarget(u, station)
	}

	decision, err := r.SelectPath(station, u.ID)
	if err != nil {
		return nil, err
	}

	source, err := r.FindBestSource(u.ID, station)
	if err != nil {
		source = r.cfg.Station // local copy serves when no better holder exists
	}

	target := &types.DeliveryTarget{
		Station:           station,
		Mode:              decision.Mode,
		Hops:              decision.Hops,
		HopCount:          decision.HopCount,
		CanRetransmit:     true,
		SourceStation:     source,
		TransmissionDelay: r.transmissionDelay(u),
		Status:            types.DeliveryPending,
	}
	return target, nil
}

// buildUnlicensedTarget applies the license rule: unlicensed stations
// receive over the peer link only, from a licensed holder, and may not
// retransmit.
func (r *Router) buildUnlicensedTarget(u *types.Update, station types.StationID) (*types.DeliveryTarget, error) {
	if !r.peers.Connected(station) {
		return nil, fmt.Errorf("unlicensed station %s: %w", station, ErrUnreachable)
	}

	source, err := r.findLicensedSource(u.ID, station)
	if err != nil {
		return nil, err
	}

	return &types.DeliveryTarget{
		Station:           station,
		Mode:              types.ModeWebRTC,
		CanRetransmit:     false,
		SourceStation:     source,
		TransmissionDelay: r.transmissionDelay(u),
		Status:            types.DeliveryPending,
	}, nil
}

// SelectPath picks the transport for a licensed station: the plugged
// selector if present, else radio when the station's beacon is fresh,
// else the peer link, else unreachable.
func (r *Router) SelectPath(station types.StationID, updateID types.UpdateID) (*PathDecision, error) {
	if r.selector != nil {
		return r.selector.SelectPath(station, updateID)
	}

	if r.beacons.Fresh(station, r.cfg.FreshnessWindow) {
		decision := &PathDecision{Mode: types.ModeRF}
		if p := r.beacons.Path(station); p != nil {
			decision.Hops = p.Hops
			decision.HopCount = p.HopCount
		}
		return decision, nil
	}

	if r.peers.Connected(station) {
		return &PathDecision{Mode: types.ModeWebRTC, HopCount: 1}, nil
	}

	return nil, fmt.Errorf("station %s: %w", station, ErrUnreachable)
}

// FindBestSource picks the holder closest to the target by hop
// distance.
func (r *Router) FindBestSource(updateID types.UpdateID, target types.StationID) (types.StationID, error) {
	return r.bestSource(updateID, target, false)
}

func (r *Router) findLicensedSource(updateID types.UpdateID, target types.StationID) (types.StationID, error) {
	return r.bestSource(updateID, target, true)
}

func (r *Router) bestSource(updateID types.UpdateID, target types.StationID, licensedOnly bool) (types.StationID, error) {
	holders, err := r.cache.GetHolders(updateID)
	if err != nil {
		return "", fmt.Errorf("failed to query holders: %w", err)
	}

	best := types.StationID("")
	bestDist := -1
	for _, h := range holders {
		if h == target {
			continue
		}
		if licensedOnly && !r.validator.IsLicensed(h) {
			continue
		}
		d := r.beacons.Distance(h, target)
		if bestDist < 0 || d < bestDist {
			best, bestDist = h, d
		}
	}
	if best == "" {
		return "", fmt.Errorf("no source holder for update %s: %w", updateID, store.ErrNotFound)
	}
	return best, nil
}

// transmissionDelay estimates airtime from the capacity model.
func (r *Router) transmissionDelay(u *types.Update) time.Duration {
	if r.capacity == nil {
		return 0
	}
	bps := r.capacity.CalculateThroughput(bandFor(u.Priority), r.cfg.SymbolRate, 0)
	if bps <= 0 {
		return 0
	}
	seconds := float64(u.Size()*8) / bps
	return time.Duration(seconds * float64(time.Second))
}

func (r *Router) recordPending(plan *Plan) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()

	status, ok := r.statuses[plan.UpdateID]
	if !ok {
		status = &DeliveryStatus{}
		r.statuses[plan.UpdateID] = status
	}
	for _, t := range plan.Targets {
		if !containsStation(status.Pending, t.Station) &&
			!containsStation(status.Successful, t.Station) &&
			!containsStation(status.Failed, t.Station) {
			status.Pending = append(status.Pending, t.Station)
		}
	}
}

// MarkDeliveryComplete records one target's outcome. Idempotent: a
// station already settled does not move again, and the band frees once
// nothing is pending. A success registers the station as a holder so
// later source selection can use the new copy.
func (r *Router) MarkDeliveryComplete(updateID types.UpdateID, station types.StationID, success bool) {
	r.statusMu.Lock()
	status, ok := r.statuses[updateID]
	if !ok || !containsStation(status.Pending, station) {
		r.statusMu.Unlock()
		return
	}
	status.Pending = removeStation(status.Pending, station)
	if success {
		status.Successful = append(status.Successful, station)
		r.metrics.DeliveryOutcomes.WithLabelValues("success").Inc()
	} else {
		status.Failed = append(status.Failed, station)
		r.metrics.DeliveryOutcomes.WithLabelValues("failed").Inc()
	}
	done := len(status.Pending) == 0
	r.statusMu.Unlock()

	if done {
		r.releaseBand(updateID)
	}
	if success {
		u, err := r.store.GetUpdate(updateID)
		if err == nil {
			err = r.cache.RecordRemoteCopy(u, station)
		}
		if err != nil {
			r.logger.Warn("Failed to record delivered copy",
				zap.String("update_id", string(updateID)),
				zap.String("station", string(station)),
				zap.Error(err))
		}
	}
}

// GetDeliveryStatus snapshots per-target outcomes for an update.
func (r *Router) GetDeliveryStatus(updateID types.UpdateID) *DeliveryStatus {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()

	status, ok := r.statuses[updateID]
	if !ok {
		return &DeliveryStatus{}
	}
	return &DeliveryStatus{
		Successful: append([]types.StationID(nil), status.Successful...),
		Failed:     append([]types.StationID(nil), status.Failed...),
		Pending:    append([]types.StationID(nil), status.Pending...),
	}
}

// RetryFailedDeliveries re-plans the failed targets of an update,
// moving them back to pending. Stations that remain unreachable stay
// failed.
func (r *Router) RetryFailedDeliveries(updateID types.UpdateID) ([]*types.DeliveryTarget, error) {
	u, err := r.store.GetUpdate(updateID)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", updateID, err)
	}

	r.statusMu.Lock()
	status, ok := r.statuses[updateID]
	if !ok || len(status.Failed) == 0 {
		r.statusMu.Unlock()
		return nil, nil
	}
	failed := append([]types.StationID(nil), status.Failed...)
	r.statusMu.Unlock()

	now := r.now()
	var targets []*types.DeliveryTarget
	for _, station := range failed {
		target, err := r.buildTarget(u, station)
		if err != nil {
			r.logger.Warn("Retry target still unreachable",
				zap.String("update_id", string(updateID)),
				zap.String("station", string(station)),
				zap.Error(err))
			continue
		}
		n := len(targets)
		target.ScheduledTime = now.Add(time.Duration(n) * r.cfg.StaggerInterval)
		target.CollisionAvoidance = n > 0
		targets = append(targets, target)

		r.statusMu.Lock()
		status.Failed = removeStation(status.Failed, station)
		status.Pending = append(status.Pending, station)
		r.statusMu.Unlock()
	}
	return targets, nil
}

func containsStation(list []types.StationID, s types.StationID) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeStation(list []types.StationID, s types.StationID) []types.StationID {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
