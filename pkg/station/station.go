// Package station assembles the full mesh node: persistent state, the
// subscription registry, cache, router, retry coordinator, modem and
// the background hygiene loops, behind a single lifecycle.
package station

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"airmesh/pkg/auth"
	"airmesh/pkg/beacon"
	"airmesh/pkg/cache"
	"airmesh/pkg/config"
	"airmesh/pkg/metrics"
	"airmesh/pkg/modem"
	"airmesh/pkg/retry"
	"airmesh/pkg/routing"
	"airmesh/pkg/store"
	"airmesh/pkg/subscription"
	"airmesh/pkg/types"
)

// MaxPayloadSize caps a single update's payload.
const MaxPayloadSize = 50 * 1024

var (
	ErrPayloadTooLarge = errors.New("update payload exceeds size limit")
	ErrBadEmergencyID  = errors.New("emergency updates need an EMRG-####-### id")
	ErrUpdateExpired   = errors.New("update is past its expiry")
)

// Dependencies are the externally supplied capabilities. A nil Store
// opens a leveldb store under the configured data directory; a nil
// Verifier accepts every signature.
type Dependencies struct {
	Store    store.Store
	Peers    routing.PeerTransport
	Verifier auth.SignatureVerifier
}

// noPeers is the default transport when no peer link is wired.
type noPeers struct{}

func (noPeers) Connected(types.StationID) bool { return false }

// Station is one running mesh node.
type Station struct {
	callsign  types.StationID
	cfg       *config.Config
	logger    *zap.Logger
	store     store.Store
	ownsStore bool

	metrics   *metrics.Metrics
	validator auth.Validator
	verifier  auth.SignatureVerifier
	registry  *subscription.Registry
	cache     *cache.Manager
	beacons   *beacon.StoreMonitor
	modem     *modem.Controller
	router    *routing.Router
	retry     *retry.Coordinator

	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *config.Config, deps Dependencies, logger *zap.Logger) (*Station, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st := deps.Store
	ownsStore := false
	if st == nil {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		var err error
		st, err = store.OpenLevelStore(filepath.Join(cfg.DataDir, "state"), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		ownsStore = true
	}

	peers := deps.Peers
	if peers == nil {
		peers = noPeers{}
	}
	verifier := deps.Verifier
	if verifier == nil {
		verifier = auth.AcceptAllVerifier{}
	}

	mtr := metrics.New()
	validator := auth.NewCallsignValidator()
	callsign := types.StationID(cfg.Callsign)

	registry := subscription.NewRegistry(st, validator, subscription.Config{
		MaxPerSubscriber: cfg.Subscription.MaxPerSubscriber,
		DefaultTTL:       time.Duration(cfg.Subscription.DefaultTTLHours) * time.Hour,
	}, logger)

	cacheManager, err := cache.NewManager(st, cache.Config{
		Station:  callsign,
		MaxBytes: cfg.Cache.MaxSizeBytes(),
		Policy:   cache.Policy(cfg.Cache.Policy),
	}, mtr, logger)
	if err != nil {
		if ownsStore {
			st.Close()
		}
		return nil, err
	}

	beacons := beacon.NewStoreMonitor(st, logger)

	modemCtl := modem.NewController(modem.Config{
		AdaptationRate: cfg.Modem.AdaptationRate,
		MinHoldTime:    time.Duration(cfg.Modem.MinHoldTimeMs) * time.Millisecond,
		MarginDB:       cfg.Modem.MarginDB,
		HysteresisDB:   cfg.Modem.HysteresisDB,
	}, mtr, logger)

	router := routing.NewRouter(st, registry, cacheManager, validator, beacons, peers, modemCtl,
		routing.Config{
			Station:         callsign,
			FreshnessWindow: time.Duration(cfg.Router.FreshnessWindowSec) * time.Second,
			StaggerInterval: time.Duration(cfg.Router.StaggerIntervalMs) * time.Millisecond,
			QueueDelayBase:  time.Duration(cfg.Router.QueueDelayBaseMs) * time.Millisecond,
		}, mtr, logger)

	coordinator := retry.NewCoordinator(st, cacheManager, validator, verifier,
		retry.Config{
			RequestsPerMinute: cfg.Retry.RequestsPerMin,
			WindowMinSec:      cfg.Retry.WindowMinSec,
			WindowMaxSec:      cfg.Retry.WindowMaxSec,
		}, mtr, logger)

	ctx, cancel := context.WithCancel(context.Background())
	return &Station{
		callsign:  callsign,
		cfg:       cfg,
		logger:    logger,
		store:     st,
		ownsStore: ownsStore,
		metrics:   mtr,
		validator: validator,
		verifier:  verifier,
		registry:  registry,
		cache:     cacheManager,
		beacons:   beacons,
		modem:     modemCtl,
		router:    router,
		retry:     coordinator,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// SetClock overrides the station clock and propagates it to every
// component, for tests.
func (s *Station) SetClock(now func() time.Time) {
	s.now = now
	s.registry.SetClock(now)
	s.cache.SetClock(now)
	s.beacons.SetClock(now)
	s.modem.SetClock(now)
	s.router.SetClock(now)
	s.retry.SetClock(now)
}

// Start launches the metrics exporter and the hygiene loops. It returns
// immediately; Stop shuts everything down.
func (s *Station) Start() error {
	s.logger.Info("Station starting",
		zap.String("callsign", string(s.callsign)),
		zap.String("data_dir", s.cfg.DataDir))

	if s.cfg.MetricsAddr != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.metrics.Serve(s.ctx, s.cfg.MetricsAddr, s.logger); err != nil {
				s.logger.Error("Metrics exporter failed", zap.Error(err))
			}
		}()
	}

	s.wg.Add(1)
	go s.sweepLoop()
	return nil
}

// Stop shuts the station down and waits for the background loops.
func (s *Station) Stop() {
	s.cancel()
	s.wg.Wait()
	s.retry.Stop()
	if s.ownsStore {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("Failed to close state store", zap.Error(err))
		}
	}
	s.logger.Info("Station stopped", zap.String("callsign", string(s.callsign)))
}

// sweepLoop periodically drops expired state: cache entries, settled or
// stale retry requests, and dead subscriptions.
func (s *Station) sweepLoop() {
	defer s.wg.Done()

	interval := time.Duration(s.cfg.Sweep.IntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one hygiene pass.
func (s *Station) Sweep() {
	if n, err := s.cache.RunEviction(); err != nil {
		s.logger.Warn("Cache sweep failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Debug("Cache sweep", zap.Int("expired", n))
	}

	retention := time.Duration(s.cfg.Retry.RetentionHours) * time.Hour
	if _, err := s.retry.Cleanup(retention); err != nil {
		s.logger.Warn("Retry sweep failed", zap.Error(err))
	}

	if _, err := s.registry.Cleanup(retention); err != nil {
		s.logger.Warn("Subscription sweep failed", zap.Error(err))
	}
}

// AdmitUpdate accepts a locally originated or relayed update into the
// mesh: validates the originator and payload, stamps the TTL, persists
// and caches it, then plans delivery.
func (s *Station) AdmitUpdate(ctx context.Context, u *types.Update) (*routing.Plan, error) {
	if int64(len(u.Payload)) > MaxPayloadSize {
		return nil, fmt.Errorf("update payload %d bytes: %w", len(u.Payload), ErrPayloadTooLarge)
	}
	if !u.Priority.Valid() {
		return nil, fmt.Errorf("invalid priority %d", u.Priority)
	}
	if err := s.validator.ValidateFormat(u.Originator); err != nil {
		return nil, fmt.Errorf("originator %s: %w", u.Originator, err)
	}
	if !s.validator.IsLicensed(u.Originator) {
		return nil, fmt.Errorf("originator %s may not transmit: %w", u.Originator, auth.ErrUnlicensed)
	}
	if err := s.verifier.Verify(ctx, u.Originator, u.Payload, u.Signature); err != nil {
		return nil, fmt.Errorf("originator %s: %w", u.Originator, err)
	}

	if u.Priority == types.PriorityEmergency {
		if !types.IsEmergencyID(u.ID) {
			return nil, fmt.Errorf("update %q: %w", u.ID, ErrBadEmergencyID)
		}
	} else if u.ID == "" {
		u.ID = types.UpdateID(uuid.New().String())
	}

	// A relayed update keeps its original stamps; re-stamping at every
	// hop would extend its mesh-wide lifetime.
	if u.CreatedAt.IsZero() {
		u.Stamp(s.now())
	} else if u.Expired(s.now()) {
		return nil, fmt.Errorf("update %s: %w", u.ID, ErrUpdateExpired)
	}

	if err := s.store.PutUpdate(u); err != nil {
		return nil, fmt.Errorf("failed to persist update: %w", err)
	}

	// A full cache does not block distribution; the copy just is not
	// available for later retry fulfillment.
	if err := s.cache.Store(u); err != nil {
		s.logger.Warn("Update not cached",
			zap.String("update_id", string(u.ID)),
			zap.Error(err))
	}

	plan, err := s.router.RouteUpdate(u.ID, nil)
	if err != nil {
		if errors.Is(err, routing.ErrNoTargets) {
			s.logger.Info("Update admitted with no reachable subscribers",
				zap.String("update_id", string(u.ID)))
			return nil, nil
		}
		return nil, err
	}
	return plan, nil
}

// HearBeacon ingests a beacon heard over the air and feeds its SNR to
// the modem.
func (s *Station) HearBeacon(path *types.BeaconPath, channelID string) error {
	if err := s.beacons.Record(path); err != nil {
		return err
	}
	if path.SignalStrength > 0 && channelID != "" {
		s.modem.SelectModulation(channelID, path.SignalStrength)
	}
	return nil
}

// Accessors for the command layer.

func (s *Station) Callsign() types.StationID        { return s.callsign }
func (s *Station) Registry() *subscription.Registry { return s.registry }
func (s *Station) Cache() *cache.Manager            { return s.cache }
func (s *Station) Router() *routing.Router          { return s.router }
func (s *Station) Retry() *retry.Coordinator        { return s.retry }
func (s *Station) Modem() *modem.Controller         { return s.modem }
func (s *Station) Beacons() *beacon.StoreMonitor    { return s.beacons }
func (s *Station) Store() store.Store               { return s.store }
