// Package beacon tracks radio-path records heard over the air: who was
// heard, how recently, through which relays and how strongly. The
// delivery router consumes freshness and hop distance; the modem
// consumes signal strength.
package beacon

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"airmesh/pkg/store"
	"airmesh/pkg/types"
)

// Monitor is the radio-path view the router and modem depend on.
type Monitor interface {
	// Fresh reports whether the station was heard within the window.
	Fresh(station types.StationID, window time.Duration) bool

	// Path returns the live beacon path for a station, nil if unheard
	// or expired.
	Path(station types.StationID) *types.BeaconPath

	// Distance estimates the hop count between two stations.
	Distance(from, to types.StationID) int
}

// StoreMonitor is a Monitor over the shared beaconPaths collection.
type StoreMonitor struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

func NewStoreMonitor(st store.Store, logger *zap.Logger) *StoreMonitor {
	return &StoreMonitor{store: st, logger: logger, now: time.Now}
}

// SetClock overrides the monitor clock, for tests.
func (m *StoreMonitor) SetClock(now func() time.Time) {
	m.now = now
}

// Record stores a heard beacon. An unset LastHeard means "just now".
func (m *StoreMonitor) Record(path *types.BeaconPath) error {
	if path.Station == "" {
		return fmt.Errorf("beacon path needs a station")
	}
	if path.LastHeard.IsZero() {
		path.LastHeard = m.now()
	}
	if path.HopCount == 0 && len(path.Hops) > 0 {
		path.HopCount = len(path.Hops)
	}

	if err := m.store.PutBeaconPath(path); err != nil {
		return fmt.Errorf("failed to record beacon path: %w", err)
	}
	m.logger.Debug("Beacon heard",
		zap.String("station", string(path.Station)),
		zap.Int("hops", path.HopCount),
		zap.Float64("snr", path.SignalStrength))
	return nil
}

func (m *StoreMonitor) Fresh(station types.StationID, window time.Duration) bool {
	p := m.Path(station)
	return p != nil && m.now().Sub(p.LastHeard) <= window
}

func (m *StoreMonitor) Path(station types.StationID) *types.BeaconPath {
	p, err := m.store.GetBeaconPath(station)
	if err != nil {
		return nil
	}
	if p.Expired(m.now()) {
		return nil
	}
	return p
}

// Distance estimates hops between two stations from their beacon paths.
// When one path runs through the other station the offset inside the
// path is exact; otherwise the two path lengths are summed as the
// worst-case relay route.
func (m *StoreMonitor) Distance(from, to types.StationID) int {
	if from == to {
		return 0
	}

	fromPath, toPath := m.Path(from), m.Path(to)
	if toPath != nil {
		for i, hop := range toPath.Hops {
			if hop == from {
				return len(toPath.Hops) - i
			}
		}
	}
	if fromPath != nil {
		for i, hop := range fromPath.Hops {
			if hop == to {
				return len(fromPath.Hops) - i
			}
		}
	}

	switch {
	case fromPath == nil && toPath == nil:
		return unknownDistance
	case fromPath == nil:
		return toPath.HopCount + 1
	case toPath == nil:
		return fromPath.HopCount + 1
	default:
		return fromPath.HopCount + toPath.HopCount
	}
}

// unknownDistance ranks stations without path information last.
const unknownDistance = 1 << 16
