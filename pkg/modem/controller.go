// Package modem selects a modulation scheme per radio channel from SNR
// samples and reports the achievable throughput, which feeds the
// delivery router's channel-capacity model.
package modem

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"airmesh/pkg/metrics"
)

// Scheme names a modulation profile.
type Scheme string

const (
	BPSK   Scheme = "BPSK"
	QPSK   Scheme = "QPSK"
	PSK8   Scheme = "8PSK"
	QAM16  Scheme = "16QAM"
	QAM32  Scheme = "32QAM"
	QAM64  Scheme = "64QAM"
	QAM128 Scheme = "128QAM"
	QAM256 Scheme = "256QAM"
)

// Profile is one fixed modulation operating point.
type Profile struct {
	Scheme        Scheme
	BitsPerSymbol int
	RequiredSNR   float64 // dB
	PowerOffset   float64 // dB
}

// profiles is ordered by spectral efficiency, lowest first.
var profiles = []Profile{
	{BPSK, 1, 4, 0},
	{QPSK, 2, 7, 0},
	{PSK8, 3, 10, 1},
	{QAM16, 4, 14, 1},
	{QAM32, 5, 17, 2},
	{QAM64, 6, 20, 2},
	{QAM128, 7, 24, 3},
	{QAM256, 8, 28, 3},
}

// Profiles returns the fixed profile table, lowest order first.
func Profiles() []Profile {
	out := make([]Profile, len(profiles))
	copy(out, profiles)
	return out
}

const historySize = 10

// Config tunes the adaptation loop.
type Config struct {
	AdaptationRate float64       // EWMA weight of the newest sample
	MinHoldTime    time.Duration // no changes inside this window
	MarginDB       float64
	HysteresisDB   float64
}

// DefaultConfig returns the standard adaptation tuning.
func DefaultConfig() Config {
	return Config{
		AdaptationRate: 0.7,
		MinHoldTime:    time.Second,
		MarginDB:       3,
		HysteresisDB:   2,
	}
}

type channelState struct {
	history     []float64
	avg         float64
	initialized bool
	current     int // profile index
	lastChange  time.Time
}

// Controller adapts modulation per channel with asymmetric hysteresis
// so marginal SNR cannot flap between adjacent schemes.
type Controller struct {
	mu       sync.Mutex
	cfg      Config
	channels map[string]*channelState
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewController(cfg Config, mtr *metrics.Metrics, logger *zap.Logger) *Controller {
	if cfg.AdaptationRate <= 0 || cfg.AdaptationRate > 1 {
		cfg.AdaptationRate = 0.7
	}
	if cfg.MinHoldTime <= 0 {
		cfg.MinHoldTime = time.Second
	}
	return &Controller{
		cfg:      cfg,
		channels: make(map[string]*channelState),
		metrics:  mtr,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the controller clock, for tests.
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

// SelectModulation feeds one SNR sample for the channel and returns the
// scheme to transmit with.
func (c *Controller) SelectModulation(channelID string, currentSNR float64) Scheme {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	ch, ok := c.channels[channelID]
	if !ok {
		ch = &channelState{}
		c.channels[channelID] = ch
	}

	ch.history = append(ch.history, currentSNR)
	if len(ch.history) > historySize {
		ch.history = ch.history[len(ch.history)-historySize:]
	}

	if !ch.initialized {
		ch.avg = currentSNR
		ch.initialized = true
		ch.current = c.targetFor(ch.avg)
		ch.lastChange = now
		c.logger.Info("Channel modulation initialized",
			zap.String("channel", channelID),
			zap.String("scheme", string(profiles[ch.current].Scheme)),
			zap.Float64("snr", currentSNR))
		return profiles[ch.current].Scheme
	}

	ch.avg = c.cfg.AdaptationRate*currentSNR + (1-c.cfg.AdaptationRate)*ch.avg

	if now.Sub(ch.lastChange) < c.cfg.MinHoldTime {
		return profiles[ch.current].Scheme
	}

	target := c.targetFor(ch.avg)
	switch {
	case target > ch.current:
		// Upgrades need clearance above the target threshold.
		if ch.avg >= profiles[target].RequiredSNR+c.cfg.MarginDB+c.cfg.HysteresisDB {
			c.change(channelID, ch, target, "upgrade", now)
		}
	case target < ch.current:
		// Downgrades trigger only once the current scheme is untenable.
		if ch.avg < profiles[ch.current].RequiredSNR+c.cfg.MarginDB-c.cfg.HysteresisDB {
			c.change(channelID, ch, target, "downgrade", now)
		}
	}
	return profiles[ch.current].Scheme
}

// targetFor returns the highest-order profile whose SNR requirement
// plus margin fits under avg, falling back to BPSK.
func (c *Controller) targetFor(avg float64) int {
	target := 0
	for i, p := range profiles {
		if p.RequiredSNR+c.cfg.MarginDB <= avg {
			target = i
		}
	}
	return target
}

func (c *Controller) change(channelID string, ch *channelState, target int, direction string, now time.Time) {
	from := profiles[ch.current].Scheme
	ch.current = target
	ch.lastChange = now
	c.metrics.ModulationChanges.WithLabelValues(direction).Inc()
	c.logger.Info("Modulation changed",
		zap.String("channel", channelID),
		zap.String("from", string(from)),
		zap.String("to", string(profiles[target].Scheme)),
		zap.Float64("avg_snr", ch.avg))
}

// CurrentScheme returns the channel's active scheme, BPSK for channels
// never sampled.
func (c *Controller) CurrentScheme(channelID string) Scheme {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.channels[channelID]; ok {
		return profiles[ch.current].Scheme
	}
	return BPSK
}

// CalculateThroughput reports achievable bits/s for the channel at the
// given symbol rate and packet error rate.
func (c *Controller) CalculateThroughput(channelID string, symbolRate, packetErrorRate float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	bits := profiles[0].BitsPerSymbol
	if ch, ok := c.channels[channelID]; ok {
		bits = profiles[ch.current].BitsPerSymbol
	}
	throughput := symbolRate * float64(bits) * (1 - packetErrorRate)
	c.metrics.ChannelThroughput.WithLabelValues(channelID).Set(throughput)
	return throughput
}

// ForceModulation pins a channel to a scheme, bypassing hold time and
// hysteresis. Operator override and test hook.
func (c *Controller) ForceModulation(channelID string, scheme Scheme) error {
	idx := -1
	for i, p := range profiles {
		if p.Scheme == scheme {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("unknown modulation scheme %q", scheme)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.channels[channelID]
	if !ok {
		ch = &channelState{initialized: true}
		c.channels[channelID] = ch
	}
	ch.current = idx
	ch.lastChange = c.now()
	c.metrics.ModulationChanges.WithLabelValues("forced").Inc()
	c.logger.Warn("Modulation forced",
		zap.String("channel", channelID),
		zap.String("scheme", string(scheme)))
	return nil
}
