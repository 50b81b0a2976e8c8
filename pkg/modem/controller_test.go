package modem

import (
	"testing"
	"time"

	"airmesh/pkg/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newController(t *testing.T) (*Controller, func(time.Duration)) {
	t.Helper()
	c := NewController(DefaultConfig(), metrics.New(), zaptest.NewLogger(t))

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return now })
	advance := func(d time.Duration) { now = now.Add(d) }
	return c, advance
}

func TestProfileTable(t *testing.T) {
	expected := []struct {
		scheme Scheme
		bits   int
		snr    float64
		power  float64
	}{
		{BPSK, 1, 4, 0},
		{QPSK, 2, 7, 0},
		{PSK8, 3, 10, 1},
		{QAM16, 4, 14, 1},
		{QAM32, 5, 17, 2},
		{QAM64, 6, 20, 2},
		{QAM128, 7, 24, 3},
		{QAM256, 8, 28, 3},
	}

	got := Profiles()
	require.Len(t, got, len(expected))
	for i, e := range expected {
		assert.Equal(t, e.scheme, got[i].Scheme)
		assert.Equal(t, e.bits, got[i].BitsPerSymbol)
		assert.Equal(t, e.snr, got[i].RequiredSNR)
		assert.Equal(t, e.power, got[i].PowerOffset)
	}
}

// Low SNR lands on BPSK; a much better sample immediately after still
// returns BPSK because the hold time has not elapsed.
func TestHoldTimePinsScheme(t *testing.T) {
	c, _ := newController(t)

	assert.Equal(t, BPSK, c.SelectModulation("ch1", 3))
	assert.Equal(t, BPSK, c.SelectModulation("ch1", 25))
}

func TestUpgradeAfterHoldTime(t *testing.T) {
	c, advance := newController(t)

	assert.Equal(t, BPSK, c.SelectModulation("ch1", 3))
	advance(2 * time.Second)

	// Sustained strong SNR: EWMA converges fast at rate 0.7.
	scheme := c.SelectModulation("ch1", 30)
	advance(2 * time.Second)
	scheme = c.SelectModulation("ch1", 30)
	advance(2 * time.Second)
	scheme = c.SelectModulation("ch1", 30)

	assert.NotEqual(t, BPSK, scheme)
}

// Inside the dead zone between the upgrade and downgrade thresholds the
// scheme must not move in either direction.
func TestHysteresisDeadZone(t *testing.T) {
	c, advance := newController(t)

	// Settle on QPSK: requiredSNR 7, margin 3 → selected at avg ≥ 10.
	c.SelectModulation("ch1", 11)
	assert.Equal(t, QPSK, c.CurrentScheme("ch1"))

	// 8PSK upgrade needs avg ≥ 10+3+2 = 15; QPSK downgrade needs
	// avg < 7+3-2 = 8. Anything in [8,15) holds.
	for _, snr := range []float64{13, 14, 14.5, 9, 8.5, 12} {
		advance(2 * time.Second)
		assert.Equal(t, QPSK, c.SelectModulation("ch1", snr), "snr %v", snr)
	}
}

func TestUpgradeThreshold(t *testing.T) {
	c, advance := newController(t)

	c.SelectModulation("ch1", 11) // QPSK
	advance(2 * time.Second)

	// Drive the average just past the 8PSK upgrade threshold (15).
	for i := 0; i < 5; i++ {
		c.SelectModulation("ch1", 15.5)
		advance(2 * time.Second)
	}
	assert.Equal(t, PSK8, c.CurrentScheme("ch1"))
}

func TestDowngradeThreshold(t *testing.T) {
	c, advance := newController(t)

	c.SelectModulation("ch1", 25) // 64QAM territory: avg 25 ≥ 20+3
	assert.Equal(t, QAM64, c.CurrentScheme("ch1"))
	advance(2 * time.Second)

	// Collapse the SNR well below 20+3-2 = 21.
	for i := 0; i < 5; i++ {
		c.SelectModulation("ch1", 5)
		advance(2 * time.Second)
	}
	assert.Equal(t, BPSK, c.CurrentScheme("ch1"))
}

func TestChannelsAreIndependent(t *testing.T) {
	c, _ := newController(t)

	assert.Equal(t, BPSK, c.SelectModulation("ch1", 3))
	assert.Equal(t, QAM256, c.SelectModulation("ch2", 40))
	assert.Equal(t, BPSK, c.CurrentScheme("ch1"))
}

func TestCalculateThroughput(t *testing.T) {
	c, _ := newController(t)

	c.SelectModulation("ch1", 40) // 256QAM, 8 bits/symbol
	assert.Equal(t, float64(9600*8), c.CalculateThroughput("ch1", 9600, 0))
	assert.InDelta(t, 9600*8*0.9, c.CalculateThroughput("ch1", 9600, 0.1), 0.001)

	// Unknown channel reports at the BPSK floor.
	assert.Equal(t, float64(9600), c.CalculateThroughput("ch-unknown", 9600, 0))
}

func TestForceModulation(t *testing.T) {
	c, _ := newController(t)

	c.SelectModulation("ch1", 3)
	require.NoError(t, c.ForceModulation("ch1", QAM64))
	assert.Equal(t, QAM64, c.CurrentScheme("ch1"))

	// Force bypasses hold time even immediately after a change.
	require.NoError(t, c.ForceModulation("ch1", QPSK))
	assert.Equal(t, QPSK, c.CurrentScheme("ch1"))

	assert.Error(t, c.ForceModulation("ch1", "1024QAM"))
}

func TestHistoryBounded(t *testing.T) {
	c, advance := newController(t)

	for i := 0; i < 50; i++ {
		c.SelectModulation("ch1", 10)
		advance(100 * time.Millisecond)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.LessOrEqual(t, len(c.channels["ch1"].history), historySize)
}
