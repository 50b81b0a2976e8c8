package station

import (
	"context"
	"testing"
	"time"

	"airmesh/pkg/auth"
	"airmesh/pkg/config"
	"airmesh/pkg/store"
	"airmesh/pkg/subscription"
	"airmesh/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newStation(t *testing.T) (*Station, func(time.Duration)) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Callsign = "W1AW"
	cfg.Cache.MaxSize = "200KiB"

	s, err := New(cfg, Dependencies{Store: store.NewMemoryStore()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	advance := func(d time.Duration) { now = now.Add(d) }
	return s, advance
}

func (s *Station) hear(t *testing.T, stations ...types.StationID) {
	t.Helper()
	for _, station := range stations {
		require.NoError(t, s.beacons.Record(&types.BeaconPath{Station: station, SignalStrength: 15}))
	}
}

func TestAdmitUpdateDistributes(t *testing.T) {
	s, _ := newStation(t)
	s.hear(t, "KD2ABC")

	u := &types.Update{
		Priority:    types.PriorityHigh,
		Category:    "weather",
		Payload:     []byte("storm warning"),
		Originator:  "W1AW",
		Subscribers: []types.StationID{"KD2ABC"},
	}
	plan, err := s.AdmitUpdate(context.Background(), u)
	require.NoError(t, err)
	require.NotNil(t, plan)
	require.Len(t, plan.Targets, 1)
	assert.Equal(t, types.StationID("KD2ABC"), plan.Targets[0].Station)

	// Stamped with the priority TTL and persisted.
	assert.NotEmpty(t, u.ID)
	stored, err := s.store.GetUpdate(u.ID)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, stored.ExpiresAt.Sub(stored.CreatedAt))

	// And cached locally for later retry fulfillment.
	entry, err := s.cache.Get(u.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PriorityHigh, entry.Priority)

	// Confirming the delivery registers the target as a holder.
	s.router.MarkDeliveryComplete(u.ID, "KD2ABC", true)
	holders, err := s.cache.GetHolders(u.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.StationID{"W1AW", "KD2ABC"}, holders)
}

func TestAdmitUpdateRejectsOversizePayload(t *testing.T) {
	s, _ := newStation(t)

	u := &types.Update{
		Priority:   types.PriorityNormal,
		Category:   "bulk",
		Payload:    make([]byte, MaxPayloadSize+1),
		Originator: "W1AW",
	}
	_, err := s.AdmitUpdate(context.Background(), u)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestAdmitUpdateRejectsUnlicensedOriginator(t *testing.T) {
	s, _ := newStation(t)

	u := &types.Update{
		Priority:   types.PriorityNormal,
		Category:   "chat",
		Payload:    []byte("hi"),
		Originator: "UNLICENSED-001",
	}
	_, err := s.AdmitUpdate(context.Background(), u)
	assert.ErrorIs(t, err, auth.ErrUnlicensed)

	u.Originator = "not a callsign"
	_, err = s.AdmitUpdate(context.Background(), u)
	assert.ErrorIs(t, err, auth.ErrInvalidCallsign)
}

func TestAdmitEmergencyUpdateNeedsConventionID(t *testing.T) {
	s, _ := newStation(t)
	s.hear(t, "KD2ABC")

	u := &types.Update{
		ID:          "just-a-uuid",
		Priority:    types.PriorityEmergency,
		Category:    "emergency",
		Payload:     []byte("evacuate"),
		Originator:  "W1AW",
		Subscribers: []types.StationID{"KD2ABC"},
	}
	_, err := s.AdmitUpdate(context.Background(), u)
	assert.ErrorIs(t, err, ErrBadEmergencyID)

	u.ID = "EMRG-2025-001"
	plan, err := s.AdmitUpdate(context.Background(), u)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, 30*24*time.Hour, u.ExpiresAt.Sub(u.CreatedAt))
}

// A relayed update arrives already stamped; admission must preserve its
// original expiry instead of granting a fresh TTL at every hop.
func TestAdmitRelayedUpdateKeepsOriginalStamps(t *testing.T) {
	s, _ := newStation(t)
	s.hear(t, "KD2ABC")

	created := time.Date(2025, 5, 31, 12, 0, 0, 0, time.UTC)
	u := &types.Update{
		ID:          "EMRG-2025-002",
		Priority:    types.PriorityEmergency, // 30d TTL from the original stamp
		Category:    "emergency",
		Payload:     []byte("shelter info"),
		Originator:  "VE3XYZ",
		Subscribers: []types.StationID{"KD2ABC"},
	}
	u.Stamp(created)

	_, err := s.AdmitUpdate(context.Background(), u)
	require.NoError(t, err)

	stored, err := s.store.GetUpdate(u.ID)
	require.NoError(t, err)
	assert.Equal(t, created, stored.CreatedAt)
	assert.Equal(t, created.Add(30*24*time.Hour), stored.ExpiresAt)
}

func TestAdmitExpiredRelayedUpdateRejected(t *testing.T) {
	s, _ := newStation(t)
	s.hear(t, "KD2ABC")

	u := &types.Update{
		Priority:    types.PriorityRoutine, // 1h TTL
		Category:    "chat",
		Payload:     []byte("stale"),
		Originator:  "VE3XYZ",
		Subscribers: []types.StationID{"KD2ABC"},
	}
	u.Stamp(time.Date(2025, 5, 31, 12, 0, 0, 0, time.UTC))

	_, err := s.AdmitUpdate(context.Background(), u)
	assert.ErrorIs(t, err, ErrUpdateExpired)
}

func TestAdmitUpdateWithNoSubscribersIsNotAnError(t *testing.T) {
	s, _ := newStation(t)

	u := &types.Update{
		Priority:   types.PriorityNormal,
		Category:   "weather",
		Payload:    []byte("calm"),
		Originator: "W1AW",
	}
	plan, err := s.AdmitUpdate(context.Background(), u)
	require.NoError(t, err)
	assert.Nil(t, plan)

	// The update is still admitted and retrievable.
	_, err = s.store.GetUpdate(u.ID)
	assert.NoError(t, err)
}

func TestRegistryMatchesFeedRouting(t *testing.T) {
	s, _ := newStation(t)
	s.hear(t, "VE3XYZ")

	_, err := s.registry.Create(subscription.CreateOptions{
		Subscriber: "VE3XYZ",
		Categories: []string{"weather"},
	})
	require.NoError(t, err)

	u := &types.Update{
		Priority:   types.PriorityNormal,
		Category:   "weather",
		Payload:    []byte("front moving in"),
		Originator: "W1AW",
	}
	plan, err := s.AdmitUpdate(context.Background(), u)
	require.NoError(t, err)
	require.NotNil(t, plan)
	require.Len(t, plan.Targets, 1)
	assert.Equal(t, types.StationID("VE3XYZ"), plan.Targets[0].Station)
}

func TestSweepDropsExpiredState(t *testing.T) {
	s, advance := newStation(t)
	s.hear(t, "KD2ABC")

	u := &types.Update{
		Priority:    types.PriorityRoutine, // 1h TTL
		Category:    "chat",
		Payload:     []byte("x"),
		Originator:  "W1AW",
		Subscribers: []types.StationID{"KD2ABC"},
	}
	_, err := s.AdmitUpdate(context.Background(), u)
	require.NoError(t, err)

	_, err = s.retry.RequestRetry(context.Background(), u.ID, 1, "KD2ABC", nil)
	require.NoError(t, err)

	advance(time.Duration(s.cfg.Retry.RetentionHours)*time.Hour + time.Hour)
	s.Sweep()

	_, err = s.cache.Get(u.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	pending, err := s.retry.PendingRequests(u.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHearBeaconFeedsModem(t *testing.T) {
	s, _ := newStation(t)

	err := s.HearBeacon(&types.BeaconPath{Station: "KD2ABC", SignalStrength: 40}, "band-0")
	require.NoError(t, err)

	assert.True(t, s.beacons.Fresh("KD2ABC", time.Minute))
	// A 40 dB sample initializes the channel at the top profile.
	assert.NotEqual(t, "BPSK", string(s.modem.CurrentScheme("band-0")))
}

// The configured retry window range must reach the coordinator; a
// narrowed range bounds every assigned window.
func TestRetryWindowConfigReachesCoordinator(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Callsign = "W1AW"
	cfg.Retry.WindowMinSec = 1
	cfg.Retry.WindowMaxSec = 2
	require.NoError(t, cfg.Validate())

	s, err := New(cfg, Dependencies{Store: store.NewMemoryStore()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	s.hear(t, "KD2ABC")

	u := &types.Update{
		Priority:    types.PriorityNormal,
		Category:    "weather",
		Payload:     []byte("x"),
		Originator:  "W1AW",
		Subscribers: []types.StationID{"KD2ABC"},
	}
	_, err = s.AdmitUpdate(context.Background(), u)
	require.NoError(t, err)

	req, err := s.retry.RequestRetry(context.Background(), u.ID, 1, "KD2ABC", nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, req.CoordinationWindow, 1)
	assert.LessOrEqual(t, req.CoordinationWindow, 2)
}

func TestStartStop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Callsign = "W1AW"

	s, err := New(cfg, Dependencies{Store: store.NewMemoryStore()}, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, s.Start())
	s.Stop()
}
