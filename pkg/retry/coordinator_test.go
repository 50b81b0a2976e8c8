package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"airmesh/pkg/auth"
	"airmesh/pkg/metrics"
	"airmesh/pkg/store"
	"airmesh/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeHolders struct {
	holders map[types.UpdateID][]types.StationID
}

func (f *fakeHolders) GetHolders(id types.UpdateID) ([]types.StationID, error) {
	return f.holders[id], nil
}

// seqRand plays back a fixed draw sequence.
type seqRand struct {
	vals []int
	i    int
}

func (r *seqRand) Intn(n int) int {
	v := r.vals[r.i%len(r.vals)]
	r.i++
	return v % n
}

type fixture struct {
	coord   *Coordinator
	store   store.Store
	holders *fakeHolders
	advance func(time.Duration)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := store.NewMemoryStore()
	f := &fixture{
		store:   st,
		holders: &fakeHolders{holders: make(map[types.UpdateID][]types.StationID)},
	}
	f.coord = NewCoordinator(st, f.holders, auth.NewCallsignValidator(),
		auth.AcceptAllVerifier{}, Config{}, metrics.New(), zaptest.NewLogger(t))
	t.Cleanup(f.coord.Stop)

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	f.coord.SetClock(func() time.Time { return now })
	f.advance = func(d time.Duration) { now = now.Add(d) }
	return f
}

func (f *fixture) putUpdate(t *testing.T, id types.UpdateID, p types.Priority) *types.Update {
	t.Helper()
	u := &types.Update{ID: id, Priority: p, Category: "weather", Payload: []byte("x"), Originator: "W1AW"}
	u.Stamp(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, f.store.PutUpdate(u))
	return u
}

func TestRequestRetryAssignsWindowInRange(t *testing.T) {
	f := newFixture(t)
	f.putUpdate(t, "u1", types.PriorityNormal)

	req, err := f.coord.RequestRetry(context.Background(), "u1", 1, "KD2ABC", nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, req.CoordinationWindow, DefaultWindowMinSec)
	assert.LessOrEqual(t, req.CoordinationWindow, DefaultWindowMaxSec)
	assert.False(t, req.Fulfilled)
	assert.NotEmpty(t, req.ID)
}

// The window range is an operator knob, not a constant: a narrowed
// range must bound every draw.
func TestConfiguredWindowRange(t *testing.T) {
	st := store.NewMemoryStore()
	holders := &fakeHolders{holders: make(map[types.UpdateID][]types.StationID)}
	coord := NewCoordinator(st, holders, auth.NewCallsignValidator(),
		auth.AcceptAllVerifier{}, Config{WindowMinSec: 1, WindowMaxSec: 2},
		metrics.New(), zaptest.NewLogger(t))
	t.Cleanup(coord.Stop)

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	coord.SetClock(func() time.Time { return now })
	coord.SetRand(&seqRand{vals: []int{0, 1}})

	u := &types.Update{ID: "u1", Priority: types.PriorityNormal, Category: "weather",
		Payload: []byte("x"), Originator: "W1AW"}
	u.Stamp(now)
	require.NoError(t, st.PutUpdate(u))

	first, err := coord.RequestRetry(context.Background(), "u1", 1, "KD2ABC", nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, first.CoordinationWindow, 1)
	assert.LessOrEqual(t, first.CoordinationWindow, 2)

	// The second requester gets the only other slot in the range.
	second, err := coord.RequestRetry(context.Background(), "u1", 1, "VE3XYZ", nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, second.CoordinationWindow, 1)
	assert.LessOrEqual(t, second.CoordinationWindow, 2)
	assert.NotEqual(t, first.CoordinationWindow, second.CoordinationWindow)
}

func TestUnlicensedRequesterRejected(t *testing.T) {
	f := newFixture(t)
	f.putUpdate(t, "u1", types.PriorityNormal)

	_, err := f.coord.RequestRetry(context.Background(), "u1", 1, "UNLICENSED-001", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, auth.ErrUnlicensed)
	assert.Contains(t, err.Error(), "unlicensed")

	_, err = f.coord.RequestRetry(context.Background(), "u1", 1, "not a callsign", nil)
	assert.ErrorIs(t, err, auth.ErrInvalidCallsign)
}

// Two stations missing the same update must end up with distinct
// coordination windows.
func TestConcurrentRequestersGetDistinctWindows(t *testing.T) {
	f := newFixture(t)
	f.putUpdate(t, "u1", types.PriorityNormal)
	f.coord.SetRand(&seqRand{vals: []int{5, 5, 7}})

	first, err := f.coord.RequestRetry(context.Background(), "u1", 1, "KD2ABC", nil)
	require.NoError(t, err)
	assert.Equal(t, 15, first.CoordinationWindow)

	second, err := f.coord.RequestRetry(context.Background(), "u1", 1, "VE3XYZ", nil)
	require.NoError(t, err)
	assert.Equal(t, 17, second.CoordinationWindow)
	assert.NotEqual(t, first.CoordinationWindow, second.CoordinationWindow)
}

// A randomness source that keeps landing on a taken window exhausts the
// draw budget; the jittered result still lands inside the range and off
// the taken slot.
func TestWindowJitterAfterDrawBudget(t *testing.T) {
	f := newFixture(t)
	f.putUpdate(t, "u1", types.PriorityNormal)
	f.coord.SetRand(&seqRand{vals: []int{5}})

	first, err := f.coord.RequestRetry(context.Background(), "u1", 1, "KD2ABC", nil)
	require.NoError(t, err)
	assert.Equal(t, 15, first.CoordinationWindow)

	second, err := f.coord.RequestRetry(context.Background(), "u1", 1, "VE3XYZ", nil)
	require.NoError(t, err)
	assert.Equal(t, 21, second.CoordinationWindow)
	assert.GreaterOrEqual(t, second.CoordinationWindow, DefaultWindowMinSec)
	assert.LessOrEqual(t, second.CoordinationWindow, DefaultWindowMaxSec)
}

func TestDuplicatePendingRequestRejected(t *testing.T) {
	f := newFixture(t)
	f.putUpdate(t, "u1", types.PriorityNormal)

	_, err := f.coord.RequestRetry(context.Background(), "u1", 1, "KD2ABC", nil)
	require.NoError(t, err)

	_, err = f.coord.RequestRetry(context.Background(), "u1", 1, "KD2ABC", nil)
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	// A different update is a fresh slate.
	f.putUpdate(t, "u2", types.PriorityNormal)
	_, err = f.coord.RequestRetry(context.Background(), "u2", 1, "KD2ABC", nil)
	assert.NoError(t, err)
}

func TestUnknownAndExpiredUpdatesRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.RequestRetry(context.Background(), "missing", 1, "KD2ABC", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)

	f.putUpdate(t, "u1", types.PriorityNormal) // 1h TTL
	f.advance(2 * time.Hour)
	_, err = f.coord.RequestRetry(context.Background(), "u1", 1, "KD2ABC", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRateLimitPerRequester(t *testing.T) {
	f := newFixture(t)
	updateID := func(i int) types.UpdateID { return types.UpdateID(fmt.Sprintf("u%d", i)) }
	for i := 0; i < 10; i++ {
		f.putUpdate(t, updateID(i), types.PriorityNormal)
	}

	budget := DefaultRequestsPerMinute
	for i := 0; i < budget; i++ {
		_, err := f.coord.RequestRetry(context.Background(), updateID(i), 1, "KD2ABC", nil)
		require.NoError(t, err, "request %d", i)
	}

	_, err := f.coord.RequestRetry(context.Background(), updateID(budget), 1, "KD2ABC", nil)
	assert.ErrorIs(t, err, ErrRateLimited)

	// Other requesters have their own bucket.
	_, err = f.coord.RequestRetry(context.Background(), updateID(0), 1, "VE3XYZ", nil)
	assert.NoError(t, err)

	// The bucket refills over time.
	f.advance(time.Minute)
	_, err = f.coord.RequestRetry(context.Background(), updateID(budget), 1, "KD2ABC", nil)
	assert.NoError(t, err)
}

func TestFulfillRetryOnce(t *testing.T) {
	f := newFixture(t)
	f.putUpdate(t, "u1", types.PriorityNormal)

	req, err := f.coord.RequestRetry(context.Background(), "u1", 1, "KD2ABC", nil)
	require.NoError(t, err)

	require.NoError(t, f.coord.FulfillRetry(req.ID, "VE3XYZ", types.ModeRF))

	got, err := f.store.GetRetryRequest(req.ID)
	require.NoError(t, err)
	assert.True(t, got.Fulfilled)
	assert.Equal(t, types.StationID("VE3XYZ"), got.Fulfiller)
	assert.Equal(t, types.ModeRF, got.Mode)

	// Second fulfiller loses.
	err = f.coord.FulfillRetry(req.ID, "N0CALL", types.ModeWebRTC)
	assert.ErrorIs(t, err, ErrAlreadyFulfilled)
	got, _ = f.store.GetRetryRequest(req.ID)
	assert.Equal(t, types.StationID("VE3XYZ"), got.Fulfiller)
}

func TestFulfillRequiresLicense(t *testing.T) {
	f := newFixture(t)
	f.putUpdate(t, "u1", types.PriorityNormal)

	req, err := f.coord.RequestRetry(context.Background(), "u1", 1, "KD2ABC", nil)
	require.NoError(t, err)

	err = f.coord.FulfillRetry(req.ID, "UNLICENSED-002", types.ModeWebRTC)
	assert.ErrorIs(t, err, auth.ErrUnlicensed)

	err = f.coord.FulfillRetry("missing", "VE3XYZ", types.ModeRF)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFindHoldersFiltersUnlicensed(t *testing.T) {
	f := newFixture(t)
	f.holders.holders["u1"] = []types.StationID{"KD2ABC", "UNLICENSED-001", "VE3XYZ"}

	holders, err := f.coord.FindHolders("u1")
	require.NoError(t, err)
	assert.Equal(t, []types.StationID{"KD2ABC", "VE3XYZ"}, holders)
}

func TestWindowNotificationGuards(t *testing.T) {
	f := newFixture(t)
	f.putUpdate(t, "u1", types.PriorityNormal)

	req, err := f.coord.RequestRetry(context.Background(), "u1", 1, "KD2ABC", nil)
	require.NoError(t, err)

	var fired []*types.RetryRequest
	f.coord.SetNotifier(NotifierFunc(func(r *types.RetryRequest) { fired = append(fired, r) }))

	f.coord.fireWindow(req.ID)
	require.Len(t, fired, 1)
	assert.Equal(t, req.ID, fired[0].ID)

	// Fulfilled meanwhile: no notification.
	require.NoError(t, f.coord.FulfillRetry(req.ID, "VE3XYZ", types.ModeRF))
	f.coord.fireWindow(req.ID)
	assert.Len(t, fired, 1)

	// Missing request: no notification.
	f.coord.fireWindow("missing")
	assert.Len(t, fired, 1)

	// Update expired meanwhile: no notification.
	f.putUpdate(t, "u2", types.PriorityNormal)
	req2, err := f.coord.RequestRetry(context.Background(), "u2", 1, "KD2ABC", nil)
	require.NoError(t, err)
	f.advance(2 * time.Hour)
	f.coord.fireWindow(req2.ID)
	assert.Len(t, fired, 1)
}

func TestCleanup(t *testing.T) {
	f := newFixture(t)
	f.putUpdate(t, "u1", types.PriorityEmergency) // 30d TTL survives the advances below

	fulfilled, err := f.coord.RequestRetry(context.Background(), "u1", 1, "KD2ABC", nil)
	require.NoError(t, err)
	require.NoError(t, f.coord.FulfillRetry(fulfilled.ID, "VE3XYZ", types.ModeRF))

	stale, err := f.coord.RequestRetry(context.Background(), "u1", 1, "N0CALL", nil)
	require.NoError(t, err)

	f.advance(3 * time.Hour)
	fresh, err := f.coord.RequestRetry(context.Background(), "u1", 1, "G0XYZ", nil)
	require.NoError(t, err)

	removed, err := f.coord.Cleanup(2 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed) // the fulfilled one and the stale one

	_, err = f.store.GetRetryRequest(stale.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.store.GetRetryRequest(fresh.ID)
	assert.NoError(t, err)
}
