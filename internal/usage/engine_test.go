package usage

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/machinepay/channeld/internal/channel"
	"github.com/machinepay/channeld/internal/device"
	"github.com/machinepay/channeld/internal/ledger"
	"github.com/machinepay/channeld/internal/meter"
)

type nopEvents struct {
	mu      sync.Mutex
	charges []*Charge
}

func (n *nopEvents) UsageCharged(_ context.Context, c *Charge) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.charges = append(n.charges, c)
}

func (n *nopEvents) chargeCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.charges)
}

type testRig struct {
	engine   *Engine
	channels *channel.Store
	meters   *meter.Store
	devices  *device.Registry
	events   *nopEvents
	clock    int64
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	channels := channel.NewStore(rdb)
	meters := meter.NewStore(rdb)
	devices := device.NewRegistry(rdb, zap.NewNop())
	events := &nopEvents{}
	e := NewEngine(rdb, channels, meters, devices, events, zap.NewNop())
	rig := &testRig{engine: e, channels: channels, meters: meters, devices: devices, events: events, clock: 1_700_000_000}
	e.now = func() time.Time { return time.Unix(rig.clock, 0) }
	return rig
}

func (r *testRig) newActiveChannel(t *testing.T, capacity, local int64) *channel.Channel {
	t.Helper()
	ch := &channel.Channel{
		ID:            ledger.NewID(ledger.PrefixChannel),
		Peer:          common.HexToAddress("0xABCDEF1234567890ABCDEF1234567890ABCDEF12"),
		State:         channel.StateActive,
		Capacity:      big.NewInt(capacity),
		LocalBalance:  big.NewInt(local),
		RemoteBalance: big.NewInt(capacity - local),
		OpenedAt:      r.clock,
	}
	require.NoError(t, r.channels.Create(context.Background(), ch))
	return ch
}

// setup builds a meter priced at price and a device scoped to it with the
// given cap, returning both.
func (r *testRig) setup(t *testing.T, price, cap_ int64) (*meter.Meter, *device.Device) {
	t.Helper()
	ctx := context.Background()
	m, err := r.meters.Create(ctx, "inference", "token", big.NewInt(price))
	require.NoError(t, err)
	d, err := r.devices.Create(ctx, "sensor-a", []string{m.ID}, big.NewInt(cap_))
	require.NoError(t, err)
	return m, d
}

func TestRecordUsage(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	ch := rig.newActiveChannel(t, 100, 100)
	m, d := rig.setup(t, 5, 1000)

	c, err := rig.engine.RecordUsage(ctx, d.ID, m.ID, 4, ch.ID)
	require.NoError(t, err)
	assert.True(t, ledger.HasPrefix(c.ID, ledger.PrefixCharge))
	assert.EqualValues(t, 4, c.Units)
	assert.Zero(t, c.Charged.Cmp(big.NewInt(20)))
	assert.Equal(t, rig.clock, c.At)

	chNow, err := rig.channels.Get(ctx, ch.ID)
	require.NoError(t, err)
	assert.Zero(t, chNow.LocalBalance.Cmp(big.NewInt(80)))
	assert.Zero(t, chNow.RemoteBalance.Cmp(big.NewInt(20)))

	require.Equal(t, 1, rig.events.chargeCount())

	history, err := rig.engine.ChargesByChannel(ctx, ch.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, c.ID, history[0].ID)
}

func TestRecordUsage_ScopeViolation(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	ch := rig.newActiveChannel(t, 100, 100)
	_, d := rig.setup(t, 5, 1000)

	other, err := rig.meters.Create(ctx, "storage", "mb", big.NewInt(1))
	require.NoError(t, err)

	_, err = rig.engine.RecordUsage(ctx, d.ID, other.ID, 1, ch.ID)
	assert.ErrorIs(t, err, ledger.ErrScopeViolation)
}

func TestRecordUsage_DisabledDevice(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	ch := rig.newActiveChannel(t, 100, 100)
	m, d := rig.setup(t, 5, 1000)

	_, err := rig.devices.SetEnabled(ctx, d.ID, false)
	require.NoError(t, err)

	_, err = rig.engine.RecordUsage(ctx, d.ID, m.ID, 1, ch.ID)
	assert.ErrorIs(t, err, ledger.ErrScopeViolation)
}

func TestRecordUsage_InvalidUnits(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	ch := rig.newActiveChannel(t, 100, 100)
	m, d := rig.setup(t, 5, 1000)

	_, err := rig.engine.RecordUsage(ctx, d.ID, m.ID, 0, ch.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
	_, err = rig.engine.RecordUsage(ctx, d.ID, m.ID, -3, ch.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

func TestRecordUsage_CapExceeded(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	ch := rig.newActiveChannel(t, 1000, 1000)
	m, d := rig.setup(t, 5, 100)

	// Spend 90 of the 100 cap.
	_, err := rig.engine.RecordUsage(ctx, d.ID, m.ID, 18, ch.ID)
	require.NoError(t, err)

	// A charge of 15 would land at 105; rejected with nothing recorded.
	_, err = rig.engine.RecordUsage(ctx, d.ID, m.ID, 3, ch.ID)
	assert.ErrorIs(t, err, ledger.ErrCapExceeded)

	chNow, err := rig.channels.Get(ctx, ch.ID)
	require.NoError(t, err)
	assert.Zero(t, chNow.RemoteBalance.Cmp(big.NewInt(90)))

	history, err := rig.engine.ChargesByChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// A charge of exactly 10 lands at the cap and is allowed.
	_, err = rig.engine.RecordUsage(ctx, d.ID, m.ID, 2, ch.ID)
	assert.NoError(t, err)
}

func TestRecordUsage_InsufficientBalance(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	ch := rig.newActiveChannel(t, 100, 10)
	m, d := rig.setup(t, 5, 1000)

	_, err := rig.engine.RecordUsage(ctx, d.ID, m.ID, 3, ch.ID)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	// The rejection leaves no charge record behind.
	history, err := rig.engine.ChargesByChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRecordUsage_ZeroPricedMeter(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	ch := rig.newActiveChannel(t, 100, 100)

	m, err := rig.meters.Create(ctx, "heartbeat", "ping", big.NewInt(0))
	require.NoError(t, err)
	d, err := rig.devices.Create(ctx, "sensor-a", []string{m.ID}, big.NewInt(100))
	require.NoError(t, err)

	c, err := rig.engine.RecordUsage(ctx, d.ID, m.ID, 7, ch.ID)
	require.NoError(t, err)
	assert.Zero(t, c.Charged.Sign())

	// Audit record exists; balances are untouched.
	chNow, err := rig.channels.Get(ctx, ch.ID)
	require.NoError(t, err)
	assert.Zero(t, chNow.LocalBalance.Cmp(big.NewInt(100)))
	history, err := rig.engine.ChargesByChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestRecordUsage_UnknownChannel(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// Zero-priced meters move no value, so the channel check is the only
	// thing standing between a bad id and an immutable audit record.
	m, err := rig.meters.Create(ctx, "heartbeat", "ping", big.NewInt(0))
	require.NoError(t, err)
	d, err := rig.devices.Create(ctx, "sensor-a", []string{m.ID}, big.NewInt(100))
	require.NoError(t, err)

	_, err = rig.engine.RecordUsage(ctx, d.ID, m.ID, 1, "ch_missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	history, err := rig.engine.ChargesByChannel(ctx, "ch_missing")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRecordUsage_InactiveChannel(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	ch := rig.newActiveChannel(t, 100, 100)
	ch.State = channel.StatePaused
	require.NoError(t, rig.channels.Create(ctx, ch)) // overwrite with the paused state

	m, err := rig.meters.Create(ctx, "heartbeat", "ping", big.NewInt(0))
	require.NoError(t, err)
	d, err := rig.devices.Create(ctx, "sensor-a", []string{m.ID}, big.NewInt(100))
	require.NoError(t, err)

	_, err = rig.engine.RecordUsage(ctx, d.ID, m.ID, 1, ch.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	history, err := rig.engine.ChargesByChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRecordUsage_ConcurrentCapEnforcement(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	ch := rig.newActiveChannel(t, 10000, 10000)
	m, d := rig.setup(t, 10, 100)

	// Ten racing reports of 50 each against a cap of 100: exactly two may
	// land, no interleaving may jointly overshoot.
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := rig.engine.RecordUsage(ctx, d.ID, m.ID, 5, ch.ID); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, succeeded)
	total, err := rig.engine.MonthlyTotal(ctx, d.ID, time.Unix(rig.clock, 0))
	require.NoError(t, err)
	assert.Zero(t, total.Cmp(d.MonthlyCap))
}

func TestMonthlyTotal_RollingWindow(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	ch := rig.newActiveChannel(t, 10000, 10000)
	m, d := rig.setup(t, 5, 1000)

	// Charge 50, then step past the 30-day window and charge 25 more.
	_, err := rig.engine.RecordUsage(ctx, d.ID, m.ID, 10, ch.ID)
	require.NoError(t, err)

	rig.clock += int64(31 * 24 * time.Hour / time.Second)
	_, err = rig.engine.RecordUsage(ctx, d.ID, m.ID, 5, ch.ID)
	require.NoError(t, err)

	// Only the in-window charge counts.
	total, err := rig.engine.MonthlyTotal(ctx, d.ID, time.Unix(rig.clock, 0))
	require.NoError(t, err)
	assert.Zero(t, total.Cmp(big.NewInt(25)))
}

func TestMonthlyTotal_CapRefreshes(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	ch := rig.newActiveChannel(t, 10000, 10000)
	m, d := rig.setup(t, 1, 100)

	// Exhaust the cap.
	_, err := rig.engine.RecordUsage(ctx, d.ID, m.ID, 100, ch.ID)
	require.NoError(t, err)
	_, err = rig.engine.RecordUsage(ctx, d.ID, m.ID, 1, ch.ID)
	assert.ErrorIs(t, err, ledger.ErrCapExceeded)

	// Old charges age out of the rolling window and room reopens.
	rig.clock += int64(31 * 24 * time.Hour / time.Second)
	_, err = rig.engine.RecordUsage(ctx, d.ID, m.ID, 1, ch.ID)
	assert.NoError(t, err)
}
