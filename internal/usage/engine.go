package usage

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/machinepay/channeld/internal/channel"
	"github.com/machinepay/channeld/internal/device"
	"github.com/machinepay/channeld/internal/ledger"
	"github.com/machinepay/channeld/internal/meter"
	"github.com/machinepay/channeld/internal/metrics"
)

const (
	deviceChargesPrefix  = "usage:device:"  // zset, score = unix ts
	channelChargesPrefix = "usage:channel:" // list, append only

	// capWindow is the trailing window the monthly cap is evaluated over.
	capWindow = 30 * 24 * time.Hour
)

func deviceChargesKey(id string) string  { return deviceChargesPrefix + id }
func channelChargesKey(id string) string { return channelChargesPrefix + id }

// Events receives fire-and-forget metering notifications.
type Events interface {
	UsageCharged(ctx context.Context, c *Charge)
}

// Engine converts metered device usage into channel balance transfers. The
// cap check and the charge are evaluated under the device mutex, so
// concurrent reports from one device are totally ordered; the channel half is
// serialized by the channel store.
type Engine struct {
	rdb      *redis.Client
	channels *channel.Store
	meters   *meter.Store
	devices  *device.Registry
	events   Events
	log      *zap.Logger
	now      func() time.Time
}

func NewEngine(rdb *redis.Client, channels *channel.Store, meters *meter.Store, devices *device.Registry, events Events, log *zap.Logger) *Engine {
	return &Engine{
		rdb:      rdb,
		channels: channels,
		meters:   meters,
		devices:  devices,
		events:   events,
		log:      log,
		now:      time.Now,
	}
}

// RecordUsage bills units of a meter against a channel on behalf of a device:
// scope check, cap check, capacity-preserving transfer, then an immutable
// Charge record. Rejections leave both the charge log and the channel
// untouched.
func (e *Engine) RecordUsage(ctx context.Context, deviceID, meterID string, units int64, channelID string) (*Charge, error) {
	unlock := e.devices.LockDevice(deviceID)
	defer unlock()

	d, err := e.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !d.Enabled {
		return nil, fmt.Errorf("%w: device %s is disabled", ledger.ErrScopeViolation, deviceID)
	}
	if !d.InScope(meterID) {
		return nil, fmt.Errorf("%w: meter %s not in device %s scopes", ledger.ErrScopeViolation, meterID, deviceID)
	}
	if units <= 0 {
		return nil, fmt.Errorf("%w: units must be positive", ledger.ErrInvalidInput)
	}

	m, err := e.meters.Get(ctx, meterID)
	if err != nil {
		return nil, err
	}

	// Every charge record references a real, Active channel, including
	// zero-priced ones that move no value. For priced charges ApplyTransfer
	// re-checks the state atomically with the transfer.
	ch, err := e.channels.Get(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, fmt.Errorf("%w: channel %s", ledger.ErrNotFound, channelID)
	}
	if ch.State != channel.StateActive {
		return nil, fmt.Errorf("%w: usage charge requires active channel, state is %s",
			ledger.ErrInvalidTransition, ch.State)
	}

	now := e.now()
	charged := new(big.Int).Mul(m.PricePerUnit, big.NewInt(units))

	monthTotal, err := e.MonthlyTotal(ctx, deviceID, now)
	if err != nil {
		return nil, err
	}
	if new(big.Int).Add(monthTotal, charged).Cmp(d.MonthlyCap) > 0 {
		return nil, fmt.Errorf("%w: device %s at %s of %s, charge %s",
			ledger.ErrCapExceeded, deviceID, monthTotal, d.MonthlyCap, charged)
	}

	// Zero-priced meters still produce an audit record but move no value.
	if charged.Sign() > 0 {
		if _, err := e.channels.ApplyTransfer(ctx, channelID, charged); err != nil {
			return nil, err
		}
	}

	c := &Charge{
		ID:        ledger.NewID(ledger.PrefixCharge),
		MeterID:   meterID,
		DeviceID:  deviceID,
		ChannelID: channelID,
		Units:     units,
		Charged:   charged,
		At:        now.Unix(),
	}
	if err := e.append(ctx, c); err != nil {
		// The transfer has been applied; a lost audit record is a logged
		// inconsistency, not a silent one.
		e.log.Error("append usage charge", zap.String("charge", c.ID), zap.Error(err))
		return nil, err
	}

	metrics.UsageCharges.Inc()
	e.log.Info("usage charged",
		zap.String("device", deviceID),
		zap.String("meter", meterID),
		zap.Int64("units", units),
		zap.String("charged", charged.String()),
		zap.String("channel", channelID),
	)
	e.events.UsageCharged(ctx, c)
	return c, nil
}

func (e *Engine) append(ctx context.Context, c *Charge) error {
	raw, err := c.encode()
	if err != nil {
		return err
	}
	if err := e.rdb.ZAdd(ctx, deviceChargesKey(c.DeviceID), redis.Z{
		Score:  float64(c.At),
		Member: raw,
	}).Err(); err != nil {
		return err
	}
	return e.rdb.RPush(ctx, channelChargesKey(c.ChannelID), raw).Err()
}

// MonthlyTotal sums a device's charges over the trailing 30 days.
func (e *Engine) MonthlyTotal(ctx context.Context, deviceID string, now time.Time) (*big.Int, error) {
	from := now.Add(-capWindow).Unix()
	raws, err := e.rdb.ZRangeByScore(ctx, deviceChargesKey(deviceID), &redis.ZRangeBy{
		Min: strconv.FormatInt(from, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("device charges %s: %w", deviceID, err)
	}
	total := big.NewInt(0)
	for _, raw := range raws {
		c, err := decodeCharge(raw)
		if err != nil {
			return nil, err
		}
		total.Add(total, c.Charged)
	}
	return total, nil
}

// ChargesByChannel returns a channel's charge history in insertion order.
func (e *Engine) ChargesByChannel(ctx context.Context, channelID string) ([]Charge, error) {
	raws, err := e.rdb.LRange(ctx, channelChargesKey(channelID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("channel charges %s: %w", channelID, err)
	}
	out := make([]Charge, 0, len(raws))
	for _, raw := range raws {
		c, err := decodeCharge(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}
