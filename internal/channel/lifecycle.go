package channel

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/machinepay/channeld/internal/ledger"
	"github.com/machinepay/channeld/internal/metrics"
)

// Settler finalizes a closing channel's balances on the external settlement
// ledger. Called exactly once per settle attempt, outside the channel lock.
type Settler interface {
	SettleChannel(ctx context.Context, ch *Channel) error
}

// StreamHooks is satisfied by the stream accrual engine. Decoupled here so
// the controller stays free of a stream package dependency.
type StreamHooks interface {
	// OnChannelPausing flushes and force-pauses the channel's running
	// streams. Called while the channel is still Active.
	OnChannelPausing(ctx context.Context, channelID string) error
	// OnChannelResumed reactivates streams that were force-paused by the
	// channel pause. Streams paused or stopped by their owner stay that way.
	OnChannelResumed(ctx context.Context, channelID string) error
	// OnChannelClosing force-stops all of the channel's streams.
	OnChannelClosing(ctx context.Context, channelID string) error
}

// Events receives fire-and-forget lifecycle notifications.
type Events interface {
	ChannelOpened(ctx context.Context, ch *Channel)
	ChannelUpdated(ctx context.Context, ch *Channel)
	ChannelClosed(ctx context.Context, ch *Channel)
}

// Controller orchestrates the channel state machine:
//
//	Pending --confirm--> Active
//	Active  --pause----> Paused
//	Paused  --resume---> Active
//	Active|Paused --close--> Closing
//	Closing --settle---> Closed (terminal)
//
// Repeating an already-applied transition is a no-op success; every other
// illegal move returns ErrInvalidTransition.
type Controller struct {
	store   *Store
	settler Settler
	streams StreamHooks
	events  Events
	log     *zap.Logger
	now     func() time.Time
}

func NewController(store *Store, settler Settler, streams StreamHooks, events Events, log *zap.Logger) *Controller {
	return &Controller{
		store:   store,
		settler: settler,
		streams: streams,
		events:  events,
		log:     log,
		now:     time.Now,
	}
}

// Open creates a channel funded entirely by the local side, in state Pending.
// challengePeriodSec is advisory metadata for the settlement collaborator.
func (c *Controller) Open(ctx context.Context, peer string, deposit *big.Int, challengePeriodSec int64) (*Channel, error) {
	if !common.IsHexAddress(peer) {
		return nil, fmt.Errorf("%w: peer %q is not a valid address", ledger.ErrInvalidInput, peer)
	}
	if err := ledger.RequirePositive(deposit); err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}
	if challengePeriodSec < 0 {
		return nil, fmt.Errorf("%w: negative challenge period", ledger.ErrInvalidInput)
	}

	ch := &Channel{
		ID:                 ledger.NewID(ledger.PrefixChannel),
		Peer:               common.HexToAddress(peer),
		State:              StatePending,
		Capacity:           new(big.Int).Set(deposit),
		LocalBalance:       new(big.Int).Set(deposit),
		RemoteBalance:      big.NewInt(0),
		OpenedAt:           c.now().Unix(),
		ChallengePeriodSec: challengePeriodSec,
	}
	if err := c.store.Create(ctx, ch); err != nil {
		return nil, err
	}
	c.log.Info("channel opened",
		zap.String("channel", ch.ID),
		zap.String("peer", ch.Peer.Hex()),
		zap.String("deposit", deposit.String()),
	)
	c.events.ChannelOpened(ctx, ch)
	return ch, nil
}

// Confirm moves a Pending channel to Active.
func (c *Controller) Confirm(ctx context.Context, id string) (*Channel, error) {
	ch, err := c.store.update(ctx, id, func(ch *Channel) error {
		switch ch.State {
		case StatePending:
			ch.State = StateActive
			return nil
		case StateActive, StatePaused:
			return nil // already confirmed
		default:
			return transitionErr("confirm", ch.State)
		}
	})
	if err != nil {
		return nil, err
	}
	c.events.ChannelUpdated(ctx, ch)
	return ch, nil
}

// TopUp increases capacity and local balance together. Partial application
// would break the capacity invariant, so both move in one locked write.
func (c *Controller) TopUp(ctx context.Context, id string, amount *big.Int) (*Channel, error) {
	if err := ledger.RequirePositive(amount); err != nil {
		return nil, err
	}
	ch, err := c.store.update(ctx, id, func(ch *Channel) error {
		if ch.State != StateActive && ch.State != StatePaused {
			return transitionErr("topup", ch.State)
		}
		ch.Capacity.Add(ch.Capacity, amount)
		ch.LocalBalance.Add(ch.LocalBalance, amount)
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.log.Info("channel topped up", zap.String("channel", id), zap.String("amount", amount.String()))
	c.events.ChannelUpdated(ctx, ch)
	return ch, nil
}

// Pause suspends an Active channel. Running streams are flushed and
// force-paused first, while transfers are still legal. The lifecycle lock is
// held across the hook and the transition so no stream can attach between
// the two.
func (c *Controller) Pause(ctx context.Context, id string) (*Channel, error) {
	defer c.store.LockLifecycle(id)()

	cur, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, fmt.Errorf("%w: channel %s", ledger.ErrNotFound, id)
	}
	if cur.State == StatePaused {
		return cur, nil // idempotent repeat
	}
	if cur.State != StateActive {
		return nil, transitionErr("pause", cur.State)
	}

	if err := c.streams.OnChannelPausing(ctx, id); err != nil {
		return nil, err
	}
	ch, err := c.store.update(ctx, id, func(ch *Channel) error {
		if ch.State == StatePaused {
			return nil
		}
		if ch.State != StateActive {
			return transitionErr("pause", ch.State)
		}
		ch.State = StatePaused
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.events.ChannelUpdated(ctx, ch)
	return ch, nil
}

// Resume reactivates a Paused channel and the streams its pause suspended.
func (c *Controller) Resume(ctx context.Context, id string) (*Channel, error) {
	defer c.store.LockLifecycle(id)()

	ch, err := c.store.update(ctx, id, func(ch *Channel) error {
		switch ch.State {
		case StatePaused:
			ch.State = StateActive
			return nil
		case StateActive:
			return nil // idempotent repeat
		default:
			return transitionErr("resume", ch.State)
		}
	})
	if err != nil {
		return nil, err
	}
	if err := c.streams.OnChannelResumed(ctx, id); err != nil {
		return nil, err
	}
	c.events.ChannelUpdated(ctx, ch)
	return ch, nil
}

// Close moves an Active or Paused channel to Closing and force-stops its
// streams. Close itself never touches balances.
func (c *Controller) Close(ctx context.Context, id string) (*Channel, error) {
	defer c.store.LockLifecycle(id)()

	ch, err := c.store.update(ctx, id, func(ch *Channel) error {
		switch ch.State {
		case StateActive, StatePaused:
			ch.State = StateClosing
			return nil
		case StateClosing:
			return nil // idempotent repeat
		default:
			return transitionErr("close", ch.State)
		}
	})
	if err != nil {
		return nil, err
	}
	if err := c.streams.OnChannelClosing(ctx, id); err != nil {
		return nil, err
	}
	c.log.Info("channel closing", zap.String("channel", id))
	c.events.ChannelUpdated(ctx, ch)
	return ch, nil
}

// Settle invokes the settlement collaborator with the final balances and, on
// success, archives the channel as Closed. The collaborator call happens
// outside the channel lock so a slow settlement never blocks other channel
// operations. On failure the channel stays Closing and settle may be retried
// by the caller.
func (c *Controller) Settle(ctx context.Context, id string) (*Channel, error) {
	l := c.store.mu(id)

	l.Lock()
	cur, err := c.store.load(ctx, liveKey(id))
	if err != nil {
		l.Unlock()
		return nil, err
	}
	if cur == nil {
		l.Unlock()
		// Already archived means settle was already applied.
		archived, aerr := c.store.load(ctx, archiveKey(id))
		if aerr != nil {
			return nil, aerr
		}
		if archived != nil && archived.State == StateClosed {
			return archived, nil
		}
		return nil, fmt.Errorf("%w: channel %s", ledger.ErrNotFound, id)
	}
	if cur.State != StateClosing {
		l.Unlock()
		return nil, transitionErr("settle", cur.State)
	}
	snapshot := cur.clone()
	l.Unlock()

	if err := c.settler.SettleChannel(ctx, snapshot); err != nil {
		metrics.Settlements.WithLabelValues("failure").Inc()
		c.log.Warn("settlement failed, channel stays closing",
			zap.String("channel", id), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ledger.ErrSettlementFailure, err)
	}

	l.Lock()
	defer l.Unlock()
	// A concurrent settle may have archived the record while the collaborator
	// call was in flight; that repeat is a no-op success like any other.
	if live, lerr := c.store.load(ctx, liveKey(id)); lerr != nil {
		return nil, lerr
	} else if live == nil {
		archived, aerr := c.store.load(ctx, archiveKey(id))
		if aerr != nil {
			return nil, aerr
		}
		if archived != nil && archived.State == StateClosed {
			return archived, nil
		}
		return nil, fmt.Errorf("%w: channel %s", ledger.ErrNotFound, id)
	}
	ch, err := c.store.updateLocked(ctx, id, func(ch *Channel) error {
		if ch.State != StateClosing {
			return transitionErr("settle", ch.State)
		}
		ch.State = StateClosed
		ch.ClosedAt = c.now().Unix()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := c.store.archiveLocked(ctx, id); err != nil {
		return nil, err
	}
	metrics.Settlements.WithLabelValues("success").Inc()
	c.log.Info("channel settled",
		zap.String("channel", id),
		zap.String("local", ch.LocalBalance.String()),
		zap.String("remote", ch.RemoteBalance.String()),
	)
	c.events.ChannelClosed(ctx, ch)
	return ch, nil
}

// Micropay moves amount from the local to the remote balance of an Active
// channel.
func (c *Controller) Micropay(ctx context.Context, id string, amount *big.Int) (*Channel, error) {
	ch, err := c.store.ApplyTransfer(ctx, id, amount)
	if err != nil {
		return nil, err
	}
	metrics.Micropayments.Inc()
	c.events.ChannelUpdated(ctx, ch)
	return ch, nil
}

func transitionErr(op string, from State) error {
	return fmt.Errorf("%w: %s from state %s", ledger.ErrInvalidTransition, op, from)
}
