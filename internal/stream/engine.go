package stream

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/machinepay/channeld/internal/channel"
	"github.com/machinepay/channeld/internal/ledger"
	"github.com/machinepay/channeld/internal/metrics"
)

// Events receives fire-and-forget stream notifications.
type Events interface {
	StreamStarted(ctx context.Context, st *Stream)
	StreamStopped(ctx context.Context, st *Stream)
}

// Engine applies lazy stream accrual to channel balances. Value moves only at
// flush time, through the channel store's capacity-preserving transfer, so
// there is no per-stream timer and the balance invariant cannot be broken by
// accrual.
type Engine struct {
	store    *Store
	channels *channel.Store
	events   Events
	log      *zap.Logger
	now      func() time.Time
}

func NewEngine(store *Store, channels *channel.Store, events Events, log *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		channels: channels,
		events:   events,
		log:      log,
		now:      time.Now,
	}
}

// Start opens a stream at rate value per second against an Active channel.
// The channel's lifecycle lock is held from the state check through the index
// insert, so a racing pause or close either sees the new stream in its hook
// or the check here rejects the stale state.
func (e *Engine) Start(ctx context.Context, channelID string, rate *big.Int) (*Stream, error) {
	if err := ledger.RequirePositive(rate); err != nil {
		return nil, fmt.Errorf("rate: %w", err)
	}

	defer e.channels.LockLifecycle(channelID)()

	ch, err := e.channels.Get(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, fmt.Errorf("%w: channel %s", ledger.ErrNotFound, channelID)
	}
	if ch.State != channel.StateActive {
		return nil, fmt.Errorf("%w: stream requires active channel, state is %s",
			ledger.ErrInvalidTransition, ch.State)
	}

	now := e.now().Unix()
	st := &Stream{
		ID:         ledger.NewID(ledger.PrefixStream),
		ChannelID:  channelID,
		RatePerSec: new(big.Int).Set(rate),
		StartedAt:  now,
		AccrueFrom: now,
	}
	if err := e.store.Create(ctx, st); err != nil {
		return nil, err
	}
	e.log.Info("stream started",
		zap.String("stream", st.ID),
		zap.String("channel", channelID),
		zap.String("rate_per_sec", rate.String()),
	)
	e.events.StreamStarted(ctx, st)
	return st, nil
}

// Get returns a stream by id.
func (e *Engine) Get(ctx context.Context, id string) (*Stream, error) {
	st, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("%w: stream %s", ledger.ErrNotFound, id)
	}
	return st, nil
}

// Flush moves the stream's accrued value into the channel's remote balance
// and advances the watermark. The transfer is clamped at the channel's local
// balance; when accrual exceeds it the stream auto-stops and
// ErrUnderfundedStream is returned rather than truncating silently.
func (e *Engine) Flush(ctx context.Context, id string) (*Stream, *big.Int, error) {
	moved := big.NewInt(0)
	var underfunded bool

	st, err := e.store.update(ctx, id, func(st *Stream) error {
		if !st.Running() {
			return nil // paused or stopped streams owe nothing
		}
		now := e.now().Unix()
		accrued := st.Accrued(now)
		if accrued.Sign() == 0 {
			return nil
		}
		m, _, err := e.channels.TransferUpTo(ctx, st.ChannelID, accrued)
		if err != nil {
			return err
		}
		moved.Set(m)
		st.AccrueFrom = now
		if m.Cmp(accrued) < 0 {
			underfunded = true
			st.StoppedAt = now
			st.StopReason = StopReasonUnderfunded
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if moved.Sign() > 0 {
		metrics.StreamFlushes.Inc()
	}
	if underfunded {
		metrics.UnderfundedStreams.Inc()
		e.log.Warn("stream underfunded, auto-stopped",
			zap.String("stream", id),
			zap.String("channel", st.ChannelID),
			zap.String("moved", moved.String()),
		)
		e.events.StreamStopped(ctx, st)
		return st, moved, fmt.Errorf("%w: stream %s", ledger.ErrUnderfundedStream, id)
	}
	return st, moved, nil
}

// Pause suspends accrual. Accrued value up to the pause instant is flushed
// first, so the paused interval is excluded exactly.
func (e *Engine) Pause(ctx context.Context, id string) (*Stream, error) {
	cur, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.StoppedAt != 0 {
		return nil, fmt.Errorf("%w: pause on stopped stream", ledger.ErrInvalidTransition)
	}
	if cur.Paused {
		return cur, nil // idempotent repeat
	}
	if _, _, err := e.Flush(ctx, id); err != nil {
		return nil, err
	}
	return e.store.update(ctx, id, func(st *Stream) error {
		if st.StoppedAt != 0 {
			return fmt.Errorf("%w: pause on stopped stream", ledger.ErrInvalidTransition)
		}
		st.Paused = true
		return nil
	})
}

// Resume lifts an owner pause. If the channel pause is also lifted the
// watermark resets to now so the paused interval never accrues.
func (e *Engine) Resume(ctx context.Context, id string) (*Stream, error) {
	return e.store.update(ctx, id, func(st *Stream) error {
		if st.StoppedAt != 0 {
			return fmt.Errorf("%w: resume on stopped stream", ledger.ErrInvalidTransition)
		}
		if !st.Paused {
			return nil // idempotent repeat
		}
		st.Paused = false
		if st.Running() {
			st.AccrueFrom = e.now().Unix()
		}
		return nil
	})
}

// Stop flushes outstanding accrual and ends the stream. Stopped streams stay
// stopped; a later channel resume does not revive them.
func (e *Engine) Stop(ctx context.Context, id string) (*Stream, error) {
	st, _, err := e.Flush(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrUnderfundedStream) {
			return st, nil // flush already stopped it
		}
		return nil, err
	}
	var stopped bool
	st, err = e.store.update(ctx, id, func(st *Stream) error {
		if st.StoppedAt != 0 {
			return nil // idempotent repeat
		}
		st.StoppedAt = e.now().Unix()
		st.StopReason = StopReasonOwner
		stopped = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if stopped {
		e.log.Info("stream stopped", zap.String("stream", id))
		e.events.StreamStopped(ctx, st)
	}
	return st, nil
}

// ListByChannel returns a channel's streams.
func (e *Engine) ListByChannel(ctx context.Context, channelID string) ([]Stream, error) {
	return e.store.ListByChannel(ctx, channelID)
}

// ── channel.StreamHooks ──────────────────────────────────────────────────────

// OnChannelPausing flushes running streams and marks every live stream as
// force-paused. Called by the lifecycle controller while the channel is still
// Active, so the flush transfers are legal.
func (e *Engine) OnChannelPausing(ctx context.Context, channelID string) error {
	streams, err := e.store.ListByChannel(ctx, channelID)
	if err != nil {
		return err
	}
	for _, st := range streams {
		if st.StoppedAt != 0 {
			continue
		}
		if st.Running() {
			if _, _, err := e.Flush(ctx, st.ID); err != nil && !errors.Is(err, ledger.ErrUnderfundedStream) {
				return err
			}
		}
		if _, err := e.store.update(ctx, st.ID, func(st *Stream) error {
			if st.StoppedAt == 0 {
				st.PausedByChannel = true
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// OnChannelResumed lifts the force-pause. Streams paused by their owner stay
// paused; streams stopped for any reason stay stopped.
func (e *Engine) OnChannelResumed(ctx context.Context, channelID string) error {
	streams, err := e.store.ListByChannel(ctx, channelID)
	if err != nil {
		return err
	}
	for _, st := range streams {
		if st.StoppedAt != 0 || !st.PausedByChannel {
			continue
		}
		if _, err := e.store.update(ctx, st.ID, func(st *Stream) error {
			st.PausedByChannel = false
			if st.Running() {
				st.AccrueFrom = e.now().Unix()
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// OnChannelClosing force-stops all live streams. Close never moves balances,
// so there is no flush here; callers flush before closing if they want the
// tail interval billed.
func (e *Engine) OnChannelClosing(ctx context.Context, channelID string) error {
	streams, err := e.store.ListByChannel(ctx, channelID)
	if err != nil {
		return err
	}
	for _, st := range streams {
		if st.StoppedAt != 0 {
			continue
		}
		stopped, err := e.store.update(ctx, st.ID, func(st *Stream) error {
			if st.StoppedAt != 0 {
				return nil
			}
			st.StoppedAt = e.now().Unix()
			st.StopReason = StopReasonChannel
			return nil
		})
		if err != nil {
			return err
		}
		e.events.StreamStopped(ctx, stopped)
	}
	return nil
}
