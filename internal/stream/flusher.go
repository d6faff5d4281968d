package stream

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/machinepay/channeld/internal/ledger"
)

// RunFlusher periodically sweeps all streams and flushes the running ones,
// bounding how much unflushed accrual a crash or abrupt close can lose.
// Flush-on-demand still yields the same instantaneous balances between sweeps.
func (e *Engine) RunFlusher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.Info("stream flusher started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			e.log.Info("stream flusher stopped")
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Engine) sweep(ctx context.Context) {
	streams, err := e.store.ListAll(ctx)
	if err != nil {
		e.log.Error("flusher: list streams", zap.Error(err))
		return
	}
	for _, st := range streams {
		if !st.Running() {
			continue
		}
		if _, _, err := e.Flush(ctx, st.ID); err != nil {
			// Underfunded streams are already stopped and logged by Flush.
			if !errors.Is(err, ledger.ErrUnderfundedStream) {
				e.log.Error("flusher: flush", zap.String("stream", st.ID), zap.Error(err))
			}
		}
	}
}
