// Package webhook delivers fire-and-forget event notifications. Delivery
// guarantees are the receiver's problem; failures here are logged and
// dropped.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/machinepay/channeld/internal/channel"
	"github.com/machinepay/channeld/internal/stream"
	"github.com/machinepay/channeld/internal/usage"
)

// Event names on the wire.
const (
	EventChannelOpened  = "channel.opened"
	EventChannelUpdated = "channel.updated"
	EventChannelClosed  = "channel.closed"
	EventStreamStarted  = "stream.started"
	EventStreamStopped  = "stream.stopped"
	EventUsageCharged   = "usage.charged"
)

const deliverTimeout = 10 * time.Second

// Notifier POSTs events to a single configured endpoint. A Notifier with an
// empty URL is a no-op, so callers never need nil checks.
type Notifier struct {
	url  string
	http *http.Client
	log  *zap.Logger
}

func NewNotifier(url string, log *zap.Logger) *Notifier {
	return &Notifier{
		url:  url,
		http: &http.Client{Timeout: deliverTimeout},
		log:  log,
	}
}

type envelope struct {
	Event string `json:"event"`
	At    int64  `json:"at"`
	Data  any    `json:"data"`
}

// emit delivers asynchronously; the caller's request never waits on the
// webhook endpoint.
func (n *Notifier) emit(event string, data any) {
	if n.url == "" {
		return
	}
	body, err := json.Marshal(envelope{Event: event, At: time.Now().Unix(), Data: data})
	if err != nil {
		n.log.Error("webhook marshal", zap.String("event", event), zap.Error(err))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			n.log.Error("webhook request", zap.String("event", event), zap.Error(err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.http.Do(req)
		if err != nil {
			n.log.Warn("webhook delivery failed", zap.String("event", event), zap.Error(err))
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			n.log.Warn("webhook rejected",
				zap.String("event", event),
				zap.Int("status", resp.StatusCode),
			)
		}
	}()
}

type channelPayload struct {
	ID            string `json:"id"`
	Peer          string `json:"peer"`
	State         string `json:"state"`
	Capacity      string `json:"capacity"`
	LocalBalance  string `json:"local_balance"`
	RemoteBalance string `json:"remote_balance"`
}

func channelData(ch *channel.Channel) channelPayload {
	return channelPayload{
		ID:            ch.ID,
		Peer:          ch.Peer.Hex(),
		State:         string(ch.State),
		Capacity:      ch.Capacity.String(),
		LocalBalance:  ch.LocalBalance.String(),
		RemoteBalance: ch.RemoteBalance.String(),
	}
}

// ── channel.Events ───────────────────────────────────────────────────────────

func (n *Notifier) ChannelOpened(_ context.Context, ch *channel.Channel) {
	n.emit(EventChannelOpened, channelData(ch))
}

func (n *Notifier) ChannelUpdated(_ context.Context, ch *channel.Channel) {
	n.emit(EventChannelUpdated, channelData(ch))
}

func (n *Notifier) ChannelClosed(_ context.Context, ch *channel.Channel) {
	n.emit(EventChannelClosed, channelData(ch))
}

// ── stream.Events ────────────────────────────────────────────────────────────

type streamPayload struct {
	ID         string `json:"id"`
	ChannelID  string `json:"channel_id"`
	RatePerSec string `json:"rate_per_sec"`
	StopReason string `json:"stop_reason,omitempty"`
}

func (n *Notifier) StreamStarted(_ context.Context, st *stream.Stream) {
	n.emit(EventStreamStarted, streamPayload{
		ID:         st.ID,
		ChannelID:  st.ChannelID,
		RatePerSec: st.RatePerSec.String(),
	})
}

func (n *Notifier) StreamStopped(_ context.Context, st *stream.Stream) {
	n.emit(EventStreamStopped, streamPayload{
		ID:         st.ID,
		ChannelID:  st.ChannelID,
		RatePerSec: st.RatePerSec.String(),
		StopReason: st.StopReason,
	})
}

// ── usage.Events ─────────────────────────────────────────────────────────────

func (n *Notifier) UsageCharged(_ context.Context, c *usage.Charge) {
	n.emit(EventUsageCharged, c)
}
