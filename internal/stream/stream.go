package stream

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/machinepay/channeld/internal/ledger"
)

// Stop reasons recorded on a stream when it ends.
const (
	StopReasonOwner       = "stopped"
	StopReasonUnderfunded = "underfunded"
	StopReasonChannel     = "channel_closed"
)

// Stream is a continuous payment commitment against one channel: RatePerSec
// value per second while running. Accrual is lazy; AccrueFrom is the
// watermark it is computed from (the later of start, last flush and last
// resume), so paused intervals never accrue.
type Stream struct {
	ID              string
	ChannelID       string
	RatePerSec      *big.Int
	StartedAt       int64
	AccrueFrom      int64
	Paused          bool // paused by the stream's owner
	PausedByChannel bool // force-paused because the channel is paused
	StoppedAt       int64
	StopReason      string
}

// Running reports whether the stream is currently accruing.
func (s *Stream) Running() bool {
	return s.StoppedAt == 0 && !s.Paused && !s.PausedByChannel
}

// Accrued returns the value owed since the watermark at the given instant.
// Zero for paused or stopped streams.
func (s *Stream) Accrued(nowUnix int64) *big.Int {
	if !s.Running() {
		return big.NewInt(0)
	}
	elapsed := nowUnix - s.AccrueFrom
	if elapsed <= 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Mul(s.RatePerSec, big.NewInt(elapsed))
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (s *Stream) toMap() map[string]any {
	return map[string]any{
		"id":                s.ID,
		"channel_id":        s.ChannelID,
		"rate_per_sec":      ledger.FormatAmount(s.RatePerSec),
		"started_at":        s.StartedAt,
		"accrue_from":       s.AccrueFrom,
		"paused":            boolField(s.Paused),
		"paused_by_channel": boolField(s.PausedByChannel),
		"stopped_at":        s.StoppedAt,
		"stop_reason":       s.StopReason,
	}
}

func streamFromMap(m map[string]string) (*Stream, error) {
	rate, err := ledger.ParsePositiveAmount(m["rate_per_sec"])
	if err != nil {
		return nil, fmt.Errorf("rate_per_sec: %w", err)
	}
	startedAt, _ := strconv.ParseInt(m["started_at"], 10, 64)
	accrueFrom, _ := strconv.ParseInt(m["accrue_from"], 10, 64)
	stoppedAt, _ := strconv.ParseInt(m["stopped_at"], 10, 64)
	return &Stream{
		ID:              m["id"],
		ChannelID:       m["channel_id"],
		RatePerSec:      rate,
		StartedAt:       startedAt,
		AccrueFrom:      accrueFrom,
		Paused:          m["paused"] == "1",
		PausedByChannel: m["paused_by_channel"] == "1",
		StoppedAt:       stoppedAt,
		StopReason:      m["stop_reason"],
	}, nil
}
