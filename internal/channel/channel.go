package channel

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/machinepay/channeld/internal/ledger"
)

// State is the channel lifecycle state.
type State string

const (
	StatePending State = "pending"
	StateActive  State = "active"
	StatePaused  State = "paused"
	StateClosing State = "closing"
	StateClosed  State = "closed"
)

// ParseState parses a stored state string.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StatePending, StateActive, StatePaused, StateClosing, StateClosed:
		return State(s), nil
	}
	return "", fmt.Errorf("%w: unknown channel state %q", ledger.ErrInvalidInput, s)
}

// Channel is a bilateral value-locking agreement with a counterparty.
// Capacity is split between the two sides at all times:
// LocalBalance + RemoteBalance == Capacity.
type Channel struct {
	ID                 string
	Peer               common.Address
	State              State
	Capacity           *big.Int
	LocalBalance       *big.Int
	RemoteBalance      *big.Int
	OpenedAt           int64
	ChallengePeriodSec int64
	ClosedAt           int64
}

// checkInvariant enforces the capacity split and non-negativity.
func (c *Channel) checkInvariant() error {
	if c.Capacity == nil || c.LocalBalance == nil || c.RemoteBalance == nil {
		return fmt.Errorf("channel %s: nil balance", c.ID)
	}
	if c.Capacity.Sign() < 0 || c.LocalBalance.Sign() < 0 || c.RemoteBalance.Sign() < 0 {
		return fmt.Errorf("channel %s: negative balance", c.ID)
	}
	sum := new(big.Int).Add(c.LocalBalance, c.RemoteBalance)
	if sum.Cmp(c.Capacity) != 0 {
		return fmt.Errorf("channel %s: local %s + remote %s != capacity %s",
			c.ID, c.LocalBalance, c.RemoteBalance, c.Capacity)
	}
	return nil
}

// clone returns a deep copy safe to hand out after the lock is released.
func (c *Channel) clone() *Channel {
	out := *c
	out.Capacity = new(big.Int).Set(c.Capacity)
	out.LocalBalance = new(big.Int).Set(c.LocalBalance)
	out.RemoteBalance = new(big.Int).Set(c.RemoteBalance)
	return &out
}

func (c *Channel) toMap() map[string]any {
	return map[string]any{
		"id":                   c.ID,
		"peer":                 c.Peer.Hex(),
		"state":                string(c.State),
		"capacity":             ledger.FormatAmount(c.Capacity),
		"local_balance":        ledger.FormatAmount(c.LocalBalance),
		"remote_balance":       ledger.FormatAmount(c.RemoteBalance),
		"opened_at":            c.OpenedAt,
		"challenge_period_sec": c.ChallengePeriodSec,
		"closed_at":            c.ClosedAt,
	}
}

func channelFromMap(m map[string]string) (*Channel, error) {
	state, err := ParseState(m["state"])
	if err != nil {
		return nil, err
	}
	capacity, err := ledger.ParseAmount(m["capacity"])
	if err != nil {
		return nil, fmt.Errorf("capacity: %w", err)
	}
	local, err := ledger.ParseAmount(m["local_balance"])
	if err != nil {
		return nil, fmt.Errorf("local_balance: %w", err)
	}
	remote, err := ledger.ParseAmount(m["remote_balance"])
	if err != nil {
		return nil, fmt.Errorf("remote_balance: %w", err)
	}
	openedAt, _ := strconv.ParseInt(m["opened_at"], 10, 64)
	challenge, _ := strconv.ParseInt(m["challenge_period_sec"], 10, 64)
	closedAt, _ := strconv.ParseInt(m["closed_at"], 10, 64)

	ch := &Channel{
		ID:                 m["id"],
		Peer:               common.HexToAddress(m["peer"]),
		State:              state,
		Capacity:           capacity,
		LocalBalance:       local,
		RemoteBalance:      remote,
		OpenedAt:           openedAt,
		ChallengePeriodSec: challenge,
		ClosedAt:           closedAt,
	}
	if err := ch.checkInvariant(); err != nil {
		return nil, err
	}
	return ch, nil
}
