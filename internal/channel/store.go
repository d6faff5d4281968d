package channel

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/machinepay/channeld/internal/ledger"
)

const (
	liveKeyPrefix    = "channel:"
	archiveKeyPrefix = "channel:archive:"
)

func liveKey(id string) string    { return liveKeyPrefix + id }
func archiveKey(id string) string { return archiveKeyPrefix + id }

// Store owns channel records and is the only component that mutates channel
// balances. Every mutation runs under the channel's mutex, so operations on
// one channel are totally ordered while unrelated channels proceed in
// parallel.
type Store struct {
	rdb         *redis.Client
	locks       sync.Map // channel id -> *sync.Mutex, guards record writes
	transitions sync.Map // channel id -> *sync.Mutex, guards lifecycle moves
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) mu(id string) *sync.Mutex {
	m, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// LockLifecycle serializes channel state transitions against stream
// attachment. It is distinct from the record mutex so a transition can hold
// it across its stream hooks while those hooks still flush transfers through
// the record mutex. Lock order is lifecycle, then stream, then record;
// never the reverse.
func (s *Store) LockLifecycle(id string) (unlock func()) {
	m, _ := s.transitions.LoadOrStore(id, &sync.Mutex{})
	l := m.(*sync.Mutex)
	l.Lock()
	return l.Unlock
}

// Create persists a new channel record.
func (s *Store) Create(ctx context.Context, ch *Channel) error {
	if err := ch.checkInvariant(); err != nil {
		return err
	}
	return s.rdb.HSet(ctx, liveKey(ch.ID), ch.toMap()).Err()
}

func (s *Store) save(ctx context.Context, ch *Channel) error {
	if err := ch.checkInvariant(); err != nil {
		return err
	}
	return s.rdb.HSet(ctx, liveKey(ch.ID), ch.toMap()).Err()
}

func (s *Store) load(ctx context.Context, key string) (*Channel, error) {
	vals, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return channelFromMap(vals)
}

// Get returns a channel by id, live or archived.
func (s *Store) Get(ctx context.Context, id string) (*Channel, error) {
	ch, err := s.load(ctx, liveKey(id))
	if err != nil || ch != nil {
		return ch, err
	}
	return s.load(ctx, archiveKey(id))
}

// update runs fn on the live channel record under the channel mutex and
// persists the result. Returns ledger.ErrNotFound for unknown or archived ids.
func (s *Store) update(ctx context.Context, id string, fn func(*Channel) error) (*Channel, error) {
	l := s.mu(id)
	l.Lock()
	defer l.Unlock()
	return s.updateLocked(ctx, id, fn)
}

func (s *Store) updateLocked(ctx context.Context, id string, fn func(*Channel) error) (*Channel, error) {
	ch, err := s.load(ctx, liveKey(id))
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, fmt.Errorf("%w: channel %s", ledger.ErrNotFound, id)
	}
	if err := fn(ch); err != nil {
		return nil, err
	}
	if err := s.save(ctx, ch); err != nil {
		return nil, err
	}
	return ch.clone(), nil
}

// ApplyTransfer atomically moves amount from the local to the remote balance.
// This is the single capacity-preserving primitive behind micropayments,
// stream flushes and usage charges. The channel must be Active.
func (s *Store) ApplyTransfer(ctx context.Context, id string, amount *big.Int) (*Channel, error) {
	if err := ledger.RequirePositive(amount); err != nil {
		return nil, err
	}
	return s.update(ctx, id, func(ch *Channel) error {
		if ch.State != StateActive {
			return fmt.Errorf("%w: transfer requires active channel, state is %s",
				ledger.ErrInvalidTransition, ch.State)
		}
		if amount.Cmp(ch.LocalBalance) > 0 {
			return fmt.Errorf("%w: amount %s exceeds local balance %s",
				ledger.ErrInsufficientBalance, amount, ch.LocalBalance)
		}
		ch.LocalBalance.Sub(ch.LocalBalance, amount)
		ch.RemoteBalance.Add(ch.RemoteBalance, amount)
		return nil
	})
}

// TransferUpTo moves min(amount, localBalance) from local to remote and
// reports the amount actually moved. Used by stream flushes, where accrual is
// clamped so it can never drive the local balance negative. The clamp and the
// transfer happen under the same lock, so no concurrent writer can slip in
// between.
func (s *Store) TransferUpTo(ctx context.Context, id string, amount *big.Int) (moved *big.Int, ch *Channel, err error) {
	if err := ledger.RequirePositive(amount); err != nil {
		return nil, nil, err
	}
	moved = new(big.Int)
	ch, err = s.update(ctx, id, func(ch *Channel) error {
		if ch.State != StateActive {
			return fmt.Errorf("%w: transfer requires active channel, state is %s",
				ledger.ErrInvalidTransition, ch.State)
		}
		moved.Set(amount)
		if moved.Cmp(ch.LocalBalance) > 0 {
			moved.Set(ch.LocalBalance)
		}
		ch.LocalBalance.Sub(ch.LocalBalance, moved)
		ch.RemoteBalance.Add(ch.RemoteBalance, moved)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return moved, ch, nil
}

// archiveLocked moves a closed channel record to the archive keyspace.
// Caller must hold the channel mutex. Records are archived, never deleted.
func (s *Store) archiveLocked(ctx context.Context, id string) error {
	return s.rdb.Rename(ctx, liveKey(id), archiveKey(id)).Err()
}

func (s *Store) scan(ctx context.Context, match string) ([]Channel, error) {
	var out []Channel
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan channels: %w", err)
		}
		for _, key := range keys {
			ch, err := s.load(ctx, key)
			if err != nil || ch == nil {
				continue
			}
			out = append(out, *ch)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return out, nil
}

// List returns all live channels.
func (s *Store) List(ctx context.Context) ([]Channel, error) {
	// Channel ids are prefixed, so this pattern never matches archive keys.
	return s.scan(ctx, liveKeyPrefix+ledger.PrefixChannel+"_*")
}

// ListArchived returns all settled channels.
func (s *Store) ListArchived(ctx context.Context) ([]Channel, error) {
	return s.scan(ctx, archiveKeyPrefix+"*")
}

// ListByPeer returns live and archived channels with the given counterparty.
func (s *Store) ListByPeer(ctx context.Context, peer common.Address) ([]Channel, error) {
	live, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	archived, err := s.ListArchived(ctx)
	if err != nil {
		return nil, err
	}
	var out []Channel
	for _, ch := range append(live, archived...) {
		if strings.EqualFold(ch.Peer.Hex(), peer.Hex()) {
			out = append(out, ch)
		}
	}
	return out, nil
}

// Stats is an aggregate snapshot across all channels.
type Stats struct {
	TotalChannels    int      `json:"total_channels"`
	LiveChannels     int      `json:"live_channels"`
	ArchivedChannels int      `json:"archived_channels"`
	TotalCapacity    *big.Int `json:"total_capacity"`
	TotalLocal       *big.Int `json:"total_local_balance"`
	TotalRemote      *big.Int `json:"total_remote_balance"`
}

// Snapshot aggregates capacity and balances over live channels plus counts of
// archived ones.
func (s *Store) Snapshot(ctx context.Context) (*Stats, error) {
	live, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	archived, err := s.ListArchived(ctx)
	if err != nil {
		return nil, err
	}
	st := &Stats{
		TotalChannels:    len(live) + len(archived),
		LiveChannels:     len(live),
		ArchivedChannels: len(archived),
		TotalCapacity:    big.NewInt(0),
		TotalLocal:       big.NewInt(0),
		TotalRemote:      big.NewInt(0),
	}
	for _, ch := range live {
		st.TotalCapacity.Add(st.TotalCapacity, ch.Capacity)
		st.TotalLocal.Add(st.TotalLocal, ch.LocalBalance)
		st.TotalRemote.Add(st.TotalRemote, ch.RemoteBalance)
	}
	return st, nil
}
