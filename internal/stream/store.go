package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/machinepay/channeld/internal/ledger"
)

const (
	streamKeyPrefix    = "stream:"
	channelIndexPrefix = "streams:channel:"
)

func streamKey(id string) string        { return streamKeyPrefix + id }
func channelIndexKey(cid string) string { return channelIndexPrefix + cid }

// Store persists streams as Redis hashes with a per-channel index set.
// Mutations to one stream are serialized through its mutex.
type Store struct {
	rdb   *redis.Client
	locks sync.Map // stream id -> *sync.Mutex
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) mu(id string) *sync.Mutex {
	m, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Create persists a new stream and indexes it under its channel.
func (s *Store) Create(ctx context.Context, st *Stream) error {
	if err := s.rdb.HSet(ctx, streamKey(st.ID), st.toMap()).Err(); err != nil {
		return err
	}
	return s.rdb.SAdd(ctx, channelIndexKey(st.ChannelID), st.ID).Err()
}

func (s *Store) save(ctx context.Context, st *Stream) error {
	return s.rdb.HSet(ctx, streamKey(st.ID), st.toMap()).Err()
}

// Get returns a stream by id, nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*Stream, error) {
	vals, err := s.rdb.HGetAll(ctx, streamKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return streamFromMap(vals)
}

// update runs fn on the stream under its mutex and persists the result.
func (s *Store) update(ctx context.Context, id string, fn func(*Stream) error) (*Stream, error) {
	l := s.mu(id)
	l.Lock()
	defer l.Unlock()

	st, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("%w: stream %s", ledger.ErrNotFound, id)
	}
	if err := fn(st); err != nil {
		return nil, err
	}
	if err := s.save(ctx, st); err != nil {
		return nil, err
	}
	out := *st
	return &out, nil
}

// ListByChannel returns all streams bound to a channel, stopped ones included.
func (s *Store) ListByChannel(ctx context.Context, channelID string) ([]Stream, error) {
	ids, err := s.rdb.SMembers(ctx, channelIndexKey(channelID)).Result()
	if err != nil {
		return nil, fmt.Errorf("stream index %s: %w", channelID, err)
	}
	out := make([]Stream, 0, len(ids))
	for _, id := range ids {
		st, err := s.Get(ctx, id)
		if err != nil || st == nil {
			continue
		}
		out = append(out, *st)
	}
	return out, nil
}

// ListAll returns every stream.
func (s *Store) ListAll(ctx context.Context) ([]Stream, error) {
	var out []Stream
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, streamKeyPrefix+ledger.PrefixStream+"_*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan streams: %w", err)
		}
		for _, key := range keys {
			vals, err := s.rdb.HGetAll(ctx, key).Result()
			if err != nil || len(vals) == 0 {
				continue
			}
			st, err := streamFromMap(vals)
			if err != nil {
				continue
			}
			out = append(out, *st)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return out, nil
}
