package meter

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/machinepay/channeld/internal/ledger"
)

const meterKeyPrefix = "meter:"

func meterKey(id string) string { return meterKeyPrefix + id }

// Store persists meters. There is deliberately no update or delete.
type Store struct {
	rdb *redis.Client
	now func() time.Time
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, now: time.Now}
}

// Create registers a new meter. pricePerUnit may be zero (free tier) but
// never negative.
func (s *Store) Create(ctx context.Context, name, unit string, pricePerUnit *big.Int) (*Meter, error) {
	if name == "" || unit == "" {
		return nil, fmt.Errorf("%w: meter name and unit are required", ledger.ErrInvalidInput)
	}
	if pricePerUnit == nil || pricePerUnit.Sign() < 0 {
		return nil, fmt.Errorf("%w: price per unit must be non-negative", ledger.ErrInvalidInput)
	}
	m := &Meter{
		ID:           ledger.NewID(ledger.PrefixMeter),
		Name:         name,
		Unit:         unit,
		PricePerUnit: new(big.Int).Set(pricePerUnit),
		CreatedAt:    s.now().Unix(),
	}
	if err := s.rdb.HSet(ctx, meterKey(m.ID), m.toMap()).Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns a meter by id.
func (s *Store) Get(ctx context.Context, id string) (*Meter, error) {
	vals, err := s.rdb.HGetAll(ctx, meterKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: meter %s", ledger.ErrNotFound, id)
	}
	return meterFromMap(vals)
}

// List returns all meters.
func (s *Store) List(ctx context.Context) ([]Meter, error) {
	var out []Meter
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, meterKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan meters: %w", err)
		}
		for _, key := range keys {
			vals, err := s.rdb.HGetAll(ctx, key).Result()
			if err != nil || len(vals) == 0 {
				continue
			}
			m, err := meterFromMap(vals)
			if err != nil {
				continue
			}
			out = append(out, *m)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return out, nil
}
