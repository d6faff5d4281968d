package device

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/machinepay/channeld/internal/ledger"
)

const deviceKeyPrefix = "device:"

func deviceKey(id string) string { return deviceKeyPrefix + id }

// Registry manages devices and their credentials. All per-device mutations
// and the usage cap check share the device mutex, so credential rotation is a
// single atomic swap and no two concurrent usage reports can jointly exceed
// the cap.
type Registry struct {
	rdb   *redis.Client
	log   *zap.Logger
	locks sync.Map // device id -> *sync.Mutex
	now   func() time.Time
}

func NewRegistry(rdb *redis.Client, log *zap.Logger) *Registry {
	return &Registry{rdb: rdb, log: log, now: time.Now}
}

func (r *Registry) mu(id string) *sync.Mutex {
	m, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// LockDevice serializes callers against other operations on the same device.
// The usage metering engine holds this across its cap check and charge.
func (r *Registry) LockDevice(id string) (unlock func()) {
	l := r.mu(id)
	l.Lock()
	return l.Unlock
}

func newCredential() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate credential: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Create registers an enabled device scoped to the given meters and returns
// it with its initial credential. The credential is only ever returned here
// and from RotateCredential.
func (r *Registry) Create(ctx context.Context, name string, scopes []string, monthlyCap *big.Int) (*Device, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: device name is required", ledger.ErrInvalidInput)
	}
	if monthlyCap == nil || monthlyCap.Sign() < 0 {
		return nil, fmt.Errorf("%w: monthly cap must be non-negative", ledger.ErrInvalidInput)
	}
	cred, err := newCredential()
	if err != nil {
		return nil, err
	}
	d := &Device{
		ID:                ledger.NewID(ledger.PrefixDevice),
		Name:              name,
		Credential:        cred,
		CredentialVersion: 1,
		Scopes:            scopes,
		MonthlyCap:        new(big.Int).Set(monthlyCap),
		Enabled:           true,
		CreatedAt:         r.now().Unix(),
	}
	if err := r.rdb.HSet(ctx, deviceKey(d.ID), d.toMap()).Err(); err != nil {
		return nil, err
	}
	r.log.Info("device created", zap.String("device", d.ID), zap.Strings("scopes", scopes))
	return d, nil
}

// Get returns a device by id.
func (r *Registry) Get(ctx context.Context, id string) (*Device, error) {
	vals, err := r.rdb.HGetAll(ctx, deviceKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: device %s", ledger.ErrNotFound, id)
	}
	return deviceFromMap(vals)
}

// RotateCredential replaces the device credential in one write. The new
// credential is valid from the moment the old one stops being accepted; there
// is no window with two valid credentials and none without one.
func (r *Registry) RotateCredential(ctx context.Context, id string) (*Device, error) {
	defer r.LockDevice(id)()

	d, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	cred, err := newCredential()
	if err != nil {
		return nil, err
	}
	d.Credential = cred
	d.CredentialVersion++
	if err := r.rdb.HSet(ctx, deviceKey(id),
		"credential", d.Credential,
		"credential_version", d.CredentialVersion,
	).Err(); err != nil {
		return nil, err
	}
	r.log.Info("device credential rotated",
		zap.String("device", id),
		zap.Int64("version", d.CredentialVersion),
	)
	return d, nil
}

// SetEnabled toggles the device. Disabled devices fail authentication and
// every usage report.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) (*Device, error) {
	defer r.LockDevice(id)()

	d, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	d.Enabled = enabled
	if err := r.rdb.HSet(ctx, deviceKey(id), "enabled", boolField(enabled)).Err(); err != nil {
		return nil, err
	}
	r.log.Info("device toggled", zap.String("device", id), zap.Bool("enabled", enabled))
	return d, nil
}

// Authenticate checks a presented credential in constant time. Disabled
// devices never authenticate.
func (r *Registry) Authenticate(ctx context.Context, id, credential string) (*Device, error) {
	d, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.Enabled {
		return nil, fmt.Errorf("%w: device %s is disabled", ledger.ErrScopeViolation, id)
	}
	if subtle.ConstantTimeCompare([]byte(d.Credential), []byte(credential)) != 1 {
		return nil, fmt.Errorf("%w: bad credential for device %s", ledger.ErrScopeViolation, id)
	}
	return d, nil
}
