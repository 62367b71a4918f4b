// Package lock implements advisory, time-bounded leases over state-store
// scope keys. Leases serialize operations across processes; they do not
// protect the state records themselves, which are guarded by the store's CAS
// writes. A crashed holder's lease expires after its TTL and can be
// reclaimed, which is the system's only recovery path for dead holders.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/launchflow/launchflow/pkg/engine"
	"github.com/launchflow/launchflow/pkg/state"
)

// Config tunes lease behavior. TTLs must be chosen long enough to cover
// realistic provisioning latencies (managed databases take minutes) while
// bounding the stuck-lock window after a crash.
type Config struct {
	// TTL is how long a lease survives without renewal.
	TTL time.Duration

	// AcquireAttempts bounds how many times Acquire retries before surfacing
	// the existing holder to the caller.
	AcquireAttempts uint

	// RetryInitialInterval seeds the jittered exponential backoff between
	// acquisition attempts.
	RetryInitialInterval time.Duration

	// RetryMaxInterval caps the backoff between acquisition attempts.
	RetryMaxInterval time.Duration
}

// DefaultConfig returns the reference tuning: a TTL in the tens of minutes
// and a short, bounded acquisition retry.
func DefaultConfig() Config {
	return Config{
		TTL:                  20 * time.Minute,
		AcquireAttempts:      5,
		RetryInitialInterval: 250 * time.Millisecond,
		RetryMaxInterval:     5 * time.Second,
	}
}

// Manager acquires, renews, and releases leases through the state store's CAS
// primitive. One Manager represents one holder identity.
type Manager struct {
	store    state.Store
	holderID string
	cfg      Config

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewManager creates a lease manager. An empty holderID gets a generated one.
func NewManager(store state.Store, holderID string, cfg Config) *Manager {
	if holderID == "" {
		holderID = uuid.New().String()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.AcquireAttempts == 0 {
		cfg.AcquireAttempts = DefaultConfig().AcquireAttempts
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = DefaultConfig().RetryInitialInterval
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = DefaultConfig().RetryMaxInterval
	}
	return &Manager{store: store, holderID: holderID, cfg: cfg, now: time.Now}
}

// Holder returns the holder identity this manager stamps on its leases.
func (m *Manager) Holder() string { return m.holderID }

// RenewInterval returns how often a long-running operation should renew:
// well under TTL/2 so a single missed beat does not lose the lease.
func (m *Manager) RenewInterval() time.Duration { return m.cfg.TTL / 3 }

// Acquire takes the lease for scope, retrying contention with jittered
// exponential backoff up to the configured attempt bound. On exhaustion it
// returns a LOCK_BUSY error naming the existing holder and operation.
func (m *Manager) Acquire(ctx context.Context, scope string, op engine.LockOperation) (*engine.Lock, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = m.cfg.RetryInitialInterval
	expo.MaxInterval = m.cfg.RetryMaxInterval

	return backoff.Retry(ctx, func() (*engine.Lock, error) {
		lock, err := m.TryAcquire(ctx, scope, op)
		if err != nil {
			if engine.IsLockBusy(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return lock, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(m.cfg.AcquireAttempts))
}

// TryAcquire makes a single acquisition attempt, failing fast with LOCK_BUSY
// when another holder's unexpired lease is present.
func (m *Manager) TryAcquire(ctx context.Context, scope string, op engine.LockOperation) (*engine.Lock, error) {
	key := state.LockKey(scope)

	expected := state.VersionAbsent
	existing, err := m.read(ctx, key)
	switch {
	case err == nil:
		if !existing.Expired(m.now()) {
			return nil, busyError(scope, existing)
		}
		// Expired lease: reclaim it with a CAS replace so two reclaimer
		// processes cannot both win.
		expected = existing.Version()
	case state.IsNotFound(err):
	default:
		return nil, err
	}

	lock := &engine.Lock{
		HolderID:   m.holderID,
		Scope:      scope,
		Operation:  op,
		AcquiredAt: m.now().UTC(),
		TTL:        m.cfg.TTL,
	}
	rec, err := m.write(ctx, key, lock, expected)
	if err != nil {
		if state.IsConflict(err) {
			// Someone else wrote the lock between our read and write.
			if current, rerr := m.read(ctx, key); rerr == nil {
				return nil, busyError(scope, current)
			}
			return nil, busyError(scope, nil)
		}
		return nil, err
	}
	lock.SetVersion(rec.Version)
	return lock, nil
}

// Renew extends a held lease. Failure to renew means the lease was lost
// (expired and reclaimed, or force-released); the holder must treat the
// operation as crashed and re-plan.
func (m *Manager) Renew(ctx context.Context, lock *engine.Lock) (*engine.Lock, error) {
	key := state.LockKey(lock.Scope)

	current, err := m.read(ctx, key)
	if err != nil {
		if state.IsNotFound(err) {
			return nil, expiredError(lock.Scope, "lease record is gone")
		}
		return nil, err
	}
	if current.HolderID != lock.HolderID {
		return nil, expiredError(lock.Scope,
			fmt.Sprintf("lease reclaimed by %s", current.HolderID))
	}

	renewed := *lock
	renewed.AcquiredAt = m.now().UTC()
	rec, err := m.write(ctx, key, &renewed, current.Version())
	if err != nil {
		if state.IsConflict(err) {
			return nil, expiredError(lock.Scope, "lease changed under renewal")
		}
		return nil, err
	}
	renewed.SetVersion(rec.Version)
	return &renewed, nil
}

// Release drops a held lease. Only the holder may release; a lease already
// gone is not an error, since expiry may have beaten us to it.
func (m *Manager) Release(ctx context.Context, lock *engine.Lock) error {
	key := state.LockKey(lock.Scope)

	current, err := m.read(ctx, key)
	if err != nil {
		if state.IsNotFound(err) {
			return nil
		}
		return err
	}
	if current.HolderID != lock.HolderID {
		// Not ours anymore; nothing to release.
		return nil
	}
	if err := m.store.Delete(ctx, key, current.Version()); err != nil &&
		!state.IsNotFound(err) && !state.IsConflict(err) {
		return err
	}
	return nil
}

// ForceRelease removes whatever lease exists on scope, bypassing the holder
// check. It is still a CAS delete, so two simultaneous force-releases cannot
// corrupt state: the loser's delete simply finds nothing to do.
func (m *Manager) ForceRelease(ctx context.Context, scope string) error {
	key := state.LockKey(scope)

	current, err := m.read(ctx, key)
	if err != nil {
		if state.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := m.store.Delete(ctx, key, current.Version()); err != nil &&
		!state.IsNotFound(err) && !state.IsConflict(err) {
		return err
	}
	return nil
}

// Inspect returns the current lease on scope, or nil if none exists.
func (m *Manager) Inspect(ctx context.Context, scope string) (*engine.Lock, error) {
	lock, err := m.read(ctx, state.LockKey(scope))
	if err != nil {
		if state.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return lock, nil
}

// KeepAlive renews the lease on every renewal interval until the returned
// stop function is called or ctx is done. onLost is invoked once if a renewal
// fails, signalling the operation must abort.
func (m *Manager) KeepAlive(ctx context.Context, lock *engine.Lock, onLost func(error)) (stop func()) {
	done := make(chan struct{})
	var once sync.Once

	go func() {
		current := lock
		ticker := time.NewTicker(m.RenewInterval())
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				renewed, err := m.Renew(ctx, current)
				if err != nil {
					if onLost != nil {
						onLost(err)
					}
					return
				}
				current = renewed
				*lock = *renewed
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}

func (m *Manager) read(ctx context.Context, key string) (*engine.Lock, error) {
	rec, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var lock engine.Lock
	if err := json.Unmarshal(rec.Data, &lock); err != nil {
		return nil, fmt.Errorf("corrupt lock record %s: %w", key, err)
	}
	lock.SetVersion(rec.Version)
	return &lock, nil
}

func (m *Manager) write(ctx context.Context, key string, lock *engine.Lock, expected string) (*state.Record, error) {
	data, err := json.Marshal(lock)
	if err != nil {
		return nil, fmt.Errorf("failed to encode lock record %s: %w", key, err)
	}
	return m.store.Put(ctx, key, data, expected)
}

func busyError(scope string, existing *engine.Lock) *engine.EngineError {
	if existing == nil {
		return engine.NewRetryableError(
			fmt.Sprintf("scope %s is locked by another holder", scope), nil).
			WithCode(engine.ErrCodeLockBusy)
	}
	return engine.NewRetryableError(
		fmt.Sprintf("scope %s is locked by %s (operation: %s, acquired: %s)",
			scope, existing.HolderID, existing.Operation,
			existing.AcquiredAt.Format(time.RFC3339)), nil).
		WithCode(engine.ErrCodeLockBusy).
		WithDetail("holder", existing.HolderID).
		WithDetail("operation", string(existing.Operation))
}

func expiredError(scope, reason string) *engine.EngineError {
	return engine.NewConflictError(
		fmt.Sprintf("lease on %s lost: %s", scope, reason), nil).
		WithCode(engine.ErrCodeLockExpired)
}
