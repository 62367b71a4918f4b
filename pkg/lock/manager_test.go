package lock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/launchflow/launchflow/pkg/engine"
	"github.com/launchflow/launchflow/pkg/state"
)

func fastConfig() Config {
	return Config{
		TTL:                  time.Minute,
		AcquireAttempts:      2,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
	}
}

func TestManager_TryAcquire_MutualExclusion(t *testing.T) {
	store := state.NewMemoryStore()
	ctx := context.Background()

	alice := NewManager(store, "alice", fastConfig())
	bob := NewManager(store, "bob", fastConfig())

	lock, err := alice.TryAcquire(ctx, "demo/dev/environment", engine.LockOpCreate)
	if err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}
	if lock.HolderID != "alice" {
		t.Errorf("Expected holder alice, got %s", lock.HolderID)
	}

	_, err = bob.TryAcquire(ctx, "demo/dev/environment", engine.LockOpDeploy)
	if !engine.IsLockBusy(err) {
		t.Fatalf("Expected LOCK_BUSY, got: %v", err)
	}
	// The busy error names the holder and operation so a human can decide
	// whether to wait or force-unlock.
	if !strings.Contains(err.Error(), "alice") || !strings.Contains(err.Error(), "create") {
		t.Errorf("Expected holder and operation in error, got: %v", err)
	}
}

func TestManager_TryAcquire_DifferentScopesIndependent(t *testing.T) {
	store := state.NewMemoryStore()
	ctx := context.Background()
	m := NewManager(store, "alice", fastConfig())

	if _, err := m.TryAcquire(ctx, "demo/dev/entities/sim/db", engine.LockOpDeploy); err != nil {
		t.Fatalf("Acquire db failed: %v", err)
	}
	if _, err := m.TryAcquire(ctx, "demo/dev/entities/sim/api", engine.LockOpDeploy); err != nil {
		t.Fatalf("Acquire api failed: %v", err)
	}
}

func TestManager_TryAcquire_ReclaimsExpiredLease(t *testing.T) {
	store := state.NewMemoryStore()
	ctx := context.Background()

	dead := NewManager(store, "dead", fastConfig())
	if _, err := dead.TryAcquire(ctx, "demo/dev/environment", engine.LockOpCreate); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// A second holder whose clock sits past the TTL sees the lease expired.
	successor := NewManager(store, "successor", fastConfig())
	successor.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	lock, err := successor.TryAcquire(ctx, "demo/dev/environment", engine.LockOpDeploy)
	if err != nil {
		t.Fatalf("Expected expired lease reclaim, got: %v", err)
	}
	if lock.HolderID != "successor" {
		t.Errorf("Expected successor to hold the lease, got %s", lock.HolderID)
	}
}

func TestManager_Acquire_RetriesThenSurfacesHolder(t *testing.T) {
	store := state.NewMemoryStore()
	ctx := context.Background()

	holder := NewManager(store, "holder", fastConfig())
	if _, err := holder.TryAcquire(ctx, "demo/dev/environment", engine.LockOpCreate); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	waiter := NewManager(store, "waiter", fastConfig())
	_, err := waiter.Acquire(ctx, "demo/dev/environment", engine.LockOpDeploy)
	if !engine.IsLockBusy(err) {
		t.Fatalf("Expected LOCK_BUSY after retries, got: %v", err)
	}
	if !strings.Contains(err.Error(), "holder") {
		t.Errorf("Expected the existing holder surfaced, got: %v", err)
	}
}

func TestManager_Acquire_SucceedsAfterRelease(t *testing.T) {
	store := state.NewMemoryStore()
	ctx := context.Background()

	holder := NewManager(store, "holder", fastConfig())
	lock, err := holder.TryAcquire(ctx, "demo/dev/environment", engine.LockOpCreate)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	released := make(chan struct{})
	go func() {
		time.Sleep(5 * time.Millisecond)
		if err := holder.Release(ctx, lock); err != nil {
			t.Errorf("Release failed: %v", err)
		}
		close(released)
	}()

	waiter := NewManager(store, "waiter", Config{
		TTL:                  time.Minute,
		AcquireAttempts:      50,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
	})
	got, err := waiter.Acquire(ctx, "demo/dev/environment", engine.LockOpDeploy)
	if err != nil {
		t.Fatalf("Expected acquisition after release, got: %v", err)
	}
	<-released
	if got.HolderID != "waiter" {
		t.Errorf("Expected waiter to hold the lease, got %s", got.HolderID)
	}
}

func TestManager_Renew_ExtendsLease(t *testing.T) {
	store := state.NewMemoryStore()
	ctx := context.Background()
	m := NewManager(store, "alice", fastConfig())

	lock, err := m.TryAcquire(ctx, "demo/dev/environment", engine.LockOpCreate)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	before := lock.AcquiredAt

	time.Sleep(2 * time.Millisecond)
	renewed, err := m.Renew(ctx, lock)
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if !renewed.AcquiredAt.After(before) {
		t.Error("Expected renewal to refresh the acquisition time")
	}
}

func TestManager_Renew_FailsAfterReclaim(t *testing.T) {
	store := state.NewMemoryStore()
	ctx := context.Background()

	original := NewManager(store, "original", fastConfig())
	lock, err := original.TryAcquire(ctx, "demo/dev/environment", engine.LockOpCreate)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// The lease expires and someone else takes it.
	thief := NewManager(store, "thief", fastConfig())
	thief.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := thief.TryAcquire(ctx, "demo/dev/environment", engine.LockOpDeploy); err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}

	_, err = original.Renew(ctx, lock)
	if err == nil {
		t.Fatal("Expected renewal to fail after reclaim")
	}
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) || engErr.Code != engine.ErrCodeLockExpired {
		t.Errorf("Expected LOCK_EXPIRED, got: %v", err)
	}
}

func TestManager_Release_IgnoresForeignLease(t *testing.T) {
	store := state.NewMemoryStore()
	ctx := context.Background()

	alice := NewManager(store, "alice", fastConfig())
	lock, err := alice.TryAcquire(ctx, "demo/dev/environment", engine.LockOpCreate)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// bob releasing with a copy of the lease record must not drop alice's.
	bob := NewManager(store, "bob", fastConfig())
	foreign := *lock
	foreign.HolderID = "bob"
	if err := bob.Release(ctx, &foreign); err != nil {
		t.Fatalf("Foreign release errored: %v", err)
	}

	existing, err := alice.Inspect(ctx, "demo/dev/environment")
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if existing == nil || existing.HolderID != "alice" {
		t.Error("Expected alice's lease to survive a foreign release")
	}
}

func TestManager_ForceRelease_RemovesAnyLease(t *testing.T) {
	store := state.NewMemoryStore()
	ctx := context.Background()

	alice := NewManager(store, "alice", fastConfig())
	if _, err := alice.TryAcquire(ctx, "demo/dev/environment", engine.LockOpCreate); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	operator := NewManager(store, "operator", fastConfig())
	if err := operator.ForceRelease(ctx, "demo/dev/environment"); err != nil {
		t.Fatalf("ForceRelease failed: %v", err)
	}

	existing, err := operator.Inspect(ctx, "demo/dev/environment")
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if existing != nil {
		t.Error("Expected no lease after force release")
	}

	// Idempotent on an already-clear scope.
	if err := operator.ForceRelease(ctx, "demo/dev/environment"); err != nil {
		t.Errorf("Second ForceRelease errored: %v", err)
	}
}

func TestManager_Inspect_NoLease(t *testing.T) {
	m := NewManager(state.NewMemoryStore(), "alice", fastConfig())
	existing, err := m.Inspect(context.Background(), "demo/dev/environment")
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if existing != nil {
		t.Errorf("Expected nil lease, got %+v", existing)
	}
}

func TestManager_KeepAlive_RenewsUntilStopped(t *testing.T) {
	store := state.NewMemoryStore()
	ctx := context.Background()

	m := NewManager(store, "alice", Config{
		TTL:                  30 * time.Millisecond,
		AcquireAttempts:      1,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     time.Millisecond,
	})
	lock, err := m.TryAcquire(ctx, "demo/dev/environment", engine.LockOpDeploy)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	before := lock.AcquiredAt

	stop := m.KeepAlive(ctx, lock, func(err error) {
		t.Errorf("Unexpected lease loss: %v", err)
	})
	time.Sleep(50 * time.Millisecond)
	stop()

	current, err := m.Inspect(ctx, "demo/dev/environment")
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if current == nil || !current.AcquiredAt.After(before) {
		t.Error("Expected KeepAlive to refresh the lease")
	}
}

func TestManager_KeepAlive_SignalsLoss(t *testing.T) {
	store := state.NewMemoryStore()
	ctx := context.Background()

	m := NewManager(store, "alice", Config{
		TTL:                  30 * time.Millisecond,
		AcquireAttempts:      1,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     time.Millisecond,
	})
	lock, err := m.TryAcquire(ctx, "demo/dev/environment", engine.LockOpDeploy)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	lost := make(chan error, 1)
	stop := m.KeepAlive(ctx, lock, func(err error) { lost <- err })
	defer stop()

	// The lease disappears out from under the holder.
	if err := m.ForceRelease(ctx, "demo/dev/environment"); err != nil {
		t.Fatalf("ForceRelease failed: %v", err)
	}

	select {
	case err := <-lost:
		var engErr *engine.EngineError
		if !errors.As(err, &engErr) || engErr.Code != engine.ErrCodeLockExpired {
			t.Errorf("Expected LOCK_EXPIRED on loss, got: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected onLost to fire after the lease vanished")
	}
}
