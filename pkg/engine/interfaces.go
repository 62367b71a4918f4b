package engine

import "context"

// LockManager serializes operations over scope keys through time-bounded
// leases. Implemented by pkg/lock over any state.Store.
type LockManager interface {
	// Acquire obtains the lease for a scope, retrying with backoff while the
	// lease is held by someone else.
	Acquire(ctx context.Context, scope string, op LockOperation) (*Lock, error)

	// TryAcquire obtains the lease or fails fast with a LOCK_BUSY error
	// naming the current holder.
	TryAcquire(ctx context.Context, scope string, op LockOperation) (*Lock, error)

	// Renew extends a held lease. Fails with LOCK_EXPIRED if the lease was
	// lost or taken over.
	Renew(ctx context.Context, lock *Lock) (*Lock, error)

	// Release drops a held lease. Releasing an already-lost lease is not an
	// error.
	Release(ctx context.Context, lock *Lock) error

	// ForceRelease removes whatever lease exists over a scope, regardless of
	// holder. Operator recovery only.
	ForceRelease(ctx context.Context, scope string) error

	// Inspect returns the current lease over a scope, or nil if none.
	Inspect(ctx context.Context, scope string) (*Lock, error)

	// KeepAlive renews the lease in the background until the returned stop
	// function is called or the context ends. onLost fires if a renewal
	// discovers the lease is gone.
	KeepAlive(ctx context.Context, lock *Lock, onLost func(error)) (stop func())

	// Holder returns this manager's holder identity.
	Holder() string
}
