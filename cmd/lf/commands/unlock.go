package commands

import (
	"context"
	"fmt"
	"time"
)

// forceUnlock shows who held the lease before removing it, so the operator
// has a record of what they overrode.
func forceUnlock(ctx context.Context, rt *runtime, scopeKey string) error {
	existing, err := rt.lifecycle.InspectLock(ctx, scopeKey)
	if err != nil {
		return err
	}
	if existing == nil {
		fmt.Printf("No lock held on %s.\n", scopeKey)
		return nil
	}

	age := time.Since(existing.AcquiredAt).Round(time.Second)
	fmt.Printf("Releasing lock on %s held by %s (operation %s, acquired %s ago",
		scopeKey, existing.HolderID, existing.Operation, age)
	if existing.Expired(time.Now()) {
		fmt.Print(", expired")
	}
	fmt.Println(")")

	if err := rt.lifecycle.ForceUnlock(ctx, scopeKey); err != nil {
		return err
	}
	fmt.Println("Lock released.")
	return nil
}
