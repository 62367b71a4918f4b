// Package state provides the pluggable persistence layer for entity and
// environment records. All mutating calls are compare-and-swap: the caller
// supplies the version token it last read and the store rejects the write if
// the stored version differs, giving optimistic concurrency without a server.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version tokens with special meaning for Put and Delete.
const (
	// VersionAbsent asserts the record must not exist yet.
	VersionAbsent = ""

	// VersionAny skips the version check. Used only by administrative paths
	// such as force-unlock, never by normal engine writes.
	VersionAny = "*"
)

// Record is one stored document plus its CAS token.
type Record struct {
	// Key is the scope key the record is addressed by.
	Key string `json:"key"`

	// Data is the stored document.
	Data json.RawMessage `json:"data"`

	// Version is the opaque CAS token for the stored revision. Backends map
	// this to a counter (local), an ETag (object storage), or a server-side
	// revision (remote API).
	Version string `json:"version"`

	// UpdatedAt is when this revision was written.
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the persistence contract every backend satisfies. One conformance
// test suite covers all implementations.
type Store interface {
	// Get retrieves a record by key. Returns a NotFoundError if absent.
	Get(ctx context.Context, key string) (*Record, error)

	// Put writes a record, enforcing the CAS contract: expected must be
	// VersionAbsent for a create, the last-read version for an update, or
	// VersionAny to skip the check. Returns the new record with its version.
	Put(ctx context.Context, key string, data json.RawMessage, expected string) (*Record, error)

	// List returns all records whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Record, error)

	// Delete removes a record under the same CAS contract as Put.
	Delete(ctx context.Context, key string, expected string) error

	// Close releases backend resources.
	Close() error
}

// NotFoundError reports a missing record.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("state record not found: %s", e.Key)
}

// ConflictError reports a CAS write that lost a race. The caller must re-read
// and retry the whole operation, never blind-overwrite.
type ConflictError struct {
	Key      string
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("state conflict on %s: expected version %q, found %q",
		e.Key, e.Expected, e.Actual)
}

// IsNotFound returns true if err is a missing-record error.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict returns true if err is a CAS conflict.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// checkExpected applies the shared CAS comparison rules given the actual
// stored version ("" when the record is absent).
func checkExpected(key, expected, actual string) error {
	if expected == VersionAny {
		return nil
	}
	if expected != actual {
		return &ConflictError{Key: key, Expected: expected, Actual: actual}
	}
	return nil
}
