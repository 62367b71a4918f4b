package state

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LocalStore persists records as files under a root directory. Writes go
// through a temp file and an atomic rename, and every record carries a
// monotonically increasing version number used as the CAS token.
//
// The CAS check is enforced within one process by a mutex and across
// processes by the read-compare-rename sequence; per the concurrency model,
// cross-process serialization of operations belongs to the lock manager, not
// the store.
type LocalStore struct {
	root string
	mu   sync.Mutex
}

// envelope is the on-disk record format.
type envelope struct {
	Data      json.RawMessage `json:"data"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewLocalStore creates a filesystem store rooted at dir, creating it if
// needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("local state dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	return &LocalStore{root: dir}, nil
}

// path maps a scope key to a file path. Keys are slash-separated and become
// directories; the final element gets a .json extension so lock records
// (".lock" suffix) sit adjacent to the record they cover.
func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key)+".json")
}

// keyFromPath inverts path for List.
func (s *LocalStore) keyFromPath(p string) (string, bool) {
	rel, err := filepath.Rel(s.root, p)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if !strings.HasSuffix(rel, ".json") {
		return "", false
	}
	return strings.TrimSuffix(rel, ".json"), true
}

// Get retrieves a record by key.
func (s *LocalStore) Get(_ context.Context, key string) (*Record, error) {
	env, err := s.read(key)
	if err != nil {
		return nil, err
	}
	return s.toRecord(key, env), nil
}

// Put writes a record under the CAS contract using a temp-file-plus-rename.
func (s *LocalStore) Put(_ context.Context, key string, data json.RawMessage, expected string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	actual := VersionAbsent
	var current int64
	if env, err := s.read(key); err == nil {
		current = env.Version
		actual = strconv.FormatInt(env.Version, 10)
	} else if !IsNotFound(err) {
		return nil, err
	}
	if err := checkExpected(key, expected, actual); err != nil {
		return nil, err
	}

	env := envelope{
		Data:      data,
		Version:   current + 1,
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.writeAtomic(key, env); err != nil {
		return nil, err
	}
	return s.toRecord(key, &env), nil
}

// List walks the tree under prefix and returns the matching records.
func (s *LocalStore) List(_ context.Context, prefix string) ([]Record, error) {
	out := make([]Record, 0)
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		key, ok := s.keyFromPath(p)
		if !ok || !strings.HasPrefix(key, prefix) {
			return nil
		}
		env, err := s.read(key)
		if err != nil {
			// A record deleted mid-walk is not an error.
			if IsNotFound(err) {
				return nil
			}
			return err
		}
		out = append(out, *s.toRecord(key, env))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list state under %s: %w", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Delete removes a record under the CAS contract.
func (s *LocalStore) Delete(_ context.Context, key string, expected string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.read(key)
	if err != nil {
		return err
	}
	if err := checkExpected(key, expected, strconv.FormatInt(env.Version, 10)); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil {
		if os.IsNotExist(err) {
			return &NotFoundError{Key: key}
		}
		return fmt.Errorf("failed to delete state record %s: %w", key, err)
	}
	return nil
}

// Close is a no-op for the filesystem store.
func (s *LocalStore) Close() error { return nil }

func (s *LocalStore) read(key string) (*envelope, error) {
	raw, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Key: key}
		}
		return nil, fmt.Errorf("failed to read state record %s: %w", key, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("corrupt state record %s: %w", key, err)
	}
	return &env, nil
}

func (s *LocalStore) writeAtomic(key string, env envelope) error {
	target := s.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create state dir for %s: %w", key, err)
	}

	// Compact marshal: MarshalIndent would reformat the embedded RawMessage
	// and Get would no longer return the exact bytes that were Put.
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode state record %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write state record %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to sync state record %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for %s: %w", key, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to commit state record %s: %w", key, err)
	}
	return nil
}

func (s *LocalStore) toRecord(key string, env *envelope) *Record {
	return &Record{
		Key:       key,
		Data:      env.Data,
		Version:   strconv.FormatInt(env.Version, 10),
		UpdatedAt: env.UpdatedAt,
	}
}
