package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// AuditEntry records one state mutation: who changed what, when. The trail is
// append-only and sufficient to reconstruct the mutation history of any scope
// key for diagnostics.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"` // "put" or "delete"
	Key       string    `json:"key"`
	Version   string    `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditLog is a sqlite-backed append-only audit trail shared by all state
// backends.
type AuditLog struct {
	db *sql.DB
}

// OpenAuditLog opens (and migrates) the audit database at path.
func OpenAuditLog(ctx context.Context, path string) (*AuditLog, error) {
	if path == "" {
		return nil, fmt.Errorf("audit database path is required")
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}

	log := &AuditLog{db: db}
	if err := log.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return log, nil
}

// migrate applies the embedded schema migrations.
func (l *AuditLog) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(l.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run audit migrations: %w", err)
	}
	return nil
}

// Append records one mutation.
func (l *AuditLog) Append(ctx context.Context, entry AuditEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_entries (actor, action, key, version, timestamp) VALUES (?, ?, ?, ?, ?)`,
		entry.Actor, entry.Action, entry.Key, entry.Version, ts,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// List returns the most recent entries for keys under prefix, newest first.
func (l *AuditLog) List(ctx context.Context, prefix string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, actor, action, key, version, timestamp
		   FROM audit_entries
		  WHERE key LIKE ? || '%'
		  ORDER BY id DESC
		  LIMIT ?`,
		prefix, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	out := make([]AuditEntry, 0)
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Key, &e.Version, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the audit database.
func (l *AuditLog) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// AuditedStore decorates a Store so every successful Put and Delete appends an
// audit record. Audit failures are returned to the caller: a mutation the
// trail cannot account for is treated as a failed mutation.
type AuditedStore struct {
	Store
	log   *AuditLog
	actor string
}

// WithAudit wraps a store with the audit trail. actor identifies the
// process/user performing mutations.
func WithAudit(store Store, log *AuditLog, actor string) *AuditedStore {
	return &AuditedStore{Store: store, log: log, actor: actor}
}

// Put writes through and appends an audit record on success.
func (s *AuditedStore) Put(ctx context.Context, key string, data json.RawMessage, expected string) (*Record, error) {
	rec, err := s.Store.Put(ctx, key, data, expected)
	if err != nil {
		return nil, err
	}
	if err := s.log.Append(ctx, AuditEntry{
		Actor:   s.actor,
		Action:  "put",
		Key:     key,
		Version: rec.Version,
	}); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes the record and appends an audit record on success.
func (s *AuditedStore) Delete(ctx context.Context, key string, expected string) error {
	if err := s.Store.Delete(ctx, key, expected); err != nil {
		return err
	}
	return s.log.Append(ctx, AuditEntry{
		Actor:  s.actor,
		Action: "delete",
		Key:    key,
	})
}

// Close closes both the wrapped store and the audit log.
func (s *AuditedStore) Close() error {
	storeErr := s.Store.Close()
	logErr := s.log.Close()
	if storeErr != nil {
		return storeErr
	}
	return logErr
}
