// Package tracestore provides durable storage for the engine's notification
// stream. Uses SQLite with WAL mode for concurrent read access.
//
// The store is append-only: notifications are written as they are emitted
// and never updated. Its main consumers are the trace CLI command and the
// conformance harness, both of which assert exactly-once lifecycle
// properties against the persisted stream.
package tracestore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kiln-gpu/kiln/internal/events"
	"github.com/kiln-gpu/kiln/internal/plan"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// Store persists engine notifications in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates or opens a trace database at the given path.
// Applies required pragmas and the schema automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to trace database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append writes one notification row.
func (s *Store) Append(ctx context.Context, artifactID string, n events.Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (artifact_id, seq, kind, kernel, digest)
		VALUES (?, ?, ?, ?, ?)
	`,
		artifactID,
		n.Seq,
		string(n.Kind),
		n.Kernel,
		n.Digest,
	)
	if err != nil {
		return fmt.Errorf("append notification: %w", err)
	}
	return nil
}

// List returns every notification for the artifact in emission order.
// An empty artifactID returns all rows.
func (s *Store) List(ctx context.Context, artifactID string) ([]events.Notification, error) {
	query := `
		SELECT seq, kind, kernel, digest FROM notifications
		WHERE (? = '' OR artifact_id = ?)
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, artifactID, artifactID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []events.Notification
	for rows.Next() {
		var n events.Notification
		var kind string
		if err := rows.Scan(&n.Seq, &kind, &n.Kernel, &n.Digest); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Kind = events.NotificationKind(kind)
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return out, nil
}

// CountByKind returns how many rows of the given kind the artifact logged.
func (s *Store) CountByKind(ctx context.Context, artifactID string, kind events.NotificationKind) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE (? = '' OR artifact_id = ?) AND kind = ?
	`, artifactID, artifactID, string(kind)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return count, nil
}

// Notifier adapts the store to the events.Notifier interface: every
// notification is stamped by the clock and written through synchronously.
// Write errors are surfaced on the notifier's Err, never panicked.
//
// Thread-safety: safe for concurrent use; SQLite serializes the writes.
type Notifier struct {
	store      *Store
	artifactID string
	clock      *events.Clock
	errs       chan error
}

// NewNotifier creates a store-backed notifier for one artifact.
func NewNotifier(store *Store, artifactID string) *Notifier {
	return &Notifier{
		store:      store,
		artifactID: artifactID,
		clock:      events.NewClock(),
		errs:       make(chan error, 16),
	}
}

func (n *Notifier) ModuleCompiled(digest plan.Digest, kernel string) {
	n.write(events.Notification{
		Kind:   events.KindCompiled,
		Kernel: kernel,
		Digest: digest.String(),
	})
}

func (n *Notifier) ModuleUnloaded(kernel string) {
	n.write(events.Notification{
		Kind:   events.KindUnloaded,
		Kernel: kernel,
	})
}

func (n *Notifier) write(note events.Notification) {
	note.Seq = n.clock.Next()
	if err := n.store.Append(context.Background(), n.artifactID, note); err != nil {
		select {
		case n.errs <- err:
		default: // drop when the buffer is full; Err reports the earliest
		}
	}
}

// Err returns the first buffered write error, or nil.
func (n *Notifier) Err() error {
	select {
	case err := <-n.errs:
		return err
	default:
		return nil
	}
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist. Idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
