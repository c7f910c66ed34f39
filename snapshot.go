package msgcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ============================================================================
// Snapshot persistence
// ============================================================================

// Snapshot is a saved State with its bookkeeping.
type Snapshot struct {
	Account string
	Epoch   uint64
	SavedAt time.Time
	State   *State
}

// SnapshotStore persists one State per account.
type SnapshotStore interface {
	Save(ctx context.Context, snap *Snapshot) error
	// Load returns ErrNoSnapshot if nothing is stored for account.
	Load(ctx context.Context, account string) (*Snapshot, error)
	Delete(ctx context.Context, account string) error
	Close() error
}

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
    account TEXT PRIMARY KEY,
    epoch INTEGER NOT NULL,
    saved_at INTEGER NOT NULL,
    state BLOB NOT NULL
);
`

// SQLiteSnapshotStore keeps snapshots as JSON blobs in a SQLite database.
type SQLiteSnapshotStore struct {
	mu sync.RWMutex
	db *sql.DB
}

var _ SnapshotStore = (*SQLiteSnapshotStore)(nil)

// NewSQLiteSnapshotStore opens (or creates) the database at dsn.
// Use ":memory:" for a throwaway store.
func NewSQLiteSnapshotStore(dsn string) (*SQLiteSnapshotStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to ":memory:" is its own database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(snapshotSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteSnapshotStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteSnapshotStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// Save writes snap, replacing any earlier snapshot of the same account.
func (s *SQLiteSnapshotStore) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.State == nil {
		return errors.New("save snapshot: nil state")
	}
	data, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("save snapshot %q: %w", snap.Account, ErrStoreClosed)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (account, epoch, saved_at, state) VALUES (?, ?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			epoch = excluded.epoch, saved_at = excluded.saved_at, state = excluded.state
	`, snap.Account, int64(snap.Epoch), savedAt.UnixMilli(), data)
	if err != nil {
		return fmt.Errorf("save snapshot %q: %w", snap.Account, err)
	}
	return nil
}

// Load reads the snapshot of account. A PM conversation index that fails
// its consistency check is rebuilt.
func (s *SQLiteSnapshotStore) Load(ctx context.Context, account string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, fmt.Errorf("load snapshot %q: %w", account, ErrStoreClosed)
	}

	var (
		epoch   int64
		savedAt int64
		data    []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT epoch, saved_at, state FROM snapshots WHERE account = ?`, account,
	).Scan(&epoch, &savedAt, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %q: %w", account, err)
	}

	st := NewState()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("decode snapshot %q: %w", account, err)
	}
	if st.CaughtUp == nil {
		st.CaughtUp = CaughtUpState{}
	}
	if st.PmConversations.Check() != nil {
		st.PmConversations = st.PmConversations.rebuild()
	}
	return &Snapshot{
		Account: account,
		Epoch:   uint64(epoch),
		SavedAt: time.UnixMilli(savedAt),
		State:   st,
	}, nil
}

// Delete removes the snapshot of account, if any.
func (s *SQLiteSnapshotStore) Delete(ctx context.Context, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("delete snapshot %q: %w", account, ErrStoreClosed)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE account = ?`, account); err != nil {
		return fmt.Errorf("delete snapshot %q: %w", account, err)
	}
	return nil
}
