package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Store wraps an sql.DB holding the game catalog and the settings table.
// Writes go through a single writer; reads run concurrently against the
// last committed snapshot (WAL).
type Store struct {
	db *sql.DB

	// writeMu serializes every mutation so batches never interleave.
	writeMu sync.Mutex

	subMu sync.RWMutex
	subs  map[chan ChangeEvent]struct{}
}

type ChangeType string

const (
	ChangeCatalog    ChangeType = "catalog"
	ChangeDownloaded ChangeType = "downloaded"
)

type ChangeEvent struct {
	Type ChangeType
	ID   string // empty means "resync needed"
}

// Open opens or creates a SQLite database at the given path and ensures schema.
func Open(path string) (*Store, error) {
	// Pragmas: busy timeout and WAL so readers see committed snapshots only.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, subs: make(map[chan ChangeEvent]struct{})}, nil
}

func initSchema(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS games (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    platform TEXT NOT NULL,
    size TEXT NOT NULL DEFAULT '',
    download_link TEXT NOT NULL,
    is_downloaded INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_games_name ON games(name COLLATE NOCASE);
CREATE INDEX IF NOT EXISTS idx_games_platform ON games(platform);
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
	_, err := db.Exec(ddl)
	return err
}

// Close closes the underlying DB.
func (s *Store) Close() error { return s.db.Close() }

// SubscribeChanges subscribes to catalog mutation notices.
// The returned unsubscribe function must be called to avoid leaks.
func (s *Store) SubscribeChanges(buffer int) (<-chan ChangeEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan ChangeEvent, buffer)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	unsubscribe := func() {
		s.subMu.Lock()
		delete(s.subs, ch)
		s.subMu.Unlock()
	}
	return ch, unsubscribe
}

func (s *Store) emitChange(evt ChangeEvent) {
	s.subMu.RLock()
	targets := make([]chan ChangeEvent, 0, len(s.subs))
	for ch := range s.subs {
		targets = append(targets, ch)
	}
	s.subMu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- evt:
		default:
			// Saturated; collapse to a single resync notice.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ChangeEvent{Type: ChangeCatalog}:
			default:
			}
		}
	}
}

// write runs fn inside one transaction under the writer lock. Any failure is
// reported as ErrCatalogWrite and nothing from fn is committed.
func (s *Store) write(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: begin: %v", ErrCatalogWrite, op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if isSentinel(err) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", ErrCatalogWrite, op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %s: commit: %v", ErrCatalogWrite, op, err)
	}
	return nil
}
