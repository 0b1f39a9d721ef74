// Package cachestore keeps code caches in a SQLite database, one entry
// per script origin.
package cachestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("heapsnap.cachestore")

// ErrNotFound indicates no cache exists for an origin.
var ErrNotFound = errors.New("code cache entry not found")

// Entry is one stored code cache.
type Entry struct {
	Origin     string
	SourceHash uint32
	Data       []byte
	Created    time.Time
}

// Store is a code cache database. It is safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS code_cache (
		origin TEXT PRIMARY KEY,
		source_hash INTEGER NOT NULL,
		data BLOB NOT NULL,
		created INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	log.Debugf("opened code cache %s", path)
	return &Store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Get returns the cache stored for origin.
func (s *Store) Get(ctx context.Context, origin string) (*Entry, error) {
	e := &Entry{Origin: origin}
	var hash int64
	var created int64
	err := s.db.QueryRowContext(ctx,
		"SELECT source_hash, data, created FROM code_cache WHERE origin = ?", origin,
	).Scan(&hash, &e.Data, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying code cache: %w", err)
	}
	e.SourceHash = uint32(hash)
	e.Created = time.Unix(created, 0)
	return e, nil
}

// Put stores data for origin, replacing any earlier entry.
func (s *Store) Put(ctx context.Context, origin string, sourceHash uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO code_cache (origin, source_hash, data, created) VALUES (?, ?, ?, ?)",
		origin, int64(sourceHash), data, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("saving code cache: %w", err)
	}
	log.Debugf("stored %d bytes for %s", len(data), origin)
	return nil
}

// Delete removes the entry for origin. Deleting a missing entry is not
// an error.
func (s *Store) Delete(ctx context.Context, origin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM code_cache WHERE origin = ?", origin); err != nil {
		return fmt.Errorf("deleting code cache: %w", err)
	}
	return nil
}

// Len returns the number of stored entries.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM code_cache").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting code caches: %w", err)
	}
	return n, nil
}
