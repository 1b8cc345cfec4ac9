// Package sqlite persists the document database to a single SQLite file as
// JSON blobs, one row per collection. It snapshots the full state after
// every successful mutation and hydrates on open.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"refcore/internal/infra/persistence/memory"
	"refcore/pkg/document"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Store is a snapshotting SQLite-backed document.Database.
type Store struct {
	*memory.Database
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens or creates the SQLite file at path and hydrates the
// in-memory state from any existing snapshot.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "refcore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS collections (
		name TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create collections table: %w", err)
	}
	mem := memory.NewDatabase()
	s := &Store{Database: mem, db: db, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	mem.SetAfterWrite(s.persist)
	return s, nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT name, payload FROM collections`)
	if err != nil {
		return fmt.Errorf("select collections: %w", err)
	}
	defer func() { _ = rows.Close() }()
	state := document.State{}
	for rows.Next() {
		var name string
		var payload []byte
		if err := rows.Scan(&name, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		var docs []document.Doc
		if err := json.Unmarshal(payload, &docs); err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
		state[name] = docs
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(state) > 0 {
		s.ImportState(state)
	}
	return nil
}

func (s *Store) persist(state document.State) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for name, docs := range state {
		payload, err := json.Marshal(docs)
		if err != nil {
			retErr = fmt.Errorf("encode %s: %w", name, err)
			return retErr
		}
		if _, err := tx.Exec(`INSERT INTO collections(name,payload) VALUES(?,?)
			ON CONFLICT(name) DO UPDATE SET payload=excluded.payload`, name, payload); err != nil {
			retErr = fmt.Errorf("upsert %s: %w", name, err)
			return retErr
		}
	}
	retErr = tx.Commit()
	return retErr
}

// Close flushes nothing further and closes the file handle.
func (s *Store) Close() error {
	return s.db.Close()
}
