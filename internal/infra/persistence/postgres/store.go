// Package postgres provides a Postgres-backed document.Database that mirrors
// the in-memory semantics and snapshots every collection as a JSON blob row.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"refcore/internal/infra/persistence/memory"
	"refcore/pkg/document"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/refcore?sslmode=disable"
)

// sqlOpen is a seam for tests.
var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists state to Postgres while reusing the in-memory implementation
// for all query semantics.
type Store struct {
	*memory.Database
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN), ensures the snapshot table exists, and hydrates the
// in-memory state from any existing snapshot.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS collections (
		name TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create collections table: %w", err)
	}
	mem := memory.NewDatabase()
	s := &Store{Database: mem, db: db}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	mem.SetAfterWrite(s.persist)
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name, payload FROM collections`)
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
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
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
		if _, err := tx.ExecContext(ctx, `INSERT INTO collections(name,payload) VALUES($1,$2)
			ON CONFLICT(name) DO UPDATE SET payload=excluded.payload`, name, payload); err != nil {
			retErr = fmt.Errorf("upsert %s: %w", name, err)
			return retErr
		}
	}
	retErr = tx.Commit()
	return retErr
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
