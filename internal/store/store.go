package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/andresmejia3/lineage/internal/cache"
	"github.com/andresmejia3/lineage/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Store keeps the family directory documents and the persisted descriptor
// cache in PostgreSQL.
type Store struct {
	mu   sync.Mutex // pgx.Conn is not safe for concurrent use
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS family_members (
			id TEXT PRIMARY KEY,
			position INT NOT NULL DEFAULT 0,
			data JSONB NOT NULL,
			rels JSONB,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS descriptor_cache (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS family_members_position_idx ON family_members (position);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// People returns the directory in its stored order.
func (s *Store) People(ctx context.Context) ([]types.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, `
		SELECT id, data::text, COALESCE(rels::text, '')
		FROM family_members
		ORDER BY position, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var people []types.Person
	for rows.Next() {
		var id, data, rels string
		if err := rows.Scan(&id, &data, &rels); err != nil {
			return nil, err
		}
		p := types.Person{ID: id}
		if err := json.Unmarshal([]byte(data), &p.Data); err != nil {
			return nil, fmt.Errorf("corrupt document for member %s: %w", id, err)
		}
		if rels != "" {
			p.Rels = json.RawMessage(rels)
		}
		people = append(people, p)
	}
	return people, rows.Err()
}

// ReplacePeople swaps the whole directory for people in one transaction.
func (s *Store) ReplacePeople(ctx context.Context, people []types.Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM family_members"); err != nil {
		return err
	}
	for i, p := range people {
		if err := upsert(ctx, tx, i, p); err != nil {
			return fmt.Errorf("failed to store member %s: %w", p.ID, err)
		}
	}
	return tx.Commit(ctx)
}

// UpsertPerson inserts or updates one member, appending new ones at the end.
func (s *Store) UpsertPerson(ctx context.Context, p types.Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next int
	if err := s.conn.QueryRow(ctx, "SELECT COALESCE(MAX(position) + 1, 0) FROM family_members").Scan(&next); err != nil {
		return err
	}
	return upsert(ctx, s.conn, next, p)
}

// execer is satisfied by both *pgx.Conn and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func upsert(ctx context.Context, db execer, position int, p types.Person) error {
	if p.ID == "" {
		return errors.New("member has no id")
	}
	data, err := json.Marshal(p.Data)
	if err != nil {
		return err
	}
	var rels any
	if len(p.Rels) > 0 {
		rels = string(p.Rels)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO family_members (id, position, data, rels, updated_at)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, NOW())
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, rels = EXCLUDED.rels, updated_at = NOW()
	`, p.ID, position, string(data), rels)
	return err
}

// Get implements cache.KV.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var val []byte
	err := s.conn.QueryRow(ctx, "SELECT value FROM descriptor_cache WHERE key = $1", key).Scan(&val)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, cache.ErrNotFound
	}
	return val, err
}

// Set implements cache.KV.
func (s *Store) Set(ctx context.Context, key string, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(ctx, `
		INSERT INTO descriptor_cache (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, val)
	return err
}

// Delete implements cache.KV. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(ctx, "DELETE FROM descriptor_cache WHERE key = ANY($1)", keys)
	return err
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS descriptor_cache CASCADE;
		DROP TABLE IF EXISTS family_members CASCADE;
	`)
	return err
}

var _ cache.KV = (*Store)(nil)
