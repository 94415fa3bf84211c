// Package store provides the PostgreSQL-backed multi-tenant note row store.
//
// Every query is scoped by user_id; a principal can only see and mutate its
// own rows. The notes table carries a self-referencing parent_id foreign key
// with ON DELETE CASCADE, the database-level companion of the tree's
// recursive delete.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/quincenote/quince/internal/metrics"
	"github.com/quincenote/quince/pkg/models"
)

// Schema for the users and notes tables. The parent_id constraint is
// deferrable so a full-replace push can insert rows in any order within one
// transaction.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            uuid PRIMARY KEY,
	email         text NOT NULL UNIQUE,
	password_hash text NOT NULL,
	created_at    timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS notes (
	id         text PRIMARY KEY,
	parent_id  text REFERENCES notes(id) ON DELETE CASCADE
	           DEFERRABLE INITIALLY DEFERRED,
	name       text NOT NULL,
	type       text NOT NULL,
	content    text,
	is_open    boolean NOT NULL DEFAULT false,
	created_at bigint NOT NULL,
	updated_at bigint NOT NULL,
	user_id    uuid NOT NULL REFERENCES users(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS notes_user_id_idx ON notes (user_id);
`

// User is a row in the users table.
type User struct {
	ID           string
	Email        string
	PasswordHash string
}

// Store is a PostgreSQL note store.
type Store struct {
	db *sql.DB
}

// New opens a connection pool and verifies connectivity.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate creates the schema if missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// CreateUser inserts a new user row.
func (s *Store) CreateUser(ctx context.Context, u User) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_user", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash) VALUES ($1, $2, $3)`,
		u.ID, u.Email, u.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUserByEmail returns the user with the given email, or nil.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_user_by_email", time.Since(start)) }()

	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash FROM users WHERE email = $1`, email).
		Scan(&u.ID, &u.Email, &u.PasswordHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// GetUser returns the user with the given id, or nil.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_user", time.Since(start)) }()

	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.PasswordHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// ListByUser returns every note owned by userID, ordered by creation time.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*models.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_by_user", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, parent_id, name, type, content, is_open, created_at
		 FROM notes WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.Node
	for rows.Next() {
		var n models.Node
		var parentID, content sql.NullString
		if err := rows.Scan(&n.ID, &parentID, &n.Name, &n.Kind,
			&content, &n.IsOpen, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		n.ParentID = parentID.String
		n.Content = content.String
		nodes = append(nodes, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return nodes, nil
}

// ReplaceAllForUser deletes every row owned by userID and bulk-inserts the
// given set in one transaction. A concurrent pull sees either the old set
// or the new one, never a half-applied push.
func (s *Store) ReplaceAllForUser(ctx context.Context, userID string, nodes []*models.Node) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("replace_all_for_user", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM notes WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete notes: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO notes (id, parent_id, name, type, content, is_open, created_at, updated_at, user_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := models.NowMillis()
	for _, n := range nodes {
		parentID := sql.NullString{String: n.ParentID, Valid: n.ParentID != ""}
		content := sql.NullString{String: n.Content, Valid: n.Content != ""}
		if _, err := stmt.ExecContext(ctx,
			n.ID, parentID, n.Name, string(n.Kind), content,
			n.IsOpen, n.CreatedAt, now, userID); err != nil {
			return fmt.Errorf("insert note %s: %w", n.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
