// Package localstore keeps the client's own copy of the account list, its
// contacts and every message it sent or received, in an SQLite file.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

// Message is one entry of the local message history.
type Message struct {
	From string
	To   string
	Text string
	Time time.Time
}

// Filter narrows History. Empty fields match everything.
type Filter struct {
	From string
	To   string
}

// Store is the client's local database.
type Store struct {
	db   *sql.DB
	path string
}

// DefaultPath is the database file used for the account name.
func DefaultPath(name string) string {
	return fmt.Sprintf("client-%s.db", name)
}

// Open opens (creating if needed) the database at path. Contacts left from a
// previous run are cleared since the server list is authoritative.
func Open(path string) (*Store, error) {
	if path != MemoryDSN {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize local schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS known_users (
		name TEXT PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS contacts (
		name TEXT PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS message_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_user TEXT NOT NULL,
		to_user TEXT NOT NULL,
		message TEXT NOT NULL,
		sent_at DATETIME NOT NULL
	);

	DELETE FROM contacts;
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetUsers replaces the cached account list.
func (s *Store) SetUsers(ctx context.Context, names []string) error {
	return s.replace(ctx, "known_users", names)
}

// Users returns the cached account list, sorted.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	return s.names(ctx, `SELECT name FROM known_users ORDER BY name`)
}

// IsKnownUser reports whether name is in the cached account list.
func (s *Store) IsKnownUser(ctx context.Context, name string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM known_users WHERE name = ?`, name)
}

// SetContacts replaces the local contact list.
func (s *Store) SetContacts(ctx context.Context, names []string) error {
	return s.replace(ctx, "contacts", names)
}

// AddContact records name as a contact. Adding it twice is not an error.
func (s *Store) AddContact(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO contacts (name) VALUES (?)`, name)
	if err != nil {
		return fmt.Errorf("add contact %s: %w", name, err)
	}
	return nil
}

// RemoveContact forgets name as a contact.
func (s *Store) RemoveContact(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM contacts WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("remove contact %s: %w", name, err)
	}
	return nil
}

// Contacts returns the local contact list, sorted.
func (s *Store) Contacts(ctx context.Context) ([]string, error) {
	return s.names(ctx, `SELECT name FROM contacts ORDER BY name`)
}

// IsContact reports whether name is a contact.
func (s *Store) IsContact(ctx context.Context, name string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM contacts WHERE name = ?`, name)
}

// SaveMessage appends m to the history.
func (s *Store) SaveMessage(ctx context.Context, m Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_history (from_user, to_user, message, sent_at) VALUES (?, ?, ?, ?)`,
		m.From, m.To, m.Text, m.Time.UTC())
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// History returns the messages matching f, oldest first.
func (s *Store) History(ctx context.Context, f Filter) ([]Message, error) {
	query := `SELECT from_user, to_user, message, sent_at FROM message_history WHERE 1 = 1`
	var args []any
	if f.From != "" {
		query += ` AND from_user = ?`
		args = append(args, f.From)
	}
	if f.To != "" {
		query += ` AND to_user = ?`
		args = append(args, f.To)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.From, &m.To, &m.Text, &m.Time); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) replace(ctx context.Context, table string, names []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear %s: %w", table, err)
	}
	for _, name := range names {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO `+table+` (name) VALUES (?)`, name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, query string, arg string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", arg, err)
	}
	return true, nil
}

func (s *Store) names(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query names: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
