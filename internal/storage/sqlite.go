package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

// MemoryDSN opens a private in-memory SQLite database.
const MemoryDSN = ":memory:"

// SQLiteStore is an Admin backed by an SQLite database file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ Admin = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and brings its
// schema up to date. Sessions left marked active by a previous run are
// cleared.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != MemoryDSN {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, path: path}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		verifier BLOB NOT NULL,
		pubkey TEXT,
		last_login DATETIME,
		sent INTEGER NOT NULL DEFAULT 0,
		received INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS active_users (
		user_id INTEGER PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		ip_address TEXT NOT NULL,
		port INTEGER NOT NULL,
		login_time DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS login_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		ip_address TEXT NOT NULL,
		port INTEGER NOT NULL,
		date_time DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS contacts (
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		contact_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		PRIMARY KEY (user_id, contact_id)
	);

	CREATE INDEX IF NOT EXISTS idx_login_history_user ON login_history(user_id);

	DELETE FROM active_users;
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database location.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func userID(ctx context.Context, q querier, name string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM users WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrAccountNotFound, name)
	}
	if err != nil {
		return 0, fmt.Errorf("look up account %s: %w", name, err)
	}
	return id, nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Verifier returns the stored password verifier of name.
func (s *SQLiteStore) Verifier(ctx context.Context, name string) ([]byte, error) {
	var verifier []byte
	err := s.db.QueryRowContext(ctx, `SELECT verifier FROM users WHERE name = ?`, name).Scan(&verifier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read verifier of %s: %w", name, err)
	}
	return verifier, nil
}

// RecordLogin marks name online and appends a login history entry.
func (s *SQLiteStore) RecordLogin(ctx context.Context, name, ip string, port int, pubkey string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := userID(ctx, tx, name)
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET last_login = ?, pubkey = COALESCE(NULLIF(?, ''), pubkey) WHERE id = ?`,
			now, pubkey, id); err != nil {
			return fmt.Errorf("update last login of %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO active_users (user_id, ip_address, port, login_time) VALUES (?, ?, ?, ?)`,
			id, ip, port, now); err != nil {
			return fmt.Errorf("mark %s active: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO login_history (user_id, ip_address, port, date_time) VALUES (?, ?, ?, ?)`,
			id, ip, port, now); err != nil {
			return fmt.Errorf("record login history of %s: %w", name, err)
		}
		return nil
	})
}

// RecordLogout clears the online mark of name.
func (s *SQLiteStore) RecordLogout(ctx context.Context, name string) error {
	id, err := userID(ctx, s.db, name)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM active_users WHERE user_id = ?`, id); err != nil {
		return fmt.Errorf("mark %s inactive: %w", name, err)
	}
	return nil
}

// Contacts returns the contact names of name in order.
func (s *SQLiteStore) Contacts(ctx context.Context, name string) ([]string, error) {
	id, err := userID(ctx, s.db, name)
	if err != nil {
		return nil, err
	}
	return s.queryNames(ctx,
		`SELECT u.name FROM contacts c JOIN users u ON u.id = c.contact_id WHERE c.user_id = ? ORDER BY u.name`, id)
}

// AddContact adds contact to the list of name; adding twice is a no-op.
func (s *SQLiteStore) AddContact(ctx context.Context, name, contact string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := userID(ctx, tx, name)
		if err != nil {
			return err
		}
		contactID, err := userID(ctx, tx, contact)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO contacts (user_id, contact_id) VALUES (?, ?)`, id, contactID); err != nil {
			return fmt.Errorf("add contact %s to %s: %w", contact, name, err)
		}
		return nil
	})
}

// RemoveContact removes contact from the list of name if present.
func (s *SQLiteStore) RemoveContact(ctx context.Context, name, contact string) error {
	id, err := userID(ctx, s.db, name)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM contacts WHERE user_id = ? AND contact_id IN (SELECT id FROM users WHERE name = ?)`,
		id, contact); err != nil {
		return fmt.Errorf("remove contact %s from %s: %w", contact, name, err)
	}
	return nil
}

// AccountNames returns every account name in order.
func (s *SQLiteStore) AccountNames(ctx context.Context) ([]string, error) {
	return s.queryNames(ctx, `SELECT name FROM users ORDER BY name`)
}

// PublicKey returns the key name advertised at its last login.
func (s *SQLiteStore) PublicKey(ctx context.Context, name string) (string, error) {
	var key sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT pubkey FROM users WHERE name = ?`, name).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrAccountNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("read public key of %s: %w", name, err)
	}
	if !key.Valid || key.String == "" {
		return "", fmt.Errorf("%w: %s", ErrNoPublicKey, name)
	}
	return key.String, nil
}

// BumpSent increments the sent counter of name.
func (s *SQLiteStore) BumpSent(ctx context.Context, name string) error {
	return s.bump(ctx, name, `UPDATE users SET sent = sent + 1 WHERE name = ?`)
}

// BumpReceived increments the received counter of name.
func (s *SQLiteStore) BumpReceived(ctx context.Context, name string) error {
	return s.bump(ctx, name, `UPDATE users SET received = received + 1 WHERE name = ?`)
}

func (s *SQLiteStore) bump(ctx context.Context, name, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, append(args, name)...)
	if err != nil {
		return fmt.Errorf("update counters of %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, name)
	}
	return nil
}

// AddAccount creates an account, failing with ErrAccountExists on a taken name.
func (s *SQLiteStore) AddAccount(ctx context.Context, name string, verifier []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (name, verifier) VALUES (?, ?)`, name, verifier)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("%w: %s", ErrAccountExists, name)
	}
	if err != nil {
		return fmt.Errorf("add account %s: %w", name, err)
	}
	return nil
}

// SetVerifier replaces the verifier of an existing account.
func (s *SQLiteStore) SetVerifier(ctx context.Context, name string, verifier []byte) error {
	return s.bump(ctx, name, `UPDATE users SET verifier = ? WHERE name = ?`, verifier)
}

// RemoveAccount deletes name with its contacts and history.
func (s *SQLiteStore) RemoveAccount(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("remove account %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, name)
	}
	return nil
}

// ActiveUsers returns the accounts currently marked online.
func (s *SQLiteStore) ActiveUsers(ctx context.Context) ([]ActiveUser, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.name, a.ip_address, a.port, a.login_time
		FROM active_users a JOIN users u ON u.id = a.user_id
		ORDER BY u.name`)
	if err != nil {
		return nil, fmt.Errorf("query active users: %w", err)
	}
	defer rows.Close()

	var users []ActiveUser
	for rows.Next() {
		var u ActiveUser
		if err := rows.Scan(&u.Name, &u.IP, &u.Port, &u.LoginTime); err != nil {
			return nil, fmt.Errorf("scan active user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// LoginHistory returns the logins of name, or of everyone when name is empty.
func (s *SQLiteStore) LoginHistory(ctx context.Context, name string) ([]LoginRecord, error) {
	query := `
		SELECT u.name, h.ip_address, h.port, h.date_time
		FROM login_history h JOIN users u ON u.id = h.user_id`
	var args []any
	if name != "" {
		query += ` WHERE u.name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY h.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query login history: %w", err)
	}
	defer rows.Close()

	var records []LoginRecord
	for rows.Next() {
		var r LoginRecord
		if err := rows.Scan(&r.Name, &r.IP, &r.Port, &r.Time); err != nil {
			return nil, fmt.Errorf("scan login record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// MessageStats returns the message counters of every account.
func (s *SQLiteStore) MessageStats(ctx context.Context) ([]MessageStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, last_login, sent, received FROM users ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query message stats: %w", err)
	}
	defer rows.Close()

	var stats []MessageStats
	for rows.Next() {
		var (
			st        MessageStats
			lastLogin sql.NullTime
		)
		if err := rows.Scan(&st.Name, &lastLogin, &st.Sent, &st.Received); err != nil {
			return nil, fmt.Errorf("scan message stats: %w", err)
		}
		st.LastLogin = lastLogin.Time
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) queryNames(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

// IsNotFound reports whether err means the account does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound)
}
