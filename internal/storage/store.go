// Package storage provides the account, contact and history capability the
// chat server consumes, together with an SQLite implementation for production
// and an in-memory implementation for tests and ephemeral servers.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrNoPublicKey     = errors.New("no public key for account")
)

// Store is the capability set used by the server while routing.
type Store interface {
	// Verifier returns the password verifier of name, or ErrAccountNotFound.
	Verifier(ctx context.Context, name string) ([]byte, error)
	// RecordLogin marks name online from ip:port. An empty pubkey keeps the
	// previously stored key.
	RecordLogin(ctx context.Context, name, ip string, port int, pubkey string) error
	RecordLogout(ctx context.Context, name string) error
	Contacts(ctx context.Context, name string) ([]string, error)
	// AddContact and RemoveContact are idempotent.
	AddContact(ctx context.Context, name, contact string) error
	RemoveContact(ctx context.Context, name, contact string) error
	AccountNames(ctx context.Context) ([]string, error)
	// PublicKey returns ErrNoPublicKey when the account never advertised one.
	PublicKey(ctx context.Context, name string) (string, error)
	BumpSent(ctx context.Context, name string) error
	BumpReceived(ctx context.Context, name string) error
}

// Admin is the management surface used by the server binary.
type Admin interface {
	Store
	AddAccount(ctx context.Context, name string, verifier []byte) error
	SetVerifier(ctx context.Context, name string, verifier []byte) error
	RemoveAccount(ctx context.Context, name string) error
	ActiveUsers(ctx context.Context) ([]ActiveUser, error)
	// LoginHistory returns every login of name, or of all accounts when name
	// is empty, oldest first.
	LoginHistory(ctx context.Context, name string) ([]LoginRecord, error)
	MessageStats(ctx context.Context) ([]MessageStats, error)
	Close() error
}

// ActiveUser is an account currently marked online.
type ActiveUser struct {
	Name      string
	IP        string
	Port      int
	LoginTime time.Time
}

// LoginRecord is one entry of the login history.
type LoginRecord struct {
	Name string
	IP   string
	Port int
	Time time.Time
}

// MessageStats holds per-account message counters.
type MessageStats struct {
	Name      string
	LastLogin time.Time
	Sent      int
	Received  int
}
