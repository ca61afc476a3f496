package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memoryAccount struct {
	verifier  []byte
	pubkey    string
	lastLogin time.Time
	contacts  map[string]struct{}
	sent      int
	received  int
}

// MemoryStore is an Admin kept entirely in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*memoryAccount
	active   map[string]ActiveUser
	history  []LoginRecord
	now      func() time.Time
}

var _ Admin = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*memoryAccount),
		active:   make(map[string]ActiveUser),
		now:      time.Now,
	}
}

func (m *MemoryStore) account(name string) (*memoryAccount, error) {
	acc, ok := m.accounts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, name)
	}
	return acc, nil
}

// Verifier returns the stored password verifier of name.
func (m *MemoryStore) Verifier(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, err := m.account(name)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), acc.verifier...), nil
}

// RecordLogin marks name online and appends a login history entry.
func (m *MemoryStore) RecordLogin(ctx context.Context, name, ip string, port int, pubkey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, err := m.account(name)
	if err != nil {
		return err
	}
	now := m.now()
	acc.lastLogin = now
	if pubkey != "" {
		acc.pubkey = pubkey
	}
	m.active[name] = ActiveUser{Name: name, IP: ip, Port: port, LoginTime: now}
	m.history = append(m.history, LoginRecord{Name: name, IP: ip, Port: port, Time: now})
	return nil
}

// RecordLogout clears the online mark of name.
func (m *MemoryStore) RecordLogout(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.account(name); err != nil {
		return err
	}
	delete(m.active, name)
	return nil
}

// Contacts returns the contact names of name in order.
func (m *MemoryStore) Contacts(ctx context.Context, name string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, err := m.account(name)
	if err != nil {
		return nil, err
	}
	return sortedKeys(acc.contacts), nil
}

// AddContact adds contact to the list of name; adding twice is a no-op.
func (m *MemoryStore) AddContact(ctx context.Context, name, contact string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, err := m.account(name)
	if err != nil {
		return err
	}
	if _, err := m.account(contact); err != nil {
		return err
	}
	acc.contacts[contact] = struct{}{}
	return nil
}

// RemoveContact removes contact from the list of name if present.
func (m *MemoryStore) RemoveContact(ctx context.Context, name, contact string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, err := m.account(name)
	if err != nil {
		return err
	}
	delete(acc.contacts, contact)
	return nil
}

// AccountNames returns every account name in order.
func (m *MemoryStore) AccountNames(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.accounts))
	for name := range m.accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// PublicKey returns the key name advertised at its last login.
func (m *MemoryStore) PublicKey(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, err := m.account(name)
	if err != nil {
		return "", err
	}
	if acc.pubkey == "" {
		return "", fmt.Errorf("%w: %s", ErrNoPublicKey, name)
	}
	return acc.pubkey, nil
}

// BumpSent increments the sent counter of name.
func (m *MemoryStore) BumpSent(ctx context.Context, name string) error {
	return m.bump(ctx, name, func(acc *memoryAccount) { acc.sent++ })
}

// BumpReceived increments the received counter of name.
func (m *MemoryStore) BumpReceived(ctx context.Context, name string) error {
	return m.bump(ctx, name, func(acc *memoryAccount) { acc.received++ })
}

func (m *MemoryStore) bump(ctx context.Context, name string, apply func(*memoryAccount)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, err := m.account(name)
	if err != nil {
		return err
	}
	apply(acc)
	return nil
}

// AddAccount creates an account, failing with ErrAccountExists on a taken name.
func (m *MemoryStore) AddAccount(ctx context.Context, name string, verifier []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[name]; ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, name)
	}
	m.accounts[name] = &memoryAccount{
		verifier: append([]byte(nil), verifier...),
		contacts: make(map[string]struct{}),
	}
	return nil
}

// SetVerifier replaces the verifier of an existing account.
func (m *MemoryStore) SetVerifier(ctx context.Context, name string, verifier []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, err := m.account(name)
	if err != nil {
		return err
	}
	acc.verifier = append([]byte(nil), verifier...)
	return nil
}

// RemoveAccount deletes name with its contacts and history.
func (m *MemoryStore) RemoveAccount(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.account(name); err != nil {
		return err
	}
	delete(m.accounts, name)
	delete(m.active, name)
	for _, acc := range m.accounts {
		delete(acc.contacts, name)
	}
	kept := m.history[:0]
	for _, rec := range m.history {
		if rec.Name != name {
			kept = append(kept, rec)
		}
	}
	m.history = kept
	return nil
}

// ActiveUsers returns the accounts currently marked online.
func (m *MemoryStore) ActiveUsers(ctx context.Context) ([]ActiveUser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make([]ActiveUser, 0, len(m.active))
	for _, u := range m.active {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users, nil
}

// LoginHistory returns the logins of name, or of everyone when name is empty.
func (m *MemoryStore) LoginHistory(ctx context.Context, name string) ([]LoginRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]LoginRecord, 0, len(m.history))
	for _, rec := range m.history {
		if name == "" || rec.Name == name {
			records = append(records, rec)
		}
	}
	return records, nil
}

// MessageStats returns the message counters of every account.
func (m *MemoryStore) MessageStats(ctx context.Context) ([]MessageStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make([]MessageStats, 0, len(m.accounts))
	for name, acc := range m.accounts {
		stats = append(stats, MessageStats{Name: name, LastLogin: acc.lastLogin, Sent: acc.sent, Received: acc.received})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
