// Package accounts seeds the account table from a TOML file and keeps it in
// step with that file while the server runs.
package accounts

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/Tyrowin/nexus-chat-server/internal/auth"
	"github.com/Tyrowin/nexus-chat-server/internal/storage"
)

// Entry is one account of the seed file. Exactly one of Password and
// Verifier is set; Verifier is the hex text produced by auth.DeriveVerifier.
type Entry struct {
	Name     string `toml:"name"`
	Password string `toml:"password,omitempty"`
	Verifier string `toml:"verifier,omitempty"`
}

type fileSchema struct {
	Accounts []Entry `toml:"account"`
}

// verifier returns the stored form of the entry's credential.
func (e Entry) verifier() []byte {
	if e.Verifier != "" {
		return []byte(strings.ToLower(e.Verifier))
	}
	return auth.DeriveVerifier(e.Name, e.Password)
}

func (e Entry) validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("account without a name")
	}
	switch {
	case e.Password != "" && e.Verifier != "":
		return fmt.Errorf("account %s: set password or verifier, not both", e.Name)
	case e.Password == "" && e.Verifier == "":
		return fmt.Errorf("account %s: password or verifier is required", e.Name)
	case e.Verifier != "":
		if _, err := hex.DecodeString(e.Verifier); err != nil {
			return fmt.Errorf("account %s: verifier is not hex: %w", e.Name, err)
		}
	}
	return nil
}

// Load reads and validates the seed file at path. Duplicate names are an
// error.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	var file fileSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode accounts file: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Accounts))
	for _, entry := range file.Accounts {
		if err := entry.validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[entry.Name]; dup {
			return nil, fmt.Errorf("account %s listed twice", entry.Name)
		}
		seen[entry.Name] = struct{}{}
	}
	return file.Accounts, nil
}

// Save writes entries to path as a seed file.
func Save(path string, entries []Entry) error {
	data, err := toml.Marshal(fileSchema{Accounts: entries})
	if err != nil {
		return fmt.Errorf("encode accounts file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write accounts file: %w", err)
	}
	return nil
}

// SyncResult counts what Sync changed.
type SyncResult struct {
	Added   int
	Updated int
}

// Changed reports whether the account table was modified.
func (r SyncResult) Changed() bool {
	return r.Added+r.Updated > 0
}

// Sync creates missing accounts and replaces verifiers that differ. Accounts
// absent from entries are left alone.
func Sync(ctx context.Context, admin storage.Admin, entries []Entry) (SyncResult, error) {
	var res SyncResult
	for _, entry := range entries {
		want := entry.verifier()

		have, err := admin.Verifier(ctx, entry.Name)
		switch {
		case storage.IsNotFound(err):
			if err := admin.AddAccount(ctx, entry.Name, want); err != nil {
				return res, err
			}
			res.Added++
		case err != nil:
			return res, err
		case !bytes.Equal(have, want):
			if err := admin.SetVerifier(ctx, entry.Name, want); err != nil {
				return res, err
			}
			res.Updated++
		}
	}
	return res, nil
}
