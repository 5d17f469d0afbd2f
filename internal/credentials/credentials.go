// Package credentials supplies the sender address and app password used to
// log in to the mail server.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JonMunkholm/certmailer/internal/core"
)

// Static returns fixed credentials.
type Static core.Credentials

// Credentials implements core.CredentialSupplier.
func (s Static) Credentials(ctx context.Context) (core.Credentials, error) {
	if s.Address == "" || s.Secret == "" {
		return core.Credentials{}, core.ErrNoCredentials
	}
	return core.Credentials(s), nil
}

// Env reads credentials from two environment variables on every call.
type Env struct {
	AddressVar string
	SecretVar  string
}

// Credentials implements core.CredentialSupplier.
func (e Env) Credentials(ctx context.Context) (core.Credentials, error) {
	return Static{
		Address: strings.TrimSpace(os.Getenv(e.AddressVar)),
		Secret:  os.Getenv(e.SecretVar),
	}.Credentials(ctx)
}

// fileFormat matches the config.json written by earlier desktop releases.
type fileFormat struct {
	Email       string `json:"email"`
	AppPassword string `json:"app_password"`
}

// File stores credentials as JSON on disk.
type File struct {
	Path string

	mu sync.Mutex
}

// NewFile returns a supplier backed by path.
func NewFile(path string) *File {
	return &File{Path: path}
}

// Credentials implements core.CredentialSupplier. A missing or unreadable
// file yields core.ErrNoCredentials.
func (f *File) Credentials(ctx context.Context) (core.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return core.Credentials{}, core.ErrNoCredentials
	}
	if err != nil {
		return core.Credentials{}, fmt.Errorf("read credentials: %w", err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return core.Credentials{}, core.ErrNoCredentials
	}
	return Static{Address: strings.TrimSpace(ff.Email), Secret: ff.AppPassword}.Credentials(ctx)
}

// Save writes creds to the file, readable by the owner only.
func (f *File) Save(creds core.Credentials) error {
	if strings.TrimSpace(creds.Address) == "" || creds.Secret == "" {
		return errors.New("both email and app password are required")
	}

	data, err := json.MarshalIndent(fileFormat{Email: strings.TrimSpace(creds.Address), AppPassword: creds.Secret}, "", "  ")
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if dir := filepath.Dir(f.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create credentials dir: %w", err)
		}
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// Chain tries each supplier in order and returns the first credentials
// found. Suppliers reporting core.ErrNoCredentials are skipped; other
// errors stop the chain.
type Chain []core.CredentialSupplier

// Credentials implements core.CredentialSupplier.
func (c Chain) Credentials(ctx context.Context) (core.Credentials, error) {
	for _, s := range c {
		creds, err := s.Credentials(ctx)
		if err == nil {
			return creds, nil
		}
		if !errors.Is(err, core.ErrNoCredentials) {
			return core.Credentials{}, err
		}
	}
	return core.Credentials{}, core.ErrNoCredentials
}
