package sshclient

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/slurmdeck/backend/internal/crypto"
)

// LoginStore persists the last successful login payload encrypted at
// rest, so a restarted consumer can re-establish its session without
// prompting for credentials again.
type LoginStore struct {
	path string
}

func NewLoginStore(path string) *LoginStore {
	return &LoginStore{path: path}
}

// Save encrypts and writes the payload. The file is created with owner
// only permissions.
func (s *LoginStore) Save(p LoginPayload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal login payload: %w", err)
	}
	enc, err := crypto.Encrypt(string(raw))
	if err != nil {
		return fmt.Errorf("encrypt login payload: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path, []byte(enc), 0o600)
}

// Load reads and decrypts the stored payload. os.ErrNotExist surfaces
// unchanged when nothing was saved yet.
func (s *LoginStore) Load() (LoginPayload, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return LoginPayload{}, err
	}
	plain, err := crypto.Decrypt(string(raw))
	if err != nil {
		return LoginPayload{}, fmt.Errorf("decrypt login payload: %w", err)
	}
	var p LoginPayload
	if err := json.Unmarshal([]byte(plain), &p); err != nil {
		return LoginPayload{}, fmt.Errorf("unmarshal login payload: %w", err)
	}
	return p, nil
}

// Clear removes the stored payload. Missing file is not an error.
func (s *LoginStore) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
