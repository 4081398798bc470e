package sshclient

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoginStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "login.enc")
	store := NewLoginStore(path)

	payload := LoginPayload{
		Type: "ssh-login", Username: "alice", Password: "secret",
		Host: "hpc.example.edu", Port: 22,
	}
	if err := store.Save(payload); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Credentials must not be readable from the file itself.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "secret") {
		t.Error("stored payload is not encrypted")
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != payload {
		t.Errorf("Load = %+v, want %+v", got, payload)
	}
}

func TestLoginStore_LoadMissing(t *testing.T) {
	store := NewLoginStore(filepath.Join(t.TempDir(), "absent"))
	if _, err := store.Load(); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestLoginStore_Clear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "login.enc")
	store := NewLoginStore(path)

	if err := store.Save(LoginPayload{Username: "alice"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Clear should remove the file")
	}

	// Clearing again is not an error.
	if err := store.Clear(); err != nil {
		t.Errorf("second Clear: %v", err)
	}
}
