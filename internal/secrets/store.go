// Package secrets stores API keys and other small credentials in the
// OS keychain when one is reachable, falling back to an encrypted file
// for headless hosts. Both backends share the Store interface so the
// rest of the runtime never branches on which one is active.
package secrets

import (
	"fmt"
	"os"
	"strings"
)

// Store reads and writes namespaced secret values.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
	Has(key string) bool
	BackendName() string
}

// Config selects and configures a Store.
type Config struct {
	Namespace string
	// Backend is "auto", "keychain", or "file". Empty means auto.
	Backend string
	// Home overrides the user home directory the file backend writes
	// under; empty uses os.UserHomeDir().
	Home string
}

// autoStore wraps a keychain backend and fails over to the encrypted
// file backend within a single process when the keychain stops being
// reachable (e.g. a headless SSH session with no keyring daemon).
type autoStore struct {
	namespace string
	home      string
	auto      bool
	active    Store
	keychain  *keychainBackend
	file      *fileBackend
}

// New resolves a Store per cfg.Backend: "keychain" requires a usable
// keychain and errors otherwise, "file" always uses the encrypted file
// backend, and "auto" (the default) prefers the keychain and falls back
// to the file backend when the keychain is unavailable or unusable.
func New(cfg Config) (Store, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "nexus"
	}
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = "auto"
	}
	home := cfg.Home
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("secrets: resolve home directory: %w", err)
		}
		home = h
	}

	kc := newKeychainBackend(cfg.Namespace)

	switch backend {
	case "keychain":
		if !kc.available || !kc.isUsable() {
			return nil, fmt.Errorf("secrets: keychain backend requested but unavailable")
		}
		return kc, nil
	case "file":
		fb, err := newFileBackend(home, cfg.Namespace)
		if err != nil {
			return nil, err
		}
		return fb, nil
	default:
		s := &autoStore{namespace: cfg.Namespace, home: home, auto: true, keychain: kc}
		if kc.available && kc.isUsable() {
			s.active = kc
		} else {
			fb, err := newFileBackend(home, cfg.Namespace)
			if err != nil {
				return nil, err
			}
			s.file = fb
			s.active = fb
		}
		return s, nil
	}
}

func (s *autoStore) fileBackend() (*fileBackend, error) {
	if s.file == nil {
		fb, err := newFileBackend(s.home, s.namespace)
		if err != nil {
			return nil, err
		}
		s.file = fb
	}
	return s.file, nil
}

// maybeFailOver switches to the file backend once the active keychain
// stops being usable, mirroring a session losing its keyring daemon
// mid-run rather than at startup.
func (s *autoStore) maybeFailOver() bool {
	if !s.auto {
		return false
	}
	if _, ok := s.active.(*keychainBackend); ok && !s.keychain.isUsable() {
		fb, err := s.fileBackend()
		if err != nil {
			return false
		}
		s.active = fb
		return true
	}
	return false
}

func (s *autoStore) Get(key string) (string, bool) {
	value, ok := s.active.Get(key)
	if !ok && s.maybeFailOver() {
		return s.active.Get(key)
	}
	return value, ok
}

func (s *autoStore) Set(key, value string) error {
	err := s.active.Set(key, value)
	if err != nil && s.maybeFailOver() {
		return s.active.Set(key, value)
	}
	return err
}

func (s *autoStore) Delete(key string) error {
	err := s.active.Delete(key)
	if err != nil && s.maybeFailOver() {
		return s.active.Delete(key)
	}
	return err
}

func (s *autoStore) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

func (s *autoStore) BackendName() string { return s.active.BackendName() }
