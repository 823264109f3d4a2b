// Package keystore remembers the capsule key in the operating system keyring so
// the CLI does not need --key on every call.
package keystore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	// Service is the keyring service name entries are filed under.
	Service = "timecapsule"
	account = "owner-key"
)

// Store reads and writes one key under Service.
type Store struct {
	service string
}

// New returns a Store for service; an empty service uses Service.
func New(service string) *Store {
	if service == "" {
		service = Service
	}
	return &Store{service: service}
}

// Set saves key, replacing any previous one.
func (s *Store) Set(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("refusing to store an empty capsule key")
	}
	if err := keyring.Set(s.service, account, key); err != nil {
		return fmt.Errorf("store capsule key: %w", err)
	}
	return nil
}

// Get returns the saved key, or "" when none has been stored.
func (s *Store) Get() (string, error) {
	key, err := keyring.Get(s.service, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read capsule key: %w", err)
	}
	return key, nil
}

// Clear forgets the saved key. Clearing an empty store is not an error.
func (s *Store) Clear() error {
	if err := keyring.Delete(s.service, account); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("clear capsule key: %w", err)
	}
	return nil
}
