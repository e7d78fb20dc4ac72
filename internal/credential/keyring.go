// Package credential keeps provider client secrets in the system keyring so
// they need not be written to the config file.
package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailsync"

// GoogleClientSecretKey is the keyring entry holding the Google OAuth
// client secret.
const GoogleClientSecretKey = "google-client-secret"

// ErrNotFound is returned when no credential is stored under a key.
var ErrNotFound = errors.New("credential not found")

// Ring reads and writes credentials by key.
type Ring struct {
	open func() (keyring.Keyring, error)
}

// NewRing returns a Ring backed by the system keyring, falling back to an
// encrypted file under ~/.config/mailsync/credentials.
func NewRing() *Ring {
	return &Ring{open: openKeyring}
}

// NewRingFrom returns a Ring over an already opened keyring.
func NewRingFrom(ring keyring.Keyring) *Ring {
	return &Ring{open: func() (keyring.Keyring, error) { return ring, nil }}
}

func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailsync/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailsync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Get retrieves a credential value by key.
func (r *Ring) Get(key string) (string, error) {
	ring, err := r.open()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("getting credential %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a credential value by key.
func (r *Ring) Set(key string, value string) error {
	ring, err := r.open()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: "mailsync " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// Delete removes a credential by key.
func (r *Ring) Delete(key string) error {
	ring, err := r.open()
	if err != nil {
		return err
	}

	if err := ring.Remove(key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}

// Resolve returns configured when it is set and the keyring entry under
// key otherwise. A missing entry yields an empty string.
func (r *Ring) Resolve(configured, key string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	v, err := r.Get(key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}
