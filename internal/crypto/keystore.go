package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "nodelink"
	keyringUser    = "settings-key"

	// EnvSettingsKey overrides the keyring (headless hosts without a secret service).
	EnvSettingsKey = "NODELINK_SETTINGS_KEY"
)

// KeyStore loads the settings encryption key.
type KeyStore interface {
	LoadOrCreate() ([]byte, error)
}

// KeyringStore keeps the key in the OS keyring (Keychain, Secret Service,
// Windows Credential Manager).
type KeyringStore struct {
	Service string
	User    string
}

// NewKeyringStore returns a store using the default service/user names.
// profile distinguishes several data directories on one host.
func NewKeyringStore(profile string) *KeyringStore {
	user := keyringUser
	if profile != "" {
		user += ":" + profile
	}
	return &KeyringStore{Service: keyringService, User: user}
}

// LoadOrCreate returns the stored key, generating and saving one on first use.
func (k *KeyringStore) LoadOrCreate() ([]byte, error) {
	if v := os.Getenv(EnvSettingsKey); v != "" {
		return DeriveKey(v)
	}

	stored, err := keyring.Get(k.Service, k.User)
	if err == nil {
		return DeriveKey(stored)
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("keyring unavailable (set %s to bypass): %w", EnvSettingsKey, err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := keyring.Set(k.Service, k.User, hex.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("store key in keyring: %w", err)
	}
	slog.Info("settings key created in keyring", "service", k.Service)
	return key, nil
}

// Delete removes the key; existing settings become unreadable.
func (k *KeyringStore) Delete() error {
	err := keyring.Delete(k.Service, k.User)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// StaticKey is a KeyStore holding a fixed key.
type StaticKey []byte

func (s StaticKey) LoadOrCreate() ([]byte, error) {
	if len(s) != 32 {
		return nil, errors.New("static key must be 32 bytes")
	}
	return []byte(s), nil
}
