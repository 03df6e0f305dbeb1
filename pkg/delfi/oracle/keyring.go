// Package oracle – keyring.go resolves the meshtastic bridge token
// using the operating system's native keyring (Linux: Secret
// Service/GNOME Keyring, macOS: Keychain, Windows: Credential
// Manager).
//
// Priority for resolving the token:
//  1. OS keyring (encrypted by the OS, requires user session)
//  2. Environment variable DELFI_BRIDGE_TOKEN
//  3. .env file (loaded by godotenv)
//  4. config value (least secure, plaintext on disk)
package oracle

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "delfi"

	// keyringBridgeToken is the key name for the bridge auth token.
	keyringBridgeToken = "bridge_token"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__delfi_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveBridgeToken resolves the bridge auth token using the
// priority chain and updates the config in place. A missing token is
// not an error: a local meshtasticd usually runs unauthenticated.
func ResolveBridgeToken(cfg *Config, logger *slog.Logger) {
	if val := GetKeyring(keyringBridgeToken); val != "" {
		cfg.Radio.AuthToken = val
		logger.Debug("bridge token loaded from OS keyring")
		return
	}

	// Env and .env values were already folded in by the loader; a
	// non-reference config value is kept as-is.
	if cfg.Radio.AuthToken != "" && !isEnvReference(cfg.Radio.AuthToken) {
		logger.Debug("bridge token loaded from config/env")
		return
	}

	// Unresolved ${VAR} placeholder: treat as no token.
	if isEnvReference(cfg.Radio.AuthToken) {
		cfg.Radio.AuthToken = ""
	}
}

// MigrateTokenToKeyring moves the bridge token from config/env to the
// OS keyring.
func MigrateTokenToKeyring(token string, logger *slog.Logger) error {
	if err := StoreKeyring(keyringBridgeToken, token); err != nil {
		return fmt.Errorf("storing in keyring: %w", err)
	}
	logger.Info("bridge token stored in OS keyring",
		"service", keyringService,
		"hint", "You can now remove it from .env and config.yaml")
	return nil
}

// ReadSecret prompts for a secret without echoing it. Fails when
// stdin is not a terminal.
func ReadSecret(prompt string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("stdin is not a terminal")
	}
	fmt.Print(prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return string(b), nil
}
