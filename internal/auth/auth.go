// Package auth implements the Run-Session Core's auth/validation shim: a
// single shared key, checked with isAuthorized(credential) -> bool per
// SPEC_FULL.md §6.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
)

const keyLength = 32

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateKey creates a random 32-character alphanumeric key and writes it
// to dataDir/key with permissions 0600.
func GenerateKey(dataDir string) (string, error) {
	key, err := randomAlphanumeric(keyLength)
	if err != nil {
		return "", fmt.Errorf("generating random key: %w", err)
	}

	path := keyPath(dataDir)
	if err := os.WriteFile(path, []byte(key), 0600); err != nil {
		return "", fmt.Errorf("writing key to %s: %w", path, err)
	}

	return key, nil
}

// LoadOrGenerateKey returns the auth key using this priority:
//  1. DISPATCH_AUTH_KEY environment variable (also written to disk so
//     IsAuthorized can validate against it)
//  2. Existing key file on disk
//  3. Newly generated key
func LoadOrGenerateKey(dataDir string) (string, error) {
	if envKey := strings.TrimSpace(os.Getenv("DISPATCH_AUTH_KEY")); envKey != "" {
		path := keyPath(dataDir)
		if err := os.WriteFile(path, []byte(envKey), 0600); err != nil {
			return "", fmt.Errorf("writing key to %s: %w", path, err)
		}
		return envKey, nil
	}

	path := keyPath(dataDir)
	if data, err := os.ReadFile(path); err == nil {
		if key := strings.TrimSpace(string(data)); key != "" {
			return key, nil
		}
	}

	return GenerateKey(dataDir)
}

// IsAuthorized compares a candidate credential against the stored key on
// disk using constant-time comparison. This is the function SPEC_FULL.md §6
// requires the core to expose: isAuthorized(credential) -> bool.
func IsAuthorized(dataDir string, candidate string) bool {
	data, err := os.ReadFile(keyPath(dataDir))
	if err != nil {
		return false
	}
	stored := strings.TrimSpace(string(data))
	candidate = strings.TrimSpace(candidate)
	return subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) == 1
}

func keyPath(dataDir string) string {
	return filepath.Join(dataDir, "key")
}

func randomAlphanumeric(n int) (string, error) {
	max := big.NewInt(int64(len(alphanumeric)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphanumeric[idx.Int64()]
	}
	return string(b), nil
}
