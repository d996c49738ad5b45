// Package secret encrypts node credentials at rest.
//
// Ciphertext is produced with filippo.io/age to the X25519 recipient of
// the control plane's identity and stored base64-encoded in the
// registry. The identity string (AGE-SECRET-KEY-1...) is the
// server-held secret; losing it makes stored SSH secrets unreadable.
package secret

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// Cipher is a reversible string cipher keyed by a server-held secret.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// AgeCipher implements Cipher with an age X25519 identity.
type AgeCipher struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewAgeCipher parses an AGE-SECRET-KEY-1... identity.
func NewAgeCipher(key string) (*AgeCipher, error) {
	identity, err := age.ParseX25519Identity(strings.TrimSpace(key))
	if err != nil {
		return nil, fmt.Errorf("parsing credential key: %w", err)
	}
	return &AgeCipher{identity: identity, recipient: identity.Recipient()}, nil
}

// GenerateKey returns a fresh identity string for NewAgeCipher.
func GenerateKey() (string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", err
	}
	return identity.String(), nil
}

// Encrypt returns base64(age ciphertext). Empty input stays empty.
func (c *AgeCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, c.recipient)
	if err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decrypt reverses Encrypt.
func (c *AgeCipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), c.identity)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}
	return string(plain), nil
}

// Plaintext is a no-op Cipher for development and tests.
type Plaintext struct{}

func (Plaintext) Encrypt(s string) (string, error) { return s, nil }
func (Plaintext) Decrypt(s string) (string, error) { return s, nil }

// ErrNoKey reports a missing credential key outside development mode.
var ErrNoKey = errors.New("credential key not configured")
