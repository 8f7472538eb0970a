package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const (
	sealedPrefix = "dispatch.secret.v1:"
	algorithm    = "aes-256-gcm"
)

type sealedSecret struct {
	KeyID      string `json:"kid"`
	Version    int    `json:"ver"`
	Algorithm  string `json:"alg"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Cipher seals secrets with AES-GCM under a single application key.
// The associated data binds a sealed value to the scope it was written for.
type Cipher struct {
	aead    cipher.AEAD
	keyID   string
	version int
}

// NewCipher derives the AES key from keyMaterial. Material of 16, 24 or 32
// bytes is used as-is; anything else is hashed with SHA-256.
func NewCipher(keyMaterial, keyID string, version int) (*Cipher, error) {
	material := strings.TrimSpace(keyMaterial)
	if material == "" {
		return nil, fmt.Errorf("vault: key material is required")
	}
	if keyID == "" {
		keyID = "app-key"
	}
	if version <= 0 {
		version = 1
	}

	block, err := aes.NewCipher(deriveKey([]byte(material)))
	if err != nil {
		return nil, fmt.Errorf("vault: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: create gcm: %w", err)
	}
	return &Cipher{aead: aead, keyID: keyID, version: version}, nil
}

// Seal encrypts plaintext for scope and returns the printable envelope.
func (c *Cipher) Seal(plaintext, scope string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("vault: plaintext is required")
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), []byte(scope))
	data, err := json.Marshal(sealedSecret{
		KeyID:      c.keyID,
		Version:    c.version,
		Algorithm:  algorithm,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return "", fmt.Errorf("vault: encode envelope: %w", err)
	}
	return sealedPrefix + string(data), nil
}

// Open reverses Seal. It rejects envelopes written under another key id or
// version, and any value sealed for a different scope.
func (c *Cipher) Open(envelope, scope string) (string, error) {
	payload, ok := strings.CutPrefix(envelope, sealedPrefix)
	if !ok {
		return "", fmt.Errorf("vault: unrecognised envelope")
	}

	var parsed sealedSecret
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return "", fmt.Errorf("vault: decode envelope: %w", err)
	}
	if parsed.KeyID != c.keyID {
		return "", fmt.Errorf("vault: key id mismatch: got %q want %q", parsed.KeyID, c.keyID)
	}
	if parsed.Version != c.version {
		return "", fmt.Errorf("vault: key version mismatch: got %d want %d", parsed.Version, c.version)
	}
	if parsed.Algorithm != algorithm {
		return "", fmt.Errorf("vault: unsupported algorithm %q", parsed.Algorithm)
	}

	nonce, err := base64.StdEncoding.DecodeString(parsed.Nonce)
	if err != nil {
		return "", fmt.Errorf("vault: decode nonce: %w", err)
	}
	if len(nonce) != c.aead.NonceSize() {
		return "", fmt.Errorf("vault: bad nonce length %d", len(nonce))
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parsed.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("vault: decode ciphertext: %w", err)
	}

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, []byte(scope))
	if err != nil {
		return "", fmt.Errorf("vault: open: %w", err)
	}
	return string(plaintext), nil
}

func deriveKey(material []byte) []byte {
	switch len(material) {
	case 16, 24, 32:
		return append([]byte(nil), material...)
	}
	sum := sha256.Sum256(material)
	return sum[:]
}
