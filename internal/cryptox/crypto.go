// Package cryptox wraps the primitives the E2EE coordination protocol
// consumes: argon2id key derivation from the account passphrase and
// AES-GCM sealing of JSON documents.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// DeriveKey derives a 32-byte AES key from a passphrase and salt using
// argon2id. Same inputs always yield the same key.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}

// Cipher seals and opens JSON documents with a fixed AES-256-GCM key.
type Cipher struct {
	key []byte
}

// NewCipher wraps key; the key must be 16, 24 or 32 bytes.
func NewCipher(key []byte) (*Cipher, error) {
	switch len(key) {
	case 16, 24, 32:
		return &Cipher{key: key}, nil
	default:
		return nil, fmt.Errorf("invalid key length %d", len(key))
	}
}

// NewCipherFromPassphrase derives the key with DeriveKey and wraps it.
func NewCipherFromPassphrase(passphrase, salt []byte) *Cipher {
	return &Cipher{key: DeriveKey(passphrase, salt)}
}

type envelope struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Seal serializes v to JSON, encrypts it with a fresh random nonce and
// returns a base64 payload suitable for publishing as a metadata document.
func (c *Cipher) Seal(v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	aesgcm, err := c.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aesgcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	env := envelope{Nonce: nonce, Ciphertext: aesgcm.Seal(nil, nonce, plaintext, nil)}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Open decrypts a payload produced by Seal and unmarshals the plaintext
// JSON into v.
func (c *Cipher) Open(payload string, v any) error {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}

	aesgcm, err := c.gcm()
	if err != nil {
		return err
	}

	plaintext, err := aesgcm.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}
	return json.Unmarshal(plaintext, v)
}

// RandomToken returns n random bytes base64-encoded, for per-file keys and
// nonces recorded in metadata documents.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func (c *Cipher) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
