package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// sealer encrypts values at rest with AES-256-GCM. The key is derived from
// the configured secret with scrypt; the per-database salt lives in the
// settings bucket.
type sealer struct {
	key []byte
}

func newSealer(secret string, salt []byte) (*sealer, error) {
	key, err := scrypt.Key([]byte(secret), salt, 16384, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return &sealer{key: key}, nil
}

// Seal encrypts plaintext. The nonce is prepended to the ciphertext.
func (s *sealer) Seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a value produced by Seal.
func (s *sealer) Open(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, data := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting value: %w", err)
	}
	return plaintext, nil
}

// secretFingerprint identifies the secret without revealing it, so a changed
// secret is detected at open instead of surfacing as garbage decrypts later.
func secretFingerprint(secret string, salt []byte) string {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(secret))
	return fmt.Sprintf("%x", h.Sum(nil))
}
