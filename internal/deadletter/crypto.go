package deadletter

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// payloadCipher encrypts archived payloads at rest with AES-256-GCM. Raw
// message content can carry personal data, so dead-letter rows never store
// it in the clear.
type payloadCipher struct {
	gcm cipher.AEAD
}

func newPayloadCipher(key []byte) (*payloadCipher, error) {
	if len(key) != 32 {
		return nil, errors.New("deadletter: encryption key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("deadletter: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("deadletter: create GCM: %w", err)
	}
	return &payloadCipher{gcm: gcm}, nil
}

// encrypt returns nonce+ciphertext.
func (c *payloadCipher) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("deadletter: generate nonce: %w", err)
	}
	return c.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *payloadCipher) decrypt(data []byte) ([]byte, error) {
	nonceSize := c.gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("deadletter: ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("deadletter: decrypt payload: %w", err)
	}
	return plaintext, nil
}
