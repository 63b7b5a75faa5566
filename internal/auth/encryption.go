package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

const sealedPrefix = "v1:"

// ErrSealedKeyInvalid means a stored key could not be opened for its owner.
var ErrSealedKeyInvalid = errors.New("sealed key cannot be opened")

// Encryptor seals gateway API keys at rest with AES-256-GCM. The owning
// user id is bound as additional data, so a sealed key copied onto another
// account does not open.
type Encryptor struct {
	gcm cipher.AEAD
}

func NewEncryptor(hexKey string) (*Encryptor, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Encryptor{gcm: gcm}, nil
}

// Seal encrypts apiKey for owner. The result is "v1:" followed by hex of nonce||ciphertext.
func (e *Encryptor) Seal(owner uuid.UUID, apiKey string) (string, error) {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := e.gcm.Seal(nonce, nonce, []byte(apiKey), owner[:])
	return sealedPrefix + hex.EncodeToString(sealed), nil
}

// Open reverses Seal for the same owner.
func (e *Encryptor) Open(owner uuid.UUID, sealed string) (string, error) {
	raw, ok := strings.CutPrefix(sealed, sealedPrefix)
	if !ok {
		return "", fmt.Errorf("%w: unknown format", ErrSealedKeyInvalid)
	}
	data, err := hex.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealedKeyInvalid, err)
	}

	nonceSize := e.gcm.NonceSize()
	if len(data) < nonceSize+e.gcm.Overhead() {
		return "", fmt.Errorf("%w: too short", ErrSealedKeyInvalid)
	}

	plaintext, err := e.gcm.Open(nil, data[:nonceSize], data[nonceSize:], owner[:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealedKeyInvalid, err)
	}
	return string(plaintext), nil
}
