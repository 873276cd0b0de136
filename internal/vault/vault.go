// Package vault seals agent session material at rest.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// Vault is the secure-storage capability used by the session pool.
type Vault interface {
	Seal(plaintext []byte) (string, error)
	Open(sealed string) ([]byte, error)
}

// Config holds vault configuration
type Config struct {
	MasterKey string
	Salt      []byte // Optional: if nil, will be generated
}

// AESVault implements Vault with AES-256-GCM under an Argon2id-derived master key.
type AESVault struct {
	masterKey []byte
}

const saltLen = 16

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// New derives the master key and returns a ready vault.
func New(config Config) (*AESVault, error) {
	if config.MasterKey == "" {
		return nil, errors.New("master key required")
	}

	salt := config.Salt
	if salt == nil {
		salt = make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
	}

	return &AESVault{masterKey: deriveKey(config.MasterKey, salt, 32)}, nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (v *AESVault) Seal(plaintext []byte) (string, error) {
	gcm, err := v.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, plaintext, nil)), nil
}

// Open reverses Seal.
func (v *AESVault) Open(sealed string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("invalid sealed value: %w", err)
	}

	gcm, err := v.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func (v *AESVault) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func deriveKey(password string, salt []byte, keyLen uint32) []byte {
	return argon2.IDKey([]byte(password), salt, 3, 32*1024, 4, keyLen)
}
