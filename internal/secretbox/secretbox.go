// Package secretbox — AES-GCM шифрование строк ключом, производным от секрета.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

const (
	gcmIVLen  = 12
	gcmTagLen = 16
)

type Box struct {
	aead cipher.AEAD
}

func New(secret string) (*Box, error) {
	if secret == "" {
		return nil, errors.New("secret required")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: gcm}, nil
}

// Seal → base64(iv || ciphertext).
func (b *Box) Seal(plain string) (string, error) {
	if plain == "" {
		return "", errors.New("plaintext required")
	}
	iv := make([]byte, gcmIVLen)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	out := b.aead.Seal(iv, iv, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (b *Box) Open(encrypted string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", err
	}
	if len(data) < gcmIVLen+gcmTagLen {
		return "", errors.New("ciphertext too short")
	}
	plain, err := b.aead.Open(nil, data[:gcmIVLen], data[gcmIVLen:], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Hash — sha256 hex, для поиска по входящему bearer-ключу.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
