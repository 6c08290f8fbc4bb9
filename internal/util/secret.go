package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// sealedPrefix marks values produced by SealSecret. Rows written before a
// master key was configured carry no prefix and pass through unchanged.
const sealedPrefix = "enc:v1:"

const (
	sealSaltLen   = 16
	sealKeyLen    = 32
	sealKeyRounds = 4096
)

var errSealedTooShort = errors.New("sealed value too short")

// SealSecret encrypts a device credential with AES-256-GCM under a key
// derived from masterKey. An empty masterKey or empty value returns the
// value unchanged, so deployments without a configured key keep working.
func SealSecret(masterKey, value string) (string, error) {
	if masterKey == "" || value == "" {
		return value, nil
	}

	salt := make([]byte, sealSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newSealGCM(masterKey, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(value), nil)

	// 存储布局：salt | nonce | ciphertext
	buf := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	buf = append(buf, salt...)
	buf = append(buf, nonce...)
	buf = append(buf, sealed...)

	return sealedPrefix + base64.StdEncoding.EncodeToString(buf), nil
}

// OpenSecret reverses SealSecret. Values without the sealed prefix are
// returned as-is, covering plaintext rows and an unset master key.
func OpenSecret(masterKey, value string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}
	if masterKey == "" {
		return "", errors.New("sealed credential present but no master key configured")
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed value: %w", err)
	}
	if len(raw) < sealSaltLen {
		return "", errSealedTooShort
	}

	salt := raw[:sealSaltLen]
	gcm, err := newSealGCM(masterKey, salt)
	if err != nil {
		return "", err
	}
	if len(raw) < sealSaltLen+gcm.NonceSize() {
		return "", errSealedTooShort
	}

	nonce := raw[sealSaltLen : sealSaltLen+gcm.NonceSize()]
	sealed := raw[sealSaltLen+gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to open sealed value: %w", err)
	}
	return string(plain), nil
}

// IsSealed reports whether a stored credential was produced by SealSecret.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}

func newSealGCM(masterKey string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(masterKey), salt, sealKeyRounds, sealKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return gcm, nil
}
