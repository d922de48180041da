package assistant

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const (
	apiTokenKeyEnv = "QUESTRO_APIKEY_KEY"
	sealedPrefix   = "v1:"
)

var (
	errInvalidCiphertext = errors.New("invalid api key ciphertext")
	errKeyNotSet         = errors.New(apiTokenKeyEnv + " not set")
)

// keySealer encrypts provider keys with AES-GCM. Each value is bound to its
// (user, provider) row, so a sealed value copied to another row fails to open.
type keySealer struct {
	aead cipher.AEAD
}

func newKeySealerFromEnv() (*keySealer, error) {
	raw := strings.TrimSpace(os.Getenv(apiTokenKeyEnv))
	if raw == "" {
		return nil, errKeyNotSet
	}
	key, err := decodeKey(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", apiTokenKeyEnv, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &keySealer{aead: aead}, nil
}

// decodeKey accepts either 32 raw bytes or their base64 encoding.
func decodeKey(raw string) ([]byte, error) {
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid key length %d, want 32", len(key))
	}
	return key, nil
}

func rowBinding(userID int64, provider string) []byte {
	return []byte("questro:apikey:" + strconv.FormatInt(userID, 10) + ":" + provider)
}

// isSealed reports whether a stored value was written by Seal. Anything else
// is a plaintext row from before encryption was enabled.
func isSealed(stored string) bool {
	return strings.HasPrefix(stored, sealedPrefix)
}

func (k *keySealer) Seal(userID int64, provider, plain string) (string, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := k.aead.Seal(nonce, nonce, []byte(plain), rowBinding(userID, provider))
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (k *keySealer) Open(userID int64, provider, stored string) (string, error) {
	if !isSealed(stored) {
		return "", errInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", errInvalidCiphertext
	}
	ns := k.aead.NonceSize()
	if len(data) < ns {
		return "", errInvalidCiphertext
	}
	plain, err := k.aead.Open(nil, data[:ns], data[ns:], rowBinding(userID, provider))
	if err != nil {
		return "", errInvalidCiphertext
	}
	return string(plain), nil
}
