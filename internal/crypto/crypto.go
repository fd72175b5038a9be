package crypto

import (
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
)

// Sealer encrypts and decrypts inventory secrets with a Fernet key.
type Sealer struct {
	key *fernet.Key
}

// NewSealer decodes a base64 Fernet key. An empty key generates a fresh one,
// which is only useful for sealing values within a single process.
func NewSealer(encodedKey string) (*Sealer, error) {
	if encodedKey == "" {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		return &Sealer{key: &k}, nil
	}
	key, err := fernet.DecodeKey(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return &Sealer{key: key}, nil
}

// Key returns the encoded key.
func (s *Sealer) Key() string {
	return s.key.Encode()
}

func (s *Sealer) Encrypt(plaintext string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), s.key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func (s *Sealer) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{s.key})
	if msg == nil {
		return "", fmt.Errorf("decrypt: invalid token")
	}
	return string(msg), nil
}

func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
