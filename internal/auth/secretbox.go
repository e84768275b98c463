package auth

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var errSealedSecret = errors.New("auth: sealed secret is malformed")

// SecretBox seals two-factor secrets at rest with XChaCha20-Poly1305. The
// account id is bound as associated data so a sealed secret cannot be moved
// to another account.
type SecretBox struct {
	key []byte
}

// NewSecretBox accepts a 32-byte key. An empty key generates an ephemeral
// one; secrets sealed under it do not survive a restart.
func NewSecretBox(key []byte) (*SecretBox, error) {
	if len(key) == 0 {
		key = make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("auth: secret box key: %w", err)
		}
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("auth: secret box key must be %d bytes", chacha20poly1305.KeySize)
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &SecretBox{key: k}, nil
}

// Seal returns nonce || ciphertext.
func (b *SecretBox) Seal(accountID string, secret []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(secret)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, secret, []byte(accountID)), nil
}

func (b *SecretBox) Open(accountID string, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errSealedSecret
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, []byte(accountID))
	if err != nil {
		return nil, errSealedSecret
	}
	return plain, nil
}
