package store

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrInvalidKey is returned when the configured master key is not a valid
// 32-byte hex string.
var ErrInvalidKey = errors.New("store: invalid master key")

// ErrInvalidCiphertext is returned when a sealed value is too short or
// malformed to have come from Seal.
var ErrInvalidCiphertext = errors.New("store: invalid ciphertext")

// secretBox seals/opens small secrets (instance API keys, platform config
// tokens) with XChaCha20-Poly1305 under a single master key. Grounded on
// the teacher's token-at-rest concern, built on golang.org/x/crypto rather
// than re-deriving the teacher's stdlib AES-GCM helper.
type secretBox struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

func newSecretBox(masterKeyHex string) (*secretBox, error) {
	if masterKeyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil || len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "construct aead")
	}
	return &secretBox{aead: aead}, nil
}

func (b *secretBox) seal(plaintext string) (string, error) {
	if b == nil {
		return plaintext, nil
	}
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Wrap(err, "generate nonce")
	}
	ciphertext := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (b *secretBox) open(sealed string) (string, error) {
	if b == nil {
		return sealed, nil
	}
	if sealed == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	ns := b.aead.NonceSize()
	if len(data) < ns {
		return "", ErrInvalidCiphertext
	}
	nonce, ciphertext := data[:ns], data[ns:]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errors.Wrap(err, "open sealed value")
	}
	return string(plaintext), nil
}

// secretConfigKeys names the Platform.Config map keys treated as secrets.
var secretConfigKeys = map[string]bool{
	"api_key":  true,
	"password": true,
	"token":    true,
}
