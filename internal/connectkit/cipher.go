package connectkit

import (
	"bytes"
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	envelopeVersion   = "tc1"
	envelopeSeparator = "."
	keyDerivationInfo = "tconnect token encryption v1"
)

var (
	errEmptyKeyMaterial   = errors.New("token_cipher.empty_key_material")
	errInvalidKeyID       = errors.New("token_cipher.invalid_key_id")
	errDuplicateKeyID     = errors.New("token_cipher.duplicate_key_id")
	errEmptyPlaintext     = errors.New("token_cipher.empty_plaintext")
	errMalformedEnvelope  = errors.New("token_cipher.malformed_envelope")
	errUnknownKeyID       = errors.New("token_cipher.unknown_key_id")
	errCiphertextTampered = errors.New("token_cipher.authentication_failed")
)

// TokenCipher encrypts token material before it reaches storage.
type TokenCipher interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// KeyMaterial is one named encryption secret.
type KeyMaterial struct {
	ID     string
	Secret []byte
}

// EnvelopeCipher seals tokens with XChaCha20-Poly1305 under HKDF-derived keys.
// Envelopes carry the key id so retired keys can still decrypt during rotation.
type EnvelopeCipher struct {
	primaryKeyID string
	aeads        map[string]cipher.AEAD
	randomSource io.Reader
}

// NewEnvelopeCipher builds a cipher that encrypts with primary and decrypts with primary or previous keys.
func NewEnvelopeCipher(primary KeyMaterial, previous ...KeyMaterial) (*EnvelopeCipher, error) {
	envelopeCipher := &EnvelopeCipher{
		primaryKeyID: strings.TrimSpace(primary.ID),
		aeads:        make(map[string]cipher.AEAD, len(previous)+1),
		randomSource: rand.Reader,
	}
	for _, material := range append([]KeyMaterial{primary}, previous...) {
		keyID := strings.TrimSpace(material.ID)
		if keyID == "" || strings.Contains(keyID, envelopeSeparator) {
			return nil, fmt.Errorf("%w: %q", errInvalidKeyID, material.ID)
		}
		if _, exists := envelopeCipher.aeads[keyID]; exists {
			return nil, fmt.Errorf("%w: %s", errDuplicateKeyID, keyID)
		}
		aead, err := deriveAEAD(material.Secret)
		if err != nil {
			return nil, fmt.Errorf("token_cipher.key.%s: %w", keyID, err)
		}
		envelopeCipher.aeads[keyID] = aead
	}
	return envelopeCipher, nil
}

// PrimaryKeyID reports the key id used for new envelopes.
func (envelopeCipher *EnvelopeCipher) PrimaryKeyID() string {
	return envelopeCipher.primaryKeyID
}

// Encrypt seals plaintext into a "tc1.<kid>.<base64url(nonce|sealed)>" envelope.
func (envelopeCipher *EnvelopeCipher) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errEmptyPlaintext
	}
	aead := envelopeCipher.aeads[envelopeCipher.primaryKeyID]
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(envelopeCipher.randomSource, nonce); err != nil {
		return nil, fmt.Errorf("token_cipher.nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, []byte(envelopeCipher.primaryKeyID))
	var envelope bytes.Buffer
	envelope.WriteString(envelopeVersion)
	envelope.WriteString(envelopeSeparator)
	envelope.WriteString(envelopeCipher.primaryKeyID)
	envelope.WriteString(envelopeSeparator)
	envelope.WriteString(base64.RawURLEncoding.EncodeToString(sealed))
	return envelope.Bytes(), nil
}

// Decrypt opens an envelope produced by Encrypt under any configured key.
func (envelopeCipher *EnvelopeCipher) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	parts := strings.Split(string(ciphertext), envelopeSeparator)
	if len(parts) != 3 || parts[0] != envelopeVersion {
		return nil, errMalformedEnvelope
	}
	keyID := parts[1]
	aead, ok := envelopeCipher.aeads[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownKeyID, keyID)
	}
	sealed, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedEnvelope, err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errMalformedEnvelope
	}
	nonce, payload := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, openErr := aead.Open(nil, nonce, payload, []byte(keyID))
	if openErr != nil {
		return nil, errCiphertextTampered
	}
	return plaintext, nil
}

func deriveAEAD(secret []byte) (cipher.AEAD, error) {
	trimmed := bytes.TrimSpace(secret)
	if len(trimmed) == 0 {
		return nil, errEmptyKeyMaterial
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, trimmed, nil, []byte(keyDerivationInfo)), key); err != nil {
		return nil, err
	}
	return chacha20poly1305.NewX(key)
}
