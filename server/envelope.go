package server

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// Envelope failure modes. Both map to an invalid auth_token at the HTTP
// boundary; expiry is distinguishable for logging.
var (
	ErrInvalidToken = errors.New("invalid auth token")
	ErrTokenExpired = errors.New("auth token expired")
)

// DefaultEnvelopeTTL bounds how long an issued envelope stays usable.
const DefaultEnvelopeTTL = 10 * time.Minute

// EnvelopeCodec seals and opens the opaque tokens that carry authorization
// request state through the browser. Tokens are AEAD-encrypted
// (ChaCha20-Poly1305) and base64url encoded, so any tampering or
// truncation fails authentication on open.
type EnvelopeCodec struct {
	aead cipher.AEAD
	ttl  time.Duration
}

// NewEnvelopeCodec builds a codec from a 32-byte key. A zero ttl falls
// back to DefaultEnvelopeTTL; a negative ttl disables expiry.
func NewEnvelopeCodec(key []byte, ttl time.Duration) (*EnvelopeCodec, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init envelope cipher: %w", err)
	}
	if ttl == 0 {
		ttl = DefaultEnvelopeTTL
	}
	return &EnvelopeCodec{aead: aead, ttl: ttl}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *EnvelopeCodec) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a sealed token. Every malformed input, wrong key, or
// flipped bit yields ErrInvalidToken.
func (c *EnvelopeCodec) Decrypt(token string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if len(raw) < c.aead.NonceSize() {
		return nil, ErrInvalidToken
	}
	nonce, ciphertext := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return plaintext, nil
}

// SealState encrypts an authorization request state, stamping CreatedAt if
// unset.
func (c *EnvelopeCodec) SealState(state AuthRequestState) (string, error) {
	if state.CreatedAt == 0 {
		state.CreatedAt = time.Now().UnixMilli()
	}
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal auth state: %w", err)
	}
	return c.Encrypt(data)
}

// OpenState decrypts an authorization request state and enforces the
// envelope TTL.
func (c *EnvelopeCodec) OpenState(token string) (AuthRequestState, error) {
	data, err := c.Decrypt(token)
	if err != nil {
		return AuthRequestState{}, err
	}
	var state AuthRequestState
	if err := json.Unmarshal(data, &state); err != nil {
		return AuthRequestState{}, ErrInvalidToken
	}
	if state.ClientID == "" || state.RedirectURI == "" {
		return AuthRequestState{}, ErrInvalidToken
	}
	if c.expired(state.CreatedAt) {
		return AuthRequestState{}, ErrTokenExpired
	}
	return state, nil
}

// SealSubject encrypts the authenticated user id.
func (c *EnvelopeCodec) SealSubject(subject string) (string, error) {
	data, err := json.Marshal(subjectEnvelope{Subject: subject, CreatedAt: time.Now().UnixMilli()})
	if err != nil {
		return "", fmt.Errorf("marshal subject: %w", err)
	}
	return c.Encrypt(data)
}

// OpenSubject decrypts the authenticated user id and enforces the TTL.
func (c *EnvelopeCodec) OpenSubject(token string) (string, error) {
	data, err := c.Decrypt(token)
	if err != nil {
		return "", err
	}
	var env subjectEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", ErrInvalidToken
	}
	if env.Subject == "" {
		return "", ErrInvalidToken
	}
	if c.expired(env.CreatedAt) {
		return "", ErrTokenExpired
	}
	return env.Subject, nil
}

func (c *EnvelopeCodec) expired(createdAt int64) bool {
	if c.ttl < 0 || createdAt == 0 {
		return false
	}
	return time.Since(time.UnixMilli(createdAt)) > c.ttl
}
