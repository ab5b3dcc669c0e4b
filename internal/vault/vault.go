// Package vault seals account credentials at rest and derives step-up codes on demand.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrNoKey    = errors.New("vault: key not configured")
	ErrBadKey   = errors.New("vault: key must be 32 bytes (hex or base64)")
	ErrNoSecret = errors.New("vault: account has no step-up secret")
	ErrCorrupt  = errors.New("vault: sealed value is corrupt")
)

type Config struct {
	// Key is a 32-byte key, hex or base64 encoded. KeyFile takes precedence when set.
	Key     string
	KeyFile string
}

// Vault seals values with XChaCha20-Poly1305. Sealed values are base64(nonce||ciphertext).
type Vault struct {
	key []byte
	now func() time.Time
}

type Option func(*Vault)

// WithClock overrides the clock used for one-time codes.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) {
		if now != nil {
			v.now = now
		}
	}
}

func New(cfg Config, opts ...Option) (*Vault, error) {
	raw := strings.TrimSpace(cfg.Key)
	if p := strings.TrimSpace(cfg.KeyFile); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("vault: read key file: %w", err)
		}
		raw = strings.TrimSpace(string(b))
	}
	if raw == "" {
		return nil, ErrNoKey
	}
	key, err := parseKey(raw)
	if err != nil {
		return nil, err
	}
	v := &Vault{key: key, now: time.Now}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

func parseKey(raw string) ([]byte, error) {
	if b, err := hex.DecodeString(raw); err == nil && len(b) == chacha20poly1305.KeySize {
		return b, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(raw); err == nil && len(b) == chacha20poly1305.KeySize {
			return b, nil
		}
	}
	return nil, ErrBadKey
}

// GenerateKey returns a fresh hex-encoded key suitable for Config.Key.
func GenerateKey() (string, error) {
	b := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (v *Vault) Seal(plain string) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (v *Vault) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sealed))
	if err != nil {
		return "", ErrCorrupt
	}
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrCorrupt
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", ErrCorrupt
	}
	return string(plain), nil
}

// OneTimeCode opens a sealed step-up secret and derives the code for the current time.
// The secret never leaves this call in plaintext.
func (v *Vault) OneTimeCode(sealedSecret string) (string, error) {
	if strings.TrimSpace(sealedSecret) == "" {
		return "", ErrNoSecret
	}
	secret, err := v.Open(sealedSecret)
	if err != nil {
		return "", err
	}
	return TOTP(secret, v.now())
}
