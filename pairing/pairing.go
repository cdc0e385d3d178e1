// Package pairing builds the phone pairing link and protects commands relayed
// through the hosted gateway so that only the paired phone can read them.
package pairing

import (
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/skip2/go-qrcode"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	SecretSize = 32
	qrSize     = 256
	keyInfo    = "tapsign pairing v1"
)

var (
	ErrInvalidURL      = errors.New("invalid pairing url")
	ErrPayloadTooShort = errors.New("sealed payload too short")
)

func GenerateSecret() ([]byte, error) {
	secret := make([]byte, SecretSize)
	if _, err := crand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// BuildURL returns the link the phone opens. The secret travels in the fragment,
// which browsers never send to the gateway.
func BuildURL(executorURL, sessionID string, secret []byte) (string, error) {
	u, err := url.Parse(executorURL)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("id", sessionID)
	u.RawQuery = q.Encode()
	u.Fragment = base64.RawURLEncoding.EncodeToString(secret)

	return u.String(), nil
}

// ParseURL extracts the session id and secret from a pairing link.
func ParseURL(link string) (string, []byte, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", nil, err
	}

	sessionID := u.Query().Get("id")
	if sessionID == "" || u.Fragment == "" {
		return "", nil, ErrInvalidURL
	}

	secret, err := base64.RawURLEncoding.DecodeString(u.Fragment)
	if err != nil || len(secret) != SecretSize {
		return "", nil, ErrInvalidURL
	}

	return sessionID, secret, nil
}

// QRCode renders link as a PNG image.
func QRCode(link string) ([]byte, error) {
	return qrcode.Encode(link, qrcode.Medium, qrSize)
}

// DeriveKey binds the pairing secret to one gateway session.
func DeriveKey(secret []byte, sessionID string) ([]byte, error) {
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("secret must be %d bytes, got %d", SecretSize, len(secret))
	}

	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, secret, []byte(sessionID), []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}

	return key, nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func Seal(key, plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := crand.Read(nonce); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(aead.Seal(nonce, nonce, plaintext, nil)), nil
}

func Open(key []byte, sealed string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, err
	}

	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrPayloadTooShort
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}
