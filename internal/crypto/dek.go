// dek.go implements per-user data encryption key generation and
// password-based wrapping.
//
// Wire format of a wrapped DEK: base64(salt[16] || nonce[12] || ct||tag).
// The KEK is PBKDF2-SHA256 over the user's password with the embedded salt.

package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	dekSaltSize    = 16
	kekIterations  = 200000
	dekWrappingAAD = "user-dek"
)

// NewDEK generates a random 256-bit data encryption key.
func NewDEK() ([]byte, error) {
	dek := make([]byte, keySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, fmt.Errorf("generate dek: %w", err)
	}
	return dek, nil
}

// WrapDEK wraps a DEK with a key derived from the user's password.
// The result is stored alongside the user record.
func WrapDEK(dek []byte, password string) (string, error) {
	salt := make([]byte, dekSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	kek := pbkdf2.Key([]byte(password), salt, kekIterations, keySize, sha256.New)
	gcm, err := newGCM(kek)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ct := gcm.Seal(nil, nonce, dek, []byte(dekWrappingAAD))
	blob := make([]byte, 0, len(salt)+len(nonce)+len(ct))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, ct...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// UnwrapDEK unwraps a stored DEK blob with the user's password.
// A wrong password surfaces as ErrInvalidPassword (the GCM tag fails).
func UnwrapDEK(wrapped, password string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("decode wrapped dek: %w", err)
	}
	if len(raw) < dekSaltSize+gcmNonceSize {
		return nil, fmt.Errorf("wrapped dek too short")
	}

	salt := raw[:dekSaltSize]
	nonce := raw[dekSaltSize : dekSaltSize+gcmNonceSize]
	ct := raw[dekSaltSize+gcmNonceSize:]

	kek := pbkdf2.Key([]byte(password), salt, kekIterations, keySize, sha256.New)
	gcm, err := newGCM(kek)
	if err != nil {
		return nil, err
	}

	dek, err := gcm.Open(nil, nonce, ct, []byte(dekWrappingAAD))
	if err != nil {
		return nil, ErrInvalidPassword
	}
	return dek, nil
}

// RewrapDEK re-wraps an unlocked user's DEK with a new password.
// Used by the password change and reset flows.
func (e *Envelope) RewrapDEK(userID uint, newPassword string) (string, error) {
	dek, ok := e.table.get(userID)
	if !ok {
		return "", ErrLocked
	}
	return WrapDEK(dek, newPassword)
}
