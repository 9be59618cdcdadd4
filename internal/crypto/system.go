// system.go implements system-level field sealing with a key derived from
// the master key rather than a user DEK.
//
// Used for the tunnel autostart secret copies, which must be readable at
// process boot before any user has unlocked. Regular user secrets never use
// this path.

package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log"
)

func (e *Envelope) systemKey() []byte {
	mac := hmac.New(sha256.New, e.master)
	mac.Write([]byte("system-dek"))
	return mac.Sum(nil)
}

// SealSystem encrypts a field with the master-derived system key.
// The AAD binds (table, column, recordID) with user ID 0.
func (e *Envelope) SealSystem(table, column, recordID, plaintext string) (string, error) {
	gcm, err := newGCM(e.systemKey())
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	aad := recordAAD(table, column, 0, recordID)
	ct := gcm.Seal(nil, nonce, []byte(plaintext), aad)
	return sealedPrefix + base64.StdEncoding.EncodeToString(append(nonce, ct...)), nil
}

// OpenSystem decrypts a system-sealed field. Works without any unlock
// session; the master key is always available to the process.
func (e *Envelope) OpenSystem(table, column, recordID, value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if !IsSealed(value) {
		return value, nil
	}

	raw, err := base64.StdEncoding.DecodeString(value[len(sealedPrefix):])
	if err != nil || len(raw) < gcmNonceSize {
		log.Printf("ERROR: [crypto] malformed system-sealed value in %s.%s record %s", table, column, recordID)
		return "", ErrTampered
	}

	gcm, err := newGCM(e.systemKey())
	if err != nil {
		return "", err
	}
	aad := recordAAD(table, column, 0, recordID)
	pt, err := gcm.Open(nil, raw[:gcmNonceSize], raw[gcmNonceSize:], aad)
	if err != nil {
		log.Printf("ERROR: [crypto] AEAD tag mismatch in system-sealed %s.%s record %s", table, column, recordID)
		return "", ErrTampered
	}
	return string(pt), nil
}
