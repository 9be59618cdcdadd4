// Package crypto implements the at-rest encryption envelope:
//
//	system master key -> per-user data encryption key (DEK) -> record fields
//
// The master key is generated once and stored in the settings table, wrapped
// with a fernet key derived from an operator-provided secret (SYSTEM_SECRET) or
// a keyfile under the data directory. Per-user DEKs are wrapped with a
// password-derived KEK and only ever unwrapped into the in-memory unlock
// table, so a locked user's fields cannot be read even with the database
// file in hand.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fernet/fernet-go"
)

const (
	// sealedPrefix marks AEAD-sealed values. Values without it are
	// treated as legacy plaintext and re-sealed on the next write.
	sealedPrefix = "v2:"

	masterKeySetting = "system_master_key"

	gcmNonceSize = 12
	keySize      = 32
)

var (
	ErrLocked          = errors.New("user data is locked")
	ErrInvalidPassword = errors.New("invalid password")
	ErrTampered        = errors.New("data integrity check failed")
)

// SettingGetter and SettingSetter decouple master key persistence from the
// database package (which imports this one for field sealing).
type (
	SettingGetter func(key string) (string, error)
	SettingSetter func(key, value string) error
)

// Envelope holds the unwrapped master key and the unlock session table.
type Envelope struct {
	master []byte
	table  *UnlockTable
}

// InitMaster loads the master key from the settings table, generating and
// storing a new one on first boot. secret is the operator-provided material
// protecting the master key at rest; if empty, a keyfile under dataDir is
// used (created with mode 0600 on first boot).
func InitMaster(dataDir, secret string, get SettingGetter, set SettingSetter) (*Envelope, error) {
	wrapKey, err := fernetKey(dataDir, secret)
	if err != nil {
		return nil, err
	}

	stored, err := get(masterKeySetting)
	if err != nil || stored == "" {
		master := make([]byte, keySize)
		if _, err := rand.Read(master); err != nil {
			return nil, fmt.Errorf("generate master key: %w", err)
		}
		tok, err := fernet.EncryptAndSign(master, wrapKey)
		if err != nil {
			return nil, fmt.Errorf("wrap master key: %w", err)
		}
		if err := set(masterKeySetting, string(tok)); err != nil {
			return nil, fmt.Errorf("save master key: %w", err)
		}
		log.Printf("[crypto] generated new system master key")
		return &Envelope{master: master, table: NewUnlockTable(DefaultUnlockTTL)}, nil
	}

	master := fernet.VerifyAndDecrypt([]byte(stored), 0, []*fernet.Key{wrapKey})
	if master == nil {
		return nil, fmt.Errorf("unwrap master key: invalid token (wrong SYSTEM_SECRET or corrupt keyfile?)")
	}
	if len(master) != keySize {
		return nil, fmt.Errorf("unwrap master key: unexpected length %d", len(master))
	}
	return &Envelope{master: master, table: NewUnlockTable(DefaultUnlockTTL)}, nil
}

// fernetKey derives the master-wrapping fernet key from the operator secret,
// falling back to a persistent random keyfile in dataDir.
func fernetKey(dataDir, secret string) (*fernet.Key, error) {
	var material []byte
	if secret != "" {
		sum := sha256.Sum256([]byte(secret))
		material = sum[:]
	} else {
		keyPath := filepath.Join(dataDir, "master.key")
		b, err := os.ReadFile(keyPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read keyfile: %w", err)
			}
			b = make([]byte, keySize)
			if _, err := rand.Read(b); err != nil {
				return nil, fmt.Errorf("generate keyfile: %w", err)
			}
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			if err := os.WriteFile(keyPath, b, 0600); err != nil {
				return nil, fmt.Errorf("write keyfile: %w", err)
			}
			log.Printf("[crypto] generated keyfile %s", keyPath)
		}
		sum := sha256.Sum256(b)
		material = sum[:]
	}

	var k fernet.Key
	copy(k[:], material[:32])
	return &k, nil
}

// JWTKey derives the HMAC subkey used to sign JWTs. Regenerating the master
// key invalidates all outstanding tokens but leaves user DEKs intact (those
// are password-wrapped, not master-wrapped).
func (e *Envelope) JWTKey() []byte {
	mac := hmac.New(sha256.New, e.master)
	mac.Write([]byte("jwt-signing"))
	return mac.Sum(nil)
}

// SigningKey returns the JWT signing key, honoring an operator override
// (JWT_SECRET). The override never touches master key wrapping.
func (e *Envelope) SigningKey(override string) []byte {
	if override != "" {
		return []byte(override)
	}
	return e.JWTKey()
}

// Sessions exposes the unlock table for TTL sweeping and middleware checks.
func (e *Envelope) Sessions() *UnlockTable {
	return e.table
}

// Unlock unwraps the user's DEK with their password and places it in the
// unlock table. wrapped is the stored password-wrapped DEK blob.
func (e *Envelope) Unlock(userID uint, password, wrapped string) error {
	dek, err := UnwrapDEK(wrapped, password)
	if err != nil {
		return err
	}
	e.table.put(userID, dek)
	return nil
}

// Lock removes the user's unlock session.
func (e *Envelope) Lock(userID uint) {
	e.table.remove(userID)
}

// IsUnlocked reports whether the user's DEK is available in memory.
func (e *Envelope) IsUnlocked(userID uint) bool {
	return e.table.has(userID)
}

// Seal encrypts a record field with the owning user's DEK. The AEAD tag is
// bound to (table, column, userID, recordID) so a sealed value cannot be
// transplanted between rows or columns.
func (e *Envelope) Seal(table, column string, userID uint, recordID, plaintext string) (string, error) {
	dek, ok := e.table.get(userID)
	if !ok {
		return "", ErrLocked
	}

	gcm, err := newGCM(dek)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	aad := recordAAD(table, column, userID, recordID)
	ct := gcm.Seal(nil, nonce, []byte(plaintext), aad)
	return sealedPrefix + base64.StdEncoding.EncodeToString(append(nonce, ct...)), nil
}

// Open decrypts a sealed record field. Values without the v2: prefix are
// legacy plaintext and returned as-is. A tag mismatch is logged at error
// level and surfaces as ErrTampered; it is never auto-healed.
func (e *Envelope) Open(table, column string, userID uint, recordID, value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if len(value) < len(sealedPrefix) || value[:len(sealedPrefix)] != sealedPrefix {
		// Legacy plaintext from before field encryption was enabled.
		return value, nil
	}

	dek, ok := e.table.get(userID)
	if !ok {
		return "", ErrLocked
	}

	raw, err := base64.StdEncoding.DecodeString(value[len(sealedPrefix):])
	if err != nil || len(raw) < gcmNonceSize {
		log.Printf("ERROR: [crypto] malformed sealed value in %s.%s for user %d record %s", table, column, userID, recordID)
		return "", ErrTampered
	}

	gcm, err := newGCM(dek)
	if err != nil {
		return "", err
	}

	aad := recordAAD(table, column, userID, recordID)
	pt, err := gcm.Open(nil, raw[:gcmNonceSize], raw[gcmNonceSize:], aad)
	if err != nil {
		log.Printf("ERROR: [crypto] AEAD tag mismatch in %s.%s for user %d record %s", table, column, userID, recordID)
		return "", ErrTampered
	}
	return string(pt), nil
}

// IsSealed reports whether a stored value carries the sealed-value prefix.
func IsSealed(value string) bool {
	return len(value) >= len(sealedPrefix) && value[:len(sealedPrefix)] == sealedPrefix
}

func recordAAD(table, column string, userID uint, recordID string) []byte {
	return []byte(fmt.Sprintf("%s:%s:%d:%s", table, column, userID, recordID))
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}

// Mask returns a redacted form of a secret for logs and API responses.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}

// DefaultUnlockTTL is the idle lifetime of an unlock session.
const DefaultUnlockTTL = 30 * time.Minute
