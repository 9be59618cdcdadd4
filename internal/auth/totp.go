// totp.go implements RFC 6238 one-time codes and one-shot backup codes.

package auth

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

const backupCodeCount = 8

// GenerateTOTPSecret creates a new TOTP enrollment for the given account.
// Returns the shared secret and the otpauth:// provisioning URL.
func GenerateTOTPSecret(username string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "Termix",
		AccountName: username,
	})
	if err != nil {
		return "", "", fmt.Errorf("generate totp secret: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

// ValidateTOTP checks a 6-digit code against the shared secret.
func ValidateTOTP(code, secret string) bool {
	return totp.Validate(code, secret)
}

// GenerateBackupCodes creates one-shot recovery codes. Returns the plaintext
// codes (shown to the user once) and the JSON-encoded bcrypt hashes for
// storage.
func GenerateBackupCodes() (codes []string, hashedJSON string, err error) {
	hashes := make([]string, 0, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		code, err := randomDigits(8)
		if err != nil {
			return nil, "", err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", fmt.Errorf("hash backup code: %w", err)
		}
		codes = append(codes, code)
		hashes = append(hashes, string(hash))
	}
	raw, err := json.Marshal(hashes)
	if err != nil {
		return nil, "", err
	}
	return codes, string(raw), nil
}

// ConsumeBackupCode checks a code against the stored hashes and, on match,
// returns the updated hash list with that code removed. ok is false when no
// hash matches.
func ConsumeBackupCode(code, hashedJSON string) (updatedJSON string, ok bool) {
	var hashes []string
	if err := json.Unmarshal([]byte(hashedJSON), &hashes); err != nil {
		return hashedJSON, false
	}
	for i, h := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(code)) == nil {
			remaining := append(hashes[:i:i], hashes[i+1:]...)
			raw, err := json.Marshal(remaining)
			if err != nil {
				return hashedJSON, false
			}
			return string(raw), true
		}
	}
	return hashedJSON, false
}

// GenerateResetCode returns a random 6-digit password-reset code.
func GenerateResetCode() (string, error) {
	return randomDigits(6)
}

func randomDigits(n int) (string, error) {
	digits := make([]byte, n)
	for i := range digits {
		v, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		digits[i] = byte('0' + v.Int64())
	}
	return string(digits), nil
}
