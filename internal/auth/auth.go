// Package auth implements password hashing, JWT issue/verify, TOTP
// enrollment and the password-reset code flow.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	TokenDuration     = 12 * time.Hour
	TempTokenDuration = 5 * time.Minute
	JWTCookie         = "jwt"
	BcryptCost        = 12
)

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrWrongScope   = errors.New("token scope mismatch")
)

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Claims are the JWT claims carried by session and reset tokens.
type Claims struct {
	UserID uint   `json:"userId"`
	Scope  string `json:"scope,omitempty"` // empty for sessions, "password-reset" for temp tokens
	jwt.RegisteredClaims
}

// IssueToken signs a session JWT for the user.
func IssueToken(key []byte, userID uint) (string, error) {
	return issue(key, userID, "", TokenDuration)
}

// IssueResetToken signs a short-lived token scoped to the password-reset
// completion step.
func IssueResetToken(key []byte, userID uint) (string, error) {
	return issue(key, userID, "password-reset", TempTokenDuration)
}

func issue(key []byte, userID uint, scope string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Scope:  scope,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a session JWT and returns the user ID.
func VerifyToken(key []byte, token string) (uint, error) {
	claims, err := parse(key, token)
	if err != nil {
		return 0, err
	}
	if claims.Scope != "" {
		return 0, ErrWrongScope
	}
	return claims.UserID, nil
}

// VerifyResetToken validates a password-reset temp token.
func VerifyResetToken(key []byte, token string) (uint, error) {
	claims, err := parse(key, token)
	if err != nil {
		return 0, err
	}
	if claims.Scope != "password-reset" {
		return 0, ErrWrongScope
	}
	return claims.UserID, nil
}

func parse(key []byte, token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
