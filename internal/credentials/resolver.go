// Package credentials resolves a host record plus optional credential
// reference into a fully-materialized SSH connect configuration, decrypting
// secret fields through the owning user's unlock session.
package credentials

import (
	"errors"
	"fmt"
	"strings"

	"github.com/scjtqs2/Termix-sub002/internal/database"
)

var (
	ErrNotFound         = errors.New("host not found")
	ErrResolutionFailed = errors.New("credential resolution failed")
	ErrMalformedKey     = errors.New("malformed private key")
)

// ConnectConfig is everything needed to open an SSH connection.
type ConnectConfig struct {
	Host     string
	Port     int
	Username string
	AuthMode string // "password" or "key"

	Password   string
	PrivateKey []byte
	Passphrase string
}

// Resolve materializes the connect configuration for {userID, hostID}.
// If the host references a credential, the credential's username, auth mode
// and secrets override the host's own fields. Requires an unlock session.
func Resolve(userID, hostID uint) (*ConnectConfig, error) {
	host, err := database.GetHostDecrypted(userID, hostID)
	if err != nil {
		return nil, ErrNotFound
	}
	return resolveHost(host, false)
}

// ResolveAutostart is the autostart variant: when credential resolution
// yields empty secrets, the host's sealed autostart copies are used instead.
// Only the tunnel engine and boot-time autostart call this.
func ResolveAutostart(userID, hostID uint) (*ConnectConfig, error) {
	host, err := database.GetHostAutostart(userID, hostID)
	if err != nil {
		return nil, ErrNotFound
	}
	return resolveHost(host, true)
}

func resolveHost(host *database.Host, autostart bool) (*ConnectConfig, error) {
	cfg := &ConnectConfig{
		Host:     host.IP,
		Port:     host.Port,
		Username: host.Username,
	}

	switch host.AuthType {
	case "credential":
		if host.CredentialID == nil {
			return nil, fmt.Errorf("%w: host has authType credential but no credential reference", ErrResolutionFailed)
		}
		cred, err := database.GetCredentialDecrypted(host.UserID, *host.CredentialID)
		if err != nil {
			// Autostart runs without an unlock session; the credential
			// cannot be opened and the tie-break below takes over.
			if !autostart {
				return nil, fmt.Errorf("%w: credential %d unavailable", ErrResolutionFailed, *host.CredentialID)
			}
		} else {
			if err := applyCredential(cfg, cred); err != nil {
				return nil, err
			}
			_ = database.TouchCredentialUsage(cred.ID)
		}

	case "password":
		cfg.AuthMode = "password"
		cfg.Password = host.Password

	case "key":
		cfg.AuthMode = "key"
		key, err := NormalizePrivateKey(host.PrivateKey)
		if err != nil {
			return nil, err
		}
		cfg.PrivateKey = []byte(key)
		cfg.Passphrase = host.KeyPassphrase

	default:
		return nil, fmt.Errorf("%w: unsupported authType %q", ErrResolutionFailed, host.AuthType)
	}

	// Autostart tie-break: empty secrets fall back to the host's sealed
	// autostart copies. Without them autostart refuses to connect.
	if autostart && cfg.Password == "" && len(cfg.PrivateKey) == 0 {
		switch {
		case host.AutostartPassword != "":
			cfg.AuthMode = "password"
			cfg.Password = host.AutostartPassword
		case host.AutostartKey != "":
			key, err := NormalizePrivateKey(host.AutostartKey)
			if err != nil {
				return nil, err
			}
			cfg.AuthMode = "key"
			cfg.PrivateKey = []byte(key)
			cfg.Passphrase = host.AutostartKeyPassphrase
		default:
			return nil, fmt.Errorf("%w: no autostart secrets available", ErrResolutionFailed)
		}
	}

	if cfg.AuthMode == "password" && cfg.Password == "" && !autostart {
		return nil, fmt.Errorf("%w: empty password", ErrResolutionFailed)
	}
	if cfg.AuthMode == "key" && len(cfg.PrivateKey) == 0 && !autostart {
		return nil, fmt.Errorf("%w: empty private key", ErrResolutionFailed)
	}

	return cfg, nil
}

func applyCredential(cfg *ConnectConfig, cred *database.Credential) error {
	if cred.Username != "" {
		cfg.Username = cred.Username
	}
	switch cred.AuthType {
	case "password":
		cfg.AuthMode = "password"
		cfg.Password = cred.Password
	case "key":
		key, err := NormalizePrivateKey(cred.PrivateKey)
		if err != nil {
			return err
		}
		cfg.AuthMode = "key"
		cfg.PrivateKey = []byte(key)
		cfg.Passphrase = cred.KeyPassphrase
	default:
		return fmt.Errorf("%w: credential has unsupported authType %q", ErrResolutionFailed, cred.AuthType)
	}
	return nil
}

// NormalizePrivateKey validates PEM armor and canonicalizes line endings.
func NormalizePrivateKey(key string) (string, error) {
	if key == "" {
		return "", nil
	}
	normalized := strings.ReplaceAll(key, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	normalized = strings.TrimSpace(normalized) + "\n"

	if !strings.Contains(normalized, "-----BEGIN") || !strings.Contains(normalized, "-----END") {
		return "", fmt.Errorf("%w: missing PEM armor", ErrMalformedKey)
	}
	return normalized, nil
}

// DetectKeyType returns a human label for the key format, used to populate
// Credential.DetectedKeyType on upload.
func DetectKeyType(key string) string {
	switch {
	case strings.Contains(key, "BEGIN OPENSSH PRIVATE KEY"):
		return "openssh"
	case strings.Contains(key, "BEGIN RSA PRIVATE KEY"):
		return "rsa"
	case strings.Contains(key, "BEGIN EC PRIVATE KEY"):
		return "ecdsa"
	case strings.Contains(key, "BEGIN DSA PRIVATE KEY"):
		return "dsa"
	case strings.Contains(key, "BEGIN PRIVATE KEY"):
		return "pkcs8"
	case strings.Contains(key, "BEGIN ENCRYPTED PRIVATE KEY"):
		return "pkcs8-encrypted"
	default:
		return "unknown"
	}
}
