package database

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null;size:64" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	IsAdmin      bool      `gorm:"not null;default:false" json:"is_admin"`
	OIDCSubject  string    `gorm:"default:''" json:"-"`
	WrappedDEK   string    `gorm:"not null" json:"-"` // password-wrapped data encryption key
	TOTPSecret   string    `json:"-"`                 // sealed with the user's DEK
	TOTPEnabled  bool      `gorm:"not null;default:false" json:"totp_enabled"`
	BackupCodes  string    `json:"-"` // JSON array of bcrypt hashes; codes are one-shot
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Credential is a reusable authentication bundle owned by a user.
// Password, PrivateKey and KeyPassphrase are sealed at rest with the
// owning user's DEK.
type Credential struct {
	ID              uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID          uint       `gorm:"not null;index" json:"user_id"`
	Name            string     `gorm:"not null" json:"name"`
	Description     string     `json:"description"`
	Folder          string     `gorm:"index" json:"folder"`
	Tags            string     `gorm:"type:text;default:'[]'" json:"-"` // JSON array
	AuthType        string     `gorm:"not null" json:"auth_type"`       // "password" or "key"
	Username        string     `gorm:"not null" json:"username"`
	Password        string     `json:"-"`
	PrivateKey      string     `json:"-"`
	PublicKey       string     `json:"public_key"`
	KeyPassphrase   string     `json:"-"`
	DetectedKeyType string     `json:"detected_key_type"`
	UsageCount      int        `gorm:"not null;default:0" json:"usage_count"`
	LastUsed        *time.Time `json:"last_used"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Host is a remote SSH endpoint owned by a user. When AuthType is
// "credential" the host carries no secrets of its own; effective auth is
// resolved through the referenced credential.
type Host struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID   uint   `gorm:"not null;index" json:"user_id"`
	Name     string `json:"name"`
	IP       string `gorm:"not null" json:"ip"`
	Port     int    `gorm:"not null;default:22" json:"port"`
	Username string `gorm:"not null" json:"username"`
	Folder   string `gorm:"index" json:"folder"`
	Tags     string `gorm:"type:text;default:'[]'" json:"-"` // JSON array
	Pin      bool   `gorm:"not null;default:false" json:"pin"`

	AuthType      string `gorm:"not null" json:"auth_type"` // "password", "key" or "credential"
	Password      string `json:"-"`
	PrivateKey    string `json:"-"`
	PublicKey     string `json:"-"`
	KeyPassphrase string `json:"-"`
	CredentialID  *uint  `json:"credential_id"`

	EnableTerminal    bool   `gorm:"not null;default:true" json:"enable_terminal"`
	EnableTunnel      bool   `gorm:"not null;default:true" json:"enable_tunnel"`
	EnableFileManager bool   `gorm:"not null;default:true" json:"enable_file_manager"`
	DefaultPath       string `json:"default_path"`

	// TunnelConnections is a JSON array of TunnelConnection.
	TunnelConnections string `gorm:"type:text;default:'[]'" json:"-"`

	// Autostart secrets: plaintext copies (sealed at rest) that allow
	// tunnel autostart before any user unlocks. Absent autostart secrets
	// mean autostart refuses to connect rather than prompting.
	AutostartPassword      string `json:"-"`
	AutostartKey           string `json:"-"`
	AutostartKeyPassphrase string `json:"-"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TunnelConnection describes one reverse tunnel configured on a host.
// Stored embedded in Host.TunnelConnections as JSON.
type TunnelConnection struct {
	SourcePort           int    `json:"sourcePort"`
	EndpointHost         string `json:"endpointHost"`
	EndpointPort         int    `json:"endpointPort"`
	EndpointSSHPort      int    `json:"endpointSSHPort"`
	EndpointUsername     string `json:"endpointUsername"`
	EndpointAuthType     string `json:"endpointAuthType"` // "password", "key" or "credential"
	EndpointPassword     string `json:"endpointPassword,omitempty"`
	EndpointKey          string `json:"endpointKey,omitempty"`
	EndpointCredentialID *uint  `json:"endpointCredentialId,omitempty"`
	// MaxRetries nil means unset; an explicit 0 disables retries.
	MaxRetries           *int   `json:"maxRetries,omitempty"`
	RetryIntervalSec     int    `json:"retryInterval"` // seconds at the API/DB boundary
	AutoStart            bool   `json:"autoStart"`
}

// ParseTunnelConnections decodes the host's embedded tunnel list.
func (h *Host) ParseTunnelConnections() ([]TunnelConnection, error) {
	if h.TunnelConnections == "" {
		return nil, nil
	}
	var conns []TunnelConnection
	if err := json.Unmarshal([]byte(h.TunnelConnections), &conns); err != nil {
		return nil, err
	}
	return conns, nil
}

// FileManagerItem records recent, pinned and shortcut paths per user+host.
type FileManagerItem struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    uint      `gorm:"not null;index:idx_fm_user_host" json:"user_id"`
	HostID    uint      `gorm:"not null;index:idx_fm_user_host" json:"host_id"`
	Name      string    `gorm:"not null" json:"name"`
	Path      string    `gorm:"not null" json:"path"`
	Kind      string    `gorm:"not null" json:"kind"` // "recent", "pinned" or "shortcut"
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// DismissedAlert tracks which feed alerts a user has dismissed.
type DismissedAlert struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID      uint      `gorm:"not null;uniqueIndex:idx_user_alert" json:"user_id"`
	AlertID     string    `gorm:"not null;uniqueIndex:idx_user_alert" json:"alert_id"`
	DismissedAt time.Time `gorm:"autoCreateTime" json:"dismissed_at"`
}

// PasswordResetCode is a short-lived 6-digit reset code (stored hashed).
type PasswordResetCode struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	UserID    uint      `gorm:"not null;index"`
	CodeHash  string    `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null"`
	Verified  bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}
