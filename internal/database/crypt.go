// crypt.go routes sensitive columns through the crypto envelope.
//
// Writes seal secret fields with the owning user's DEK before they hit the
// database; reads open them again. Queries that only filter by id, user or
// folder never touch sealed columns and therefore work while the user is
// locked. Legacy plaintext values (no v2: prefix) pass through on read and
// are sealed on the next write.

package database

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/scjtqs2/Termix-sub002/internal/crypto"
	"gorm.io/gorm"
)

// Env is the process-wide crypto envelope, set from main after InitMaster.
var Env *crypto.Envelope

func SetEnvelope(e *crypto.Envelope) {
	Env = e
}

func recordID(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

// sealField encrypts one column value in place. Empty values stay empty.
func sealField(table, column string, userID, id uint, value *string) error {
	if *value == "" || crypto.IsSealed(*value) {
		return nil
	}
	sealed, err := Env.Seal(table, column, userID, recordID(id), *value)
	if err != nil {
		return fmt.Errorf("seal %s.%s: %w", table, column, err)
	}
	*value = sealed
	return nil
}

func openField(table, column string, userID, id uint, value *string) error {
	plain, err := Env.Open(table, column, userID, recordID(id), *value)
	if err != nil {
		return fmt.Errorf("open %s.%s: %w", table, column, err)
	}
	*value = plain
	return nil
}

// hostUserFields are sealed with the owner's DEK; hostSystemFields with the
// master-derived system key so tunnel autostart can read them at boot.
func hostUserFields(h *Host) map[string]*string {
	return map[string]*string{
		"password":       &h.Password,
		"private_key":    &h.PrivateKey,
		"key_passphrase": &h.KeyPassphrase,
	}
}

func hostSystemFields(h *Host) map[string]*string {
	return map[string]*string{
		"autostart_password":       &h.AutostartPassword,
		"autostart_key":            &h.AutostartKey,
		"autostart_key_passphrase": &h.AutostartKeyPassphrase,
	}
}

func sealHostSecrets(h *Host) error {
	for col, val := range hostUserFields(h) {
		if err := sealField("hosts", col, h.UserID, h.ID, val); err != nil {
			return err
		}
	}
	for col, val := range hostSystemFields(h) {
		if *val == "" || crypto.IsSealed(*val) {
			continue
		}
		sealed, err := Env.SealSystem("hosts", col, recordID(h.ID), *val)
		if err != nil {
			return fmt.Errorf("seal %s: %w", col, err)
		}
		*val = sealed
	}
	return sealTunnelConnections(h)
}

func openHostSecrets(h *Host) error {
	for col, val := range hostUserFields(h) {
		if err := openField("hosts", col, h.UserID, h.ID, val); err != nil {
			return err
		}
	}
	return openHostAutostartSecrets(h)
}

// openHostAutostartSecrets opens only the system-sealed autostart fields.
// Works while the owning user is locked.
func openHostAutostartSecrets(h *Host) error {
	for col, val := range hostSystemFields(h) {
		plain, err := Env.OpenSystem("hosts", col, recordID(h.ID), *val)
		if err != nil {
			return fmt.Errorf("open %s: %w", col, err)
		}
		*val = plain
	}
	return nil
}

// sealTunnelConnections seals the endpoint secrets embedded in the host's
// tunnel connection list with the system key, so autostart and retry can
// use them without an unlock session.
func sealTunnelConnections(h *Host) error {
	conns, err := h.ParseTunnelConnections()
	if err != nil {
		return fmt.Errorf("parse tunnel connections: %w", err)
	}
	if len(conns) == 0 {
		return nil
	}
	for i := range conns {
		if conns[i].EndpointPassword != "" && !crypto.IsSealed(conns[i].EndpointPassword) {
			sealed, err := Env.SealSystem("hosts", "tunnel_endpoint_password", recordID(h.ID), conns[i].EndpointPassword)
			if err != nil {
				return err
			}
			conns[i].EndpointPassword = sealed
		}
		if conns[i].EndpointKey != "" && !crypto.IsSealed(conns[i].EndpointKey) {
			sealed, err := Env.SealSystem("hosts", "tunnel_endpoint_key", recordID(h.ID), conns[i].EndpointKey)
			if err != nil {
				return err
			}
			conns[i].EndpointKey = sealed
		}
	}
	raw, err := json.Marshal(conns)
	if err != nil {
		return err
	}
	h.TunnelConnections = string(raw)
	return nil
}

// OpenTunnelConnections returns the host's tunnel list with endpoint
// secrets opened. Works while the owning user is locked.
func OpenTunnelConnections(h *Host) ([]TunnelConnection, error) {
	conns, err := h.ParseTunnelConnections()
	if err != nil {
		return nil, fmt.Errorf("parse tunnel connections: %w", err)
	}
	for i := range conns {
		pw, err := Env.OpenSystem("hosts", "tunnel_endpoint_password", recordID(h.ID), conns[i].EndpointPassword)
		if err != nil {
			return nil, err
		}
		conns[i].EndpointPassword = pw
		key, err := Env.OpenSystem("hosts", "tunnel_endpoint_key", recordID(h.ID), conns[i].EndpointKey)
		if err != nil {
			return nil, err
		}
		conns[i].EndpointKey = key
	}
	return conns, nil
}

func sealCredentialSecrets(c *Credential) error {
	fields := map[string]*string{
		"password":       &c.Password,
		"private_key":    &c.PrivateKey,
		"key_passphrase": &c.KeyPassphrase,
	}
	for col, val := range fields {
		if err := sealField("credentials", col, c.UserID, c.ID, val); err != nil {
			return err
		}
	}
	return nil
}

func openCredentialSecrets(c *Credential) error {
	fields := map[string]*string{
		"password":       &c.Password,
		"private_key":    &c.PrivateKey,
		"key_passphrase": &c.KeyPassphrase,
	}
	for col, val := range fields {
		if err := openField("credentials", col, c.UserID, c.ID, val); err != nil {
			return err
		}
	}
	return nil
}

// Host CRUD

// CreateHost inserts a host and seals its secret fields. The insert and the
// seal run in one transaction because the AEAD tag binds the record ID,
// which is only known after the insert.
func CreateHost(h *Host) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		secrets := *h
		h.Password, h.PrivateKey, h.KeyPassphrase = "", "", ""
		h.AutostartPassword, h.AutostartKey, h.AutostartKeyPassphrase = "", "", ""
		if err := tx.Create(h).Error; err != nil {
			return err
		}
		h.Password, h.PrivateKey, h.KeyPassphrase = secrets.Password, secrets.PrivateKey, secrets.KeyPassphrase
		h.AutostartPassword = secrets.AutostartPassword
		h.AutostartKey = secrets.AutostartKey
		h.AutostartKeyPassphrase = secrets.AutostartKeyPassphrase
		if err := sealHostSecrets(h); err != nil {
			return err
		}
		return tx.Model(&Host{}).Where("id = ?", h.ID).Updates(map[string]interface{}{
			"password":                 h.Password,
			"private_key":              h.PrivateKey,
			"key_passphrase":           h.KeyPassphrase,
			"autostart_password":       h.AutostartPassword,
			"autostart_key":            h.AutostartKey,
			"autostart_key_passphrase": h.AutostartKeyPassphrase,
			"tunnel_connections":       h.TunnelConnections,
		}).Error
	})
}

// GetHost returns a host scoped to its owner, secrets still sealed.
func GetHost(userID, id uint) (*Host, error) {
	var h Host
	if err := DB.Where("id = ? AND user_id = ?", id, userID).First(&h).Error; err != nil {
		return nil, err
	}
	return &h, nil
}

// GetHostDecrypted returns a host with secret fields opened.
// Requires an unlock session for the owning user.
func GetHostDecrypted(userID, id uint) (*Host, error) {
	h, err := GetHost(userID, id)
	if err != nil {
		return nil, err
	}
	if err := openHostSecrets(h); err != nil {
		return nil, err
	}
	return h, nil
}

// GetHostAutostart returns a host with only its system-sealed autostart
// fields opened. User-sealed fields are opened too when an unlock session
// exists, and blanked otherwise so callers see them as absent.
func GetHostAutostart(userID, id uint) (*Host, error) {
	h, err := GetHost(userID, id)
	if err != nil {
		return nil, err
	}
	if Env.IsUnlocked(userID) {
		if err := openHostSecrets(h); err != nil {
			return nil, err
		}
		return h, nil
	}
	h.Password, h.PrivateKey, h.KeyPassphrase = "", "", ""
	if err := openHostAutostartSecrets(h); err != nil {
		return nil, err
	}
	return h, nil
}

// ListHosts returns all hosts for a user, secrets sealed. Safe while locked.
func ListHosts(userID uint) ([]Host, error) {
	var hosts []Host
	if err := DB.Where("user_id = ?", userID).Order("id").Find(&hosts).Error; err != nil {
		return nil, err
	}
	return hosts, nil
}

// ListAllHosts returns every host in the store, secrets sealed.
// Used by tunnel autostart enumeration at boot.
func ListAllHosts() ([]Host, error) {
	var hosts []Host
	if err := DB.Order("id").Find(&hosts).Error; err != nil {
		return nil, err
	}
	return hosts, nil
}

func UpdateHost(h *Host) error {
	if err := sealHostSecrets(h); err != nil {
		return err
	}
	return DB.Save(h).Error
}

func DeleteHost(userID, id uint) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND host_id = ?", userID, id).Delete(&FileManagerItem{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ? AND user_id = ?", id, userID).Delete(&Host{}).Error
	})
}

// Credential CRUD

func CreateCredential(c *Credential) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		secrets := *c
		c.Password, c.PrivateKey, c.KeyPassphrase = "", "", ""
		if err := tx.Create(c).Error; err != nil {
			return err
		}
		c.Password, c.PrivateKey, c.KeyPassphrase = secrets.Password, secrets.PrivateKey, secrets.KeyPassphrase
		if err := sealCredentialSecrets(c); err != nil {
			return err
		}
		return tx.Model(&Credential{}).Where("id = ?", c.ID).Updates(map[string]interface{}{
			"password":       c.Password,
			"private_key":    c.PrivateKey,
			"key_passphrase": c.KeyPassphrase,
		}).Error
	})
}

func GetCredential(userID, id uint) (*Credential, error) {
	var c Credential
	if err := DB.Where("id = ? AND user_id = ?", id, userID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func GetCredentialDecrypted(userID, id uint) (*Credential, error) {
	c, err := GetCredential(userID, id)
	if err != nil {
		return nil, err
	}
	if err := openCredentialSecrets(c); err != nil {
		return nil, err
	}
	return c, nil
}

func ListCredentials(userID uint) ([]Credential, error) {
	var creds []Credential
	if err := DB.Where("user_id = ?", userID).Order("id").Find(&creds).Error; err != nil {
		return nil, err
	}
	return creds, nil
}

func UpdateCredential(c *Credential) error {
	if err := sealCredentialSecrets(c); err != nil {
		return err
	}
	return DB.Save(c).Error
}

func DeleteCredential(userID, id uint) error {
	return DB.Where("id = ? AND user_id = ?", id, userID).Delete(&Credential{}).Error
}

// TouchCredentialUsage bumps usage stats when a credential is applied.
func TouchCredentialUsage(id uint) error {
	return DB.Model(&Credential{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"usage_count": gorm.Expr("usage_count + 1"),
			"last_used":   gorm.Expr("CURRENT_TIMESTAMP"),
		}).Error
}
