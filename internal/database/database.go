package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/scjtqs2/Termix-sub002/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	return InitAt(config.DatabasePath())
}

// InitAt opens (or creates) the SQLite store at an explicit path.
// Used directly by tests with a temp directory.
func InitAt(dbPath string) error {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(
		&User{}, &Credential{}, &Host{}, &FileManagerItem{},
		&Setting{}, &DismissedAlert{}, &PasswordResetCode{},
	); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	if err := seedDefaults(); err != nil {
		return fmt.Errorf("seed defaults: %w", err)
	}

	return nil
}

func seedDefaults() error {
	defaults := map[string]string{
		"allow_registration": "true",
	}
	for key, value := range defaults {
		var count int64
		DB.Model(&Setting{}).Where("key = ?", key).Count(&count)
		if count == 0 {
			if err := DB.Create(&Setting{Key: key, Value: value}).Error; err != nil {
				return fmt.Errorf("seed setting %s: %w", key, err)
			}
		}
	}
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// Checkpoint flushes the WAL into the main database file. Run periodically
// and on shutdown so the on-disk file is always importable/exportable.
func Checkpoint() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	_, err = sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// User helpers

func GetUserByUsername(username string) (*User, error) {
	var u User
	if err := DB.Where("username = ?", username).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func GetUserByID(id uint) (*User, error) {
	var u User
	if err := DB.First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func CreateUser(user *User) error {
	return DB.Create(user).Error
}

func UpdateUser(user *User) error {
	return DB.Save(user).Error
}

// DeleteUser removes a user and everything they own.
func DeleteUser(id uint) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		for _, m := range []interface{}{&Host{}, &Credential{}, &FileManagerItem{}, &DismissedAlert{}, &PasswordResetCode{}} {
			if err := tx.Where("user_id = ?", id).Delete(m).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&User{}, id).Error
	})
}

func UserCount() (int64, error) {
	var count int64
	err := DB.Model(&User{}).Count(&count).Error
	return count, err
}

// Dismissed alerts

func DismissAlert(userID uint, alertID string) error {
	return DB.Where("user_id = ? AND alert_id = ?", userID, alertID).
		FirstOrCreate(&DismissedAlert{UserID: userID, AlertID: alertID}).Error
}

func DismissedAlerts(userID uint) ([]string, error) {
	var rows []DismissedAlert
	if err := DB.Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.AlertID
	}
	return ids, nil
}
