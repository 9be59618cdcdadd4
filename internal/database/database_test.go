package database

import (
	"path/filepath"
	"testing"

	"github.com/scjtqs2/Termix-sub002/internal/crypto"
)

// initTestDB opens a fresh sqlite database in a temp dir and installs
// an envelope with a throwaway master key.
func initTestDB(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	if err := InitAt(filepath.Join(dir, "test.sqlite")); err != nil {
		t.Fatalf("InitAt: %v", err)
	}
	env, err := crypto.InitMaster(dir, "test-secret", GetSetting, SetSetting)
	if err != nil {
		t.Fatalf("InitMaster: %v", err)
	}
	SetEnvelope(env)
	t.Cleanup(func() { Close() })
}

// unlockUser provisions a DEK for userID and opens an unlock session.
func unlockUser(t *testing.T, userID uint, password string) string {
	t.Helper()
	dek, err := crypto.NewDEK()
	if err != nil {
		t.Fatalf("NewDEK: %v", err)
	}
	wrapped, err := crypto.WrapDEK(dek, password)
	if err != nil {
		t.Fatalf("WrapDEK: %v", err)
	}
	if err := Env.Unlock(userID, password, wrapped); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	return wrapped
}

func TestUserCRUD(t *testing.T) {
	initTestDB(t)

	u := &User{Username: "alice", PasswordHash: "x", IsAdmin: true}
	if err := CreateUser(u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.ID == 0 {
		t.Fatal("user ID not assigned")
	}

	got, err := GetUserByUsername("alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if got.ID != u.ID || !got.IsAdmin {
		t.Errorf("got = %+v", got)
	}

	n, err := UserCount()
	if err != nil || n != 1 {
		t.Errorf("UserCount = %d, %v", n, err)
	}

	if err := DeleteUser(u.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, err := GetUserByID(u.ID); err == nil {
		t.Error("user still present after delete")
	}
}

func TestSettings(t *testing.T) {
	initTestDB(t)

	// seedDefaults installs registration as enabled.
	v, err := GetSetting("allow_registration")
	if err != nil || v != "true" {
		t.Errorf("allow_registration = %q, %v", v, err)
	}

	if err := SetSetting("allow_registration", "false"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if v, _ := GetSetting("allow_registration"); v != "false" {
		t.Errorf("after update = %q", v)
	}
}

func TestDismissedAlerts(t *testing.T) {
	initTestDB(t)

	if err := DismissAlert(1, "release-1.2"); err != nil {
		t.Fatalf("DismissAlert: %v", err)
	}
	// Dismissing twice must not error out.
	if err := DismissAlert(1, "release-1.2"); err != nil {
		t.Fatalf("repeat DismissAlert: %v", err)
	}

	got, err := DismissedAlerts(1)
	if err != nil {
		t.Fatalf("DismissedAlerts: %v", err)
	}
	if len(got) != 1 || got[0] != "release-1.2" {
		t.Errorf("alerts = %v", got)
	}
	if other, _ := DismissedAlerts(2); len(other) != 0 {
		t.Errorf("user 2 sees user 1 alerts: %v", other)
	}
}
