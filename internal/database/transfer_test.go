package database

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/scjtqs2/Termix-sub002/internal/crypto"
)

func TestExportImportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.sqlite")
	if err := InitAt(dbPath); err != nil {
		t.Fatalf("InitAt: %v", err)
	}
	env, err := crypto.InitMaster(dir, "test-secret", GetSetting, SetSetting)
	if err != nil {
		t.Fatalf("InitMaster: %v", err)
	}
	SetEnvelope(env)
	t.Cleanup(func() { Close() })

	if err := CreateUser(&User{Username: "alice", PasswordHash: "x"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	var buf bytes.Buffer
	if err := Export(dbPath, &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), sqliteMagic) {
		t.Fatal("export does not start with SQLite magic")
	}

	// Wipe the table, then restore from the export.
	if err := DB.Where("1 = 1").Delete(&User{}).Error; err != nil {
		t.Fatalf("wipe users: %v", err)
	}
	if err := Import(dbPath, bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("Import: %v", err)
	}

	u, err := GetUserByUsername("alice")
	if err != nil {
		t.Fatalf("user missing after import: %v", err)
	}
	if u.Username != "alice" {
		t.Errorf("username = %q", u.Username)
	}
}

func TestImportRejectsNonSQLite(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.sqlite")
	if err := InitAt(dbPath); err != nil {
		t.Fatalf("InitAt: %v", err)
	}
	t.Cleanup(func() { Close() })

	err := Import(dbPath, strings.NewReader("definitely not a database"))
	if err == nil || !strings.Contains(err.Error(), "not a SQLite database") {
		t.Errorf("err = %v", err)
	}

	// The live store must still answer queries.
	if _, err := UserCount(); err != nil {
		t.Errorf("store unusable after rejected import: %v", err)
	}
}
