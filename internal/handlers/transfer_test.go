package handlers

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/scjtqs2/Termix-sub002/internal/database"
	"github.com/scjtqs2/Termix-sub002/internal/middleware"
)

func TestDatabaseExport_RequiresPassword(t *testing.T) {
	setupTestDB(t)
	user := createTestUser(t, "alice", "secret-pw", false)

	rec := httptest.NewRecorder()
	DatabaseExport(rec, newRequest(t, "POST", "/database/export", user, nil, map[string]string{
		"password": "wrong",
	}))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestDatabaseExport_StreamsSQLite(t *testing.T) {
	setupTestDB(t)
	user := createTestUser(t, "alice", "secret-pw", false)

	rec := httptest.NewRecorder()
	DatabaseExport(rec, newRequest(t, "POST", "/database/export", user, nil, map[string]string{
		"password": "secret-pw",
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "termix.sqlite") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("SQLite format 3\x00")) {
		t.Error("export does not start with the SQLite magic")
	}
}

func TestDatabaseImport_RejectsWrongExtension(t *testing.T) {
	setupTestDB(t)
	user := createTestUser(t, "admin", "pw", true)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "dump.txt")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write([]byte("not a database"))
	mw.Close()

	r := httptest.NewRequest("POST", "/database/import", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	r = middleware.WithUserForTest(r, user)

	rec := httptest.NewRecorder()
	DatabaseImport(rec, r)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDatabaseImport_RejectsNonSQLitePayload(t *testing.T) {
	setupTestDB(t)
	user := createTestUser(t, "admin", "pw", true)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "dump.sqlite")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write([]byte("this is not a database at all"))
	mw.Close()

	r := httptest.NewRequest("POST", "/database/import", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	r = middleware.WithUserForTest(r, user)

	rec := httptest.NewRecorder()
	DatabaseImport(rec, r)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d: %s", rec.Code, rec.Body.String())
	}

	// The live store must survive a rejected import.
	if _, err := database.GetUserByUsername("admin"); err != nil {
		t.Errorf("store unusable after rejected import: %v", err)
	}
}
