package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSettings_RoundTrip(t *testing.T) {
	setupTestDB(t)

	rec := httptest.NewRecorder()
	GetSettings(rec, newRequest(t, "GET", "/settings", nil, nil, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp := parseResponse(t, rec); resp["allow_registration"] != "true" {
		t.Errorf("default allow_registration = %v", resp["allow_registration"])
	}

	off := false
	rec = httptest.NewRecorder()
	UpdateSettings(rec, newRequest(t, "PUT", "/settings", nil, nil, map[string]interface{}{
		"allow_registration": &off,
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	GetSettings(rec, newRequest(t, "GET", "/settings", nil, nil, nil))
	if resp := parseResponse(t, rec); resp["allow_registration"] != "false" {
		t.Errorf("allow_registration = %v after update", resp["allow_registration"])
	}
}

func TestDismissAlert(t *testing.T) {
	setupTestDB(t)
	user := createTestUser(t, "alice", "pw", false)

	rec := httptest.NewRecorder()
	DismissAlert(rec, newRequest(t, "POST", "/alerts/dismiss", user, nil, map[string]string{
		"alertId": "release-1.2",
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	DismissedAlerts(rec, newRequest(t, "GET", "/alerts/dismissed", user, nil, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := parseResponse(t, rec)
	dismissed, _ := resp["dismissed"].([]interface{})
	if len(dismissed) != 1 || dismissed[0] != "release-1.2" {
		t.Errorf("dismissed = %v", resp["dismissed"])
	}
}

func TestDismissAlert_MissingID(t *testing.T) {
	setupTestDB(t)
	user := createTestUser(t, "alice", "pw", false)

	rec := httptest.NewRecorder()
	DismissAlert(rec, newRequest(t, "POST", "/alerts/dismiss", user, nil, map[string]string{}))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
