package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestServerStatusAll(t *testing.T) {
	setupTestDB(t)
	user := createTestUser(t, "alice", "pw", false)

	rec := httptest.NewRecorder()
	CreateHost(rec, newRequest(t, "POST", "/ssh/db/host", user, nil, hostPayload()))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create host: %d", rec.Code)
	}

	orig := probeLiveness
	probeLiveness = func(ip string, port int) string {
		if ip != "10.0.0.1" || port != 2222 {
			t.Errorf("probe got %s:%d", ip, port)
		}
		return "online"
	}
	defer func() { probeLiveness = orig }()

	rec = httptest.NewRecorder()
	ServerStatusAll(rec, newRequest(t, "GET", "/status", user, nil, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := parseResponse(t, rec)
	entry, _ := resp["1"].(map[string]interface{})
	if entry == nil || entry["status"] != "online" {
		t.Errorf("response = %v", resp)
	}
}

func TestServerStatus_NotFound(t *testing.T) {
	setupTestDB(t)
	user := createTestUser(t, "alice", "pw", false)

	rec := httptest.NewRecorder()
	ServerStatus(rec, newRequest(t, "GET", "/status/99", user, map[string]string{"id": "99"}, nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHostMetrics_InvalidAndMissing(t *testing.T) {
	setupTestDB(t)
	user := createTestUser(t, "alice", "pw", false)

	rec := httptest.NewRecorder()
	HostMetrics(rec, newRequest(t, "GET", "/metrics/abc", user, map[string]string{"id": "abc"}, nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	HostMetrics(rec, newRequest(t, "GET", "/metrics/7", user, map[string]string{"id": "7"}, nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestRefreshStatus(t *testing.T) {
	setupTestDB(t)
	user := createTestUser(t, "alice", "pw", false)

	rec := httptest.NewRecorder()
	RefreshStatus(rec, newRequest(t, "POST", "/refresh", user, nil, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
