package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/scjtqs2/Termix-sub002/internal/auth"
	"github.com/scjtqs2/Termix-sub002/internal/config"
	"github.com/scjtqs2/Termix-sub002/internal/crypto"
	"github.com/scjtqs2/Termix-sub002/internal/database"
	"github.com/scjtqs2/Termix-sub002/internal/middleware"
	"github.com/scjtqs2/Termix-sub002/internal/sshfiles"
	"github.com/scjtqs2/Termix-sub002/internal/sshpool"
	"github.com/scjtqs2/Termix-sub002/internal/sshstats"
	"github.com/scjtqs2/Termix-sub002/internal/sshterminal"
	"github.com/scjtqs2/Termix-sub002/internal/sshtunnel"
)

// setupTestDB opens a fresh sqlite store in a temp dir and wires the
// package singletons the way main does at boot.
func setupTestDB(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	config.Cfg.DataDir = dir
	if err := database.InitAt(filepath.Join(dir, "termix.sqlite")); err != nil {
		t.Fatalf("InitAt: %v", err)
	}
	env, err := crypto.InitMaster(dir, "test-secret", database.GetSetting, database.SetSetting)
	if err != nil {
		t.Fatalf("InitMaster: %v", err)
	}
	database.SetEnvelope(env)

	Env = env
	JWTKey = env.JWTKey()
	Pool = sshpool.New(2)
	Queue = sshpool.NewRequestQueue()
	Metrics = sshstats.NewCollector(Pool, Queue, time.Minute)
	Tunnels = sshtunnel.NewEngine()
	Files = sshfiles.NewManager()
	Terminals = sshterminal.NewRegistry()

	t.Cleanup(func() { database.Close() })
}

// createTestUser registers a user directly and opens an unlock session.
func createTestUser(t *testing.T, username, password string, admin bool) *database.User {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	dek, err := crypto.NewDEK()
	if err != nil {
		t.Fatalf("NewDEK: %v", err)
	}
	wrapped, err := crypto.WrapDEK(dek, password)
	if err != nil {
		t.Fatalf("WrapDEK: %v", err)
	}
	user := &database.User{
		Username:     username,
		PasswordHash: hash,
		WrappedDEK:   wrapped,
		IsAdmin:      admin,
	}
	if err := database.CreateUser(user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := Env.Unlock(user.ID, password, wrapped); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	return user
}

// newRequest builds a request with chi URL params, a JSON body and an
// authenticated user in context.
func newRequest(t *testing.T, method, url string, user *database.User, params map[string]string, payload interface{}) *http.Request {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	r := httptest.NewRequest(method, url, body)
	r.Header.Set("Content-Type", "application/json")

	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))

	if user != nil {
		r = middleware.WithUserForTest(r, user)
	}
	return r
}

func parseResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var result map[string]interface{}
	mustUnmarshal(t, rec, &result)
	return result
}

func mustUnmarshal(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("unmarshal response: %v (body: %s)", err, rec.Body.String())
	}
}
