package handlers

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/scjtqs2/Termix-sub002/internal/auth"
	"github.com/scjtqs2/Termix-sub002/internal/database"
)

func TestLogin_Success(t *testing.T) {
	setupTestDB(t)
	user := createTestUser(t, "alice", "secret-pw", false)
	Env.Lock(user.ID)

	rec := httptest.NewRecorder()
	Login(rec, newRequest(t, "POST", "/users/login", nil, nil, map[string]string{
		"username": "alice",
		"password": "secret-pw",
	}))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := parseResponse(t, rec)
	if resp["token"] == "" || resp["token"] == nil {
		t.Error("expected a token in the response")
	}
	if resp["username"] != "alice" {
		t.Errorf("username = %v", resp["username"])
	}
	if !Env.IsUnlocked(user.ID) {
		t.Error("login should open an unlock session")
	}

	var haveCookie bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.JWTCookie && c.Value != "" {
			haveCookie = true
		}
	}
	if !haveCookie {
		t.Error("expected a session cookie")
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	setupTestDB(t)
	user := createTestUser(t, "alice", "secret-pw", false)
	Env.Lock(user.ID)

	rec := httptest.NewRecorder()
	Login(rec, newRequest(t, "POST", "/users/login", nil, nil, map[string]string{
		"username": "alice",
		"password": "wrong",
	}))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if Env.IsUnlocked(user.ID) {
		t.Error("failed login must not leave an unlock session")
	}
}

func TestLogin_UnknownUser(t *testing.T) {
	setupTestDB(t)

	rec := httptest.NewRecorder()
	Login(rec, newRequest(t, "POST", "/users/login", nil, nil, map[string]string{
		"username": "nobody",
		"password": "x",
	}))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

// enableTOTP provisions a sealed TOTP secret for the user and returns the
// plaintext secret.
func enableTOTP(t *testing.T, user *database.User) string {
	t.Helper()
	secret, _, err := auth.GenerateTOTPSecret(user.Username)
	if err != nil {
		t.Fatalf("GenerateTOTPSecret: %v", err)
	}
	sealed, err := Env.Seal("users", "totp_secret", user.ID, strconv.FormatUint(uint64(user.ID), 10), secret)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	user.TOTPSecret = sealed
	user.TOTPEnabled = true
	if err := database.UpdateUser(user); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	return secret
}

func TestLogin_RequiresTOTP(t *testing.T) {
	setupTestDB(t)
	user := createTestUser(t, "alice", "secret-pw", false)
	enableTOTP(t, user)
	Env.Lock(user.ID)

	rec := httptest.NewRecorder()
	Login(rec, newRequest(t, "POST", "/users/login", nil, nil, map[string]string{
		"username": "alice",
		"password": "secret-pw",
	}))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := parseResponse(t, rec)
	if resp["requiresTOTP"] != true {
		t.Errorf("expected requiresTOTP, got %v", resp)
	}
	if resp["token"] != nil {
		t.Error("no token should be issued before the second factor")
	}
	if Env.IsUnlocked(user.ID) {
		t.Error("unlock session must be dropped until the second factor passes")
	}
}

func TestLogin_WithTOTPCode(t *testing.T) {
	setupTestDB(t)
	user := createTestUser(t, "alice", "secret-pw", false)
	secret := enableTOTP(t, user)
	Env.Lock(user.ID)

	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}

	rec := httptest.NewRecorder()
	Login(rec, newRequest(t, "POST", "/users/login", nil, nil, map[string]string{
		"username": "alice",
		"password": "secret-pw",
		"totpCode": code,
	}))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := parseResponse(t, rec)
	if resp["token"] == nil {
		t.Error("expected a token after the second factor")
	}
	if !Env.IsUnlocked(user.ID) {
		t.Error("login should open an unlock session")
	}
}

func TestLogin_BadTOTPCode(t *testing.T) {
	setupTestDB(t)
	user := createTestUser(t, "alice", "secret-pw", false)
	enableTOTP(t, user)
	Env.Lock(user.ID)

	rec := httptest.NewRecorder()
	Login(rec, newRequest(t, "POST", "/users/login", nil, nil, map[string]string{
		"username": "alice",
		"password": "secret-pw",
		"totpCode": "000000",
	}))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if Env.IsUnlocked(user.ID) {
		t.Error("unlock session must be dropped on a bad code")
	}
}

func TestLogin_BackupCodeConsumed(t *testing.T) {
	setupTestDB(t)
	user := createTestUser(t, "alice", "secret-pw", false)
	enableTOTP(t, user)

	codes, hashedJSON, err := auth.GenerateBackupCodes()
	if err != nil {
		t.Fatalf("GenerateBackupCodes: %v", err)
	}
	user.BackupCodes = hashedJSON
	if err := database.UpdateUser(user); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	Env.Lock(user.ID)

	login := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		Login(rec, newRequest(t, "POST", "/users/login", nil, nil, map[string]string{
			"username": "alice",
			"password": "secret-pw",
			"totpCode": codes[0],
		}))
		return rec
	}

	if rec := login(); rec.Code != http.StatusOK {
		t.Fatalf("backup code login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// The same code must not work twice.
	Env.Lock(user.ID)
	if rec := login(); rec.Code != http.StatusUnauthorized {
		t.Fatalf("reused backup code: expected 401, got %d", rec.Code)
	}
}

func TestLogout_DropsUnlockSession(t *testing.T) {
	setupTestDB(t)
	user := createTestUser(t, "alice", "secret-pw", false)

	rec := httptest.NewRecorder()
	Logout(rec, newRequest(t, "POST", "/users/logout", user, nil, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if Env.IsUnlocked(user.ID) {
		t.Error("logout should drop the unlock session")
	}
}

func TestRegister_FirstUserIsAdmin(t *testing.T) {
	setupTestDB(t)

	rec := httptest.NewRecorder()
	Register(rec, newRequest(t, "POST", "/users/register", nil, nil, map[string]string{
		"username": "first",
		"password": "pw1",
	}))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := parseResponse(t, rec)
	if resp["is_admin"] != true {
		t.Error("first account should be admin")
	}

	rec = httptest.NewRecorder()
	Register(rec, newRequest(t, "POST", "/users/register", nil, nil, map[string]string{
		"username": "second",
		"password": "pw2",
	}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("second register: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp := parseResponse(t, rec); resp["is_admin"] != false {
		t.Error("later accounts should not be admin")
	}
}

func TestRegister_DisabledBySetting(t *testing.T) {
	setupTestDB(t)
	createTestUser(t, "admin", "pw", true)
	if err := database.SetSetting("allow_registration", "false"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}

	rec := httptest.NewRecorder()
	Register(rec, newRequest(t, "POST", "/users/register", nil, nil, map[string]string{
		"username": "late",
		"password": "pw",
	}))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestRegister_DuplicateUsername(t *testing.T) {
	setupTestDB(t)
	createTestUser(t, "alice", "pw", false)

	rec := httptest.NewRecorder()
	Register(rec, newRequest(t, "POST", "/users/register", nil, nil, map[string]string{
		"username": "alice",
		"password": "other",
	}))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestRegistrationAllowed(t *testing.T) {
	setupTestDB(t)

	rec := httptest.NewRecorder()
	RegistrationAllowed(rec, newRequest(t, "GET", "/users/registration-allowed", nil, nil, nil))
	if resp := parseResponse(t, rec); resp["allowed"] != true {
		t.Error("empty store: registration must be allowed")
	}

	createTestUser(t, "admin", "pw", true)
	if err := database.SetSetting("allow_registration", "false"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}

	rec = httptest.NewRecorder()
	RegistrationAllowed(rec, newRequest(t, "GET", "/users/registration-allowed", nil, nil, nil))
	if resp := parseResponse(t, rec); resp["allowed"] != false {
		t.Error("registration should be reported as disabled")
	}
}

func TestPasswordReset_FullFlow(t *testing.T) {
	setupTestDB(t)
	user := createTestUser(t, "alice", "old-pw", false)

	// Seal a value while the session from setup is live; after a reset
	// with a live session it must still decrypt under the new password.
	sealed, err := Env.Seal("hosts", "password", user.ID, "1", "host-secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	codeHash, err := auth.HashPassword("123456")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	rec0 := &database.PasswordResetCode{
		UserID:    user.ID,
		CodeHash:  codeHash,
		ExpiresAt: time.Now().Add(resetCodeTTL),
	}
	if err := database.DB.Create(rec0).Error; err != nil {
		t.Fatalf("create reset code: %v", err)
	}

	rec := httptest.NewRecorder()
	PasswordResetVerify(rec, newRequest(t, "POST", "/users/password-reset/verify", nil, nil, map[string]string{
		"username": "alice",
		"code":     "123456",
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	tempToken, _ := parseResponse(t, rec)["tempToken"].(string)
	if tempToken == "" {
		t.Fatal("expected a tempToken")
	}

	rec = httptest.NewRecorder()
	PasswordResetComplete(rec, newRequest(t, "POST", "/users/password-reset/complete", nil, nil, map[string]string{
		"tempToken":   tempToken,
		"newPassword": "new-pw",
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Old password is out, new one logs in and still reads old sealed data.
	rec = httptest.NewRecorder()
	Login(rec, newRequest(t, "POST", "/users/login", nil, nil, map[string]string{
		"username": "alice",
		"password": "old-pw",
	}))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("old password: expected 401, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	Login(rec, newRequest(t, "POST", "/users/login", nil, nil, map[string]string{
		"username": "alice",
		"password": "new-pw",
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("new password: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	got, err := Env.Open("hosts", "password", user.ID, "1", sealed)
	if err != nil {
		t.Fatalf("Open after rewrap: %v", err)
	}
	if got != "host-secret" {
		t.Errorf("got %q, want host-secret", got)
	}
}

func TestPasswordResetVerify_WrongCode(t *testing.T) {
	setupTestDB(t)
	user := createTestUser(t, "alice", "pw", false)

	codeHash, _ := auth.HashPassword("123456")
	database.DB.Create(&database.PasswordResetCode{
		UserID:    user.ID,
		CodeHash:  codeHash,
		ExpiresAt: time.Now().Add(resetCodeTTL),
	})

	rec := httptest.NewRecorder()
	PasswordResetVerify(rec, newRequest(t, "POST", "/users/password-reset/verify", nil, nil, map[string]string{
		"username": "alice",
		"code":     "654321",
	}))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestPasswordResetVerify_ExpiredCode(t *testing.T) {
	setupTestDB(t)
	user := createTestUser(t, "alice", "pw", false)

	codeHash, _ := auth.HashPassword("123456")
	database.DB.Create(&database.PasswordResetCode{
		UserID:    user.ID,
		CodeHash:  codeHash,
		ExpiresAt: time.Now().Add(-time.Minute),
	})

	rec := httptest.NewRecorder()
	PasswordResetVerify(rec, newRequest(t, "POST", "/users/password-reset/verify", nil, nil, map[string]string{
		"username": "alice",
		"code":     "123456",
	}))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestPasswordResetInitiate_UnknownUserSameResponse(t *testing.T) {
	setupTestDB(t)

	rec := httptest.NewRecorder()
	PasswordResetInitiate(rec, newRequest(t, "POST", "/users/password-reset/initiate", nil, nil, map[string]string{
		"username": "ghost",
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMe(t *testing.T) {
	setupTestDB(t)
	user := createTestUser(t, "alice", "pw", true)

	rec := httptest.NewRecorder()
	Me(rec, newRequest(t, "GET", "/users/me", user, nil, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := parseResponse(t, rec)
	if resp["username"] != "alice" || resp["is_admin"] != true {
		t.Errorf("unexpected response: %v", resp)
	}
}
