package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/scjtqs2/Termix-sub002/internal/auth"
	"github.com/scjtqs2/Termix-sub002/internal/crypto"
	"github.com/scjtqs2/Termix-sub002/internal/database"
	"github.com/scjtqs2/Termix-sub002/internal/middleware"
)

const resetCodeTTL = 10 * time.Minute

func setJWTCookie(w http.ResponseWriter, r *http.Request, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.JWTCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(auth.TokenDuration.Seconds()),
	})
}

func clearJWTCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.JWTCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func openTOTPSecret(user *database.User) (string, error) {
	return Env.Open("users", "totp_secret", user.ID, strconv.FormatUint(uint64(user.ID), 10), user.TOTPSecret)
}

func sealTOTPSecret(user *database.User, secret string) (string, error) {
	return Env.Seal("users", "totp_secret", user.ID, strconv.FormatUint(uint64(user.ID), 10), secret)
}

func Login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
		TOTPCode string `json:"totpCode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	user, err := database.GetUserByUsername(body.Username)
	if err != nil || !auth.CheckPassword(body.Password, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	// The password both authenticates and unwraps the data key.
	if err := Env.Unlock(user.ID, body.Password, user.WrappedDEK); err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	if user.TOTPEnabled {
		if body.TOTPCode == "" {
			Env.Lock(user.ID)
			writeJSON(w, http.StatusOK, map[string]bool{"requiresTOTP": true})
			return
		}
		if !verifySecondFactor(user, body.TOTPCode) {
			Env.Lock(user.ID)
			writeError(w, http.StatusUnauthorized, "Invalid verification code")
			return
		}
	}

	token, err := auth.IssueToken(JWTKey, user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	setJWTCookie(w, r, token)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":    token,
		"id":       user.ID,
		"username": user.Username,
		"is_admin": user.IsAdmin,
	})
}

// verifySecondFactor accepts either a live TOTP code or an unused backup
// code. A matched backup code is consumed.
func verifySecondFactor(user *database.User, code string) bool {
	secret, err := openTOTPSecret(user)
	if err == nil && auth.ValidateTOTP(code, secret) {
		return true
	}
	updated, ok := auth.ConsumeBackupCode(code, user.BackupCodes)
	if !ok {
		return false
	}
	user.BackupCodes = updated
	if err := database.UpdateUser(user); err != nil {
		log.Printf("[auth] consuming backup code for user %d: %v", user.ID, err)
		return false
	}
	return true
}

func Logout(w http.ResponseWriter, r *http.Request) {
	if user := middleware.GetUser(r); user != nil {
		Env.Lock(user.ID)
	}
	clearJWTCookie(w, r)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func Me(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":           user.ID,
		"username":     user.Username,
		"is_admin":     user.IsAdmin,
		"totp_enabled": user.TOTPEnabled,
		"created_at":   user.CreatedAt,
	})
}

func RegistrationAllowed(w http.ResponseWriter, r *http.Request) {
	count, err := database.UserCount()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}
	// First account is always allowed; it becomes the admin.
	allowed := count == 0
	if !allowed {
		v, err := database.GetSetting("allow_registration")
		if err == nil {
			allowed = v == "true"
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

func UserCount(w http.ResponseWriter, r *http.Request) {
	count, err := database.UserCount()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": count})
}

func Register(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	body.Username = strings.TrimSpace(body.Username)
	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	count, err := database.UserCount()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}
	if count > 0 {
		v, _ := database.GetSetting("allow_registration")
		if v != "true" {
			writeError(w, http.StatusForbidden, "Registration is disabled")
			return
		}
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password")
		return
	}
	dek, err := crypto.NewDEK()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to provision encryption key")
		return
	}
	wrapped, err := crypto.WrapDEK(dek, body.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to provision encryption key")
		return
	}

	user := &database.User{
		Username:     body.Username,
		PasswordHash: hash,
		WrappedDEK:   wrapped,
		IsAdmin:      count == 0,
	}
	if err := database.CreateUser(user); err != nil {
		writeError(w, http.StatusConflict, "Username already taken")
		return
	}

	if err := Env.Unlock(user.ID, body.Password, user.WrappedDEK); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to unlock data key")
		return
	}
	token, err := auth.IssueToken(JWTKey, user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	setJWTCookie(w, r, token)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"token":    token,
		"id":       user.ID,
		"username": user.Username,
		"is_admin": user.IsAdmin,
	})
}

// Password reset flow: initiate logs a 6-digit code to the operator
// console, verify exchanges the code for a short-lived token, complete sets
// the new password with that token.

func PasswordResetInitiate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Same response whether or not the account exists.
	resp := map[string]string{"message": "If the account exists, a reset code has been issued"}

	user, err := database.GetUserByUsername(body.Username)
	if err != nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	code, err := auth.GenerateResetCode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate code")
		return
	}
	hash, err := auth.HashPassword(code)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate code")
		return
	}
	database.DB.Where("user_id = ?", user.ID).Delete(&database.PasswordResetCode{})
	rec := &database.PasswordResetCode{
		UserID:    user.ID,
		CodeHash:  hash,
		ExpiresAt: time.Now().Add(resetCodeTTL),
	}
	if err := database.DB.Create(rec).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store code")
		return
	}

	// Codes are surfaced to the operator, never emailed by the server.
	log.Printf("[auth] password reset code for %s: %s (valid %s)", user.Username, code, resetCodeTTL)
	writeJSON(w, http.StatusOK, resp)
}

func PasswordResetVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Code     string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := database.GetUserByUsername(body.Username)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid or expired code")
		return
	}
	var rec database.PasswordResetCode
	err = database.DB.Where("user_id = ? AND expires_at > ?", user.ID, time.Now()).
		Order("id DESC").First(&rec).Error
	if err != nil || !auth.CheckPassword(body.Code, rec.CodeHash) {
		writeError(w, http.StatusUnauthorized, "Invalid or expired code")
		return
	}

	rec.Verified = true
	database.DB.Save(&rec)

	token, err := auth.IssueResetToken(JWTKey, user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tempToken": token})
}

func PasswordResetComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TempToken   string `json:"tempToken"`
		NewPassword string `json:"newPassword"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "New password is required")
		return
	}

	userID, err := auth.VerifyResetToken(JWTKey, body.TempToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid or expired token")
		return
	}
	user, err := database.GetUserByID(userID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid or expired token")
		return
	}

	hash, err := auth.HashPassword(body.NewPassword)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password")
		return
	}

	// A live unlock session lets the existing data key be re-wrapped.
	// Without one the old key is unrecoverable; a fresh key is issued and
	// previously sealed fields stay unreadable.
	wrapped, err := Env.RewrapDEK(user.ID, body.NewPassword)
	if err != nil {
		dek, derr := crypto.NewDEK()
		if derr != nil {
			writeError(w, http.StatusInternalServerError, "Failed to provision encryption key")
			return
		}
		wrapped, derr = crypto.WrapDEK(dek, body.NewPassword)
		if derr != nil {
			writeError(w, http.StatusInternalServerError, "Failed to provision encryption key")
			return
		}
		log.Printf("[auth] password reset for user %d issued a new data key; sealed fields from before the reset are unrecoverable", user.ID)
	}

	user.PasswordHash = hash
	user.WrappedDEK = wrapped
	if err := database.UpdateUser(user); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update password")
		return
	}
	database.DB.Where("user_id = ?", user.ID).Delete(&database.PasswordResetCode{})
	Env.Lock(user.ID)

	writeJSON(w, http.StatusOK, map[string]string{"message": "Password updated"})
}
