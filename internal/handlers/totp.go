package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/scjtqs2/Termix-sub002/internal/auth"
	"github.com/scjtqs2/Termix-sub002/internal/database"
	"github.com/scjtqs2/Termix-sub002/internal/middleware"
)

// TOTPSetup generates a fresh secret and provisioning URL. The secret is
// sealed and stored immediately but two-factor stays off until the user
// proves possession via TOTPEnable.
func TOTPSetup(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	secret, url, err := auth.GenerateTOTPSecret(user.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate secret")
		return
	}
	sealed, err := sealTOTPSecret(user, secret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store secret")
		return
	}
	user.TOTPSecret = sealed
	user.TOTPEnabled = false
	if err := database.UpdateUser(user); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store secret")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"secret": secret,
		"url":    url,
	})
}

// TOTPEnable verifies a code against the pending secret, switches
// two-factor on and returns one-shot backup codes.
func TOTPEnable(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if user.TOTPSecret == "" {
		writeError(w, http.StatusBadRequest, "TOTP setup has not been started")
		return
	}

	secret, err := openTOTPSecret(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read secret")
		return
	}
	if !auth.ValidateTOTP(body.Code, secret) {
		writeError(w, http.StatusUnauthorized, "Invalid verification code")
		return
	}

	codes, hashedJSON, err := auth.GenerateBackupCodes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate backup codes")
		return
	}
	user.TOTPEnabled = true
	user.BackupCodes = hashedJSON
	if err := database.UpdateUser(user); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to enable TOTP")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":      "TOTP enabled",
		"backup_codes": codes,
	})
}

// TOTPDisable turns two-factor off after re-verifying the password.
func TOTPDisable(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !auth.CheckPassword(body.Password, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "Invalid password")
		return
	}

	user.TOTPEnabled = false
	user.TOTPSecret = ""
	user.BackupCodes = ""
	if err := database.UpdateUser(user); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to disable TOTP")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "TOTP disabled"})
}
