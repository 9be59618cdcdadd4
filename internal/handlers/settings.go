package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/scjtqs2/Termix-sub002/internal/database"
	"github.com/scjtqs2/Termix-sub002/internal/logging"
	"github.com/scjtqs2/Termix-sub002/internal/middleware"
)

// GetSettings returns the server settings. Admin only.
func GetSettings(w http.ResponseWriter, r *http.Request) {
	allow, err := database.GetSetting("allow_registration")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"allow_registration": allow,
	})
}

// UpdateSettings writes server settings. Admin only.
func UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AllowRegistration *bool `json:"allow_registration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.AllowRegistration != nil {
		v := strconv.FormatBool(*body.AllowRegistration)
		if err := database.SetSetting("allow_registration", v); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to update setting")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Settings updated"})
}

// ServerLogs returns the tail of the server log file. Admin only.
func ServerLogs(w http.ResponseWriter, r *http.Request) {
	n := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 5000 {
			n = parsed
		}
	}
	tail, err := logging.ReadTail(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": tail})
}

// Dismissed release alerts.

func DismissedAlerts(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	alerts, err := database.DismissedAlerts(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"dismissed": alerts})
}

func DismissAlert(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	var body struct {
		AlertID string `json:"alertId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AlertID == "" {
		writeError(w, http.StatusBadRequest, "alertId is required")
		return
	}
	if err := database.DismissAlert(user.ID, body.AlertID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to dismiss alert")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Alert dismissed"})
}
