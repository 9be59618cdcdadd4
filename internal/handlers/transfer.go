package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/scjtqs2/Termix-sub002/internal/auth"
	"github.com/scjtqs2/Termix-sub002/internal/config"
	"github.com/scjtqs2/Termix-sub002/internal/database"
	"github.com/scjtqs2/Termix-sub002/internal/middleware"
)

// DatabaseExport streams the SQLite file. The caller re-proves the account
// password; a stolen JWT alone must not be enough to walk away with the
// whole store.
func DatabaseExport(w http.ResponseWriter, r *http.Request) {
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

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="termix.sqlite"`)
	if err := database.Export(config.DatabasePath(), w); err != nil {
		// Headers are already out; the truncated stream is the signal.
		return
	}
}

// DatabaseImport swaps in an uploaded SQLite file. Admin only.
func DatabaseImport(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(database.MaxImportSize); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	if !strings.HasSuffix(header.Filename, ".sqlite") {
		writeError(w, http.StatusBadRequest, "Only .sqlite files are accepted")
		return
	}
	if header.Size > database.MaxImportSize {
		writeError(w, http.StatusBadRequest, "Upload exceeds the size limit")
		return
	}

	if err := database.Import(config.DatabasePath(), file); err != nil {
		writeError(w, http.StatusInternalServerError, "Import failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Database imported"})
}
