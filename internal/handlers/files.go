package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"path"

	"github.com/google/uuid"
	"github.com/scjtqs2/Termix-sub002/internal/credentials"
	"github.com/scjtqs2/Termix-sub002/internal/database"
	"github.com/scjtqs2/Termix-sub002/internal/middleware"
	"github.com/scjtqs2/Termix-sub002/internal/sshfiles"
)

const maxUploadSize = 100 << 20

// fileSession loads the session and enforces ownership.
func fileSession(w http.ResponseWriter, r *http.Request, sessionID string) *sshfiles.Session {
	user := middleware.GetUser(r)
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return nil
	}
	sess := Files.Get(sessionID)
	if sess == nil || sess.UserID != user.ID {
		writeError(w, http.StatusNotFound, "No active session")
		return nil
	}
	return sess
}

func FileManagerConnect(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	var body struct {
		HostID    uint   `json:"hostId"`
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.HostID == 0 {
		writeError(w, http.StatusBadRequest, "hostId is required")
		return
	}

	host, err := database.GetHost(user.ID, body.HostID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Host not found")
		return
	}
	if !host.EnableFileManager {
		writeError(w, http.StatusForbidden, "File manager is disabled for this host")
		return
	}

	cfg, err := credentials.Resolve(user.ID, body.HostID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to resolve host credentials")
		return
	}

	sessionID := body.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	sess, err := Files.Connect(r.Context(), sessionID, user.ID, body.HostID, cfg)
	if err != nil {
		writeError(w, http.StatusBadGateway, "SSH connection failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "Connected",
		"sessionId": sess.ID,
	})
}

func FileManagerDisconnect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if fileSession(w, r, body.SessionID) == nil {
		return
	}
	if err := Files.Disconnect(body.SessionID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to disconnect")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Disconnected"})
}

func FileManagerStatus(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	writeJSON(w, http.StatusOK, Files.Status(user.ID))
}

func ListFiles(w http.ResponseWriter, r *http.Request) {
	sess := fileSession(w, r, r.URL.Query().Get("sessionId"))
	if sess == nil {
		return
	}
	dirPath := r.URL.Query().Get("path")
	if dirPath == "" {
		dirPath = "/"
	}

	entries, err := sess.List(dirPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list directory")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func ReadFile(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	sess := fileSession(w, r, r.URL.Query().Get("sessionId"))
	if sess == nil {
		return
	}
	filePath := r.URL.Query().Get("path")
	if filePath == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	data, err := sess.Read(filePath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read file")
		return
	}
	database.RecordRecent(user.ID, sess.HostID, path.Base(filePath), filePath)
	writeJSON(w, http.StatusOK, map[string]string{
		"content": string(data),
		"path":    filePath,
	})
}

func WriteFile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"sessionId"`
		Path      string `json:"path"`
		Content   string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	sess := fileSession(w, r, body.SessionID)
	if sess == nil {
		return
	}

	if err := sess.Write(body.Path, []byte(body.Content)); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to write file")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "File written successfully"})
}

func UploadFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	sess := fileSession(w, r, r.FormValue("sessionId"))
	if sess == nil {
		return
	}
	dirPath := r.FormValue("path")
	if dirPath == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadSize))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read upload")
		return
	}

	target := path.Join(dirPath, path.Base(header.Filename))
	if err := sess.Write(target, data); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to upload file")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "File uploaded successfully",
		"path":    target,
	})
}

func CreateFile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"sessionId"`
		Path      string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	sess := fileSession(w, r, body.SessionID)
	if sess == nil {
		return
	}
	if err := sess.CreateFile(body.Path); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create file")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "File created"})
}

func CreateFolder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"sessionId"`
		Path      string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	sess := fileSession(w, r, body.SessionID)
	if sess == nil {
		return
	}
	if err := sess.CreateDirectory(body.Path); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create folder")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Folder created"})
}

func DeleteItem(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID   string `json:"sessionId"`
		Path        string `json:"path"`
		IsDirectory bool   `json:"isDirectory"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	sess := fileSession(w, r, body.SessionID)
	if sess == nil {
		return
	}
	if err := sess.Delete(body.Path, body.IsDirectory); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete item")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Item deleted"})
}

func RenameItem(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"sessionId"`
		OldPath   string `json:"oldPath"`
		NewPath   string `json:"newPath"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.OldPath == "" || body.NewPath == "" {
		writeError(w, http.StatusBadRequest, "oldPath and newPath are required")
		return
	}
	sess := fileSession(w, r, body.SessionID)
	if sess == nil {
		return
	}
	if err := sess.Rename(body.OldPath, body.NewPath); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to rename item")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Item renamed"})
}

// Recent, pinned and shortcut bookkeeping.

func ListFileManagerItems(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	hostID, kind := fileItemQuery(r)
	if kind == "" {
		writeError(w, http.StatusBadRequest, "invalid kind")
		return
	}
	items, err := database.ListFileManagerItems(user.ID, hostID, kind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list items")
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func AddFileManagerItem(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	var body struct {
		HostID uint   `json:"hostId"`
		Name   string `json:"name"`
		Path   string `json:"path"`
		Kind   string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	if body.Kind != "pinned" && body.Kind != "shortcut" {
		writeError(w, http.StatusBadRequest, "kind must be pinned or shortcut")
		return
	}
	if body.Name == "" {
		body.Name = path.Base(body.Path)
	}

	item := &database.FileManagerItem{
		UserID: user.ID,
		HostID: body.HostID,
		Name:   body.Name,
		Path:   body.Path,
		Kind:   body.Kind,
	}
	if err := database.AddFileManagerItem(item); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to add item")
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func RemoveFileManagerItem(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	var body struct {
		HostID uint   `json:"hostId"`
		Path   string `json:"path"`
		Kind   string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" || body.Kind == "" {
		writeError(w, http.StatusBadRequest, "path and kind are required")
		return
	}
	if err := database.RemoveFileManagerItem(user.ID, body.HostID, body.Kind, body.Path); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to remove item")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Item removed"})
}

func fileItemQuery(r *http.Request) (uint, string) {
	var hostID uint
	if id, err := urlID(r); err == nil {
		hostID = id
	}
	kind := r.URL.Query().Get("kind")
	switch kind {
	case "recent", "pinned", "shortcut":
		return hostID, kind
	}
	return hostID, ""
}
