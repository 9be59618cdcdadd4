package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/scjtqs2/Termix-sub002/internal/sshtunnel"
)

func TunnelConnect(w http.ResponseWriter, r *http.Request) {
	var cfg sshtunnel.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	name, err := Tunnels.Connect(cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":    "Tunnel connection initiated",
		"tunnelName": name,
	})
}

func TunnelDisconnect(w http.ResponseWriter, r *http.Request) {
	name, ok := tunnelNameFromBody(w, r)
	if !ok {
		return
	}
	if err := Tunnels.Disconnect(name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":    "Tunnel disconnected",
		"tunnelName": name,
	})
}

func TunnelCancel(w http.ResponseWriter, r *http.Request) {
	name, ok := tunnelNameFromBody(w, r)
	if !ok {
		return
	}
	if err := Tunnels.Cancel(name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":    "Tunnel cancelled",
		"tunnelName": name,
	})
}

func TunnelStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Tunnels.StatusAll())
}

func tunnelNameFromBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body struct {
		TunnelName string `json:"tunnelName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TunnelName == "" {
		writeError(w, http.StatusBadRequest, "tunnelName is required")
		return "", false
	}
	return body.TunnelName, true
}
