// Package handlers implements the HTTP surface. Handlers are plain
// functions over package-level singletons that main wires up at boot.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/scjtqs2/Termix-sub002/internal/crypto"
	"github.com/scjtqs2/Termix-sub002/internal/sshfiles"
	"github.com/scjtqs2/Termix-sub002/internal/sshpool"
	"github.com/scjtqs2/Termix-sub002/internal/sshstats"
	"github.com/scjtqs2/Termix-sub002/internal/sshterminal"
	"github.com/scjtqs2/Termix-sub002/internal/sshtunnel"
)

// Singletons, set from main.go during init.
var (
	Env       *crypto.Envelope
	JWTKey    []byte
	Pool      *sshpool.Pool
	Queue     *sshpool.RequestQueue
	Metrics   *sshstats.Collector
	Tunnels   *sshtunnel.Engine
	Files     *sshfiles.Manager
	Terminals *sshterminal.Registry
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"error": detail})
}

func writeErrorCode(w http.ResponseWriter, status int, detail, code string) {
	writeJSON(w, status, map[string]string{"error": detail, "code": code})
}

// urlID parses the {id} path parameter.
func urlID(r *http.Request) (uint, error) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		return 0, errBadID
	}
	return uint(id), nil
}

var errBadID = errors.New("invalid id")
