package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/go-chi/chi/v5"
	"github.com/scjtqs2/Termix-sub002/internal/credentials"
	"github.com/scjtqs2/Termix-sub002/internal/database"
	"github.com/scjtqs2/Termix-sub002/internal/middleware"
	"github.com/scjtqs2/Termix-sub002/internal/sshterminal"
)

// TerminalWS upgrades to a websocket and bridges it to an interactive
// shell on the host. The connection lives until either side closes.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	id, err := urlID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid host id")
		return
	}
	host, err := database.GetHost(user.ID, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Host not found")
		return
	}
	if !host.EnableTerminal {
		writeError(w, http.StatusForbidden, "Terminal is disabled for this host")
		return
	}

	cfg, err := credentials.Resolve(user.ID, id)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to resolve host credentials")
		return
	}

	cols := queryUint16(r, "cols", 80)
	rows := queryUint16(r, "rows", 24)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}

	client, err := Pool.Acquire(r.Context(), cfg)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "SSH connection failed")
		return
	}

	term, err := sshterminal.CreateInteractiveSession(client, cols, rows)
	if err != nil {
		Pool.Discard(client)
		conn.Close(websocket.StatusInternalError, "Failed to open shell")
		return
	}

	sess := &sshterminal.Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		HostID:    id,
		CreatedAt: time.Now(),
		Terminal:  term,
	}
	Terminals.Add(sess)

	sshterminal.Pipe(r.Context(), conn, term)

	Terminals.Remove(sess.ID)
	// An interactive shell cannot be reused; drop the client instead of
	// returning it to the pool.
	Pool.Discard(client)
	conn.Close(websocket.StatusNormalClosure, "")
}

func ListTerminalSessions(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	type sessionInfo struct {
		ID        string    `json:"id"`
		HostID    uint      `json:"host_id"`
		CreatedAt time.Time `json:"created_at"`
	}
	sessions := Terminals.ListForUser(user.ID)
	out := make([]sessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionInfo{ID: s.ID, HostID: s.HostID, CreatedAt: s.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func CloseTerminalSession(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	sessionID := chi.URLParam(r, "sessionId")

	sess := Terminals.Get(sessionID)
	if sess == nil || sess.UserID != user.ID {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err := Terminals.Remove(sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to close session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Session closed"})
}

func queryUint16(r *http.Request, key string, def uint16) uint16 {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 || v > 0xffff {
		return def
	}
	return uint16(v)
}
