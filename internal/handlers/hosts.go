package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/scjtqs2/Termix-sub002/internal/credentials"
	"github.com/scjtqs2/Termix-sub002/internal/crypto"
	"github.com/scjtqs2/Termix-sub002/internal/database"
	"github.com/scjtqs2/Termix-sub002/internal/middleware"
)

const maxKeyUploadSize = 1 << 20

type hostRequest struct {
	Name              string                      `json:"name"`
	IP                string                      `json:"ip"`
	Port              int                         `json:"port"`
	Username          string                      `json:"username"`
	Folder            string                      `json:"folder"`
	Tags              []string                    `json:"tags"`
	Pin               bool                        `json:"pin"`
	AuthType          string                      `json:"authType"`
	Password          string                      `json:"password"`
	Key               string                      `json:"key"`
	KeyPassphrase     string                      `json:"keyPassphrase"`
	CredentialID      *uint                       `json:"credentialId"`
	EnableTerminal    *bool                       `json:"enableTerminal"`
	EnableTunnel      *bool                       `json:"enableTunnel"`
	EnableFileManager *bool                       `json:"enableFileManager"`
	DefaultPath       string                      `json:"defaultPath"`
	TunnelConnections []database.TunnelConnection `json:"tunnelConnections"`
	AutostartPassword string                      `json:"autostartPassword"`
	AutostartKey      string                      `json:"autostartKey"`
	AutostartPass     string                      `json:"autostartKeyPassphrase"`
}

type hostResponse struct {
	*database.Host
	Tags              []string                    `json:"tags"`
	TunnelConnections []database.TunnelConnection `json:"tunnelConnections"`
}

func toHostResponse(h *database.Host) hostResponse {
	var tags []string
	if h.Tags != "" {
		json.Unmarshal([]byte(h.Tags), &tags)
	}
	conns, _ := h.ParseTunnelConnections()
	for i := range conns {
		conns[i].EndpointPassword = ""
		conns[i].EndpointKey = ""
	}
	if conns == nil {
		conns = []database.TunnelConnection{}
	}
	if tags == nil {
		tags = []string{}
	}
	return hostResponse{Host: h, Tags: tags, TunnelConnections: conns}
}

// decodeHostRequest reads either a JSON body or a multipart form carrying a
// `data` JSON field plus an optional `key` file.
func decodeHostRequest(r *http.Request) (*hostRequest, error) {
	var req hostRequest

	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxKeyUploadSize * 2); err != nil {
			return nil, err
		}
		if data := r.FormValue("data"); data != "" {
			if err := json.Unmarshal([]byte(data), &req); err != nil {
				return nil, err
			}
		}
		if file, _, err := r.FormFile("key"); err == nil {
			defer file.Close()
			raw, err := io.ReadAll(io.LimitReader(file, maxKeyUploadSize))
			if err != nil {
				return nil, err
			}
			req.Key = string(raw)
		}
		return &req, nil
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (req *hostRequest) validate() string {
	if req.IP == "" {
		return "ip is required"
	}
	if req.Username == "" {
		return "username is required"
	}
	switch req.AuthType {
	case "password":
		if req.Password == "" {
			return "password is required for password auth"
		}
	case "key":
		if req.Key == "" {
			return "key is required for key auth"
		}
		if !crypto.IsSealed(req.Key) {
			if _, err := credentials.NormalizePrivateKey(req.Key); err != nil {
				return "malformed private key"
			}
		}
	case "credential":
		if req.CredentialID == nil {
			return "credentialId is required for credential auth"
		}
	default:
		return "unsupported authType"
	}
	if req.Port < 0 || req.Port > 65535 {
		return "invalid port"
	}
	return ""
}

func (req *hostRequest) apply(h *database.Host) {
	h.Name = req.Name
	h.IP = req.IP
	h.Port = req.Port
	if h.Port == 0 {
		h.Port = 22
	}
	h.Username = req.Username
	h.Folder = req.Folder
	h.Pin = req.Pin
	h.AuthType = req.AuthType
	h.DefaultPath = req.DefaultPath
	h.CredentialID = nil

	tags, _ := json.Marshal(req.Tags)
	if req.Tags == nil {
		tags = []byte("[]")
	}
	h.Tags = string(tags)

	h.EnableTerminal = req.EnableTerminal == nil || *req.EnableTerminal
	h.EnableTunnel = req.EnableTunnel == nil || *req.EnableTunnel
	h.EnableFileManager = req.EnableFileManager == nil || *req.EnableFileManager

	h.Password, h.PrivateKey, h.KeyPassphrase = "", "", ""
	switch req.AuthType {
	case "password":
		h.Password = req.Password
	case "key":
		h.PrivateKey = req.Key
		if !crypto.IsSealed(req.Key) {
			if key, err := credentials.NormalizePrivateKey(req.Key); err == nil {
				h.PrivateKey = key
			}
		}
		h.KeyPassphrase = req.KeyPassphrase
	case "credential":
		h.CredentialID = req.CredentialID
	}

	h.AutostartPassword = req.AutostartPassword
	h.AutostartKey = req.AutostartKey
	h.AutostartKeyPassphrase = req.AutostartPass

	if req.TunnelConnections != nil {
		raw, _ := json.Marshal(req.TunnelConnections)
		h.TunnelConnections = string(raw)
	} else if h.TunnelConnections == "" {
		h.TunnelConnections = "[]"
	}
}

func ListHosts(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	hosts, err := database.ListHosts(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list hosts")
		return
	}
	out := make([]hostResponse, 0, len(hosts))
	for i := range hosts {
		out = append(out, toHostResponse(&hosts[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func GetHost(w http.ResponseWriter, r *http.Request) {
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
	writeJSON(w, http.StatusOK, toHostResponse(host))
}

func CreateHost(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	req, err := decodeHostRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	host := &database.Host{UserID: user.ID}
	req.apply(host)
	if err := database.CreateHost(host); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create host")
		return
	}
	writeJSON(w, http.StatusCreated, toHostResponse(host))
}

func UpdateHost(w http.ResponseWriter, r *http.Request) {
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

	req, err := decodeHostRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	// Omitted secrets on update mean "keep the stored ones". The stored
	// values are already sealed and pass through the write untouched.
	if req.AuthType == host.AuthType {
		if req.Password == "" {
			req.Password = host.Password
		}
		if req.Key == "" {
			req.Key = host.PrivateKey
			if req.KeyPassphrase == "" {
				req.KeyPassphrase = host.KeyPassphrase
			}
		}
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	req.apply(host)
	if err := database.UpdateHost(host); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update host")
		return
	}
	Metrics.Invalidate(host.ID)
	writeJSON(w, http.StatusOK, toHostResponse(host))
}

func DeleteHost(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	id, err := urlID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid host id")
		return
	}
	if _, err := database.GetHost(user.ID, id); err != nil {
		writeError(w, http.StatusNotFound, "Host not found")
		return
	}
	if err := database.DeleteHost(user.ID, id); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete host")
		return
	}
	Metrics.Invalidate(id)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Host deleted"})
}
