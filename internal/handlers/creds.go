package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/scjtqs2/Termix-sub002/internal/credentials"
	"github.com/scjtqs2/Termix-sub002/internal/crypto"
	"github.com/scjtqs2/Termix-sub002/internal/database"
	"github.com/scjtqs2/Termix-sub002/internal/middleware"
)

type credentialRequest struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Folder        string   `json:"folder"`
	Tags          []string `json:"tags"`
	AuthType      string   `json:"authType"`
	Username      string   `json:"username"`
	Password      string   `json:"password"`
	Key           string   `json:"key"`
	PublicKey     string   `json:"publicKey"`
	KeyPassphrase string   `json:"keyPassphrase"`
}

type credentialResponse struct {
	*database.Credential
	Tags []string `json:"tags"`
}

func toCredentialResponse(c *database.Credential) credentialResponse {
	var tags []string
	if c.Tags != "" {
		json.Unmarshal([]byte(c.Tags), &tags)
	}
	if tags == nil {
		tags = []string{}
	}
	return credentialResponse{Credential: c, Tags: tags}
}

func (req *credentialRequest) validate() string {
	if req.Name == "" {
		return "name is required"
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
	default:
		return "unsupported authType"
	}
	return ""
}

func (req *credentialRequest) apply(c *database.Credential) {
	c.Name = req.Name
	c.Description = req.Description
	c.Folder = req.Folder
	c.AuthType = req.AuthType
	c.Username = req.Username
	c.PublicKey = req.PublicKey

	tags, _ := json.Marshal(req.Tags)
	if req.Tags == nil {
		tags = []byte("[]")
	}
	c.Tags = string(tags)

	c.Password, c.PrivateKey, c.KeyPassphrase = "", "", ""
	switch req.AuthType {
	case "password":
		c.Password = req.Password
	case "key":
		c.PrivateKey = req.Key
		if !crypto.IsSealed(req.Key) {
			if key, err := credentials.NormalizePrivateKey(req.Key); err == nil {
				c.PrivateKey = key
			}
			c.DetectedKeyType = credentials.DetectKeyType(req.Key)
		}
		c.KeyPassphrase = req.KeyPassphrase
	}
}

func ListCredentials(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	creds, err := database.ListCredentials(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list credentials")
		return
	}
	out := make([]credentialResponse, 0, len(creds))
	for i := range creds {
		out = append(out, toCredentialResponse(&creds[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetCredential returns one credential with its secrets decrypted. Gated
// by RequireDataAccess.
func GetCredential(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	id, err := urlID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid credential id")
		return
	}
	cred, err := database.GetCredentialDecrypted(user.ID, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Credential not found")
		return
	}
	resp := toCredentialResponse(cred)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"credential": resp,
		"password":   cred.Password,
		"key":        cred.PrivateKey,
	})
}

func CreateCredential(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	cred := &database.Credential{UserID: user.ID}
	req.apply(cred)
	if err := database.CreateCredential(cred); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create credential")
		return
	}
	writeJSON(w, http.StatusCreated, toCredentialResponse(cred))
}

func UpdateCredential(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	id, err := urlID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid credential id")
		return
	}
	cred, err := database.GetCredential(user.ID, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Credential not found")
		return
	}

	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.AuthType == cred.AuthType {
		if req.Password == "" {
			req.Password = cred.Password
		}
		if req.Key == "" {
			req.Key = cred.PrivateKey
			if req.KeyPassphrase == "" {
				req.KeyPassphrase = cred.KeyPassphrase
			}
		}
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	req.apply(cred)
	if err := database.UpdateCredential(cred); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update credential")
		return
	}
	writeJSON(w, http.StatusOK, toCredentialResponse(cred))
}

func DeleteCredential(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	id, err := urlID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid credential id")
		return
	}
	if _, err := database.GetCredential(user.ID, id); err != nil {
		writeError(w, http.StatusNotFound, "Credential not found")
		return
	}
	if err := database.DeleteCredential(user.ID, id); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete credential")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Credential deleted"})
}
