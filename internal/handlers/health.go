package handlers

import (
	"net/http"

	"github.com/scjtqs2/Termix-sub002/internal/config"
	"github.com/scjtqs2/Termix-sub002/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if database.DB == nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":  status,
		"version": config.Cfg.Version,
	})
}
