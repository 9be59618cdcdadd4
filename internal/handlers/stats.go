package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/scjtqs2/Termix-sub002/internal/database"
	"github.com/scjtqs2/Termix-sub002/internal/middleware"
	"github.com/scjtqs2/Termix-sub002/internal/sshstats"
)

// metricsTimeout caps one full metrics collection; a host that blocks the
// probes yields 504 without affecting other hosts.
var metricsTimeout = 35 * time.Second

// Var so tests can avoid real TCP probes.
var probeLiveness = sshstats.ProbeLiveness

// ServerStatusAll probes TCP liveness for every host the user owns.
func ServerStatusAll(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	hosts, err := database.ListHosts(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list hosts")
		return
	}

	type hostStatus struct {
		Status string `json:"status"`
	}
	out := make(map[uint]hostStatus, len(hosts))
	for i := range hosts {
		out[hosts[i].ID] = hostStatus{Status: probeLiveness(hosts[i].IP, hosts[i].Port)}
	}
	writeJSON(w, http.StatusOK, out)
}

func ServerStatus(w http.ResponseWriter, r *http.Request) {
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
	writeJSON(w, http.StatusOK, map[string]string{
		"status": probeLiveness(host.IP, host.Port),
	})
}

// RefreshStatus drops the cached metrics for the user's hosts so the next
// read re-probes.
func RefreshStatus(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	hosts, err := database.ListHosts(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list hosts")
		return
	}
	for i := range hosts {
		Metrics.Invalidate(hosts[i].ID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Status refreshed"})
}

func HostMetrics(w http.ResponseWriter, r *http.Request) {
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

	ctx, cancel := context.WithTimeout(r.Context(), metricsTimeout)
	defer cancel()

	snap, err := Metrics.Collect(ctx, user.ID, id)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, "Metrics collection timed out")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to collect metrics")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
