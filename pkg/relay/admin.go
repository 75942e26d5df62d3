// Copyright 2024-2026 Aiku AI

package relay

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminHandler returns the admin HTTP API: health, group introspection,
// forced channel close and Prometheus metrics.
func (e *Engine) AdminHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", e.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/api/groups", e.handleListGroups).Methods(http.MethodGet)
	r.HandleFunc("/api/groups/{id}/open", e.handleGroupOpen).Methods(http.MethodPost)
	r.HandleFunc("/api/groups/{id}/close", e.handleGroupClose).Methods(http.MethodPost)
	r.HandleFunc("/api/channels/{id}/close", e.handleForceClose).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.HandlerFor(e.promReg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

// ServeAdmin runs the admin API on the configured address. Blocks until
// the server stops.
func (e *Engine) ServeAdmin() error {
	server := &http.Server{
		Addr:         e.config.AdminAPIAddr,
		Handler:      e.AdminHandler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	e.log.Info().Str("addr", e.config.AdminAPIAddr).Msg("Starting admin API")
	return server.ListenAndServe()
}

func (e *Engine) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (e *Engine) handleListGroups(w http.ResponseWriter, r *http.Request) {
	infos, err := e.registry.ListGroups(r.Context())
	if err != nil {
		e.log.Error().Err(err).Msg("Admin API: failed to list groups")
		http.Error(w, "failed to list groups", http.StatusInternalServerError)
		return
	}
	if infos == nil {
		infos = []GroupInfo{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(infos); err != nil {
		e.log.Warn().Err(err).Msg("Admin API: failed to write group list")
	}
}

// groupMemberRequest is the body of the group open/close endpoints.
type groupMemberRequest struct {
	ChannelID string `json:"channel_id"`
}

func (e *Engine) handleGroupOpen(w http.ResponseWriter, r *http.Request) {
	groupID, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid group id", http.StatusBadRequest)
		return
	}
	var req groupMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" {
		http.Error(w, "channel_id required", http.StatusBadRequest)
		return
	}
	res, err := e.registry.Open(r.Context(), groupID, req.ChannelID)
	if err != nil {
		e.log.Error().Err(err).Int("group_id", groupID).Msg("Admin API: group open failed")
		http.Error(w, "group open failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"group":          groupID,
		"channel_id":     req.ChannelID,
		"already_member": res == AlreadyMember,
	})
}

func (e *Engine) handleGroupClose(w http.ResponseWriter, r *http.Request) {
	groupID, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid group id", http.StatusBadRequest)
		return
	}
	var req groupMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" {
		http.Error(w, "channel_id required", http.StatusBadRequest)
		return
	}
	res, err := e.registry.Close(r.Context(), groupID, req.ChannelID)
	if err != nil {
		e.log.Error().Err(err).Int("group_id", groupID).Msg("Admin API: group close failed")
		http.Error(w, "group close failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"group":      groupID,
		"channel_id": req.ChannelID,
		"was_member": res == Left,
	})
}

func (e *Engine) handleForceClose(w http.ResponseWriter, r *http.Request) {
	channelID := mux.Vars(r)["id"]
	removed, err := e.registry.ForceClose(r.Context(), channelID)
	if err != nil {
		e.log.Error().Err(err).Str("channel_id", channelID).Msg("Admin API: forced close failed")
		http.Error(w, "forced close failed", http.StatusInternalServerError)
		return
	}
	resp := map[string]any{
		"channel_id": channelID,
		"removed":    len(removed),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		e.log.Warn().Err(err).Msg("Admin API: failed to write response")
	}
}
