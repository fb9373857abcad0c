// Copyright 2024-2026 Aiku AI

package connector

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aiku/mattermost-telegram-bridge/pkg/usermap"
)

// lookupResponse is the body of a successful user map lookup.
type lookupResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (b *Bridge) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/usermap", b.HandleUsermap)
	mux.HandleFunc("/api/usermap/lookup", b.HandleUsermapLookup)
	mux.Handle("/metrics", promhttp.HandlerFor(b.metrics, promhttp.HandlerOpts{}))
	return mux
}

// userMap returns the map selected by the "map" query parameter.
func (b *Bridge) userMap(r *http.Request) *usermap.Map {
	switch r.URL.Query().Get("map") {
	case "mattermost", "":
		return b.mmUsers
	case "telegram":
		return b.tgUsers
	default:
		return nil
	}
}

// HandleUsermap is an HTTP handler for GET /api/usermap. It returns the
// id -> username snapshot of the selected map.
func (b *Bridge) HandleUsermap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m := b.userMap(r)
	if m == nil {
		http.Error(w, "unknown map", http.StatusBadRequest)
		return
	}
	b.writeJSON(w, m.IDToName())
}

// HandleUsermapLookup is an HTTP handler for GET /api/usermap/lookup. Exactly
// one of the "id" and "name" query parameters must be set.
func (b *Bridge) HandleUsermapLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m := b.userMap(r)
	if m == nil {
		http.Error(w, "unknown map", http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	id, name := query.Get("id"), query.Get("name")
	var resp lookupResponse
	var ok bool
	switch {
	case id != "" && name == "":
		resp.ID = id
		resp.Name, ok = m.LookupID(id)
	case name != "" && id == "":
		resp.ID, ok = m.LookupName(name)
		if ok {
			resp.Name, _ = m.LookupID(resp.ID)
		}
	default:
		http.Error(w, "exactly one of id and name is required", http.StatusBadRequest)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	b.writeJSON(w, resp)
}

func (b *Bridge) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		b.Log.Warn().Err(err).Msg("Failed to write admin API response")
	}
}
