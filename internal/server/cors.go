package server

import (
	"encoding/json"
	"net/http"

	"github.com/rakunlabs/aiservice/internal/apierr"
)

// handleCORSUpdateDomains serves POST /api/internal/cors/update-domains
// (§4.6): installs or replaces a plugin's allowed-domain set.
func (s *Server) handleCORSUpdateDomains(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PluginID       string   `json:"pluginId"`
		CompanyID      string   `json:"companyId"`
		AllowedDomains []string `json:"allowedDomains"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PluginID == "" {
		writeErr(w, apierr.New(apierr.CodeMissingRequiredField, "pluginId is required"))
		return
	}

	s.cors.Put(body.PluginID, body.CompanyID, body.AllowedDomains)
	writeJSON(w, map[string]any{"pluginId": body.PluginID, "success": true}, http.StatusOK)
}

// handleCORSClearCache serves DELETE /api/internal/cors/clear-cache/{plugin_id}
// and DELETE /api/internal/cors/clear-cache (drops every entry, §4.6).
func (s *Server) handleCORSClearCache(w http.ResponseWriter, r *http.Request, pluginID string) {
	if pluginID == "" {
		s.cors.InvalidateAll()
	} else {
		s.cors.Invalidate(pluginID)
	}
	writeJSON(w, map[string]any{"pluginId": pluginID, "success": true}, http.StatusOK)
}

// handleCORSStatus serves GET /api/internal/cors/status (§4.6).
func (s *Server) handleCORSStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.cors.Status(), http.StatusOK)
}
