package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/harunnryd/conduit/internal/capability"
	"github.com/harunnryd/conduit/internal/daemon"
)

func (g *Gateway) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	cat := capability.Catalogue{}
	if g.catalogue != nil {
		cat = g.catalogue.Capabilities()
	}
	if cat.Tools == nil {
		cat.Tools = []capability.Tool{}
	}
	if cat.Resources == nil {
		cat.Resources = []capability.Resource{}
	}
	if cat.Prompts == nil {
		cat.Prompts = []capability.Prompt{}
	}
	writeJSON(w, http.StatusOK, cat)
}

func (g *Gateway) handleDataSources(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	connections := []string{}
	if g.catalogue != nil {
		connections = append(connections, g.catalogue.DataSources()...)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"connections": connections})
}

// handleLocalModels lists models on the local backend. A backend failure is
// reported in the body so clients can still render an empty picker.
func (g *Gateway) handleLocalModels(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	resp := map[string]interface{}{"models": []string{}}
	if g.models == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	models, err := g.models.ListModels(r.Context(), g.opts.LocalProvider)
	if err != nil {
		slog.Warn("Failed to list local models", "provider", g.opts.LocalProvider, "error", err)
		resp["error"] = err.Error()
	} else if models != nil {
		resp["models"] = models
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	var health map[string]*daemon.ComponentHealth
	if g.health != nil {
		health = g.health()
	}
	writeJSON(w, http.StatusOK, daemon.NewHealthReport(health))
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}
