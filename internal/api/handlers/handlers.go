// Package handlers implements the HTTP handlers for the Attendra platform:
// the trigger endpoint, tenant/agent/ability administration, ambient run
// inspection, and the notification side-channel.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/attendra/attendra/internal/config"
	"github.com/attendra/attendra/internal/dispatch"
	"github.com/attendra/attendra/internal/store"
	"github.com/attendra/attendra/internal/tenant"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Config     *config.Config
	Store      store.Store
	Registry   *tenant.Registry
	Dispatcher *dispatch.Dispatcher
}

// New creates a Handlers instance.
func New(cfg *config.Config, s store.Store, reg *tenant.Registry, d *dispatch.Dispatcher) *Handlers {
	return &Handlers{
		Config:     cfg,
		Store:      s,
		Registry:   reg,
		Dispatcher: d,
	}
}

// ── Health & version ─────────────────────────────────────────

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	storeStatus := "ok"

	if err := h.Store.Ping(r.Context()); err != nil {
		status = "degraded"
		if errors.Is(err, store.ErrSchemaMissing) {
			storeStatus = "schema not initialized"
		} else {
			storeStatus = "unreachable"
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]string{
		"status": status,
		"store":  storeStatus,
	})
}

func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"service":     h.Config.ServiceName,
		"version":     h.Config.Version,
		"environment": h.Config.Environment,
	})
}

// ── Response helpers ─────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondDomainError maps the platform error taxonomy onto HTTP statuses:
// validation and configuration problems are the caller's (4xx), bridge
// failures are bad gateways carrying the no_fallback flag, and anything
// unrecognized is a true 500.
func respondDomainError(w http.ResponseWriter, err error) {
	var ve *dispatch.ValidationError
	var me *dispatch.ModeDisabledError
	var ce *tenant.ConfigurationError
	var ue *dispatch.UpstreamError
	var te *dispatch.TimeoutError

	switch {
	case errors.As(err, &ve):
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"message": ve.Error(),
		})
	case errors.As(err, &me):
		respondJSON(w, http.StatusForbidden, map[string]interface{}{
			"success": false,
			"message": me.Error(),
		})
	case errors.As(err, &ce):
		respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"success": false,
			"message": ce.Error(),
		})
	case errors.As(err, &ue):
		respondJSON(w, http.StatusBadGateway, map[string]interface{}{
			"success":     false,
			"message":     ue.Error(),
			"no_fallback": ue.NoFallback,
		})
	case errors.As(err, &te):
		respondJSON(w, http.StatusGatewayTimeout, map[string]interface{}{
			"success": false,
			"message": te.Error(),
		})
	case store.IsNotFound(err):
		respondJSON(w, http.StatusNotFound, map[string]interface{}{
			"success": false,
			"message": err.Error(),
		})
	default:
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": "internal error",
		})
	}
}
