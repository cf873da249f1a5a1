package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/attendra/attendra/internal/api/middleware"
	"github.com/attendra/attendra/internal/tenant"
	"github.com/attendra/attendra/pkg/models"
)

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		respondError(w, http.StatusBadRequest, "X-Tenant-Id header is required")
		return
	}
	agents, err := h.Store.ListAgents(r.Context(), tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if agents == nil {
		agents = []models.Agent{}
	}
	respondJSON(w, http.StatusOK, agents)
}

func (h *Handlers) CreateAgent(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		respondError(w, http.StatusBadRequest, "X-Tenant-Id header is required")
		return
	}

	var req models.Agent
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Slug == "" {
		respondError(w, http.StatusBadRequest, "slug is required")
		return
	}

	handle, err := h.Registry.Resolve(r.Context(), tenantID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	existing, err := h.Store.ListAgents(r.Context(), tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ok, max := tenant.WithinLimit(handle.Tier, tenant.LimitMaxAgents, len(existing)); !ok {
		respondError(w, http.StatusForbidden, fmt.Sprintf("agent limit reached for tier (max %d)", max))
		return
	}

	req.ID = uuid.New().String()
	req.TenantID = tenantID
	if req.Name == "" {
		req.Name = req.Slug
	}
	req.CreatedAt = time.Now().UTC()
	req.UpdatedAt = time.Now().UTC()

	if err := h.Store.CreateAgent(r.Context(), &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	slug := chi.URLParam(r, "agentSlug")
	agent, err := h.Store.GetAgent(r.Context(), tenantID, slug)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (h *Handlers) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	slug := chi.URLParam(r, "agentSlug")

	existing, err := h.Store.GetAgent(r.Context(), tenantID, slug)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	var req models.Agent
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.ID = existing.ID
	req.TenantID = tenantID
	req.Slug = slug
	req.CreatedAt = existing.CreatedAt
	req.UpdatedAt = time.Now().UTC()

	if err := h.Store.UpdateAgent(r.Context(), &req); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (h *Handlers) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	slug := chi.URLParam(r, "agentSlug")
	if err := h.Store.DeleteAgent(r.Context(), tenantID, slug); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"deleted": slug})
}
