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

func (h *Handlers) ListAbilities(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		respondError(w, http.StatusBadRequest, "X-Tenant-Id header is required")
		return
	}
	abilities, err := h.Store.ListAbilities(r.Context(), tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if abilities == nil {
		abilities = []models.Ability{}
	}
	respondJSON(w, http.StatusOK, abilities)
}

func (h *Handlers) CreateAbility(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		respondError(w, http.StatusBadRequest, "X-Tenant-Id header is required")
		return
	}

	var req models.Ability
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	switch req.Type {
	case models.AbilityBuiltin, models.AbilityExternalTrigger:
	case models.AbilityWebhook:
		if req.WebhookURL == "" {
			respondError(w, http.StatusBadRequest, "webhook_url is required for webhook abilities")
			return
		}
	default:
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown ability type %q", req.Type))
		return
	}

	handle, err := h.Registry.Resolve(r.Context(), tenantID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if !tenant.HasFeature(handle.Tier, tenant.FeatureAmbientAbilities) {
		respondError(w, http.StatusForbidden, "ambient abilities are not included in this tier")
		return
	}
	existing, err := h.Store.ListAbilities(r.Context(), tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ok, max := tenant.WithinLimit(handle.Tier, tenant.LimitMaxAbilities, len(existing)); !ok {
		respondError(w, http.StatusForbidden, fmt.Sprintf("ability limit reached for tier (max %d)", max))
		return
	}

	req.ID = uuid.New().String()
	req.TenantID = tenantID
	req.CreatedAt = time.Now().UTC()
	req.UpdatedAt = time.Now().UTC()

	if err := h.Store.CreateAbility(r.Context(), &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetAbility(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "abilityID")
	ability, err := h.Store.GetAbility(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ability)
}

func (h *Handlers) UpdateAbility(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "abilityID")
	existing, err := h.Store.GetAbility(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	var req models.Ability
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.ID = id
	req.TenantID = existing.TenantID
	req.CreatedAt = existing.CreatedAt
	req.UpdatedAt = time.Now().UTC()

	if err := h.Store.UpdateAbility(r.Context(), &req); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (h *Handlers) DeleteAbility(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "abilityID")
	if err := h.Store.DeleteAbility(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"deleted": id})
}
