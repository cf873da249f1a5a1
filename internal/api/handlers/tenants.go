package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/attendra/attendra/pkg/models"
)

// Every tenant mutation invalidates the registry cache before the
// response goes out, so the next resolve is guaranteed fresh.

func (h *Handlers) ListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.Store.ListTenants(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tenants == nil {
		tenants = []models.Tenant{}
	}
	for i := range tenants {
		maskTenantSecrets(&tenants[i])
	}
	respondJSON(w, http.StatusOK, tenants)
}

func (h *Handlers) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req models.Tenant
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.HostingType == "" {
		req.HostingType = models.HostingShared
	}
	if req.Tier == "" {
		req.Tier = models.TierBase
	}
	if req.ProvisioningStatus == "" {
		if req.HostingType == models.HostingShared {
			// Shared tenants need no provisioning.
			req.ProvisioningStatus = models.ProvisioningReady
		} else {
			req.ProvisioningStatus = models.ProvisioningQueued
		}
	}
	req.CreatedAt = time.Now().UTC()
	req.UpdatedAt = time.Now().UTC()

	if err := h.Store.CreateTenant(r.Context(), &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.Registry.Invalidate(req.ID)

	maskTenantSecrets(&req)
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tenantID")
	t, err := h.Store.GetTenant(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	masked := *t
	maskTenantSecrets(&masked)
	respondJSON(w, http.StatusOK, masked)
}

func (h *Handlers) UpdateTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tenantID")
	existing, err := h.Store.GetTenant(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	var req models.Tenant
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.ID = id
	req.CreatedAt = existing.CreatedAt
	req.UpdatedAt = time.Now().UTC()
	// Secrets are write-only through the API; an empty field keeps the
	// stored value.
	if req.StoreURL == "" {
		req.StoreURL = existing.StoreURL
	}
	if req.StoreKey == "" {
		req.StoreKey = existing.StoreKey
	}

	if err := h.Store.UpdateTenant(r.Context(), &req); err != nil {
		respondDomainError(w, err)
		return
	}
	h.Registry.Invalidate(id)

	maskTenantSecrets(&req)
	respondJSON(w, http.StatusOK, req)
}

func (h *Handlers) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tenantID")
	if err := h.Store.DeleteTenant(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	h.Registry.Invalidate(id)
	respondJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// TenantCredentials is the external credential view. Tenants riding on
// platform keys get the uses_shared_keys marker, never the actual keys.
func (h *Handlers) TenantCredentials(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tenantID")
	creds, err := h.Registry.Credentials(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, creds)
}

// maskTenantSecrets blanks stored credentials before a tenant record is
// returned to API consumers.
func maskTenantSecrets(t *models.Tenant) {
	if t.StoreKey != "" {
		t.StoreKey = "********"
	}
}
