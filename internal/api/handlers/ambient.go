package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/attendra/attendra/internal/api/middleware"
	"github.com/attendra/attendra/pkg/models"
)

func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	status := models.RunStatus(r.URL.Query().Get("status"))

	runs, err := h.Store.ListRuns(r.Context(), tenantID, status, 200)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []models.AmbientAbilityRun{}
	}
	respondJSON(w, http.StatusOK, runs)
}

func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	run, err := h.Store.GetRun(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// scheduleRunRequest enqueues one ad-hoc ambient run.
type scheduleRunRequest struct {
	AbilityID      string                 `json:"ability_id"`
	UserID         string                 `json:"user_id,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	SessionID      string                 `json:"session_id,omitempty"`
	InputContext   map[string]interface{} `json:"input_context,omitempty"`
}

// ScheduleRun enqueues a pending run for an ability, bypassing the
// post-session proposal gate. The worker picks it up on its next poll.
func (h *Handlers) ScheduleRun(w http.ResponseWriter, r *http.Request) {
	var req scheduleRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.AbilityID == "" {
		respondError(w, http.StatusBadRequest, "ability_id is required")
		return
	}

	ability, err := h.Store.GetAbility(r.Context(), req.AbilityID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if !ability.Enabled {
		respondError(w, http.StatusConflict, "ability is disabled")
		return
	}

	run := &models.AmbientAbilityRun{
		ID:             uuid.New().String(),
		AbilityID:      ability.ID,
		AbilityName:    ability.Name,
		AbilityType:    ability.Type,
		TenantID:       ability.TenantID,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		SessionID:      req.SessionID,
		TriggerType:    models.TriggerScheduled,
		Status:         models.RunPending,
		InputContext:   req.InputContext,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.Store.EnqueueRun(r.Context(), run); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, run)
}

// ── Notifications ───────────────────────────────────────────

func (h *Handlers) ListNotifications(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	userID := r.URL.Query().Get("user_id")
	unshownOnly := r.URL.Query().Get("unshown") == "true"

	notifications, err := h.Store.ListNotifications(r.Context(), tenantID, userID, unshownOnly)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if notifications == nil {
		notifications = []models.Notification{}
	}
	respondJSON(w, http.StatusOK, notifications)
}

// MarkNotificationShown is idempotent: marking twice is fine and returns
// 200 both times.
func (h *Handlers) MarkNotificationShown(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "notificationID")
	if err := h.Store.MarkNotificationShown(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"shown": id})
}
