package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/attendra/attendra/internal/api/middleware"
	"github.com/attendra/attendra/pkg/models"
)

func (h *Handlers) ListTurns(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		respondError(w, http.StatusBadRequest, "X-Tenant-Id header is required")
		return
	}
	conversationID := chi.URLParam(r, "conversationID")

	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}

	turns, err := h.Store.ListTurns(r.Context(), tenantID, conversationID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if turns == nil {
		turns = []models.Turn{}
	}
	respondJSON(w, http.StatusOK, turns)
}

// AppendOutputEvent is the ingest side of the agent output channel. Agent
// workers post delta/done/error events here; the dispatcher's text path
// polls them back out.
func (h *Handlers) AppendOutputEvent(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var event models.OutputEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	switch event.Kind {
	case models.OutputDelta, models.OutputDone, models.OutputError:
	default:
		respondError(w, http.StatusBadRequest, "kind must be delta, done, or error")
		return
	}
	event.ConversationID = conversationID
	event.CreatedAt = time.Now().UTC()

	if err := h.Store.AppendOutputEvent(r.Context(), &event); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, event)
}

func (h *Handlers) ListOutputEvents(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var afterSeq int64
	if s := r.URL.Query().Get("after_seq"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			afterSeq = n
		}
	}

	events, err := h.Store.ListOutputEvents(r.Context(), conversationID, afterSeq)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []models.OutputEvent{}
	}
	respondJSON(w, http.StatusOK, events)
}
