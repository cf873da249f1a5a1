package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/attendra/attendra/internal/api/middleware"
	"github.com/attendra/attendra/pkg/models"
)

// triggerResponse is the trigger endpoint's fixed envelope.
type triggerResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	AgentInfo interface{} `json:"agent_info,omitempty"`
}

// Trigger starts or re-enters an agent session. Voice mode provisions a
// room and returns a join token; text mode blocks until the agent's
// terminal event and returns the completed turn.
//
// This endpoint is terminal-only: intermediate text deltas are not
// streamed over HTTP. Clients wanting partial output subscribe to the
// room's output channel (GET /conversations/{id}/events) while the
// trigger call is in flight; the dispatcher's delta callback is for
// in-process callers.
func (h *Handlers) Trigger(w http.ResponseWriter, r *http.Request) {
	var req models.TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TenantRef == "" {
		req.TenantRef = middleware.GetTenantID(r.Context())
	}

	result, err := h.Dispatcher.Dispatch(r.Context(), &req, nil)
	if err != nil {
		log.Warn().Err(err).Str("agent", req.AgentRef).Str("mode", string(req.Mode)).Msg("Trigger failed")
		respondDomainError(w, err)
		return
	}

	resp := triggerResponse{
		Success: true,
		AgentInfo: map[string]string{
			"slug":      result.AgentSlug,
			"name":      result.AgentName,
			"tenant_id": result.TenantID,
		},
	}
	switch result.Mode {
	case models.ModeVoice:
		resp.Message = "voice session " + result.Voice.Status
		resp.Data = result.Voice
	case models.ModeText:
		resp.Message = "completed"
		resp.Data = result.Text
	}
	respondJSON(w, http.StatusOK, resp)
}
