package dispatch

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/attendra/attendra/internal/realtime"
	"github.com/attendra/attendra/internal/tenant"
	"github.com/attendra/attendra/pkg/models"
)

// dispatchVoice provisions or reuses the named room and dispatches the
// agent to it.
//
// Creation and dispatch are two explicit calls on purpose. Room creation
// must never carry an auto-dispatch: auto-dispatch firing together with
// the explicit dispatch produces two concurrent agent workers for one
// room. Idempotency of the repeated explicit dispatch is the bridge's
// guarantee.
func (d *Dispatcher) dispatchVoice(ctx context.Context, req *models.TriggerRequest, agent *models.Agent, handle *tenant.ConnectionHandle) (*VoiceResult, error) {
	conversationID, isNew := conversationFor(req)

	getCtx, cancel := d.callCtx(ctx)
	room, err := d.rooms.GetRoom(getCtx, req.RoomName)
	cancel()

	var status string
	switch {
	case errors.Is(err, realtime.ErrRoomNotFound):
		meta, err := d.sessionContext(ctx, req, agent, conversationID)
		if err != nil {
			return nil, err
		}
		createCtx, cancel := d.callCtx(ctx)
		_, err = d.rooms.CreateRoom(createCtx, req.RoomName, meta)
		cancel()
		if err != nil {
			return nil, &UpstreamError{Op: "create_room", Err: err, NoFallback: true}
		}
		if err := d.issueDispatch(ctx, req.RoomName, agent.Slug, meta); err != nil {
			return nil, err
		}
		status = "created"
		log.Info().Str("room", req.RoomName).Str("agent", agent.Slug).Msg("Voice session created")

	case err != nil:
		return nil, &UpstreamError{Op: "get_room", Err: err, NoFallback: true}

	default:
		// The room already carries a conversation; its identity wins over
		// anything the request supplied.
		if existing := room.Metadata[metaConversationID]; existing != "" {
			conversationID = existing
			isNew = false
		}
		meta, err := d.sessionContext(ctx, req, agent, conversationID)
		if err != nil {
			return nil, err
		}
		merged := mergeMetadata(room.Metadata, meta)
		updateCtx, cancel := d.callCtx(ctx)
		_, err = d.rooms.UpdateRoomMetadata(updateCtx, req.RoomName, merged)
		cancel()
		if err != nil {
			return nil, &UpstreamError{Op: "update_room_metadata", Err: err, NoFallback: true}
		}
		if err := d.issueDispatch(ctx, req.RoomName, agent.Slug, merged); err != nil {
			return nil, err
		}
		status = "existing"
		log.Info().Str("room", req.RoomName).Str("agent", agent.Slug).Msg("Voice session reused")
	}

	token, err := d.rooms.IssueParticipantToken(req.UserID, req.RoomName, d.opts.TokenTTL)
	if err != nil {
		return nil, &UpstreamError{Op: "issue_token", Err: err, NoFallback: true}
	}

	return &VoiceResult{
		RoomName:          req.RoomName,
		Status:            status,
		Token:             token,
		ConversationID:    conversationID,
		IsNewConversation: isNew,
	}, nil
}

func (d *Dispatcher) issueDispatch(ctx context.Context, room, agentSlug string, meta map[string]string) error {
	dispatchCtx, cancel := d.callCtx(ctx)
	defer cancel()
	if err := d.rooms.CreateDispatch(dispatchCtx, room, agentSlug, meta); err != nil {
		return &UpstreamError{Op: "create_dispatch", Err: err, NoFallback: true}
	}
	return nil
}

// mergeMetadata lays next over existing, then restores the identity keys
// from existing so a re-trigger can never rebind a live room to another
// tenant, agent, or conversation.
func mergeMetadata(existing, next map[string]string) map[string]string {
	merged := make(map[string]string, len(existing)+len(next))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range next {
		merged[k] = v
	}
	for _, k := range []string{metaTenantID, metaAgent, metaConversationID} {
		if v, ok := existing[k]; ok && v != "" {
			merged[k] = v
		}
	}
	return merged
}
