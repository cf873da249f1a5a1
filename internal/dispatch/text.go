package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/attendra/attendra/internal/realtime"
	"github.com/attendra/attendra/internal/tenant"
	"github.com/attendra/attendra/pkg/models"
)

// dispatchText runs the synchronous text cycle: ensure an ephemeral room,
// dispatch the agent with the message attached, then poll the output
// channel until a terminal event or the loop budget runs out.
func (d *Dispatcher) dispatchText(ctx context.Context, req *models.TriggerRequest, agent *models.Agent, handle *tenant.ConnectionHandle, onDelta DeltaFunc) (*TextResult, error) {
	conversationID, isNew := conversationFor(req)

	roomName := req.RoomName
	if roomName == "" {
		roomName = req.SessionID
	}
	if roomName == "" {
		roomName = "text-" + conversationID
	}

	meta, err := d.sessionContext(ctx, req, agent, conversationID)
	if err != nil {
		return nil, err
	}
	meta["mode"] = string(models.ModeText)

	getCtx, cancel := d.callCtx(ctx)
	room, err := d.rooms.GetRoom(getCtx, roomName)
	cancel()
	switch {
	case errors.Is(err, realtime.ErrRoomNotFound):
		createCtx, cancel := d.callCtx(ctx)
		_, err = d.rooms.CreateRoom(createCtx, roomName, meta)
		cancel()
		if err != nil {
			return nil, &UpstreamError{Op: "create_room", Err: err, NoFallback: true}
		}
	case err != nil:
		return nil, &UpstreamError{Op: "get_room", Err: err, NoFallback: true}
	default:
		meta = mergeMetadata(room.Metadata, meta)
		if existing := meta[metaConversationID]; existing != "" {
			if existing != conversationID {
				isNew = false
			}
			conversationID = existing
		}
		updateCtx, cancel := d.callCtx(ctx)
		_, err = d.rooms.UpdateRoomMetadata(updateCtx, roomName, meta)
		cancel()
		if err != nil {
			return nil, &UpstreamError{Op: "update_room_metadata", Err: err, NoFallback: true}
		}
	}

	// The inbound message rides on the dispatch payload, not the room
	// metadata, so re-triggers do not resurface stale messages.
	payload := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		payload[k] = v
	}
	payload["message"] = req.Message

	if err := d.issueDispatch(ctx, roomName, agent.Slug, payload); err != nil {
		return nil, err
	}

	result, err := d.pollOutput(ctx, conversationID, onDelta)
	if err != nil {
		return nil, err
	}
	result.ConversationID = conversationID
	result.IsNewConversation = isNew

	d.finishTurn(ctx, req, agent, conversationID, result)
	return result, nil
}

// pollOutput reads the conversation's output channel until a terminal
// event. The loop is bounded by both an iteration cap and a wall clock so
// a dead agent worker can never wedge the request.
func (d *Dispatcher) pollOutput(ctx context.Context, conversationID string, onDelta DeltaFunc) (*TextResult, error) {
	deadline := time.Now().Add(d.opts.PollMaxWait)
	var lastSeq int64

	for iter := 0; iter < d.opts.PollMaxIters && time.Now().Before(deadline); iter++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		events, err := d.output.Events(ctx, conversationID, lastSeq)
		if err != nil {
			// Transient channel read failures are survivable; the budget
			// still bounds how long we keep trying.
			log.Warn().Err(err).Str("conversation", conversationID).Msg("Output poll failed")
		}
		for _, ev := range events {
			lastSeq = ev.Seq
			switch ev.Kind {
			case models.OutputDelta:
				if onDelta != nil && ev.Delta != "" {
					onDelta(ev.Delta)
				}
			case models.OutputDone:
				return &TextResult{
					Text:       ev.Text,
					Citations:  ev.Citations,
					Structured: ev.Structured,
				}, nil
			case models.OutputError:
				return nil, &UpstreamError{Op: "agent", Err: errors.New(ev.Error), NoFallback: true}
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.opts.PollInterval):
		}
	}

	return nil, &TimeoutError{
		ConversationID: conversationID,
		Waited:         d.opts.PollMaxWait,
		Iterations:     d.opts.PollMaxIters,
	}
}

// finishTurn persists the completed turn and proposes post-session ambient
// runs. Neither failure converts a successful response into an error; both
// are logged and left for remediation.
func (d *Dispatcher) finishTurn(ctx context.Context, req *models.TriggerRequest, agent *models.Agent, conversationID string, result *TextResult) {
	// Detach from the request context so a client disconnect right after
	// the terminal event cannot lose the turn.
	ctx = context.WithoutCancel(ctx)

	turn := &models.Turn{
		ID:             uuid.NewString(),
		TenantID:       agent.TenantID,
		ConversationID: conversationID,
		AgentSlug:      agent.Slug,
		UserID:         req.UserID,
		UserMessage:    req.Message,
		AgentMessage:   result.Text,
		Citations:      result.Citations,
		Structured:     result.Structured,
		CreatedAt:      time.Now().UTC(),
	}
	if err := d.store.SaveTurn(ctx, turn); err != nil {
		log.Error().Err(err).Str("conversation", conversationID).Msg("Failed to persist turn")
	}

	if d.proposer == nil {
		return
	}
	turns, err := d.store.ListTurns(ctx, agent.TenantID, conversationID, 0)
	if err != nil {
		log.Error().Err(err).Str("conversation", conversationID).Msg("Failed to count turns for proposal")
		return
	}
	// A turn is one user message plus one agent message.
	messageCount := 2 * len(turns)

	inputContext := map[string]interface{}{
		"agent":         agent.Slug,
		"message_count": messageCount,
		"last_message":  result.Text,
	}
	n, err := d.proposer.ProposePostSession(ctx, agent.TenantID, req.UserID, conversationID, req.SessionID, messageCount, inputContext)
	if err != nil {
		log.Error().Err(err).Str("conversation", conversationID).Msg("Post-session proposal failed")
		return
	}
	if n > 0 {
		log.Info().Int("runs", n).Str("conversation", conversationID).Msg("Post-session ambient runs enqueued")
	}
}
