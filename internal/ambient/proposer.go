package ambient

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/attendra/attendra/internal/store"
	"github.com/attendra/attendra/pkg/models"
)

// PostSessionProposer enqueues pending runs for a tenant's enabled
// post-session abilities once a conversation clears each ability's
// minimum message count.
type PostSessionProposer struct {
	store store.Store
}

func NewPostSessionProposer(s store.Store) *PostSessionProposer {
	return &PostSessionProposer{store: s}
}

// ProposePostSession evaluates all abilities for the tenant and enqueues a
// pending run per eligible one. Returns how many runs were enqueued.
func (p *PostSessionProposer) ProposePostSession(ctx context.Context, tenantID, userID, conversationID, sessionID string, messageCount int, inputContext map[string]interface{}) (int, error) {
	abilities, err := p.store.ListAbilities(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("list abilities for tenant %s: %w", tenantID, err)
	}

	enqueued := 0
	for i := range abilities {
		a := &abilities[i]
		if !a.Enabled || !a.PostSession {
			continue
		}
		if a.MinMessages > 0 && messageCount < a.MinMessages {
			log.Debug().
				Str("ability", a.Name).
				Int("message_count", messageCount).
				Int("min_messages", a.MinMessages).
				Msg("Post-session ability below message threshold")
			continue
		}

		run := &models.AmbientAbilityRun{
			ID:             uuid.NewString(),
			AbilityID:      a.ID,
			AbilityName:    a.Name,
			AbilityType:    a.Type,
			TenantID:       tenantID,
			UserID:         userID,
			ConversationID: conversationID,
			SessionID:      sessionID,
			TriggerType:    models.TriggerPostSession,
			Status:         models.RunPending,
			InputContext:   inputContext,
			CreatedAt:      time.Now().UTC(),
		}
		if err := p.store.EnqueueRun(ctx, run); err != nil {
			return enqueued, fmt.Errorf("enqueue run for ability %s: %w", a.Name, err)
		}
		enqueued++
	}
	return enqueued, nil
}
