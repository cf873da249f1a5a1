package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/rs/zerolog/log"
)

// LiveKitService implements RoomService against a LiveKit deployment.
// Room metadata maps are stored as a JSON object in LiveKit's metadata
// string.
type LiveKitService struct {
	rooms     *lksdk.RoomServiceClient
	dispatch  *lksdk.AgentDispatchClient
	apiKey    string
	apiSecret string

	idleTimeout time.Duration
	maxPeers    int
}

// NewLiveKitService creates the LiveKit-backed room service.
func NewLiveKitService(url, apiKey, apiSecret string, idleTimeout time.Duration, maxPeers int) *LiveKitService {
	return &LiveKitService{
		rooms:       lksdk.NewRoomServiceClient(url, apiKey, apiSecret),
		dispatch:    lksdk.NewAgentDispatchServiceClient(url, apiKey, apiSecret),
		apiKey:      apiKey,
		apiSecret:   apiSecret,
		idleTimeout: idleTimeout,
		maxPeers:    maxPeers,
	}
}

func (s *LiveKitService) CreateRoom(ctx context.Context, name string, metadata map[string]string) (*Room, error) {
	encoded, err := encodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	room, err := s.rooms.CreateRoom(ctx, &livekit.CreateRoomRequest{
		Name:            name,
		Metadata:        encoded,
		EmptyTimeout:    uint32(s.idleTimeout.Seconds()),
		MaxParticipants: uint32(s.maxPeers),
	})
	if err != nil {
		return nil, fmt.Errorf("create room %s: %w", name, err)
	}
	log.Debug().Str("room", name).Msg("Room created")
	return fromLiveKitRoom(room), nil
}

func (s *LiveKitService) GetRoom(ctx context.Context, name string) (*Room, error) {
	resp, err := s.rooms.ListRooms(ctx, &livekit.ListRoomsRequest{
		Names: []string{name},
	})
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", name, err)
	}
	for _, room := range resp.Rooms {
		if room.Name == name {
			return fromLiveKitRoom(room), nil
		}
	}
	return nil, ErrRoomNotFound
}

func (s *LiveKitService) UpdateRoomMetadata(ctx context.Context, name string, metadata map[string]string) (*Room, error) {
	encoded, err := encodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	room, err := s.rooms.UpdateRoomMetadata(ctx, &livekit.UpdateRoomMetadataRequest{
		Room:     name,
		Metadata: encoded,
	})
	if err != nil {
		return nil, fmt.Errorf("update room %s metadata: %w", name, err)
	}
	return fromLiveKitRoom(room), nil
}

func (s *LiveKitService) CreateDispatch(ctx context.Context, room, agentIdentity string, metadata map[string]string) error {
	encoded, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	_, err = s.dispatch.CreateDispatch(ctx, &livekit.CreateAgentDispatchRequest{
		Room:      room,
		AgentName: agentIdentity,
		Metadata:  encoded,
	})
	if err != nil {
		return fmt.Errorf("dispatch agent %s to room %s: %w", agentIdentity, room, err)
	}
	log.Debug().Str("room", room).Str("agent", agentIdentity).Msg("Agent dispatched")
	return nil
}

func (s *LiveKitService) IssueParticipantToken(identity, room string, ttl time.Duration) (string, error) {
	at := auth.NewAccessToken(s.apiKey, s.apiSecret)

	canPublish := true
	canSubscribe := true
	canPublishData := true

	grant := &auth.VideoGrant{
		RoomJoin:       true,
		Room:           room,
		CanPublish:     &canPublish,
		CanSubscribe:   &canSubscribe,
		CanPublishData: &canPublishData,
	}

	at.AddGrant(grant).
		SetIdentity(identity).
		SetValidFor(ttl)

	return at.ToJWT()
}

func fromLiveKitRoom(room *livekit.Room) *Room {
	r := &Room{
		Name:            room.Name,
		NumParticipants: int(room.NumParticipants),
		Metadata:        map[string]string{},
	}
	if room.Metadata != "" {
		if err := json.Unmarshal([]byte(room.Metadata), &r.Metadata); err != nil {
			// Rooms created out-of-band can carry non-JSON metadata;
			// preserve it under a reserved key rather than dropping it.
			r.Metadata = map[string]string{"_raw": room.Metadata}
		}
	}
	return r
}

func encodeMetadata(metadata map[string]string) (string, error) {
	if len(metadata) == 0 {
		return "", nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode room metadata: %w", err)
	}
	return string(b), nil
}
