// Package realtime wraps the realtime room service the dispatcher provisions
// sessions against. The RoomService interface is the full surface the rest
// of the platform is allowed to touch; the LiveKit implementation lives in
// livekit.go and test fakes implement the same interface.
package realtime

import (
	"context"
	"errors"
	"time"
)

// ErrRoomNotFound is returned by GetRoom when no room with that name is
// active.
var ErrRoomNotFound = errors.New("room not found")

// Room is a realtime session container bound to one conversation. Metadata
// always carries the tenant id, agent identifier, and conversation id once
// the dispatcher has provisioned it.
type Room struct {
	Name            string
	NumParticipants int
	Metadata        map[string]string
}

// RoomService is the management API of the realtime bridge. Exactly these
// five operations are used; anything else the underlying service offers is
// out of bounds.
type RoomService interface {
	// CreateRoom provisions a room with the given metadata. Creating a
	// room never starts an agent; that is CreateDispatch's job.
	CreateRoom(ctx context.Context, name string, metadata map[string]string) (*Room, error)

	// GetRoom returns the active room with that name, or ErrRoomNotFound.
	GetRoom(ctx context.Context, name string) (*Room, error)

	// UpdateRoomMetadata replaces the room's metadata map.
	UpdateRoomMetadata(ctx context.Context, name string, metadata map[string]string) (*Room, error)

	// CreateDispatch asks the bridge to start (or re-confirm) an agent
	// worker for the room. Deduplication of repeated dispatches for the
	// same room and agent is the bridge's guarantee, not the caller's.
	CreateDispatch(ctx context.Context, room, agentIdentity string, metadata map[string]string) error

	// IssueParticipantToken mints a join token for a user identity.
	IssueParticipantToken(identity, room string, ttl time.Duration) (string, error)
}
