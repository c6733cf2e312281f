package uuidgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind names what an identifier is for
type Kind string

const (
	// KindConnection identifies one websocket connection (client link or relay client)
	KindConnection Kind = "connection"
	// KindChatMessage identifies a stored chat message
	KindChatMessage Kind = "chat_message"
	// KindPeer identifies an anonymous relay participant
	KindPeer Kind = "peer"
)

// NewFor generates a UUID appropriate for the given kind.
// Chat messages are stored in arrival order and use UUIDv7 for index locality.
// Everything else uses UUIDv4.
func NewFor(kind Kind) (uuid.UUID, error) {
	switch kind {
	case KindChatMessage:
		return uuid.NewV7()
	default:
		return uuid.NewRandom()
	}
}

// MustNewFor is like NewFor but panics on error.
func MustNewFor(kind Kind) uuid.UUID {
	id, err := NewFor(kind)
	if err != nil {
		panic(fmt.Sprintf("failed to generate UUID for %s: %v", kind, err))
	}
	return id
}

// MustNewForConnection returns a fresh connection id string
func MustNewForConnection() string {
	return MustNewFor(KindConnection).String()
}

// MustNewForChatMessage returns a fresh, time-ordered chat message id string
func MustNewForChatMessage() string {
	return MustNewFor(KindChatMessage).String()
}
