package uuidgen

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFor(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		version uuid.Version
	}{
		{"chat messages use UUIDv7", KindChatMessage, 7},
		{"connections use UUIDv4", KindConnection, 4},
		{"peers use UUIDv4", KindPeer, 4},
		{"unknown kinds use UUIDv4", Kind("other"), 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := NewFor(tt.kind)
			require.NoError(t, err)
			assert.NotEqual(t, uuid.Nil, id)
			assert.Equal(t, tt.version, id.Version())
		})
	}
}

func TestMustNewForConnection(t *testing.T) {
	a := MustNewForConnection()
	b := MustNewForConnection()

	assert.NotEqual(t, a, b)
	_, err := uuid.Parse(a)
	assert.NoError(t, err)
}

func TestMustNewForChatMessage_Ordered(t *testing.T) {
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = MustNewForChatMessage()
	}
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i], "UUIDv7 strings sort by creation time")
	}
}
