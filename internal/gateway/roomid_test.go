package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRoomId(t *testing.T) {
	tt := []struct {
		name     string
		input    string
		expected RoomId
		errMsg   string
	}{
		{
			name:     "notification channel",
			input:    "notif:user-1",
			expected: RoomId{Kind: RoomKindNotification, Target: "user-1"},
		},
		{
			name:     "conversation channel",
			input:    "conv:abc123",
			expected: RoomId{Kind: RoomKindConversation, Target: "abc123"},
		},
		{
			name:   "empty user segment",
			input:  "notif:",
			errMsg: "empty user segment",
		},
		{
			name:   "empty conversation segment",
			input:  "conv:",
			errMsg: "empty conversation segment",
		},
		{
			name:   "unknown prefix",
			input:  "room:abc123",
			errMsg: "unknown room id format",
		},
		{
			name:   "empty string",
			input:  "",
			errMsg: "unknown room id format",
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			roomId, err := ParseRoomId(tc.input)
			if tc.errMsg != "" {
				assert.ErrorContains(t, err, tc.errMsg)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, roomId)
			assert.Equal(t, tc.input, roomId.String(), "expected String to round-trip")
		})
	}
}

func TestRoomIdConstructors(t *testing.T) {
	assert.Equal(t, "notif:u1", NotificationRoom("u1").String())
	assert.Equal(t, "conv:c1", ConversationRoom("c1").String())
}
