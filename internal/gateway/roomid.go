package gateway

import (
	"fmt"
	"strings"
)

type RoomKind int

const (
	RoomKindNotification RoomKind = iota
	RoomKindConversation
)

const (
	notificationPrefix = "notif:"
	conversationPrefix = "conv:"
)

// RoomId is the parsed form of a wire room identifier: either a user's
// notification channel ("notif:{user_id}") or a conversation channel
// ("conv:{conversation_external_id}").
type RoomId struct {
	Kind   RoomKind
	Target string
}

func ParseRoomId(s string) (RoomId, error) {
	switch {
	case strings.HasPrefix(s, notificationPrefix):
		target := strings.TrimPrefix(s, notificationPrefix)
		if target == "" {
			return RoomId{}, fmt.Errorf("room id %q has empty user segment", s)
		}
		return RoomId{Kind: RoomKindNotification, Target: target}, nil
	case strings.HasPrefix(s, conversationPrefix):
		target := strings.TrimPrefix(s, conversationPrefix)
		if target == "" {
			return RoomId{}, fmt.Errorf("room id %q has empty conversation segment", s)
		}
		return RoomId{Kind: RoomKindConversation, Target: target}, nil
	default:
		return RoomId{}, fmt.Errorf("unknown room id format %q", s)
	}
}

func (r RoomId) String() string {
	if r.Kind == RoomKindNotification {
		return notificationPrefix + r.Target
	}
	return conversationPrefix + r.Target
}

func NotificationRoom(userId string) RoomId {
	return RoomId{Kind: RoomKindNotification, Target: userId}
}

func ConversationRoom(externalId string) RoomId {
	return RoomId{Kind: RoomKindConversation, Target: externalId}
}
