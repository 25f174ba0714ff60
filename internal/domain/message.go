package domain

import (
	"fmt"
	"strings"
	"time"
)

// ConversationID is the composite identity of a conversation. Two conversations
// on different platforms are never the same conversation.
type ConversationID struct {
	Platform Platform
	NativeID string
}

// NewConversationID builds the composite id for a native thread id.
func NewConversationID(p Platform, nativeID string) ConversationID {
	return ConversationID{Platform: p, NativeID: nativeID}
}

// String renders "platform:nativeID".
func (id ConversationID) String() string {
	return string(id.Platform) + ":" + id.NativeID
}

// IsZero reports whether the id was never set.
func (id ConversationID) IsZero() bool {
	return id.Platform == "" && id.NativeID == ""
}

func (id ConversationID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ConversationID) UnmarshalText(b []byte) error {
	parsed, err := ParseConversationID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseConversationID parses "platform:nativeID". Native ids may themselves
// contain colons; only the first separator is significant.
func ParseConversationID(s string) (ConversationID, error) {
	prefix, native, ok := strings.Cut(s, ":")
	if !ok || native == "" {
		return ConversationID{}, fmt.Errorf("malformed conversation id %q", s)
	}
	p, err := ParsePlatform(prefix)
	if err != nil {
		return ConversationID{}, fmt.Errorf("malformed conversation id %q: %w", s, err)
	}
	return ConversationID{Platform: p, NativeID: native}, nil
}

// ResolveConversationID accepts either a composite id or a bare native id
// addressed to platform p. A composite id naming another platform is rejected.
func ResolveConversationID(p Platform, s string) (ConversationID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ConversationID{}, fmt.Errorf("empty conversation id")
	}
	if prefix, native, ok := strings.Cut(s, ":"); ok {
		if other, err := ParsePlatform(prefix); err == nil {
			if other != p {
				return ConversationID{}, fmt.Errorf("conversation %q does not belong to %s", s, p)
			}
			return ConversationID{Platform: p, NativeID: native}, nil
		}
	}
	return ConversationID{Platform: p, NativeID: s}, nil
}

// MessageID is the composite identity of a message.
type MessageID struct {
	Platform Platform
	NativeID string
}

func (id MessageID) String() string {
	return string(id.Platform) + ":" + id.NativeID
}

func (id MessageID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// Direction tells whether a message was sent by the authenticated account.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Conversation is the canonical, platform-tagged thread.
type Conversation struct {
	ID                   ConversationID `json:"id"`
	Platform             Platform       `json:"platform"`
	NativeID             string         `json:"nativeId"`
	ParticipantNames     []string       `json:"participantNames"`
	LastMessagePreview   string         `json:"lastMessagePreview"`
	LastMessageTimestamp time.Time      `json:"lastMessageTimestamp"`
}

// Message is the canonical, platform-tagged message.
type Message struct {
	ID             MessageID      `json:"id"`
	ConversationID ConversationID `json:"conversationId"`
	Sender         string         `json:"sender,omitempty"`
	Text           string         `json:"text"`
	Timestamp      time.Time      `json:"timestamp"`
	Direction      Direction      `json:"direction"`
}

// Ack confirms a message was accepted by the platform.
type Ack struct {
	MessageID      MessageID      `json:"messageId"`
	ConversationID ConversationID `json:"conversationId"`
	Timestamp      time.Time      `json:"timestamp"`
}
