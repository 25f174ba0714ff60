// Package chat holds the canonical chat model rules: how native threads and
// messages become domain.Conversation and domain.Message, and how results from
// several platforms are merged into one deterministic ordering.
package chat

import (
	"time"

	"unigate/internal/domain"
)

const (
	// NoMessagePreview stands in for the preview of a thread without messages.
	NoMessagePreview = "No message"
	// MediaPlaceholder stands in for the text of a message without a text body.
	MediaPlaceholder = "Media message"
)

// Thread is the platform-neutral shape adapters fill from their native thread.
type Thread struct {
	ID           string
	Participants []string
	Last         *Item // nil when the platform reports no last message
}

// Item is the platform-neutral shape adapters fill from their native message.
// FromMe is decided by each adapter from its own outbound signal.
type Item struct {
	ID        string
	ThreadID  string
	Sender    string
	Text      *string // nil for media-only messages
	Timestamp time.Time
	FromMe    bool
}

// Normalizer maps Thread and Item into the canonical model, filling defaults
// instead of propagating absent fields.
type Normalizer struct {
	now func() time.Time
}

// NewNormalizer returns a Normalizer using the wall clock.
func NewNormalizer() *Normalizer {
	return &Normalizer{now: time.Now}
}

// NewNormalizerWithClock returns a Normalizer reading time from now.
func NewNormalizerWithClock(now func() time.Time) *Normalizer {
	return &Normalizer{now: now}
}

// Conversation normalizes a thread. A thread without a last message gets the
// "No message" preview and the current time, so it always sorts.
func (n *Normalizer) Conversation(p domain.Platform, t Thread) domain.Conversation {
	participants := make([]string, 0, len(t.Participants))
	participants = append(participants, t.Participants...)

	conv := domain.Conversation{
		ID:               domain.NewConversationID(p, t.ID),
		Platform:         p,
		NativeID:         t.ID,
		ParticipantNames: participants,
	}
	if t.Last == nil {
		conv.LastMessagePreview = NoMessagePreview
		conv.LastMessageTimestamp = n.now()
		return conv
	}

	last := n.Message(p, *t.Last)
	conv.LastMessagePreview = last.Text
	conv.LastMessageTimestamp = last.Timestamp
	return conv
}

// Conversations normalizes every thread, preserving input order.
func (n *Normalizer) Conversations(p domain.Platform, threads []Thread) []domain.Conversation {
	out := make([]domain.Conversation, 0, len(threads))
	for _, t := range threads {
		out = append(out, n.Conversation(p, t))
	}
	return out
}

// Message normalizes a single item. A missing text body becomes the media
// placeholder; a zero timestamp becomes the current time.
func (n *Normalizer) Message(p domain.Platform, it Item) domain.Message {
	text := MediaPlaceholder
	if it.Text != nil {
		text = *it.Text
	}
	ts := it.Timestamp
	if ts.IsZero() {
		ts = n.now()
	}
	dir := domain.Inbound
	if it.FromMe {
		dir = domain.Outbound
	}
	return domain.Message{
		ID:             domain.MessageID{Platform: p, NativeID: it.ID},
		ConversationID: domain.NewConversationID(p, it.ThreadID),
		Sender:         it.Sender,
		Text:           text,
		Timestamp:      ts,
		Direction:      dir,
	}
}

// History normalizes a thread's items and returns them oldest first.
func (n *Normalizer) History(p domain.Platform, items []Item) []domain.Message {
	out := make([]domain.Message, 0, len(items))
	for _, it := range items {
		out = append(out, n.Message(p, it))
	}
	SortMessages(out)
	return out
}
