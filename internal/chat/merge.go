package chat

import (
	"sort"

	"unigate/internal/domain"
)

// Per-platform contribution states reported alongside a merged list.
const (
	StatusOK = "ok"
	// StatusError means the platform was authenticated but the fetch failed.
	StatusError = "error"
)

// PlatformStatus tells a caller whether a platform contributed to a merge.
// State is StatusOK, StatusError, or the platform's session phase.
type PlatformStatus struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// Merged is the result of merging per-platform conversation lists.
type Merged struct {
	Conversations  []domain.Conversation              `json:"conversations"`
	PlatformStatus map[domain.Platform]PlatformStatus `json:"platformStatus"`
}

// Contribution is one platform's outcome fed into Merge.
type Contribution struct {
	Platform      domain.Platform
	Conversations []domain.Conversation
	Status        PlatformStatus
}

// Merge concatenates contributions and sorts them. Conversations of a
// contribution whose status is not ok are dropped.
func Merge(contribs []Contribution) Merged {
	m := Merged{
		Conversations:  []domain.Conversation{},
		PlatformStatus: make(map[domain.Platform]PlatformStatus, len(contribs)),
	}
	for _, c := range contribs {
		m.PlatformStatus[c.Platform] = c.Status
		if c.Status.State != StatusOK {
			continue
		}
		m.Conversations = append(m.Conversations, c.Conversations...)
	}
	SortConversations(m.Conversations)
	return m
}

// SortConversations orders by last message time descending, then platform
// order, then native id. The order is total, so sorting is reproducible.
func SortConversations(cs []domain.Conversation) {
	sort.SliceStable(cs, func(i, j int) bool {
		return conversationLess(cs[i], cs[j])
	})
}

func conversationLess(a, b domain.Conversation) bool {
	if !a.LastMessageTimestamp.Equal(b.LastMessageTimestamp) {
		return a.LastMessageTimestamp.After(b.LastMessageTimestamp)
	}
	if ra, rb := a.Platform.Rank(), b.Platform.Rank(); ra != rb {
		return ra < rb
	}
	return a.NativeID < b.NativeID
}

// SortMessages orders oldest first, ties broken by native id.
func SortMessages(ms []domain.Message) {
	sort.SliceStable(ms, func(i, j int) bool {
		a, b := ms[i], ms[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID.NativeID < b.ID.NativeID
	})
}
