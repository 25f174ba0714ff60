package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlatform_Aliases(t *testing.T) {
	cases := map[string]Platform{
		"photodm":      PhotoDM,
		"Instagram":    PhotoDM,
		"personalchat": PersonalChat,
		" whatsapp ":   PersonalChat,
	}
	for in, want := range cases {
		got, err := ParsePlatform(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParsePlatform("telegram")
	assert.Error(t, err)
}

func TestPlatform_Rank(t *testing.T) {
	assert.Less(t, PhotoDM.Rank(), PersonalChat.Rank())
	assert.Equal(t, -1, Platform("nope").Rank())
	assert.False(t, Platform("nope").Valid())
}

func TestConversationID_RoundTrip(t *testing.T) {
	id := NewConversationID(PersonalChat, "123@s.whatsapp.net")
	assert.Equal(t, "personalchat:123@s.whatsapp.net", id.String())

	parsed, err := ParseConversationID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	// Native ids containing a colon survive.
	parsed, err = ParseConversationID("photodm:t:42")
	require.NoError(t, err)
	assert.Equal(t, "t:42", parsed.NativeID)

	_, err = ParseConversationID("photodm:")
	assert.Error(t, err)
	_, err = ParseConversationID("nocolon")
	assert.Error(t, err)
}

func TestResolveConversationID(t *testing.T) {
	id, err := ResolveConversationID(PhotoDM, "340282366841710300949128")
	require.NoError(t, err)
	assert.Equal(t, NewConversationID(PhotoDM, "340282366841710300949128"), id)

	id, err = ResolveConversationID(PhotoDM, "instagram:77")
	require.NoError(t, err)
	assert.Equal(t, "77", id.NativeID)

	_, err = ResolveConversationID(PhotoDM, "whatsapp:77")
	assert.Error(t, err)

	_, err = ResolveConversationID(PhotoDM, "  ")
	assert.Error(t, err)
}

func TestErrors_IsByKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewSendError(ConversationNotFound, PhotoDM, errors.New("no thread")))

	assert.ErrorIs(t, err, ErrConversationNotFound)
	assert.NotErrorIs(t, err, ErrDeliveryFailed)
	assert.NotErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, "send.conversation_not_found", ErrorCode(err))
	assert.Contains(t, err.Error(), "photodm send error: conversation_not_found: no thread")
}

func TestErrorCode_Fallback(t *testing.T) {
	assert.Equal(t, "platform.unknown", ErrorCode(errors.New("boom")))
	assert.Equal(t, "auth.pairing_expired", ErrorCode(NewAuthError(PairingExpired, PersonalChat, nil)))
	assert.Equal(t, "platform.rate_limited", ErrorCode(NewPlatformError(PlatformRateLimited, PhotoDM, nil)))
}

func TestEvent_IsPlatformStatus(t *testing.T) {
	assert.True(t, Event{Kind: EventPairingTokenRefreshed}.IsPlatformStatus())
	assert.True(t, Event{Kind: EventSessionReady}.IsPlatformStatus())
	assert.True(t, Event{Kind: EventSessionLost}.IsPlatformStatus())
	assert.False(t, Event{Kind: EventMessageReceived}.IsPlatformStatus())
}
