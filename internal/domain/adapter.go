package domain

import "context"

// Adapter wraps one platform SDK behind the capability surface the gateway
// relies on. Implementations translate native errors into AuthError,
// PlatformError and SendError, and native shapes into Conversation and Message.
type Adapter interface {
	Platform() Platform
	AuthMode() AuthMode

	// Login authenticates with credentials, or starts pairing for
	// AuthPairing adapters. Pairing adapters return immediately with a zero
	// Account; readiness is reported later through SubscribeEvents.
	Login(ctx context.Context, creds Credentials) (Account, error)

	ListConversations(ctx context.Context) ([]Conversation, error)
	FetchHistory(ctx context.Context, id ConversationID) ([]Message, error)
	Send(ctx context.Context, id ConversationID, text string) (Ack, error)

	// SubscribeEvents registers the sink that receives asynchronous platform
	// events. Adapters publish in emission order from their own goroutines.
	SubscribeEvents(sink EventSink)
}
