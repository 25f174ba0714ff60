// Package protocol defines the JSON frames exchanged with real-time clients.
package protocol

import (
	"unigate/internal/chat"
	"unigate/internal/domain"
)

// Command types sent by clients.
const (
	CmdLogin             = "login"
	CmdSend              = "send"
	CmdListConversations = "listConversations"
	CmdGetHistory        = "getHistory"
	CmdSubscribe         = "subscribe"
	CmdUnsubscribe       = "unsubscribe"
)

// UnknownCommand is the kind recorded for command types the gateway does not
// implement.
const UnknownCommand = "unknown"

// CommandKind returns typ when it names a supported command and
// UnknownCommand otherwise, so client input never becomes a metric label.
func CommandKind(typ string) string {
	switch typ {
	case CmdLogin, CmdSend, CmdListConversations, CmdGetHistory, CmdSubscribe, CmdUnsubscribe:
		return typ
	}
	return UnknownCommand
}

// Event types sent to clients.
const (
	EvtLoginResult           = "loginResult"
	EvtSendResult            = "sendResult"
	EvtConversationsResult   = "conversationsResult"
	EvtHistoryResult         = "historyResult"
	EvtSubscriptions         = "subscriptions"
	EvtPairingTokenRefreshed = string(domain.EventPairingTokenRefreshed)
	EvtSessionReady          = string(domain.EventSessionReady)
	EvtSessionLost           = string(domain.EventSessionLost)
	EvtMessageReceived       = string(domain.EventMessageReceived)
	EvtError                 = "error"
)

// AllPlatforms in a subscribe command subscribes to every platform.
const AllPlatforms = "all"

// Error codes outside the domain taxonomy.
const (
	CodeInvalidRequest = "request.invalid"
	CodeBusy           = "request.busy"
)

// Command is a client request. ID is optional and echoed in the result.
type Command struct {
	Type           string              `json:"type"`
	ID             string              `json:"id,omitempty"`
	Platform       string              `json:"platform,omitempty"`
	Credentials    *domain.Credentials `json:"credentials,omitempty"`
	ConversationID string              `json:"conversationId,omitempty"`
	Text           string              `json:"text,omitempty"`
	Platforms      []string            `json:"platforms,omitempty"`
}

// Error is the typed error payload of a failed request.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is a frame sent to a client: either the result of one of its
// commands (ID set) or a broadcast.
type Event struct {
	Type           string                                  `json:"type"`
	ID             string                                  `json:"id,omitempty"`
	Platform       domain.Platform                         `json:"platform,omitempty"`
	Success        *bool                                   `json:"success,omitempty"`
	Account        *domain.Account                         `json:"account,omitempty"`
	State          *domain.SessionState                    `json:"state,omitempty"`
	Ack            *domain.Ack                             `json:"ack,omitempty"`
	Error          *Error                                  `json:"error,omitempty"`
	Conversations  []domain.Conversation                   `json:"conversations,omitempty"`
	PlatformStatus map[domain.Platform]chat.PlatformStatus `json:"platformStatus,omitempty"`
	ConversationID string                                  `json:"conversationId,omitempty"`
	Messages       []domain.Message                        `json:"messages,omitempty"`
	Token          *domain.PairingToken                    `json:"token,omitempty"`
	Message        *domain.Message                         `json:"message,omitempty"`
	Reason         string                                  `json:"reason,omitempty"`
	Platforms      []domain.Platform                       `json:"platforms,omitempty"`
}

// ErrorFrom converts an error into its wire payload.
func ErrorFrom(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: domain.ErrorCode(err), Message: err.Error()}
}

// Result builds a request result frame. A nil err marks success.
func Result(typ, id string, p domain.Platform, err error) Event {
	ok := err == nil
	return Event{Type: typ, ID: id, Platform: p, Success: &ok, Error: ErrorFrom(err)}
}

// FromDomain converts a routed platform event into its broadcast frame.
func FromDomain(e domain.Event) Event {
	out := Event{Type: string(e.Kind), Platform: e.Platform}
	switch e.Kind {
	case domain.EventPairingTokenRefreshed:
		out.Token = e.Token
	case domain.EventSessionReady:
		out.Account = e.Account
	case domain.EventSessionLost:
		out.Reason = e.Reason
		out.Error = ErrorFrom(e.Err)
	case domain.EventMessageReceived:
		out.Message = e.Message
		if e.Message != nil {
			out.ConversationID = e.Message.ConversationID.String()
		}
	}
	return out
}
