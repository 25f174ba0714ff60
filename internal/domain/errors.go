package domain

import (
	"errors"
	"fmt"
)

// AuthErrorKind classifies login and pairing failures.
type AuthErrorKind string

const (
	InvalidCredentials   AuthErrorKind = "invalid_credentials"
	NetworkUnavailable   AuthErrorKind = "network_unavailable"
	AlreadyAuthenticated AuthErrorKind = "already_authenticated"
	PairingExpired       AuthErrorKind = "pairing_expired"
)

// PlatformErrorKind classifies failures of read operations against a platform.
type PlatformErrorKind string

const (
	PlatformUnauthenticated PlatformErrorKind = "unauthenticated"
	PlatformUnreachable     PlatformErrorKind = "unreachable"
	PlatformRateLimited     PlatformErrorKind = "rate_limited"
	PlatformUnknown         PlatformErrorKind = "unknown"
)

// SendErrorKind classifies failures of outbound messages.
type SendErrorKind string

const (
	ConversationNotFound SendErrorKind = "conversation_not_found"
	SendUnauthenticated  SendErrorKind = "unauthenticated"
	DeliveryFailed       SendErrorKind = "delivery_failed"
)

// AuthError is returned by logins and pairing attempts.
type AuthError struct {
	Kind     AuthErrorKind
	Platform Platform
	Err      error
}

func (e *AuthError) Error() string {
	return formatError("auth", string(e.Kind), e.Platform, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is matches any *AuthError of the same kind, so sentinels work with errors.Is.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Kind == e.Kind
}

// PlatformError is returned by list and history operations.
type PlatformError struct {
	Kind     PlatformErrorKind
	Platform Platform
	Err      error
}

func (e *PlatformError) Error() string {
	return formatError("platform", string(e.Kind), e.Platform, e.Err)
}

func (e *PlatformError) Unwrap() error { return e.Err }

func (e *PlatformError) Is(target error) bool {
	t, ok := target.(*PlatformError)
	return ok && t.Kind == e.Kind
}

// SendError is returned by outbound message operations.
type SendError struct {
	Kind     SendErrorKind
	Platform Platform
	Err      error
}

func (e *SendError) Error() string {
	return formatError("send", string(e.Kind), e.Platform, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func (e *SendError) Is(target error) bool {
	t, ok := target.(*SendError)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrInvalidCredentials   = &AuthError{Kind: InvalidCredentials}
	ErrNetworkUnavailable   = &AuthError{Kind: NetworkUnavailable}
	ErrAlreadyAuthenticated = &AuthError{Kind: AlreadyAuthenticated}
	ErrPairingExpired       = &AuthError{Kind: PairingExpired}

	ErrUnauthenticated = &PlatformError{Kind: PlatformUnauthenticated}
	ErrUnreachable     = &PlatformError{Kind: PlatformUnreachable}
	ErrRateLimited     = &PlatformError{Kind: PlatformRateLimited}
	ErrPlatformUnknown = &PlatformError{Kind: PlatformUnknown}

	ErrConversationNotFound = &SendError{Kind: ConversationNotFound}
	ErrSendUnauthenticated  = &SendError{Kind: SendUnauthenticated}
	ErrDeliveryFailed       = &SendError{Kind: DeliveryFailed}
)

// NewAuthError, NewPlatformError and NewSendError attach a platform and cause.
func NewAuthError(kind AuthErrorKind, p Platform, err error) *AuthError {
	return &AuthError{Kind: kind, Platform: p, Err: err}
}

func NewPlatformError(kind PlatformErrorKind, p Platform, err error) *PlatformError {
	return &PlatformError{Kind: kind, Platform: p, Err: err}
}

func NewSendError(kind SendErrorKind, p Platform, err error) *SendError {
	return &SendError{Kind: kind, Platform: p, Err: err}
}

// ErrorCode renders an error as "<class>.<kind>" for clients. Errors outside
// the taxonomy map to "platform.unknown".
func ErrorCode(err error) string {
	var (
		authErr     *AuthError
		platformErr *PlatformError
		sendErr     *SendError
	)
	switch {
	case errors.As(err, &sendErr):
		return "send." + string(sendErr.Kind)
	case errors.As(err, &authErr):
		return "auth." + string(authErr.Kind)
	case errors.As(err, &platformErr):
		return "platform." + string(platformErr.Kind)
	default:
		return "platform." + string(PlatformUnknown)
	}
}

func formatError(class, kind string, p Platform, err error) string {
	msg := class + " error: " + kind
	if p != "" {
		msg = fmt.Sprintf("%s %s", p, msg)
	}
	if err != nil {
		msg += ": " + err.Error()
	}
	return msg
}
