package domain

import "time"

// SessionPhase is the authentication phase of one platform.
type SessionPhase string

const (
	Unauthenticated SessionPhase = "unauthenticated"
	Pairing         SessionPhase = "pairing"
	Authenticated   SessionPhase = "authenticated"
	Failed          SessionPhase = "failed"
)

// AuthMode tells how a platform authenticates.
type AuthMode string

const (
	AuthCredentials AuthMode = "credentials"
	AuthPairing     AuthMode = "pairing"
)

// Credentials are passed through to credential-based adapters untouched.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Account identifies the platform account a session is logged in as.
type Account struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

// PairingToken is an out-of-band pairing code and its rendered QR image.
type PairingToken struct {
	Code  string `json:"code"`
	Image string `json:"image,omitempty"` // data:image/png;base64,...
}

// SessionState is the authentication state of a platform. Only the fields
// relevant to Phase are populated.
type SessionState struct {
	Platform  Platform      `json:"platform"`
	Phase     SessionPhase  `json:"phase"`
	Pairing   *PairingToken `json:"pairing,omitempty"`
	Account   *Account      `json:"account,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Code      string        `json:"code,omitempty"` // error code of a Failed session
	UpdatedAt time.Time     `json:"updatedAt"`
}

// IsAuthenticated reports whether adapter calls may be issued.
func (s SessionState) IsAuthenticated() bool {
	return s.Phase == Authenticated
}
