// Package session owns the authentication state of every platform and the one
// adapter instance per platform. All adapter access goes through Acquire, which
// refuses calls for platforms that are not authenticated.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"unigate/internal/domain"
)

// ErrNotConfigured is returned for platforms without a registered adapter.
var ErrNotConfigured = errors.New("platform not configured")

// Config configures a Registry.
type Config struct {
	Adapters []domain.Adapter
	Logger   *slog.Logger
	Now      func() time.Time
}

// Registry holds the SessionState of each platform. States are created
// Unauthenticated and mutated only through the methods below.
type Registry struct {
	mu       sync.RWMutex
	states   map[domain.Platform]domain.SessionState
	adapters map[domain.Platform]domain.Adapter
	loginMu  map[domain.Platform]*sync.Mutex
	now      func() time.Time
	logger   *slog.Logger
}

// NewRegistry creates a Registry owning the given adapters.
func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Registry{
		states:   make(map[domain.Platform]domain.SessionState),
		adapters: make(map[domain.Platform]domain.Adapter),
		loginMu:  make(map[domain.Platform]*sync.Mutex),
		now:      cfg.Now,
		logger:   cfg.Logger.With("component", "session"),
	}
	for _, a := range cfg.Adapters {
		p := a.Platform()
		r.adapters[p] = a
		r.loginMu[p] = &sync.Mutex{}
		r.states[p] = domain.SessionState{Platform: p, Phase: domain.Unauthenticated, UpdatedAt: r.now()}
	}
	return r
}

// Platforms returns the configured platforms in canonical order.
func (r *Registry) Platforms() []domain.Platform {
	var out []domain.Platform
	for _, p := range domain.Platforms() {
		if _, ok := r.adapters[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Status returns the current state of p. Unconfigured platforms report
// Unauthenticated.
func (r *Registry) Status(p domain.Platform) domain.SessionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.states[p]; ok {
		return s
	}
	return domain.SessionState{Platform: p, Phase: domain.Unauthenticated}
}

// Snapshot returns the state of every configured platform in canonical order.
func (r *Registry) Snapshot() []domain.SessionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.SessionState, 0, len(r.states))
	for _, p := range domain.Platforms() {
		if s, ok := r.states[p]; ok {
			out = append(out, s)
		}
	}
	return out
}

// BeginLogin authenticates p. Credential platforms block until the adapter
// answers and end Authenticated; pairing platforms move to Pairing and return
// at once, with tokens and readiness arriving as events. A Failed platform is
// reset to Unauthenticated first. Logins for the same platform are serialised.
func (r *Registry) BeginLogin(ctx context.Context, p domain.Platform, creds domain.Credentials) (domain.SessionState, error) {
	adapter, ok := r.adapters[p]
	if !ok {
		return domain.SessionState{}, fmt.Errorf("%w: %s", ErrNotConfigured, p)
	}

	lock := r.loginMu[p]
	lock.Lock()
	defer lock.Unlock()

	current := r.Status(p)
	switch current.Phase {
	case domain.Authenticated:
		return current, domain.NewAuthError(domain.AlreadyAuthenticated, p, nil)
	case domain.Pairing:
		// Pairing already running; the caller will see the next token event.
		return current, nil
	case domain.Failed:
		r.logger.Info("retrying failed session", "platform", p, "reason", current.Reason)
		r.set(p, domain.SessionState{Phase: domain.Unauthenticated})
	}

	if adapter.AuthMode() == domain.AuthPairing {
		state := r.set(p, domain.SessionState{Phase: domain.Pairing})
		if _, err := guardedLogin(ctx, adapter, creds); err != nil {
			r.set(p, domain.SessionState{Phase: domain.Unauthenticated})
			return r.Status(p), asAuthError(p, err)
		}
		r.logger.Info("pairing started", "platform", p)
		return state, nil
	}

	account, err := guardedLogin(ctx, adapter, creds)
	if err != nil {
		r.logger.Warn("login failed", "platform", p, "err", err)
		return r.Status(p), asAuthError(p, err)
	}

	state := r.set(p, domain.SessionState{Phase: domain.Authenticated, Account: &account})
	r.logger.Info("login succeeded", "platform", p, "account", account.Username)
	return state, nil
}

// OnPairingToken records a refreshed pairing token. The phase stays Pairing.
// Returns false when the token is stale (platform already authenticated or
// failed) and should not be broadcast.
func (r *Registry) OnPairingToken(p domain.Platform, token domain.PairingToken) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.states[p]
	if !ok {
		return false
	}
	switch cur.Phase {
	case domain.Unauthenticated, domain.Pairing:
		r.setLocked(p, domain.SessionState{Phase: domain.Pairing, Pairing: &token})
		return true
	default:
		r.logger.Debug("ignoring pairing token", "platform", p, "phase", cur.Phase)
		return false
	}
}

// OnReady marks p authenticated as account. Only Unauthenticated (a restored
// device) and Pairing platforms accept it; a Failed platform must be reset
// first, and a repeated ready for an Authenticated platform returns false.
func (r *Registry) OnReady(p domain.Platform, account domain.Account) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.states[p]
	if !ok {
		return false
	}
	switch cur.Phase {
	case domain.Unauthenticated, domain.Pairing:
		r.setLocked(p, domain.SessionState{Phase: domain.Authenticated, Account: &account})
		r.logger.Info("session ready", "platform", p, "account", account.ID)
		return true
	default:
		r.logger.Debug("ignoring session ready", "platform", p, "phase", cur.Phase)
		return false
	}
}

// OnSessionLost moves an authenticated or pairing platform to Failed, keeping
// the error code of cause when one is given. It never panics and may run
// concurrently with in-flight requests, which complete or fail on their own.
func (r *Registry) OnSessionLost(p domain.Platform, reason string, cause error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.states[p]
	if !ok {
		return false
	}
	switch cur.Phase {
	case domain.Authenticated, domain.Pairing:
		st := domain.SessionState{Phase: domain.Failed, Reason: reason}
		if cause != nil {
			st.Code = domain.ErrorCode(cause)
		}
		r.setLocked(p, st)
		r.logger.Warn("session lost", "platform", p, "reason", reason)
		return true
	default:
		return false
	}
}

// Reset returns a Failed platform to Unauthenticated.
func (r *Registry) Reset(p domain.Platform) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states[p].Phase != domain.Failed {
		return false
	}
	r.setLocked(p, domain.SessionState{Phase: domain.Unauthenticated})
	return true
}

// Acquire is the auth gate: it returns p's adapter only while p is
// Authenticated.
func (r *Registry) Acquire(p domain.Platform) (domain.Adapter, error) {
	adapter, ok := r.adapters[p]
	if !ok {
		return nil, domain.NewPlatformError(domain.PlatformUnknown, p, ErrNotConfigured)
	}
	if st := r.Status(p); !st.IsAuthenticated() {
		return nil, domain.NewPlatformError(domain.PlatformUnauthenticated, p,
			fmt.Errorf("session is %s", st.Phase))
	}
	return adapter, nil
}

func (r *Registry) set(p domain.Platform, s domain.SessionState) domain.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setLocked(p, s)
}

// setLocked must be called with mu held.
func (r *Registry) setLocked(p domain.Platform, s domain.SessionState) domain.SessionState {
	s.Platform = p
	s.UpdatedAt = r.now()
	r.states[p] = s
	return s
}

func guardedLogin(ctx context.Context, a domain.Adapter, creds domain.Credentials) (account domain.Account, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("adapter panic: %v", rec)
		}
	}()
	return a.Login(ctx, creds)
}

func asAuthError(p domain.Platform, err error) error {
	var authErr *domain.AuthError
	if errors.As(err, &authErr) {
		if authErr.Platform == "" {
			authErr.Platform = p
		}
		return authErr
	}
	return domain.NewAuthError(domain.NetworkUnavailable, p, err)
}
