package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unigate/internal/adapter/memory"
	"unigate/internal/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T) (*Registry, *memory.Adapter, *memory.Adapter) {
	t.Helper()
	photo := memory.New(memory.Config{
		Platform: domain.PhotoDM,
		Accounts: map[string]string{"ana": "secret"},
	})
	personal := memory.New(memory.Config{Platform: domain.PersonalChat, Mode: domain.AuthPairing})
	r := NewRegistry(Config{Adapters: []domain.Adapter{personal, photo}, Logger: quietLogger()})
	return r, photo, personal
}

func TestRegistry_InitialStateUnauthenticated(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	assert.Equal(t, []domain.Platform{domain.PhotoDM, domain.PersonalChat}, r.Platforms())
	for _, s := range r.Snapshot() {
		assert.Equal(t, domain.Unauthenticated, s.Phase)
		assert.False(t, s.UpdatedAt.IsZero())
	}
}

func TestRegistry_CredentialLogin(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	state, err := r.BeginLogin(context.Background(), domain.PhotoDM, domain.Credentials{Username: "ana", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, domain.Authenticated, state.Phase)
	require.NotNil(t, state.Account)
	assert.Equal(t, "ana", state.Account.Username)

	_, err = r.BeginLogin(context.Background(), domain.PhotoDM, domain.Credentials{Username: "ana", Password: "secret"})
	assert.ErrorIs(t, err, domain.ErrAlreadyAuthenticated)
}

func TestRegistry_InvalidCredentialsStayUnauthenticated(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	_, err := r.BeginLogin(context.Background(), domain.PhotoDM, domain.Credentials{Username: "ana", Password: "wrong"})
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
	assert.Equal(t, domain.Unauthenticated, r.Status(domain.PhotoDM).Phase)

	_, err = r.Acquire(domain.PhotoDM)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestRegistry_PairingFlow(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	state, err := r.BeginLogin(context.Background(), domain.PersonalChat, domain.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, domain.Pairing, state.Phase)
	assert.Nil(t, state.Pairing)

	assert.True(t, r.OnPairingToken(domain.PersonalChat, domain.PairingToken{Code: "qr-1"}))
	assert.True(t, r.OnPairingToken(domain.PersonalChat, domain.PairingToken{Code: "qr-2"}))
	st := r.Status(domain.PersonalChat)
	assert.Equal(t, domain.Pairing, st.Phase)
	assert.Equal(t, "qr-2", st.Pairing.Code)

	// A second login while pairing is a no-op.
	again, err := r.BeginLogin(context.Background(), domain.PersonalChat, domain.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, domain.Pairing, again.Phase)

	assert.True(t, r.OnReady(domain.PersonalChat, domain.Account{ID: "4915@s.whatsapp.net"}))
	assert.Equal(t, domain.Authenticated, r.Status(domain.PersonalChat).Phase)

	// Tokens after readiness are stale.
	assert.False(t, r.OnPairingToken(domain.PersonalChat, domain.PairingToken{Code: "qr-3"}))

	a, err := r.Acquire(domain.PersonalChat)
	require.NoError(t, err)
	assert.Equal(t, domain.PersonalChat, a.Platform())
}

func TestRegistry_SessionLostAndRetry(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := r.BeginLogin(context.Background(), domain.PhotoDM, domain.Credentials{Username: "ana", Password: "secret"})
	require.NoError(t, err)

	assert.True(t, r.OnSessionLost(domain.PhotoDM, "token revoked", nil))
	st := r.Status(domain.PhotoDM)
	assert.Equal(t, domain.Failed, st.Phase)
	assert.Equal(t, "token revoked", st.Reason)
	assert.False(t, r.OnSessionLost(domain.PhotoDM, "again", nil))

	_, err = r.Acquire(domain.PhotoDM)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	// Failed -> login again succeeds.
	state, err := r.BeginLogin(context.Background(), domain.PhotoDM, domain.Credentials{Username: "ana", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, domain.Authenticated, state.Phase)
}

func TestRegistry_Reset(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	assert.False(t, r.Reset(domain.PhotoDM))

	r.OnReady(domain.PhotoDM, domain.Account{ID: "1"})
	r.OnSessionLost(domain.PhotoDM, "gone", nil)
	assert.True(t, r.Reset(domain.PhotoDM))
	assert.Equal(t, domain.Unauthenticated, r.Status(domain.PhotoDM).Phase)
}

func TestRegistry_ReadyAfterLossIgnored(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := r.BeginLogin(context.Background(), domain.PersonalChat, domain.Credentials{})
	require.NoError(t, err)
	require.True(t, r.OnPairingToken(domain.PersonalChat, domain.PairingToken{Code: "qr-1"}))

	expired := domain.NewAuthError(domain.PairingExpired, domain.PersonalChat, nil)
	require.True(t, r.OnSessionLost(domain.PersonalChat, "pairing expired", expired))
	st := r.Status(domain.PersonalChat)
	assert.Equal(t, domain.Failed, st.Phase)
	assert.Equal(t, "auth.pairing_expired", st.Code)

	// A late ready must not reopen the gate; only Reset leaves Failed.
	assert.False(t, r.OnReady(domain.PersonalChat, domain.Account{ID: "late"}))
	assert.Equal(t, domain.Failed, r.Status(domain.PersonalChat).Phase)
	_, err = r.Acquire(domain.PersonalChat)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	require.True(t, r.Reset(domain.PersonalChat))
	assert.Empty(t, r.Status(domain.PersonalChat).Code)
	assert.True(t, r.OnReady(domain.PersonalChat, domain.Account{ID: "restored"}))
	assert.Equal(t, domain.Authenticated, r.Status(domain.PersonalChat).Phase)
}

func TestRegistry_RepeatedReadyNotReported(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	require.True(t, r.OnReady(domain.PersonalChat, domain.Account{ID: "first"}))
	assert.False(t, r.OnReady(domain.PersonalChat, domain.Account{ID: "second"}))

	st := r.Status(domain.PersonalChat)
	require.NotNil(t, st.Account)
	assert.Equal(t, "first", st.Account.ID)
}

func TestRegistry_UnknownPlatform(t *testing.T) {
	r := NewRegistry(Config{Logger: quietLogger()})

	_, err := r.BeginLogin(context.Background(), domain.PhotoDM, domain.Credentials{})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = r.Acquire(domain.PhotoDM)
	assert.ErrorIs(t, err, domain.ErrPlatformUnknown)
	assert.False(t, r.OnSessionLost(domain.PhotoDM, "x", nil))
	assert.Equal(t, domain.Unauthenticated, r.Status(domain.PhotoDM).Phase)
}

func TestRegistry_SessionLostConcurrentWithRequests(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.OnReady(domain.PhotoDM, domain.Account{ID: "1"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = r.Acquire(domain.PhotoDM)
		}()
		go func() {
			defer wg.Done()
			r.OnSessionLost(domain.PhotoDM, "flaky", nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, domain.Failed, r.Status(domain.PhotoDM).Phase)
}

func TestRegistry_StalledLoginDoesNotBlockOtherPlatform(t *testing.T) {
	r, photo, _ := newTestRegistry(t)
	photo.Gate = make(chan struct{})
	defer close(photo.Gate)

	go func() {
		_, _ = r.BeginLogin(context.Background(), domain.PhotoDM, domain.Credentials{Username: "ana", Password: "secret"})
	}()

	done := make(chan error, 1)
	go func() {
		_, err := r.BeginLogin(context.Background(), domain.PersonalChat, domain.Credentials{})
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pairing login blocked by stalled credential login")
	}
}
