package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"qazna.org/warden/internal/auth"
	"qazna.org/warden/internal/ids"
)

func TestRegisterAndLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.Register(ctx, auth.RegisterRequest{Email: "  A@X.com ", Password: "p1-secret"}, h.meta)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", res.Email)
	assert.True(t, ids.Valid(res.ID))

	pair, err := h.login("a@x.com", "p1-secret")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, h.clock.Now().Add(15*time.Minute), pair.AccessExpiresAt)
	assert.Equal(t, h.clock.Now().Add(14*24*time.Hour), pair.RefreshExpiresAt)

	acc := h.account(t, res.ID)
	require.NotNil(t, acc.LastLoginAt)
	assert.Equal(t, "192.0.2.10", acc.LastLoginIP)
	assert.Equal(t, "test-agent", acc.LastLoginUserAgent)
	assert.Equal(t, []string{auth.EventUserRegistered, auth.EventLoginSucceeded}, h.eventTypes())
}

func TestRegisterValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Register(context.Background(), auth.RegisterRequest{Email: "not-an-email", Password: "short"}, h.meta)
	requireCode(t, err, auth.CodeValidationFailed)

	var e *auth.Error
	require.ErrorAs(t, err, &e)
	assert.Contains(t, e.Fields, "email")
	assert.Contains(t, e.Fields, "password")

	_, err = h.svc.Register(context.Background(), auth.RegisterRequest{Email: "Bob <b@x.com>", Password: "long-enough"}, h.meta)
	requireCode(t, err, auth.CodeValidationFailed)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a@x.com", "p1-secret")
	_, err := h.svc.Register(context.Background(), auth.RegisterRequest{Email: "A@x.com", Password: "other-secret"}, h.meta)
	requireCode(t, err, auth.CodeConflict)
}

func TestLoginUnknownEmailIsIndistinguishable(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a@x.com", "p1-secret")

	before := h.hasher.verifies.Load()
	_, unknownErr := h.login("nobody@x.com", "p1-secret")
	requireCode(t, unknownErr, auth.CodeInvalidCredentials)
	assert.Equal(t, before+1, h.hasher.verifies.Load(), "dummy hash must be verified")

	_, wrongErr := h.login("a@x.com", "wrong-secret")
	requireCode(t, wrongErr, auth.CodeInvalidCredentials)
	assert.Equal(t, unknownErr.(*auth.Error).Message, wrongErr.(*auth.Error).Message)
}

func TestLockoutAfterMaxFailures(t *testing.T) {
	h := newHarness(t)
	id := h.register(t, "a@x.com", "p1-secret")

	for i := 0; i < 5; i++ {
		_, err := h.login("a@x.com", "wrong")
		requireCode(t, err, auth.CodeInvalidCredentials)
	}
	acc := h.account(t, id)
	require.Equal(t, 5, acc.FailedLoginCount)
	require.NotNil(t, acc.LockoutUntil)
	assert.Equal(t, h.clock.Now().Add(10*time.Minute), *acc.LockoutUntil)

	before := h.hasher.verifies.Load()
	_, err := h.login("a@x.com", "p1-secret")
	requireCode(t, err, auth.CodeAccountLocked)
	assert.Equal(t, before, h.hasher.verifies.Load(), "locked attempt must not invoke the hasher")

	var e *auth.Error
	require.ErrorAs(t, err, &e)
	require.NotNil(t, e.LockedUntil)
	assert.Equal(t, *acc.LockoutUntil, *e.LockedUntil)
	assert.Equal(t, auth.ErrInvalidCredentials.Message, e.Message)
	assert.ErrorIs(t, err, auth.ErrAccountLocked)

	// Attempts while locked do not extend the counter.
	assert.Equal(t, 5, h.account(t, id).FailedLoginCount)
	assert.Contains(t, h.eventTypes(), auth.EventAccountLocked)
	assert.Contains(t, h.eventTypes(), auth.EventLoginLocked)
}

func TestLockoutExpiresLazily(t *testing.T) {
	h := newHarness(t, auth.WithLockoutPolicy(auth.LockoutPolicy{MaxFailedLogins: 3, Duration: 5 * time.Minute}))
	id := h.register(t, "a@x.com", "p1-secret")
	for i := 0; i < 3; i++ {
		_, _ = h.login("a@x.com", "wrong")
	}
	_, err := h.login("a@x.com", "p1-secret")
	requireCode(t, err, auth.CodeAccountLocked)

	h.clock.Advance(5 * time.Minute)
	_, err = h.login("a@x.com", "wrong")
	requireCode(t, err, auth.CodeInvalidCredentials)
	acc := h.account(t, id)
	assert.Equal(t, 1, acc.FailedLoginCount, "expired lockout starts a fresh count")
	assert.Nil(t, acc.LockoutUntil)

	_, err = h.login("a@x.com", "p1-secret")
	require.NoError(t, err)
}

func TestSuccessfulLoginResetsCounter(t *testing.T) {
	h := newHarness(t)
	id := h.register(t, "a@x.com", "p1-secret")
	for i := 0; i < 3; i++ {
		_, _ = h.login("a@x.com", "wrong")
	}
	require.Equal(t, 3, h.account(t, id).FailedLoginCount)

	_, err := h.login("a@x.com", "p1-secret")
	require.NoError(t, err)
	assert.Equal(t, 0, h.account(t, id).FailedLoginCount)
}

func TestConcurrentFailuresAreNotLost(t *testing.T) {
	h := newHarness(t, auth.WithLockoutPolicy(auth.LockoutPolicy{MaxFailedLogins: 100, Duration: time.Minute}))
	id := h.register(t, "a@x.com", "p1-secret")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.login("a@x.com", "wrong")
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, h.account(t, id).FailedLoginCount)
}

func TestInactiveAccountCannotLogin(t *testing.T) {
	h := newHarness(t)
	id := h.register(t, "a@x.com", "p1-secret")
	h.store.SetActive(id, false)
	_, err := h.login("a@x.com", "p1-secret")
	requireCode(t, err, auth.CodeInvalidCredentials)
}

func TestLoginUpgradesLegacyHash(t *testing.T) {
	h := newHarness(t)
	legacy, err := bcrypt.GenerateFromPassword([]byte("old-secret"), bcrypt.MinCost)
	require.NoError(t, err)
	id := ids.New()
	require.NoError(t, h.store.Accounts(context.Background()).Create(context.Background(), &auth.Account{
		ID:           id,
		Email:        "legacy@x.com",
		PasswordHash: string(legacy),
		IsActive:     true,
	}))

	_, err = h.login("legacy@x.com", "old-secret")
	require.NoError(t, err)
	assert.Contains(t, h.account(t, id).PasswordHash, "$argon2id$")

	_, err = h.login("legacy@x.com", "old-secret")
	require.NoError(t, err)
}

func TestLoginMissingCredentials(t *testing.T) {
	h := newHarness(t)
	_, err := h.login("", "")
	requireCode(t, err, auth.CodeInvalidCredentials)
}

func TestCanceledContextPropagates(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a@x.com", "p1-secret")
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	pair, err := h.svc.Login(canceled, auth.LoginRequest{Email: "a@x.com", Password: "p1-secret"}, h.meta)
	requireCode(t, err, auth.CodeUnavailable)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, pair.RefreshToken)

	pair, err = h.login("a@x.com", "p1-secret")
	require.NoError(t, err)

	_, err = h.svc.Refresh(canceled, pair.RefreshToken, h.meta)
	require.ErrorIs(t, err, context.Canceled)

	pair, err = h.login("a@x.com", "p1-secret")
	require.NoError(t, err)
	err = h.svc.Logout(canceled, pair.RefreshToken, h.meta)
	require.ErrorIs(t, err, context.Canceled)

	_, err = h.svc.Register(canceled, auth.RegisterRequest{Email: "b@x.com", Password: "p2-secret"}, h.meta)
	require.ErrorIs(t, err, context.Canceled)
}
