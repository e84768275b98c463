package auth_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qazna.org/warden/internal/auth"
	"qazna.org/warden/internal/auth/totp"
)

func enroll(t *testing.T, h *harness, id string) (auth.TwoFactorSetup, []byte) {
	t.Helper()
	setup, err := h.svc.SetupTwoFactor(context.Background(), id, h.meta)
	require.NoError(t, err)
	secret, err := totp.DecodeSecret(setup.Secret)
	require.NoError(t, err)
	return setup, secret
}

func code(t *testing.T, h *harness, secret []byte) string {
	t.Helper()
	c, err := totp.New("Warden").Code(secret, h.clock.Now())
	require.NoError(t, err)
	return c
}

func TestTwoFactorEnrollmentAndLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.register(t, "a@x.com", "p1-secret")

	setup, secret := enroll(t, h, id)
	assert.Len(t, setup.BackupCodes, 10)
	assert.True(t, strings.HasPrefix(setup.URI, "otpauth://totp/Warden:a@x.com?"))
	acc := h.account(t, id)
	assert.False(t, acc.TwoFactorEnabled, "setup must not enable")
	assert.NotContains(t, string(acc.TwoFactorSecret), setup.Secret, "secret must be sealed at rest")

	_, err := h.login("a@x.com", "p1-secret")
	require.NoError(t, err, "2FA not yet enabled")

	require.NoError(t, h.svc.VerifyTwoFactor(ctx, id, code(t, h, secret), "", h.meta))
	assert.True(t, h.account(t, id).TwoFactorEnabled)

	_, err = h.login("a@x.com", "p1-secret")
	requireCode(t, err, auth.CodeTwoFactorRequired)

	// Same step as the enabling verification: replay.
	_, err = h.svc.Login(ctx, auth.LoginRequest{Email: "a@x.com", Password: "p1-secret", TwoFactorCode: code(t, h, secret)}, h.meta)
	requireCode(t, err, auth.CodeTwoFactorInvalid)

	h.clock.Advance(30 * time.Second)
	pair, err := h.svc.Login(ctx, auth.LoginRequest{Email: "a@x.com", Password: "p1-secret", TwoFactorCode: code(t, h, secret)}, h.meta)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.RefreshToken)

	_, err = h.svc.Login(ctx, auth.LoginRequest{Email: "a@x.com", Password: "wrong", TwoFactorCode: "000000"}, h.meta)
	requireCode(t, err, auth.CodeInvalidCredentials)

	assert.Contains(t, h.eventTypes(), auth.EventTwoFactorSetup)
	assert.Contains(t, h.eventTypes(), auth.EventTwoFactorEnabled)
	assert.Contains(t, h.eventTypes(), auth.EventTwoFactorFailed)
}

func TestSetupRejectedWhileEnabled(t *testing.T) {
	h := newHarness(t)
	id := h.register(t, "a@x.com", "p1-secret")
	_, secret := enroll(t, h, id)
	require.NoError(t, h.svc.VerifyTwoFactor(context.Background(), id, code(t, h, secret), "", h.meta))

	_, err := h.svc.SetupTwoFactor(context.Background(), id, h.meta)
	requireCode(t, err, auth.CodeConflict)
}

func TestBackupCodeIsSingleUse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.register(t, "a@x.com", "p1-secret")
	setup, _ := enroll(t, h, id)

	bc := setup.BackupCodes[0]
	require.NoError(t, h.svc.VerifyTwoFactor(ctx, id, "", bc, h.meta))
	assert.True(t, h.account(t, id).TwoFactorEnabled)

	err := h.svc.VerifyTwoFactor(ctx, id, "", bc, h.meta)
	requireCode(t, err, auth.CodeTwoFactorInvalid)

	// Separators and case are not significant.
	loose := strings.ToLower(strings.ReplaceAll(setup.BackupCodes[1], "-", ""))
	_, err = h.svc.Login(ctx, auth.LoginRequest{Email: "a@x.com", Password: "p1-secret", BackupCode: loose}, h.meta)
	require.NoError(t, err)
	_, err = h.svc.Login(ctx, auth.LoginRequest{Email: "a@x.com", Password: "p1-secret", BackupCode: loose}, h.meta)
	requireCode(t, err, auth.CodeTwoFactorInvalid)
	assert.Contains(t, h.eventTypes(), auth.EventBackupCodeUsed)
}

func TestTwoFactorFailuresLockoutPolicy(t *testing.T) {
	for _, counts := range []bool{false, true} {
		h := newHarness(t, auth.WithLockoutPolicy(auth.LockoutPolicy{MaxFailedLogins: 3, Duration: time.Minute, CountTwoFactorFailures: counts}))
		ctx := context.Background()
		id := h.register(t, "a@x.com", "p1-secret")
		_, secret := enroll(t, h, id)
		require.NoError(t, h.svc.VerifyTwoFactor(ctx, id, code(t, h, secret), "", h.meta))

		for i := 0; i < 3; i++ {
			_, err := h.svc.Login(ctx, auth.LoginRequest{Email: "a@x.com", Password: "p1-secret", TwoFactorCode: "000000"}, h.meta)
			requireCode(t, err, auth.CodeTwoFactorInvalid)
		}
		h.clock.Advance(30 * time.Second)
		_, err := h.svc.Login(ctx, auth.LoginRequest{Email: "a@x.com", Password: "p1-secret", TwoFactorCode: code(t, h, secret)}, h.meta)
		if counts {
			requireCode(t, err, auth.CodeAccountLocked)
		} else {
			require.NoError(t, err)
			assert.Equal(t, 0, h.account(t, id).FailedLoginCount)
		}
	}
}

func TestDisableTwoFactor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.register(t, "a@x.com", "p1-secret")
	setup, secret := enroll(t, h, id)
	require.NoError(t, h.svc.VerifyTwoFactor(ctx, id, code(t, h, secret), "", h.meta))

	h.clock.Advance(30 * time.Second)
	pair, err := h.svc.Login(ctx, auth.LoginRequest{Email: "a@x.com", Password: "p1-secret", TwoFactorCode: code(t, h, secret)}, h.meta)
	require.NoError(t, err)

	err = h.svc.DisableTwoFactor(ctx, id, "wrong", "", setup.BackupCodes[0], h.meta)
	requireCode(t, err, auth.CodeInvalidCredentials)
	err = h.svc.DisableTwoFactor(ctx, id, "p1-secret", "", "", h.meta)
	requireCode(t, err, auth.CodeTwoFactorRequired)

	require.NoError(t, h.svc.DisableTwoFactor(ctx, id, "p1-secret", "", setup.BackupCodes[0], h.meta))
	acc := h.account(t, id)
	assert.False(t, acc.TwoFactorEnabled)
	assert.Empty(t, acc.TwoFactorSecret)

	_, err = h.svc.Refresh(ctx, pair.RefreshToken, h.meta)
	require.Error(t, err, "sessions end when 2FA is disabled")

	_, err = h.login("a@x.com", "p1-secret")
	require.NoError(t, err)

	err = h.svc.VerifyTwoFactor(ctx, id, "123456", "", h.meta)
	requireCode(t, err, auth.CodeTwoFactorNotEnabled)
}

func TestRegenerateBackupCodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.register(t, "a@x.com", "p1-secret")
	setup, _ := enroll(t, h, id)

	_, err := h.svc.RegenerateBackupCodes(ctx, id, "wrong", h.meta)
	requireCode(t, err, auth.CodeInvalidCredentials)

	fresh, err := h.svc.RegenerateBackupCodes(ctx, id, "p1-secret", h.meta)
	require.NoError(t, err)
	require.Len(t, fresh, 10)

	requireCode(t, h.svc.VerifyTwoFactor(ctx, id, "", setup.BackupCodes[0], h.meta), auth.CodeTwoFactorInvalid)
	require.NoError(t, h.svc.VerifyTwoFactor(ctx, id, "", fresh[0], h.meta))
}

func TestTwoFactorUnknownAccount(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.SetupTwoFactor(context.Background(), "not-an-id", h.meta)
	requireCode(t, err, auth.CodeInvalidToken)
	_, err = h.svc.RegenerateBackupCodes(context.Background(), h.register(t, "a@x.com", "p1-secret"), "p1-secret", h.meta)
	requireCode(t, err, auth.CodeTwoFactorNotEnabled)
}

// wrongCode returns a six-digit code outside the accepted window.
func wrongCode(t *testing.T, h *harness, secret []byte) string {
	t.Helper()
	g := totp.New("Warden")
	valid := map[string]bool{}
	for _, d := range []time.Duration{-30 * time.Second, 0, 30 * time.Second} {
		c, err := g.Code(secret, h.clock.Now().Add(d))
		require.NoError(t, err)
		valid[c] = true
	}
	for _, c := range []string{"000000", "111111", "222222", "333333"} {
		if !valid[c] {
			return c
		}
	}
	t.Fatal("no invalid code available")
	return ""
}

func TestBackupCodeUsedWhenCodeFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.register(t, "a@x.com", "p1-secret")
	setup, secret := enroll(t, h, id)
	accounts := h.store.Accounts(ctx)

	require.NoError(t, h.svc.VerifyTwoFactor(ctx, id, wrongCode(t, h, secret), setup.BackupCodes[0], h.meta))
	assert.True(t, h.account(t, id).TwoFactorEnabled)
	left, err := accounts.RemainingBackupCodes(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 9, left)

	_, err = h.svc.Login(ctx, auth.LoginRequest{
		Email: "a@x.com", Password: "p1-secret",
		TwoFactorCode: wrongCode(t, h, secret), BackupCode: setup.BackupCodes[1],
	}, h.meta)
	require.NoError(t, err)
	left, err = accounts.RemainingBackupCodes(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 8, left)

	// A replayed step also falls back to the backup code.
	h.clock.Advance(30 * time.Second)
	current := code(t, h, secret)
	_, err = h.svc.Login(ctx, auth.LoginRequest{Email: "a@x.com", Password: "p1-secret", TwoFactorCode: current}, h.meta)
	require.NoError(t, err)
	_, err = h.svc.Login(ctx, auth.LoginRequest{
		Email: "a@x.com", Password: "p1-secret",
		TwoFactorCode: current, BackupCode: setup.BackupCodes[2],
	}, h.meta)
	require.NoError(t, err)

	// A spent backup code does not rescue a bad code.
	_, err = h.svc.Login(ctx, auth.LoginRequest{
		Email: "a@x.com", Password: "p1-secret",
		TwoFactorCode: wrongCode(t, h, secret), BackupCode: setup.BackupCodes[1],
	}, h.meta)
	requireCode(t, err, auth.CodeTwoFactorInvalid)
	left, err = accounts.RemainingBackupCodes(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 7, left)
}

func TestTwoFactorReportsCancellation(t *testing.T) {
	h := newHarness(t)
	id := h.register(t, "a@x.com", "p1-secret")
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.svc.SetupTwoFactor(canceled, id, h.meta)
	requireCode(t, err, auth.CodeUnavailable)
	require.ErrorIs(t, err, context.Canceled)

	_, secret := enroll(t, h, id)
	err = h.svc.VerifyTwoFactor(canceled, id, code(t, h, secret), "", h.meta)
	require.ErrorIs(t, err, context.Canceled)
}
