package auth_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qazna.org/warden/internal/auth"
)

func familyOf(t *testing.T, h *harness, refresh string) []auth.RefreshToken {
	t.Helper()
	rec, err := h.store.RefreshTokens(context.Background()).FindByHash(context.Background(), auth.HashRefreshToken(refresh))
	require.NoError(t, err)
	return h.store.TokensInFamily(rec.FamilyID)
}

func TestRotationReuseScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "a@x.com", "p1-secret")

	first, err := h.login("a@x.com", "p1-secret")
	require.NoError(t, err)
	refresh1 := first.RefreshToken

	second, err := h.svc.Refresh(ctx, refresh1, h.meta)
	require.NoError(t, err)
	refresh2 := second.RefreshToken
	require.NotEqual(t, refresh1, refresh2)

	family := familyOf(t, h, refresh1)
	require.Len(t, family, 2)
	old, succ := family[0], family[1]
	require.NotNil(t, old.RevokedAt)
	assert.Equal(t, succ.ID, old.ReplacedByID)
	assert.Nil(t, succ.RevokedAt)

	_, err = h.svc.Refresh(ctx, refresh1, h.meta)
	requireCode(t, err, auth.CodeTokenReuseDetected)

	for _, rec := range familyOf(t, h, refresh1) {
		assert.NotNil(t, rec.RevokedAt, "token %s still active after reuse", rec.ID)
	}
	_, err = h.svc.Refresh(ctx, refresh2, h.meta)
	require.Error(t, err)
	assert.Contains(t, h.eventTypes(), auth.EventTokenReuseDetected)
}

func TestConcurrentRotationHasOneWinner(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a@x.com", "p1-secret")
	pair, err := h.login("a@x.com", "p1-secret")
	require.NoError(t, err)

	const callers = 16
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		mu      sync.Mutex
		wins    int
		reuses  int
		anyElse []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.svc.Refresh(context.Background(), pair.RefreshToken, h.meta)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case auth.CodeOf(err) == auth.CodeTokenReuseDetected:
				reuses++
			default:
				anyElse = append(anyElse, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, anyElse)
	assert.Equal(t, 1, wins)
	assert.Equal(t, callers-1, reuses)

	family := familyOf(t, h, pair.RefreshToken)
	assert.Len(t, family, 2, "exactly one successor may be created")
	for _, rec := range family {
		assert.NotNil(t, rec.RevokedAt)
	}
}

func TestRefreshExpiredToken(t *testing.T) {
	h := newHarness(t, auth.WithRefreshTTL(time.Hour))
	h.register(t, "a@x.com", "p1-secret")
	pair, err := h.login("a@x.com", "p1-secret")
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	_, err = h.svc.Refresh(context.Background(), pair.RefreshToken, h.meta)
	requireCode(t, err, auth.CodeTokenExpired)

	family := familyOf(t, h, pair.RefreshToken)
	require.Len(t, family, 1)
	require.NotNil(t, family[0].RevokedAt)
	assert.Equal(t, auth.RevokeExpired, family[0].RevokeReason)
}

func TestRefreshUnknownToken(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Refresh(context.Background(), "bogus", h.meta)
	requireCode(t, err, auth.CodeInvalidToken)
	_, err = h.svc.Refresh(context.Background(), "", h.meta)
	requireCode(t, err, auth.CodeInvalidToken)
}

func TestRefreshInactiveAccount(t *testing.T) {
	h := newHarness(t)
	id := h.register(t, "a@x.com", "p1-secret")
	pair, err := h.login("a@x.com", "p1-secret")
	require.NoError(t, err)
	h.store.SetActive(id, false)

	_, err = h.svc.Refresh(context.Background(), pair.RefreshToken, h.meta)
	requireCode(t, err, auth.CodeInvalidToken)
	assert.NotNil(t, familyOf(t, h, pair.RefreshToken)[0].RevokedAt)
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "a@x.com", "p1-secret")
	pair, err := h.login("a@x.com", "p1-secret")
	require.NoError(t, err)

	require.NoError(t, h.svc.Logout(ctx, pair.RefreshToken, h.meta))
	require.NoError(t, h.svc.Logout(ctx, pair.RefreshToken, h.meta), "second logout is a no-op")
	require.NoError(t, h.svc.Logout(ctx, "never-issued", h.meta))

	rec := familyOf(t, h, pair.RefreshToken)[0]
	require.NotNil(t, rec.RevokedAt)
	assert.Equal(t, auth.RevokeLogout, rec.RevokeReason)
	assert.Empty(t, rec.ReplacedByID)

	_, err = h.svc.Refresh(ctx, pair.RefreshToken, h.meta)
	requireCode(t, err, auth.CodeTokenReuseDetected)

	count := 0
	for _, typ := range h.eventTypes() {
		if typ == auth.EventLogout {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestAccessTokenClaims(t *testing.T) {
	h := newHarness(t)
	id := h.register(t, "a@x.com", "p1-secret")
	pair, err := h.login("a@x.com", "p1-secret")
	require.NoError(t, err)

	claims, err := h.svc.Authenticate(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, id, claims.Subject)
	assert.Equal(t, "warden", claims.Issuer)
	assert.Equal(t, []string{"warden-api"}, []string(claims.Audience))
	assert.NotEmpty(t, claims.ID)
	assert.False(t, claims.Admin)

	h.clock.Advance(15*time.Minute + 20*time.Second)
	_, err = h.svc.Authenticate(pair.AccessToken)
	require.NoError(t, err, "within leeway")

	h.clock.Advance(time.Minute)
	_, err = h.svc.Authenticate(pair.AccessToken)
	requireCode(t, err, auth.CodeTokenExpired)

	_, err = h.svc.Authenticate(pair.AccessToken + "x")
	requireCode(t, err, auth.CodeInvalidToken)
}

func TestAccessTokenAudienceMismatch(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a@x.com", "p1-secret")
	pair, err := h.login("a@x.com", "p1-secret")
	require.NoError(t, err)

	other, err := auth.NewAccessSigner(
		auth.WithHMACSecret(testSecret),
		auth.WithIssuer("warden"),
		auth.WithAudience("billing"),
		auth.WithSignerClock(h.clock.Now),
	)
	require.NoError(t, err)
	_, err = other.Verify(pair.AccessToken)
	requireCode(t, err, auth.CodeInvalidToken)
}

func rsaPEM(t *testing.T) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	priv := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pub := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return string(priv), string(pub)
}

func TestRS256Signer(t *testing.T) {
	privPEM, pubPEM := rsaPEM(t)
	signer, err := auth.NewAccessSigner(auth.WithRSAKeys(privPEM, pubPEM), auth.WithKeyID("k1"), auth.WithIssuer("warden"))
	require.NoError(t, err)

	acc := &auth.Account{ID: "01HZX3J0Q4W6T7ZB3H0J1WQ8C5", IsAdmin: true}
	tok, err := signer.Issue(acc, auth.Grants{Roles: []string{"ops"}, Permissions: []string{"roles.manage"}})
	require.NoError(t, err)

	claims, err := signer.Verify(tok.Token)
	require.NoError(t, err)
	assert.True(t, claims.Admin)
	assert.True(t, claims.HasPermission("anything"))
	assert.Equal(t, []string{"ops"}, claims.Roles)

	hs, err := auth.NewAccessSigner(auth.WithHMACSecret(testSecret), auth.WithIssuer("warden"))
	require.NoError(t, err)
	hsTok, err := hs.Issue(acc, auth.Grants{})
	require.NoError(t, err)
	_, err = signer.Verify(hsTok.Token)
	requireCode(t, err, auth.CodeInvalidToken)
}

func TestNewAccessSignerRequiresKey(t *testing.T) {
	_, err := auth.NewAccessSigner()
	require.Error(t, err)
	_, err = auth.NewAccessSigner(auth.WithRSAKeys("only-private", ""))
	require.Error(t, err)
}
