package auth_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"qazna.org/warden/internal/audit"
	"qazna.org/warden/internal/auth"
	"qazna.org/warden/internal/auth/password"
	"qazna.org/warden/internal/store/memory"
)

const testSecret = "test-signing-secret-0123456789abcdef"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// countingHasher records how often Verify runs.
type countingHasher struct {
	*password.Hasher
	verifies atomic.Int32
}

func (h *countingHasher) Verify(plaintext, encoded string) bool {
	h.verifies.Add(1)
	return h.Hasher.Verify(plaintext, encoded)
}

type harness struct {
	svc    *auth.Service
	store  *memory.Store
	clock  *clock
	hasher *countingHasher
	meta   auth.RequestMeta
}

func newHarness(t *testing.T, opts ...auth.ServiceOption) *harness {
	t.Helper()
	clk := newClock()
	signer, err := auth.NewAccessSigner(
		auth.WithHMACSecret(testSecret),
		auth.WithIssuer("warden"),
		auth.WithAudience("warden-api"),
		auth.WithSignerClock(clk.Now),
	)
	require.NoError(t, err)
	h := &countingHasher{Hasher: password.NewHasher(password.Params{Memory: 1024, Iterations: 1, Parallelism: 1})}
	store := memory.New()
	base := []auth.ServiceOption{
		auth.WithSigner(signer),
		auth.WithHasher(h),
		auth.WithClock(clk.Now),
		auth.WithAudit(audit.NewLogger(audit.NewStoreSink(store), zerolog.Nop())),
	}
	svc, err := auth.NewService(store, append(base, opts...)...)
	require.NoError(t, err)
	return &harness{
		svc:    svc,
		store:  store,
		clock:  clk,
		hasher: h,
		meta:   auth.RequestMeta{IP: "192.0.2.10", UserAgent: "test-agent"},
	}
}

func (h *harness) register(t *testing.T, email, pw string) string {
	t.Helper()
	res, err := h.svc.Register(context.Background(), auth.RegisterRequest{Email: email, Password: pw}, h.meta)
	require.NoError(t, err)
	return res.ID
}

func (h *harness) login(email, pw string) (auth.TokenPair, error) {
	return h.svc.Login(context.Background(), auth.LoginRequest{Email: email, Password: pw}, h.meta)
}

func (h *harness) account(t *testing.T, id string) *auth.Account {
	t.Helper()
	acc, err := h.store.Accounts(context.Background()).Find(context.Background(), id)
	require.NoError(t, err)
	return acc
}

func (h *harness) eventTypes() []string {
	var out []string
	for _, ev := range h.store.Events() {
		out = append(out, ev.Type)
	}
	return out
}

func requireCode(t *testing.T, err error, code auth.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, auth.CodeOf(err), "error: %v", err)
}
