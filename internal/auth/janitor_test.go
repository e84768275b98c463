package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qazna.org/warden/internal/auth"
	"qazna.org/warden/internal/ids"
	"qazna.org/warden/internal/store/memory"
)

func seedToken(t *testing.T, store *memory.Store, expires time.Time, revoked *time.Time) string {
	t.Helper()
	id := ids.New()
	rec := &auth.RefreshToken{
		ID:        id,
		AccountID: ids.New(),
		TokenHash: auth.HashRefreshToken(id),
		FamilyID:  id,
		IssuedAt:  expires.Add(-time.Hour),
		ExpiresAt: expires,
		RevokedAt: revoked,
	}
	require.NoError(t, store.RefreshTokens(context.Background()).Create(context.Background(), rec))
	return id
}

func TestJanitorSweep(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(7 * 24 * time.Hour)
	young := now.Add(-24 * time.Hour)
	old := now.Add(-31 * 24 * time.Hour)

	expired := seedToken(t, store, now.Add(-time.Minute), nil)
	active := seedToken(t, store, future, nil)
	revokedYoung := seedToken(t, store, future, &young)
	revokedOld := seedToken(t, store, future, &old)

	j := auth.NewJanitor(store, auth.JanitorConfig{Enabled: true, Retention: 30 * 24 * time.Hour}, zerolog.Nop()).
		WithJanitorClock(func() time.Time { return now })

	rep, err := j.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, auth.SweepReport{Expired: 1, Revoked: 1}, rep)

	_, ok := store.Token(expired)
	assert.False(t, ok, "expired record removed")
	_, ok = store.Token(active)
	assert.True(t, ok, "active record kept")
	_, ok = store.Token(revokedYoung)
	assert.True(t, ok, "revoked record within retention kept")
	_, ok = store.Token(revokedOld)
	assert.False(t, ok, "revoked record past retention removed")

	rep, err = j.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, auth.SweepReport{}, rep, "second pass removes nothing")
}

func TestJanitorRunStopsOnCancel(t *testing.T) {
	store := memory.New()
	seedToken(t, store, time.Now().Add(-time.Minute), nil)
	j := auth.NewJanitor(store, auth.JanitorConfig{Enabled: true, Interval: time.Hour}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return store.TokenCount() == 0
	}, time.Second, 5*time.Millisecond, "first pass runs at start")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop after cancel")
	}
}

func TestJanitorDisabled(t *testing.T) {
	j := auth.NewJanitor(memory.New(), auth.JanitorConfig{Enabled: false}, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		j.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled janitor should return immediately")
	}
}
