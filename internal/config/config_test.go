package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("WARDEN_JWT_SECRET", "test-secret")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Lockout.MaxFailedLogins)
	assert.Equal(t, 10*time.Minute, cfg.Lockout.Duration())
	assert.Equal(t, 15*time.Minute, cfg.JWT.AccessTTL())
	assert.Equal(t, 14*24*time.Hour, cfg.JWT.RefreshTTL())
	assert.True(t, cfg.Cleanup.Enabled)
	assert.Equal(t, 24*time.Hour, cfg.Cleanup.Interval())
	assert.Equal(t, 30*24*time.Hour, cfg.Cleanup.Retention())
	assert.False(t, cfg.TwoFactor.CountTowardLockout)
	assert.Equal(t, 10, cfg.TwoFactor.BackupCodeCount)
	assert.Zero(t, cfg.PermissionCacheTTL)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("WARDEN_JWT_SECRET", "test-secret")
	t.Setenv("WARDEN_LOCKOUT_MAX_FAILED_LOGINS", "3")
	t.Setenv("WARDEN_CLEANUP_ENABLED", "false")
	t.Setenv("WARDEN_TWOFACTOR_COUNT_TOWARD_LOCKOUT", "true")
	t.Setenv("WARDEN_TWOFACTOR_KEY", strings.Repeat("ab", 32))
	t.Setenv("WARDEN_KAFKA_BROKERS", "k1:9092, k2:9092,")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Lockout.MaxFailedLogins)
	assert.False(t, cfg.Cleanup.Enabled)
	assert.True(t, cfg.TwoFactor.CountTowardLockout)
	assert.Len(t, cfg.TwoFactor.SecretKey, 32)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func TestValidateRejectsMissingSigningKey(t *testing.T) {
	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WARDEN_JWT_SECRET")
}

func TestValidateRejectsShortTwoFactorKey(t *testing.T) {
	t.Setenv("WARDEN_JWT_SECRET", "test-secret")
	t.Setenv("WARDEN_TWOFACTOR_KEY", "abcd")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestFromEnvBadHexKey(t *testing.T) {
	t.Setenv("WARDEN_TWOFACTOR_KEY", "zz")
	_, err := FromEnv()
	require.Error(t, err)
}
