package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every option the service reads at startup.
type Config struct {
	ServiceName string
	LogLevel    string

	HTTPAddr string
	GRPCAddr string

	DatabaseURL string

	Lockout   LockoutConfig
	JWT       JWTConfig
	TwoFactor TwoFactorConfig
	Cleanup   CleanupConfig

	RedisAddr          string
	PermissionCacheTTL time.Duration
	KafkaBrokers       []string
	KafkaAuditTopic    string
	RateLimitPerSecond int
	RateLimitBurst     int
}

type LockoutConfig struct {
	MaxFailedLogins int
	LockoutMinutes  int
}

// Duration returns the configured lockout window.
func (c LockoutConfig) Duration() time.Duration {
	return time.Duration(c.LockoutMinutes) * time.Minute
}

type JWTConfig struct {
	AccessTokenMinutes int
	RefreshTokenDays   int
	Secret             string
	PrivateKeyPEM      string
	PublicKeyPEM       string
	KeyID              string
	Issuer             string
	Audience           string
}

func (c JWTConfig) AccessTTL() time.Duration {
	return time.Duration(c.AccessTokenMinutes) * time.Minute
}

func (c JWTConfig) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTokenDays) * 24 * time.Hour
}

type TwoFactorConfig struct {
	Issuer             string
	SecretKey          []byte
	BackupCodeCount    int
	CountTowardLockout bool
}

type CleanupConfig struct {
	Enabled       bool
	IntervalHours int
	RetentionDays int
}

func (c CleanupConfig) Interval() time.Duration {
	return time.Duration(c.IntervalHours) * time.Hour
}

func (c CleanupConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds Config from environment variables only.
func FromEnv() (Config, error) {
	key, err := hexBytes(os.Getenv("WARDEN_TWOFACTOR_KEY"))
	if err != nil {
		return Config{}, fmt.Errorf("WARDEN_TWOFACTOR_KEY: %w", err)
	}
	cfg := Config{
		ServiceName: EnvDefault("SERVICE_NAME", "warden"),
		LogLevel:    EnvDefault("LOG_LEVEL", "info"),

		HTTPAddr: EnvDefault("WARDEN_HTTP_ADDR", ":8080"),
		GRPCAddr: EnvDefault("WARDEN_GRPC_ADDR", ":9090"),

		DatabaseURL: os.Getenv("WARDEN_PG_DSN"),

		Lockout: LockoutConfig{
			MaxFailedLogins: EnvIntDefault("WARDEN_LOCKOUT_MAX_FAILED_LOGINS", 5),
			LockoutMinutes:  EnvIntDefault("WARDEN_LOCKOUT_MINUTES", 10),
		},
		JWT: JWTConfig{
			AccessTokenMinutes: EnvIntDefault("WARDEN_JWT_ACCESS_TOKEN_MINUTES", 15),
			RefreshTokenDays:   EnvIntDefault("WARDEN_JWT_REFRESH_TOKEN_DAYS", 14),
			Secret:             os.Getenv("WARDEN_JWT_SECRET"),
			PrivateKeyPEM:      os.Getenv("WARDEN_JWT_PRIVATE_KEY_PEM"),
			PublicKeyPEM:       os.Getenv("WARDEN_JWT_PUBLIC_KEY_PEM"),
			KeyID:              os.Getenv("WARDEN_JWT_KEY_ID"),
			Issuer:             EnvDefault("WARDEN_JWT_ISSUER", "warden"),
			Audience:           EnvDefault("WARDEN_JWT_AUDIENCE", "warden-api"),
		},
		TwoFactor: TwoFactorConfig{
			Issuer:             EnvDefault("WARDEN_TWOFACTOR_ISSUER", "Warden"),
			SecretKey:          key,
			BackupCodeCount:    EnvIntDefault("WARDEN_TWOFACTOR_BACKUP_CODES", 10),
			CountTowardLockout: EnvBoolDefault("WARDEN_TWOFACTOR_COUNT_TOWARD_LOCKOUT", false),
		},
		Cleanup: CleanupConfig{
			Enabled:       EnvBoolDefault("WARDEN_CLEANUP_ENABLED", true),
			IntervalHours: EnvIntDefault("WARDEN_CLEANUP_INTERVAL_HOURS", 24),
			RetentionDays: EnvIntDefault("WARDEN_CLEANUP_RETENTION_DAYS", 30),
		},

		RedisAddr:          os.Getenv("WARDEN_REDIS_ADDR"),
		PermissionCacheTTL: time.Duration(EnvIntDefault("WARDEN_PERMISSION_CACHE_SECONDS", 0)) * time.Second,
		KafkaBrokers:       CSV(os.Getenv("WARDEN_KAFKA_BROKERS")),
		KafkaAuditTopic:    EnvDefault("WARDEN_KAFKA_AUDIT_TOPIC", "warden.security-events"),
		RateLimitPerSecond: EnvIntDefault("WARDEN_RATE_LIMIT_PER_SECOND", 5),
		RateLimitBurst:     EnvIntDefault("WARDEN_RATE_LIMIT_BURST", 20),
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	var problems []string
	if c.Lockout.MaxFailedLogins <= 0 {
		problems = append(problems, "lockout max failed logins must be positive")
	}
	if c.Lockout.LockoutMinutes <= 0 {
		problems = append(problems, "lockout minutes must be positive")
	}
	if c.JWT.AccessTokenMinutes <= 0 {
		problems = append(problems, "access token minutes must be positive")
	}
	if c.JWT.RefreshTokenDays <= 0 {
		problems = append(problems, "refresh token days must be positive")
	}
	if strings.TrimSpace(c.JWT.Secret) == "" && (c.JWT.PrivateKeyPEM == "" || c.JWT.PublicKeyPEM == "") {
		problems = append(problems, "either WARDEN_JWT_SECRET or both RSA key PEMs are required")
	}
	if len(c.TwoFactor.SecretKey) != 0 && len(c.TwoFactor.SecretKey) != 32 {
		problems = append(problems, "two-factor key must be 32 bytes")
	}
	if c.TwoFactor.BackupCodeCount <= 0 {
		problems = append(problems, "backup code count must be positive")
	}
	if c.Cleanup.Enabled && c.Cleanup.IntervalHours <= 0 {
		problems = append(problems, "cleanup interval must be positive")
	}
	if c.Cleanup.RetentionDays < 0 {
		problems = append(problems, "cleanup retention must not be negative")
	}
	if c.PermissionCacheTTL < 0 {
		problems = append(problems, "permission cache ttl must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func CSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func EnvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func EnvIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func EnvBoolDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func hexBytes(v string) ([]byte, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	return hex.DecodeString(v)
}
