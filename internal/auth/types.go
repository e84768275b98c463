package auth

import "time"

// Account is the identity record owned by the session manager.
type Account struct {
	ID                 string
	Email              string
	PasswordHash       string
	IsAdmin            bool
	IsActive           bool
	FailedLoginCount   int
	LockoutUntil       *time.Time
	LastLoginAt        *time.Time
	LastLoginIP        string
	LastLoginUserAgent string
	Deleted            bool
	CreatedAt          time.Time
	UpdatedAt          time.Time

	TwoFactorEnabled    bool
	TwoFactorSecret     []byte // sealed, see SecretBox
	TwoFactorLastStep   int64
	TwoFactorVerifiedAt *time.Time
}

// CanAuthenticate reports whether the account may hold sessions at all.
func (a *Account) CanAuthenticate() bool {
	return a != nil && a.IsActive && !a.Deleted
}

// HasTwoFactorSecret reports whether setup has been started.
func (a *Account) HasTwoFactorSecret() bool {
	return a != nil && len(a.TwoFactorSecret) > 0
}

// BackupCode is a single-use second factor. Only the hash is persisted.
type BackupCode struct {
	ID         string
	AccountID  string
	CodeHash   string
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// RefreshToken is the persisted form of a refresh token. The plaintext value
// never reaches storage.
type RefreshToken struct {
	ID           string
	AccountID    string
	TokenHash    string
	FamilyID     string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	RevokedAt    *time.Time
	ReplacedByID string
	RevokeReason string
}

func (t *RefreshToken) Revoked() bool { return t.RevokedAt != nil }

// Expired reports whether the token is past its expiry at now.
func (t *RefreshToken) Expired(now time.Time) bool { return !now.Before(t.ExpiresAt) }

// Active reports whether the token can still be rotated.
func (t *RefreshToken) Active(now time.Time) bool { return !t.Revoked() && !t.Expired(now) }

// Role groups permissions.
type Role struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
}

// Permission is a fine-grained capability identified by Key.
type Permission struct {
	ID          string
	Key         string
	Description string
	CreatedAt   time.Time
}

// UserRole assigns a role to an account.
type UserRole struct {
	AccountID string
	RoleID    string
	CreatedAt time.Time
}

// SecurityEvent is an append-only record of a sensitive transition.
type SecurityEvent struct {
	ID         string
	Type       string
	AccountID  string
	Email      string
	Detail     string
	IP         string
	UserAgent  string
	OccurredAt time.Time
}

// RequestMeta carries caller details supplied by the transport. It replaces
// any notion of an ambient current user.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// LockoutState is the counter state after an atomic failure increment.
type LockoutState struct {
	FailedCount int
	LockedUntil *time.Time
}

// LoginSuccess is committed atomically when a login completes.
type LoginSuccess struct {
	AccountID    string
	At           time.Time
	IP           string
	UserAgent    string
	RefreshToken *RefreshToken
}

// Security event types.
const (
	EventUserRegistered         = "user_registered"
	EventLoginFailed            = "login_failed"
	EventLoginLocked            = "login_locked"
	EventAccountLocked          = "account_locked"
	EventTwoFactorFailed        = "2fa_failed"
	EventLoginSucceeded         = "login_succeeded"
	EventTokenRotated           = "token_rotated"
	EventTokenReuseDetected     = "token_reuse_detected"
	EventLogout                 = "logout"
	EventTwoFactorSetup         = "2fa_setup"
	EventTwoFactorEnabled       = "2fa_enabled"
	EventTwoFactorDisabled      = "2fa_disabled"
	EventBackupCodesRegenerated = "backup_codes_regenerated"
	EventBackupCodeUsed         = "backup_code_used"
	EventRoleAssigned           = "role_assigned"
	EventRoleRevoked            = "role_revoked"
	EventRolePermissionsSet     = "role_permissions_set"
)
