package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the engine. The
// implementation must offer unique constraints on account email, token hash,
// role name and permission key, and must apply every method atomically.
type Store interface {
	Accounts(ctx context.Context) AccountStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
	Roles(ctx context.Context) RoleStore
	Permissions(ctx context.Context) PermissionStore
	SecurityEvents(ctx context.Context) SecurityEventStore
	Ping(ctx context.Context) error
}

// AccountStore manages accounts and their embedded two-factor state.
type AccountStore interface {
	Create(ctx context.Context, a *Account) error
	Find(ctx context.Context, id string) (*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)

	// RecordLoginFailure increments the counter in place and sets
	// lockout-until when the new count reaches threshold.
	RecordLoginFailure(ctx context.Context, id string, threshold int, lockUntil time.Time) (LockoutState, error)
	// ClearExpiredLockout resets the counter only if lockout-until <= now.
	ClearExpiredLockout(ctx context.Context, id string, now time.Time) (bool, error)
	// CompleteLogin resets the counter, records last-login metadata and
	// persists the refresh token in one unit.
	CompleteLogin(ctx context.Context, s LoginSuccess) error
	UpdatePasswordHash(ctx context.Context, id, hash string) error

	// BeginTwoFactorSetup stores a new sealed secret with 2FA disabled and
	// replaces all backup codes.
	BeginTwoFactorSetup(ctx context.Context, id string, sealedSecret []byte, codes []BackupCode) error
	// AcceptTwoFactorStep records a TOTP step only if it is newer than the
	// last accepted one and enables 2FA. False means the step was replayed.
	AcceptTwoFactorStep(ctx context.Context, id string, step int64, at time.Time) (bool, error)
	// MarkTwoFactorVerified enables 2FA and stamps last-verified-at.
	MarkTwoFactorVerified(ctx context.Context, id string, at time.Time) error
	ClearTwoFactor(ctx context.Context, id string) error
	ReplaceBackupCodes(ctx context.Context, id string, codes []BackupCode) error
	// ConsumeBackupCode marks an unused code consumed. False if no unused
	// code with that hash exists.
	ConsumeBackupCode(ctx context.Context, id, codeHash string, at time.Time) (bool, error)
	RemainingBackupCodes(ctx context.Context, id string) (int, error)
}

// RefreshTokenStore manages the refresh token lifecycle.
type RefreshTokenStore interface {
	Create(ctx context.Context, t *RefreshToken) error
	FindByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// Rotate revokes presentedID and inserts successor in one transaction.
	// It returns ErrAlreadyRevoked when presentedID was revoked by anyone,
	// including a concurrent caller.
	Rotate(ctx context.Context, presentedID string, successor *RefreshToken, at time.Time) error
	// Revoke marks one record revoked. False if it was already revoked.
	Revoke(ctx context.Context, id string, at time.Time, reason string) (bool, error)
	RevokeFamily(ctx context.Context, familyID string, at time.Time, reason string) (int64, error)
	RevokeAllForAccount(ctx context.Context, accountID string, at time.Time, reason string) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	DeleteRevokedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RoleStore manages roles and assignments.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	List(ctx context.Context) ([]Role, error)
	Assign(ctx context.Context, ur UserRole) error
	Unassign(ctx context.Context, accountID, roleID string) error
	RolesForAccount(ctx context.Context, accountID string) ([]Role, error)
}

// PermissionStore manages the permission catalog.
type PermissionStore interface {
	Ensure(ctx context.Context, perms []Permission) error
	List(ctx context.Context) ([]Permission, error)
	SetForRole(ctx context.Context, roleID string, keys []string) error
	// KeysForAccount returns the distinct keys reachable through the
	// account's roles.
	KeysForAccount(ctx context.Context, accountID string) ([]string, error)
}

// SecurityEventStore appends immutable entries.
type SecurityEventStore interface {
	Append(ctx context.Context, ev *SecurityEvent) error
	ListForAccount(ctx context.Context, accountID string, limit int) ([]SecurityEvent, error)
}
