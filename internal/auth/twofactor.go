package auth

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"qazna.org/warden/internal/auth/totp"
	"qazna.org/warden/internal/ids"
)

const defaultBackupCodeCount = 10

// TwoFactor manages TOTP enrolment, second-factor checks and backup codes.
type TwoFactor struct {
	store       Store
	hasher      PasswordHasher
	totp        *totp.Generator
	box         *SecretBox
	tokens      *TokenService
	backupCodes int
	audit       AuditWriter
	now         func() time.Time
	log         zerolog.Logger
}

// Setup creates a new secret and backup codes. 2FA stays disabled until the
// first successful Verify.
func (f *TwoFactor) Setup(ctx context.Context, accountID string, meta RequestMeta) (TwoFactorSetup, error) {
	acc, err := f.account(ctx, accountID)
	if err != nil {
		return TwoFactorSetup{}, err
	}
	if acc.TwoFactorEnabled {
		return TwoFactorSetup{}, conflict("two-factor authentication is already enabled", nil)
	}
	raw, key, err := f.totp.Generate(acc.Email)
	if err != nil {
		return TwoFactorSetup{}, unavailable(err)
	}
	sealed, err := f.box.Seal(acc.ID, raw)
	if err != nil {
		return TwoFactorSetup{}, unavailable(err)
	}
	now := f.now().UTC()
	plain, records, err := generateBackupCodes(acc.ID, f.backupCodes, now)
	if err != nil {
		return TwoFactorSetup{}, unavailable(err)
	}
	if err := f.store.Accounts(ctx).BeginTwoFactorSetup(ctx, acc.ID, sealed, records); err != nil {
		return TwoFactorSetup{}, unavailable(err)
	}
	if err := f.record(ctx, EventTwoFactorSetup, acc, "", meta); err != nil {
		return TwoFactorSetup{}, err
	}
	return TwoFactorSetup{
		Secret:      key.Secret(),
		URI:         key.URL(),
		BackupCodes: plain,
	}, nil
}

// Verify checks a TOTP code or consumes a backup code. The first success
// after Setup enables 2FA.
func (f *TwoFactor) Verify(ctx context.Context, accountID, code, backupCode string, meta RequestMeta) error {
	acc, err := f.account(ctx, accountID)
	if err != nil {
		return err
	}
	if !acc.HasTwoFactorSecret() {
		return ErrTwoFactorDisabled
	}
	if err := f.check(ctx, acc, code, backupCode, meta); err != nil {
		if CodeOf(err) == CodeTwoFactorInvalid {
			f.record(ctx, EventTwoFactorFailed, acc, "verify", meta)
		}
		return err
	}
	if !acc.TwoFactorEnabled {
		return f.record(ctx, EventTwoFactorEnabled, acc, "", meta)
	}
	return nil
}

// Disable requires the password and a valid second factor. It clears the
// secret and backup codes and ends all sessions of the account.
func (f *TwoFactor) Disable(ctx context.Context, accountID, password, code, backupCode string, meta RequestMeta) error {
	acc, err := f.account(ctx, accountID)
	if err != nil {
		return err
	}
	if !acc.HasTwoFactorSecret() {
		return ErrTwoFactorDisabled
	}
	if !f.hasher.Verify(password, acc.PasswordHash) {
		return invalidCredentials()
	}
	if err := f.check(ctx, acc, code, backupCode, meta); err != nil {
		if CodeOf(err) == CodeTwoFactorInvalid {
			f.record(ctx, EventTwoFactorFailed, acc, "disable", meta)
		}
		return err
	}
	if err := f.store.Accounts(ctx).ClearTwoFactor(ctx, acc.ID); err != nil {
		return unavailable(err)
	}
	if _, err := f.tokens.RevokeAllForAccount(ctx, acc.ID, RevokeTwoFactorChange); err != nil {
		f.log.Error().Err(err).Str("account_id", acc.ID).Msg("revoke sessions after 2fa disable")
	}
	return f.record(ctx, EventTwoFactorDisabled, acc, "", meta)
}

// RegenerateBackupCodes replaces all backup codes after re-checking the
// password.
func (f *TwoFactor) RegenerateBackupCodes(ctx context.Context, accountID, password string, meta RequestMeta) ([]string, error) {
	acc, err := f.account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !acc.HasTwoFactorSecret() {
		return nil, ErrTwoFactorDisabled
	}
	if !f.hasher.Verify(password, acc.PasswordHash) {
		return nil, invalidCredentials()
	}
	plain, records, err := generateBackupCodes(acc.ID, f.backupCodes, f.now().UTC())
	if err != nil {
		return nil, unavailable(err)
	}
	if err := f.store.Accounts(ctx).ReplaceBackupCodes(ctx, acc.ID, records); err != nil {
		return nil, unavailable(err)
	}
	if err := f.record(ctx, EventBackupCodesRegenerated, acc, "", meta); err != nil {
		return nil, err
	}
	return plain, nil
}

// check verifies a second factor. A TOTP code is tried first; when it fails
// and a backup code is supplied, exactly one backup code is consumed instead.
func (f *TwoFactor) check(ctx context.Context, acc *Account, code, backupCode string, meta RequestMeta) error {
	code = strings.TrimSpace(code)
	backupCode = strings.TrimSpace(backupCode)
	if code == "" && backupCode == "" {
		return ErrTwoFactorRequired
	}
	now := f.now().UTC()
	if code != "" {
		err := f.checkCode(ctx, acc, code, now)
		if err == nil || backupCode == "" || CodeOf(err) != CodeTwoFactorInvalid {
			return err
		}
	}
	return f.consumeBackupCode(ctx, acc, backupCode, now, meta)
}

func (f *TwoFactor) checkCode(ctx context.Context, acc *Account, code string, now time.Time) error {
	secret, err := f.box.Open(acc.ID, acc.TwoFactorSecret)
	if err != nil {
		return unavailable(err)
	}
	step, ok := f.totp.Validate(secret, code, now)
	if !ok {
		return ErrTwoFactorInvalid
	}
	accepted, err := f.store.Accounts(ctx).AcceptTwoFactorStep(ctx, acc.ID, step, now)
	if err != nil {
		return unavailable(err)
	}
	if !accepted {
		return ErrTwoFactorInvalid
	}
	return nil
}

func (f *TwoFactor) consumeBackupCode(ctx context.Context, acc *Account, backupCode string, now time.Time, meta RequestMeta) error {
	canonical := canonicalBackupCode(backupCode)
	if canonical == "" {
		return ErrTwoFactorInvalid
	}
	accounts := f.store.Accounts(ctx)
	ok, err := accounts.ConsumeBackupCode(ctx, acc.ID, backupCodeHash(acc.ID, canonical), now)
	if err != nil {
		return unavailable(err)
	}
	if !ok {
		return ErrTwoFactorInvalid
	}
	if err := accounts.MarkTwoFactorVerified(ctx, acc.ID, now); err != nil {
		return unavailable(err)
	}
	detail := ""
	if left, err := accounts.RemainingBackupCodes(ctx, acc.ID); err == nil {
		detail = "remaining=" + strconv.Itoa(left)
	}
	return f.record(ctx, EventBackupCodeUsed, acc, detail, meta)
}

func (f *TwoFactor) account(ctx context.Context, accountID string) (*Account, error) {
	if !ids.Valid(accountID) {
		return nil, ErrInvalidToken
	}
	acc, err := f.store.Accounts(ctx).Find(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, unavailable(err)
	}
	if !acc.CanAuthenticate() {
		return nil, ErrInvalidToken
	}
	return acc, nil
}

func (f *TwoFactor) record(ctx context.Context, typ string, acc *Account, detail string, meta RequestMeta) error {
	return f.audit.TryWrite(ctx, SecurityEvent{
		Type:       typ,
		AccountID:  acc.ID,
		Email:      acc.Email,
		Detail:     detail,
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
		OccurredAt: f.now().UTC(),
	}).Err()
}
