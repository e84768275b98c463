package pg

import (
	"context"
	"database/sql"
	"time"

	"qazna.org/warden/internal/auth"
)

const accountColumns = `id, email, password_hash, is_admin, is_active, deleted,
	failed_login_count, lockout_until, last_login_at, last_login_ip, last_login_user_agent,
	two_factor_enabled, two_factor_secret, two_factor_last_step, two_factor_verified_at,
	created_at, updated_at`

type accountStore struct{ db *sql.DB }

func (s accountStore) Create(ctx context.Context, a *auth.Account) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		insert into accounts(id, email, password_hash, is_admin, is_active, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, a.ID, a.Email, a.PasswordHash, a.IsAdmin, a.IsActive, a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	return translate(err)
}

func (s accountStore) Find(ctx context.Context, id string) (*auth.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id=$1`, id))
}

func (s accountStore) FindByEmail(ctx context.Context, email string) (*auth.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where email=$1`, email))
}

func scanAccount(row *sql.Row) (*auth.Account, error) {
	var (
		a          auth.Account
		lockout    sql.NullTime
		lastLogin  sql.NullTime
		lastIP     sql.NullString
		lastUA     sql.NullString
		verifiedAt sql.NullTime
	)
	err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.IsAdmin, &a.IsActive, &a.Deleted,
		&a.FailedLoginCount, &lockout, &lastLogin, &lastIP, &lastUA,
		&a.TwoFactorEnabled, &a.TwoFactorSecret, &a.TwoFactorLastStep, &verifiedAt,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, translate(err)
	}
	a.LockoutUntil = timePtr(lockout)
	a.LastLoginAt = timePtr(lastLogin)
	a.LastLoginIP = lastIP.String
	a.LastLoginUserAgent = lastUA.String
	a.TwoFactorVerifiedAt = timePtr(verifiedAt)
	return &a, nil
}

// RecordLoginFailure relies on the single-statement update so concurrent
// failures never lose an increment.
func (s accountStore) RecordLoginFailure(ctx context.Context, id string, threshold int, lockUntil time.Time) (auth.LockoutState, error) {
	var (
		state  auth.LockoutState
		locked sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		update accounts set
			failed_login_count = failed_login_count + 1,
			lockout_until = case when failed_login_count + 1 >= $2 then $3 else lockout_until end,
			updated_at = now()
		where id = $1
		returning failed_login_count, lockout_until
	`, id, threshold, lockUntil.UTC()).Scan(&state.FailedCount, &locked)
	if err != nil {
		return auth.LockoutState{}, translate(err)
	}
	state.LockedUntil = timePtr(locked)
	return state, nil
}

func (s accountStore) ClearExpiredLockout(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update accounts set failed_login_count = 0, lockout_until = null, updated_at = now()
		where id = $1 and lockout_until is not null and lockout_until <= $2
	`, id, now.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s accountStore) CompleteLogin(ctx context.Context, ls auth.LoginSuccess) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update accounts set
			failed_login_count = 0,
			lockout_until = null,
			last_login_at = $2,
			last_login_ip = $3,
			last_login_user_agent = $4,
			updated_at = $2
		where id = $1
	`, ls.AccountID, ls.At.UTC(), nullIfEmpty(ls.IP), nullIfEmpty(ls.UserAgent))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return auth.ErrNotFound
	}
	if ls.RefreshToken != nil {
		if err := insertToken(ctx, tx, ls.RefreshToken); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s accountStore) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	return s.updateOne(ctx, s.db, `update accounts set password_hash=$2, updated_at=now() where id=$1`, id, hash)
}

func (s accountStore) BeginTwoFactorSetup(ctx context.Context, id string, sealed []byte, codes []auth.BackupCode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.updateOne(ctx, tx, `
		update accounts set
			two_factor_secret = $2,
			two_factor_enabled = false,
			two_factor_last_step = 0,
			two_factor_verified_at = null,
			updated_at = now()
		where id = $1
	`, id, sealed); err != nil {
		return err
	}
	if err := replaceCodes(ctx, tx, id, codes); err != nil {
		return err
	}
	return tx.Commit()
}

// AcceptTwoFactorStep compares and sets the last step in one statement so a
// code cannot be accepted twice by concurrent verifiers.
func (s accountStore) AcceptTwoFactorStep(ctx context.Context, id string, step int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update accounts set
			two_factor_last_step = $2,
			two_factor_enabled = true,
			two_factor_verified_at = $3,
			updated_at = now()
		where id = $1 and two_factor_last_step < $2
	`, id, step, at.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s accountStore) MarkTwoFactorVerified(ctx context.Context, id string, at time.Time) error {
	return s.updateOne(ctx, s.db, `
		update accounts set two_factor_enabled = true, two_factor_verified_at = $2, updated_at = now()
		where id = $1
	`, id, at.UTC())
}

func (s accountStore) ClearTwoFactor(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.updateOne(ctx, tx, `
		update accounts set
			two_factor_secret = null,
			two_factor_enabled = false,
			two_factor_last_step = 0,
			two_factor_verified_at = null,
			updated_at = now()
		where id = $1
	`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from backup_codes where account_id=$1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s accountStore) ReplaceBackupCodes(ctx context.Context, id string, codes []auth.BackupCode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := replaceCodes(ctx, tx, id, codes); err != nil {
		return err
	}
	return tx.Commit()
}

func (s accountStore) ConsumeBackupCode(ctx context.Context, id, codeHash string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update backup_codes set consumed_at = $3
		where account_id = $1 and code_hash = $2 and consumed_at is null
	`, id, codeHash, at.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s accountStore) RemainingBackupCodes(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`select count(*) from backup_codes where account_id=$1 and consumed_at is null`, id,
	).Scan(&n)
	return n, err
}

func (accountStore) updateOne(ctx context.Context, ex execer, query string, args ...any) error {
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func replaceCodes(ctx context.Context, tx *sql.Tx, accountID string, codes []auth.BackupCode) error {
	if _, err := tx.ExecContext(ctx, `delete from backup_codes where account_id=$1`, accountID); err != nil {
		return err
	}
	for _, c := range codes {
		created := c.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		if _, err := tx.ExecContext(ctx, `
			insert into backup_codes(id, account_id, code_hash, created_at) values ($1,$2,$3,$4)
		`, c.ID, accountID, c.CodeHash, created.UTC()); err != nil {
			return translate(err)
		}
	}
	return nil
}
