package pg

import (
	"context"
	"database/sql"
	"time"

	"qazna.org/warden/internal/auth"
)

type tokenStore struct{ db *sql.DB }

func insertToken(ctx context.Context, ex execer, t *auth.RefreshToken) error {
	_, err := ex.ExecContext(ctx, `
		insert into refresh_tokens(id, account_id, token_hash, family_id, issued_at, expires_at)
		values ($1,$2,$3,$4,$5,$6)
	`, t.ID, t.AccountID, t.TokenHash, t.FamilyID, t.IssuedAt.UTC(), t.ExpiresAt.UTC())
	return translate(err)
}

func (s tokenStore) Create(ctx context.Context, t *auth.RefreshToken) error {
	return insertToken(ctx, s.db, t)
}

func (s tokenStore) FindByHash(ctx context.Context, hash string) (*auth.RefreshToken, error) {
	var (
		t        auth.RefreshToken
		revoked  sql.NullTime
		replaced sql.NullString
		reason   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, account_id, token_hash, family_id, issued_at, expires_at, revoked_at, replaced_by_id, revoke_reason
		from refresh_tokens where token_hash=$1
	`, hash).Scan(&t.ID, &t.AccountID, &t.TokenHash, &t.FamilyID, &t.IssuedAt, &t.ExpiresAt, &revoked, &replaced, &reason)
	if err != nil {
		return nil, translate(err)
	}
	t.RevokedAt = timePtr(revoked)
	t.ReplacedByID = replaced.String
	t.RevokeReason = reason.String
	return &t, nil
}

// Rotate revokes the presented record conditionally on it still being live.
// Only one of several concurrent callers sees a row affected; the rest get
// ErrAlreadyRevoked and the successor is never inserted for them.
func (s tokenStore) Rotate(ctx context.Context, presentedID string, successor *auth.RefreshToken, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $2, replaced_by_id = $3, revoke_reason = $4
		where id = $1 and revoked_at is null
	`, presentedID, at.UTC(), successor.ID, auth.RevokeRotated)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `select exists(select 1 from refresh_tokens where id=$1)`, presentedID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return auth.ErrNotFound
		}
		return auth.ErrAlreadyRevoked
	}
	if err := insertToken(ctx, tx, successor); err != nil {
		return err
	}
	return tx.Commit()
}

func (s tokenStore) Revoke(ctx context.Context, id string, at time.Time, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $2, revoke_reason = $3
		where id = $1 and revoked_at is null
	`, id, at.UTC(), reason)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s tokenStore) RevokeFamily(ctx context.Context, familyID string, at time.Time, reason string) (int64, error) {
	return s.revokeWhere(ctx, "family_id", familyID, at, reason)
}

func (s tokenStore) RevokeAllForAccount(ctx context.Context, accountID string, at time.Time, reason string) (int64, error) {
	return s.revokeWhere(ctx, "account_id", accountID, at, reason)
}

// revokeWhere is only called with fixed column names.
func (s tokenStore) revokeWhere(ctx context.Context, column, value string, at time.Time, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $2, revoke_reason = $3
		where `+column+` = $1 and revoked_at is null
	`, value, at.UTC(), reason)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s tokenStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s tokenStore) DeleteRevokedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from refresh_tokens where revoked_at is not null and revoked_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
