package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"qazna.org/warden/internal/ids"
	"qazna.org/warden/internal/obs"
)

const (
	defaultRefreshTTL = 14 * 24 * time.Hour
	refreshTokenBytes = 32
)

// Revocation reasons stored on refresh token records.
const (
	RevokeRotated         = "rotated"
	RevokeReuseDetected   = "reuse_detected"
	RevokeExpired         = "expired"
	RevokeLogout          = "logout"
	RevokeAccountInactive = "account_inactive"
	RevokeTwoFactorChange = "2fa_disabled"
)

// GrantsFunc resolves the roles and permissions embedded in access tokens.
type GrantsFunc func(ctx context.Context, a *Account) (Grants, error)

// Rotation is the result of a successful refresh.
type Rotation struct {
	TokenPair
	AccountID string
	FamilyID  string
}

// TokenService issues access tokens and manages refresh token families.
type TokenService struct {
	store      Store
	signer     *AccessSigner
	grants     GrantsFunc
	audit      AuditWriter
	refreshTTL time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

func newTokenService(store Store, signer *AccessSigner, grants GrantsFunc, audit AuditWriter, refreshTTL time.Duration, now func() time.Time, log zerolog.Logger) *TokenService {
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}
	return &TokenService{
		store:      store,
		signer:     signer,
		grants:     grants,
		audit:      audit,
		refreshTTL: refreshTTL,
		now:        now,
		log:        log,
	}
}

// HashRefreshToken is the only form of a refresh token that reaches storage.
func HashRefreshToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// IssueAccessToken signs an access token for a with the given grants.
func (s *TokenService) IssueAccessToken(a *Account, grants Grants) (AccessToken, error) {
	return s.signer.Issue(a, grants)
}

// VerifyAccessToken validates raw and returns its claims.
func (s *TokenService) VerifyAccessToken(raw string) (*AccessClaims, error) {
	return s.signer.Verify(raw)
}

// newRefreshToken mints a token without persisting it. An empty familyID
// starts a new family.
func (s *TokenService) newRefreshToken(accountID, familyID string, now time.Time) (string, *RefreshToken, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("auth: refresh token entropy: %w", err)
	}
	plain := base64.RawURLEncoding.EncodeToString(buf)
	if familyID == "" {
		familyID = uuid.NewString()
	}
	return plain, &RefreshToken{
		ID:        ids.NewAt(now),
		AccountID: accountID,
		TokenHash: HashRefreshToken(plain),
		FamilyID:  familyID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.refreshTTL),
	}, nil
}

// IssueRefreshToken mints and stores a refresh token.
func (s *TokenService) IssueRefreshToken(ctx context.Context, accountID, familyID string) (string, *RefreshToken, error) {
	plain, rec, err := s.newRefreshToken(accountID, familyID, s.now().UTC())
	if err != nil {
		return "", nil, err
	}
	if err := s.store.RefreshTokens(ctx).Create(ctx, rec); err != nil {
		return "", nil, unavailable(err)
	}
	return plain, rec, nil
}

// Rotate exchanges a refresh token for a new pair. A token that was already
// revoked, including one lost to a concurrent rotation, revokes its whole
// family.
func (s *TokenService) Rotate(ctx context.Context, presented string, meta RequestMeta) (Rotation, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return Rotation{}, ErrInvalidToken
	}
	tokens := s.store.RefreshTokens(ctx)
	rec, err := tokens.FindByHash(ctx, HashRefreshToken(presented))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Rotation{}, ErrInvalidToken
		}
		return Rotation{}, unavailable(err)
	}
	now := s.now().UTC()
	if rec.Revoked() {
		return Rotation{}, s.reuseDetected(ctx, rec, meta)
	}
	if rec.Expired(now) {
		if _, err := tokens.Revoke(ctx, rec.ID, now, RevokeExpired); err != nil {
			s.log.Warn().Err(err).Str("token_id", rec.ID).Msg("revoke expired refresh token")
		}
		return Rotation{}, ErrTokenExpired
	}

	account, err := s.store.Accounts(ctx).Find(ctx, rec.AccountID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Rotation{}, unavailable(err)
	}
	if err != nil || !account.CanAuthenticate() {
		if _, err := tokens.Revoke(ctx, rec.ID, now, RevokeAccountInactive); err != nil {
			s.log.Warn().Err(err).Str("token_id", rec.ID).Msg("revoke refresh token of inactive account")
		}
		return Rotation{}, ErrInvalidToken
	}

	grants, err := s.grants(ctx, account)
	if err != nil {
		return Rotation{}, unavailable(err)
	}
	access, err := s.signer.Issue(account, grants)
	if err != nil {
		return Rotation{}, unavailable(err)
	}
	plain, successor, err := s.newRefreshToken(account.ID, rec.FamilyID, now)
	if err != nil {
		return Rotation{}, unavailable(err)
	}
	if err := tokens.Rotate(ctx, rec.ID, successor, now); err != nil {
		if errors.Is(err, ErrAlreadyRevoked) {
			return Rotation{}, s.reuseDetected(ctx, rec, meta)
		}
		return Rotation{}, unavailable(err)
	}
	return Rotation{
		TokenPair: TokenPair{
			AccessToken:      access.Token,
			AccessExpiresAt:  access.ExpiresAt,
			RefreshToken:     plain,
			RefreshExpiresAt: successor.ExpiresAt,
		},
		AccountID: account.ID,
		FamilyID:  rec.FamilyID,
	}, nil
}

func (s *TokenService) reuseDetected(ctx context.Context, rec *RefreshToken, meta RequestMeta) error {
	now := s.now().UTC()
	n, err := s.store.RefreshTokens(ctx).RevokeFamily(ctx, rec.FamilyID, now, RevokeReuseDetected)
	if err != nil {
		// The presented token is already unusable; report the reuse even if
		// the family could not be closed.
		s.log.Error().Err(err).Str("family_id", rec.FamilyID).Msg("revoke token family")
	}
	obs.TokenReuseDetected.Inc()
	s.log.Warn().
		Str("account_id", rec.AccountID).
		Str("family_id", rec.FamilyID).
		Int64("revoked", n).
		Str("ip", meta.IP).
		Msg("refresh token reuse detected")
	s.audit.TryWrite(ctx, SecurityEvent{
		Type:       EventTokenReuseDetected,
		AccountID:  rec.AccountID,
		Detail:     "family=" + rec.FamilyID,
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
		OccurredAt: now,
	})
	return ErrTokenReuse
}

// Revoke marks the presented token revoked. Unknown or already revoked
// tokens are a no-op. It returns the affected record when one was revoked.
func (s *TokenService) Revoke(ctx context.Context, presented string) (*RefreshToken, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return nil, nil
	}
	tokens := s.store.RefreshTokens(ctx)
	rec, err := tokens.FindByHash(ctx, HashRefreshToken(presented))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, unavailable(err)
	}
	if rec.Revoked() {
		return nil, nil
	}
	ok, err := tokens.Revoke(ctx, rec.ID, s.now().UTC(), RevokeLogout)
	if err != nil {
		return nil, unavailable(err)
	}
	if !ok {
		return nil, nil
	}
	return rec, nil
}

// RevokeAllForAccount ends every active session of an account.
func (s *TokenService) RevokeAllForAccount(ctx context.Context, accountID, reason string) (int64, error) {
	n, err := s.store.RefreshTokens(ctx).RevokeAllForAccount(ctx, accountID, s.now().UTC(), reason)
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}
