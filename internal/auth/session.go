package auth

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"qazna.org/warden/internal/auth/password"
	"qazna.org/warden/internal/auth/totp"
	"qazna.org/warden/internal/ids"
	"qazna.org/warden/internal/obs"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 256
	maxEmailLength    = 254

	dummyPassword = "warden-timing-parity"
)

// PasswordHasher hashes and checks passwords. Verify never errors.
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, encoded string) bool
}

type rehasher interface {
	NeedsRehash(encoded string) bool
}

// Service is the session manager. It orchestrates registration, login,
// refresh and logout, and exposes the two-factor engine, token service,
// resolver and catalog it is built from.
type Service struct {
	store     Store
	hasher    PasswordHasher
	lockout   LockoutPolicy
	signer    *AccessSigner
	audit     AuditWriter
	cache     PermissionCache
	now       func() time.Time
	log       zerolog.Logger
	dummyHash string

	refreshTTL  time.Duration
	totpIssuer  string
	secretKey   []byte
	backupCodes int

	tokens    *TokenService
	resolver  *Resolver
	twoFactor *TwoFactor
	catalog   *Catalog
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

func WithHasher(h PasswordHasher) ServiceOption {
	return func(s *Service) error {
		if h != nil {
			s.hasher = h
		}
		return nil
	}
}

func WithLockoutPolicy(p LockoutPolicy) ServiceOption {
	return func(s *Service) error {
		s.lockout = p.normalized()
		return nil
	}
}

// WithSigner sets the access token signer. Required.
func WithSigner(signer *AccessSigner) ServiceOption {
	return func(s *Service) error {
		s.signer = signer
		return nil
	}
}

func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

func WithLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) error {
		s.log = l
		return nil
	}
}

func WithAudit(w AuditWriter) ServiceOption {
	return func(s *Service) error {
		if w != nil {
			s.audit = w
		}
		return nil
	}
}

func WithPermissionCache(c PermissionCache) ServiceOption {
	return func(s *Service) error {
		s.cache = c
		return nil
	}
}

// WithTwoFactor sets the TOTP issuer label, the 32-byte key sealing secrets
// at rest and the number of backup codes per account.
func WithTwoFactor(issuer string, key []byte, backupCodes int) ServiceOption {
	return func(s *Service) error {
		if strings.TrimSpace(issuer) != "" {
			s.totpIssuer = strings.TrimSpace(issuer)
		}
		s.secretKey = key
		if backupCodes > 0 {
			s.backupCodes = backupCodes
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	svc := &Service{
		store:       store,
		lockout:     DefaultLockoutPolicy(),
		audit:       nopAudit{},
		now:         time.Now,
		log:         zerolog.Nop(),
		refreshTTL:  defaultRefreshTTL,
		totpIssuer:  "Warden",
		backupCodes: defaultBackupCodeCount,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.signer == nil {
		return nil, errNoSigningKey
	}
	if svc.hasher == nil {
		svc.hasher = password.NewHasher(password.DefaultParams())
	}
	dummy, err := svc.hasher.Hash(dummyPassword)
	if err != nil {
		return nil, err
	}
	svc.dummyHash = dummy
	box, err := NewSecretBox(svc.secretKey)
	if err != nil {
		return nil, err
	}

	svc.resolver = NewResolver(store, svc.cache, svc.log)
	svc.tokens = newTokenService(store, svc.signer, svc.resolver.Grants, svc.audit, svc.refreshTTL, svc.now, svc.log)
	svc.twoFactor = &TwoFactor{
		store:       store,
		hasher:      svc.hasher,
		totp:        totp.New(svc.totpIssuer),
		box:         box,
		tokens:      svc.tokens,
		backupCodes: svc.backupCodes,
		audit:       svc.audit,
		now:         svc.now,
		log:         svc.log,
	}
	svc.catalog = &Catalog{store: store, resolver: svc.resolver, audit: svc.audit, now: svc.now, log: svc.log}
	return svc, nil
}

func (s *Service) Tokens() *TokenService { return s.tokens }
func (s *Service) Resolver() *Resolver { return s.resolver }
func (s *Service) TwoFactor() *TwoFactor { return s.twoFactor }
func (s *Service) Catalog() *Catalog { return s.catalog }
func (s *Service) Lockout() LockoutPolicy { return s.lockout }

// Ping reports whether the backing store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateRegistration(email, pw string) map[string]string {
	fields := map[string]string{}
	switch {
	case email == "":
		fields["email"] = "required"
	case len(email) > maxEmailLength:
		fields["email"] = "too long"
	default:
		addr, err := mail.ParseAddress(email)
		if err != nil || addr.Address != email {
			fields["email"] = "invalid format"
		}
	}
	switch {
	case len(pw) < minPasswordLength:
		fields["password"] = "must be at least 8 characters"
	case len(pw) > maxPasswordLength:
		fields["password"] = "must be at most 256 characters"
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// Register creates an active, non-admin account.
func (s *Service) Register(ctx context.Context, req RegisterRequest, meta RequestMeta) (RegisterResponse, error) {
	email := normalizeEmail(req.Email)
	if fields := validateRegistration(email, req.Password); fields != nil {
		return RegisterResponse{}, validationFailed(fields)
	}
	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return RegisterResponse{}, &Error{Code: CodeInternal, Message: "internal error", cause: err}
	}
	now := s.now().UTC()
	acc := &Account{
		ID:           ids.NewAt(now),
		Email:        email,
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Accounts(ctx).Create(ctx, acc); err != nil {
		if errors.Is(err, ErrConflict) {
			return RegisterResponse{}, conflict("email already registered", err)
		}
		s.log.Error().Err(err).Msg("register account")
		return RegisterResponse{}, unavailable(err)
	}
	if err := s.record(ctx, EventUserRegistered, acc.ID, acc.Email, "", meta); err != nil {
		return RegisterResponse{}, err
	}
	return RegisterResponse{ID: acc.ID, Email: acc.Email}, nil
}

// Login runs the lockout gate, password check and optional second factor,
// then issues a token pair and resets the failure counter in one commit.
func (s *Service) Login(ctx context.Context, req LoginRequest, meta RequestMeta) (TokenPair, error) {
	email := normalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		s.hasher.Verify(req.Password, s.dummyHash)
		s.record(ctx, EventLoginFailed, "", email, "missing credentials", meta)
		obs.LoginTotal.WithLabelValues("invalid_credentials").Inc()
		return TokenPair{}, invalidCredentials()
	}
	accounts := s.store.Accounts(ctx)
	acc, err := accounts.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.log.Error().Err(err).Msg("login: load account")
		obs.LoginTotal.WithLabelValues("error").Inc()
		return TokenPair{}, unavailable(err)
	}
	if err != nil || !acc.CanAuthenticate() {
		s.hasher.Verify(req.Password, s.dummyHash)
		var id string
		if acc != nil {
			id = acc.ID
		}
		s.record(ctx, EventLoginFailed, id, email, "unknown or inactive account", meta)
		obs.LoginTotal.WithLabelValues("invalid_credentials").Inc()
		return TokenPair{}, invalidCredentials()
	}

	now := s.now().UTC()
	if until, locked := s.lockout.LockedUntil(acc, now); locked {
		s.record(ctx, EventLoginLocked, acc.ID, acc.Email, "", meta)
		obs.LoginTotal.WithLabelValues("locked").Inc()
		return TokenPair{}, accountLocked(until)
	}
	if s.lockout.Expired(acc, now) {
		if _, err := accounts.ClearExpiredLockout(ctx, acc.ID, now); err != nil {
			obs.LoginTotal.WithLabelValues("error").Inc()
			return TokenPair{}, unavailable(err)
		}
		acc.FailedLoginCount = 0
		acc.LockoutUntil = nil
	}

	if !s.hasher.Verify(req.Password, acc.PasswordHash) {
		return TokenPair{}, s.failAttempt(ctx, acc, EventLoginFailed, "bad password", invalidCredentials(), meta)
	}

	if acc.TwoFactorEnabled {
		if strings.TrimSpace(req.TwoFactorCode) == "" && strings.TrimSpace(req.BackupCode) == "" {
			obs.LoginTotal.WithLabelValues("two_factor_required").Inc()
			return TokenPair{}, ErrTwoFactorRequired
		}
		if err := s.twoFactor.check(ctx, acc, req.TwoFactorCode, req.BackupCode, meta); err != nil {
			if CodeOf(err) != CodeTwoFactorInvalid {
				obs.LoginTotal.WithLabelValues("error").Inc()
				return TokenPair{}, err
			}
			if s.lockout.CountTwoFactorFailures {
				return TokenPair{}, s.failAttempt(ctx, acc, EventTwoFactorFailed, "login", ErrTwoFactorInvalid, meta)
			}
			s.record(ctx, EventTwoFactorFailed, acc.ID, acc.Email, "login", meta)
			obs.LoginTotal.WithLabelValues("two_factor_invalid").Inc()
			return TokenPair{}, err
		}
	}

	s.maybeRehash(ctx, acc, req.Password)

	pair, err := s.issue(ctx, acc, now, meta)
	if err != nil {
		obs.LoginTotal.WithLabelValues("error").Inc()
		return TokenPair{}, err
	}
	obs.LoginTotal.WithLabelValues("success").Inc()
	if err := s.record(ctx, EventLoginSucceeded, acc.ID, acc.Email, "", meta); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

func (s *Service) issue(ctx context.Context, acc *Account, now time.Time, meta RequestMeta) (TokenPair, error) {
	grants, err := s.resolver.Grants(ctx, acc)
	if err != nil {
		return TokenPair{}, unavailable(err)
	}
	access, err := s.tokens.IssueAccessToken(acc, grants)
	if err != nil {
		return TokenPair{}, unavailable(err)
	}
	plain, rec, err := s.tokens.newRefreshToken(acc.ID, "", now)
	if err != nil {
		return TokenPair{}, unavailable(err)
	}
	err = s.store.Accounts(ctx).CompleteLogin(ctx, LoginSuccess{
		AccountID:    acc.ID,
		At:           now,
		IP:           meta.IP,
		UserAgent:    meta.UserAgent,
		RefreshToken: rec,
	})
	if err != nil {
		s.log.Error().Err(err).Str("account_id", acc.ID).Msg("login: commit")
		return TokenPair{}, unavailable(err)
	}
	return TokenPair{
		AccessToken:      access.Token,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshToken:     plain,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

// failAttempt increments the lockout counter and returns result.
func (s *Service) failAttempt(ctx context.Context, acc *Account, event, detail string, result *Error, meta RequestMeta) error {
	now := s.now().UTC()
	state, err := s.store.Accounts(ctx).RecordLoginFailure(ctx, acc.ID, s.lockout.MaxFailedLogins, s.lockout.Until(now))
	if err != nil {
		s.log.Error().Err(err).Str("account_id", acc.ID).Msg("login: record failure")
		obs.LoginTotal.WithLabelValues("error").Inc()
		return unavailable(err)
	}
	s.record(ctx, event, acc.ID, acc.Email, detail, meta)
	if state.LockedUntil != nil && state.FailedCount == s.lockout.MaxFailedLogins {
		s.log.Warn().Str("account_id", acc.ID).Time("locked_until", *state.LockedUntil).Msg("account locked")
		s.record(ctx, EventAccountLocked, acc.ID, acc.Email, "until="+state.LockedUntil.UTC().Format(time.RFC3339), meta)
	}
	outcome := "invalid_credentials"
	if result.Code == CodeTwoFactorInvalid {
		outcome = "two_factor_invalid"
	}
	obs.LoginTotal.WithLabelValues(outcome).Inc()
	return result
}

func (s *Service) maybeRehash(ctx context.Context, acc *Account, plaintext string) {
	r, ok := s.hasher.(rehasher)
	if !ok || !r.NeedsRehash(acc.PasswordHash) {
		return
	}
	hash, err := s.hasher.Hash(plaintext)
	if err != nil {
		s.log.Warn().Err(err).Str("account_id", acc.ID).Msg("rehash password")
		return
	}
	if err := s.store.Accounts(ctx).UpdatePasswordHash(ctx, acc.ID, hash); err != nil {
		s.log.Warn().Err(err).Str("account_id", acc.ID).Msg("store rehashed password")
		return
	}
	acc.PasswordHash = hash
}

// Refresh rotates a refresh token.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta RequestMeta) (TokenPair, error) {
	rot, err := s.tokens.Rotate(ctx, refreshToken, meta)
	if err != nil {
		obs.RefreshTotal.WithLabelValues(string(CodeOf(err))).Inc()
		return TokenPair{}, err
	}
	obs.RefreshTotal.WithLabelValues("success").Inc()
	if err := s.record(ctx, EventTokenRotated, rot.AccountID, "", "family="+rot.FamilyID, meta); err != nil {
		return TokenPair{}, err
	}
	return rot.TokenPair, nil
}

// Logout revokes a refresh token. Unknown tokens succeed silently.
func (s *Service) Logout(ctx context.Context, refreshToken string, meta RequestMeta) error {
	rec, err := s.tokens.Revoke(ctx, refreshToken)
	if err != nil {
		return err
	}
	if rec != nil {
		return s.record(ctx, EventLogout, rec.AccountID, "", "family="+rec.FamilyID, meta)
	}
	return nil
}

// Authenticate verifies a bearer access token.
func (s *Service) Authenticate(raw string) (*AccessClaims, error) {
	return s.tokens.VerifyAccessToken(raw)
}

// Authorize delegates to the permission resolver.
func (s *Service) Authorize(ctx context.Context, subjectID, key string) Decision {
	return s.resolver.Authorize(ctx, subjectID, key)
}

// SecurityEvents returns the newest events recorded for an account.
func (s *Service) SecurityEvents(ctx context.Context, accountID string, limit int) ([]SecurityEvent, error) {
	if !ids.Valid(accountID) {
		return nil, newError(CodeNotFound, "account not found")
	}
	events, err := s.store.SecurityEvents(ctx).ListForAccount(ctx, accountID, limit)
	if err != nil {
		s.log.Error().Err(err).Str("account_id", accountID).Msg("list security events")
		return nil, unavailable(err)
	}
	return events, nil
}

func (s *Service) SetupTwoFactor(ctx context.Context, accountID string, meta RequestMeta) (TwoFactorSetup, error) {
	return s.twoFactor.Setup(ctx, accountID, meta)
}

func (s *Service) VerifyTwoFactor(ctx context.Context, accountID, code, backupCode string, meta RequestMeta) error {
	return s.twoFactor.Verify(ctx, accountID, code, backupCode, meta)
}

func (s *Service) DisableTwoFactor(ctx context.Context, accountID, password, code, backupCode string, meta RequestMeta) error {
	return s.twoFactor.Disable(ctx, accountID, password, code, backupCode, meta)
}

func (s *Service) RegenerateBackupCodes(ctx context.Context, accountID, password string, meta RequestMeta) ([]string, error) {
	return s.twoFactor.RegenerateBackupCodes(ctx, accountID, password, meta)
}

// record writes a security event. The returned error is non-nil only when
// ctx was canceled.
func (s *Service) record(ctx context.Context, typ, accountID, email, detail string, meta RequestMeta) error {
	res := s.audit.TryWrite(ctx, SecurityEvent{
		Type:       typ,
		AccountID:  accountID,
		Email:      email,
		Detail:     detail,
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
		OccurredAt: s.now().UTC(),
	})
	if res.Canceled != nil {
		s.log.Debug().Err(res.Canceled).Str("event", typ).Msg("audit canceled")
	}
	return res.Err()
}
