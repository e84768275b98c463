package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultAccessTTL = 15 * time.Minute
	clockLeeway      = 30 * time.Second
)

var errNoSigningKey = errors.New("auth: no signing key configured")

// AccessClaims are the verified contents of an access token.
type AccessClaims struct {
	Admin       bool     `json:"adm,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// HasPermission reports whether the token was issued with key. Admin tokens
// carry every permission.
func (c *AccessClaims) HasPermission(key string) bool {
	if c.Admin {
		return true
	}
	for _, p := range c.Permissions {
		if p == key {
			return true
		}
	}
	return false
}

// AccessToken is a signed JWT with its expiry.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

// Grants are the roles and permission keys embedded at issuance.
type Grants struct {
	Roles       []string
	Permissions []string
}

// AccessSigner signs and verifies access tokens with HS256 or RS256.
type AccessSigner struct {
	secret     []byte
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	keyID      string
	issuer     string
	audience   string
	ttl        time.Duration
	now        func() time.Time
}

// SignerOption configures AccessSigner.
type SignerOption func(*AccessSigner) error

// WithHMACSecret signs tokens with HS256.
func WithHMACSecret(secret string) SignerOption {
	return func(s *AccessSigner) error {
		if strings.TrimSpace(secret) == "" {
			return nil
		}
		s.secret = []byte(secret)
		return nil
	}
}

// WithRSAKeys signs tokens with RS256. Takes precedence over an HMAC secret.
func WithRSAKeys(privatePEM, publicPEM string) SignerOption {
	return func(s *AccessSigner) error {
		privatePEM = strings.TrimSpace(privatePEM)
		publicPEM = strings.TrimSpace(publicPEM)
		if privatePEM == "" && publicPEM == "" {
			return nil
		}
		if privatePEM == "" || publicPEM == "" {
			return errors.New("auth: both private and public keys are required")
		}
		priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privatePEM))
		if err != nil {
			return fmt.Errorf("auth: parse private key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicPEM))
		if err != nil {
			return fmt.Errorf("auth: parse public key: %w", err)
		}
		s.privateKey = priv
		s.publicKey = pub
		return nil
	}
}

func WithKeyID(kid string) SignerOption {
	return func(s *AccessSigner) error {
		s.keyID = strings.TrimSpace(kid)
		return nil
	}
}

func WithIssuer(issuer string) SignerOption {
	return func(s *AccessSigner) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

func WithAudience(aud string) SignerOption {
	return func(s *AccessSigner) error {
		s.audience = strings.TrimSpace(aud)
		return nil
	}
}

func WithAccessTTL(ttl time.Duration) SignerOption {
	return func(s *AccessSigner) error {
		if ttl > 0 {
			s.ttl = ttl
		}
		return nil
	}
}

func WithSignerClock(fn func() time.Time) SignerOption {
	return func(s *AccessSigner) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

func NewAccessSigner(opts ...SignerOption) (*AccessSigner, error) {
	s := &AccessSigner{ttl: defaultAccessTTL, now: time.Now}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.privateKey == nil && len(s.secret) == 0 {
		return nil, errNoSigningKey
	}
	return s, nil
}

func (s *AccessSigner) method() jwt.SigningMethod {
	if s.privateKey != nil {
		return jwt.SigningMethodRS256
	}
	return jwt.SigningMethodHS256
}

// Issue signs a token for account with the supplied grants.
func (s *AccessSigner) Issue(account *Account, grants Grants) (AccessToken, error) {
	now := s.now().UTC()
	exp := now.Add(s.ttl)
	claims := AccessClaims{
		Admin:       account.IsAdmin,
		Roles:       grants.Roles,
		Permissions: grants.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}
	tok := jwt.NewWithClaims(s.method(), claims)
	if s.keyID != "" {
		tok.Header["kid"] = s.keyID
	}
	var key any = s.secret
	if s.privateKey != nil {
		key = s.privateKey
	}
	signed, err := tok.SignedString(key)
	if err != nil {
		return AccessToken{}, fmt.Errorf("auth: sign access token: %w", err)
	}
	return AccessToken{Token: signed, ExpiresAt: exp}, nil
}

// Verify checks signature, algorithm, issuer, audience and expiry.
func (s *AccessSigner) Verify(raw string) (*AccessClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.method().Alg()}),
		jwt.WithLeeway(clockLeeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if s.publicKey != nil {
			return s.publicKey, nil
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &Error{Code: CodeTokenExpired, Message: "token expired", cause: err}
		}
		return nil, &Error{Code: CodeInvalidToken, Message: "invalid token", cause: err}
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
