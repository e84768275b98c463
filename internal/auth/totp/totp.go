// Package totp wraps github.com/pquerna/otp with the parameters Warden
// provisions and the step bookkeeping needed to reject replayed codes.
package totp

import (
	"crypto/subtle"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const secretBytes = 20

var ErrEmptySecret = errors.New("totp: empty secret")

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Generator holds the TOTP parameters shared by provisioning and checking.
type Generator struct {
	Issuer string
	Period int // seconds
	Digits int
	Skew   int // accepted steps either side of now
}

// New returns a Generator with 30 s period, 6 digits and one step of skew.
func New(issuer string) *Generator {
	return &Generator{Issuer: issuer, Period: 30, Digits: 6, Skew: 1}
}

// Generate creates a random secret for account. It returns the raw secret
// and the key carrying its base32 form and otpauth:// URI.
func (g *Generator) Generate(account string) ([]byte, *otp.Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      g.Issuer,
		AccountName: account,
		Period:      uint(g.Period),
		SecretSize:  secretBytes,
		Digits:      otp.Digits(g.Digits),
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("totp: generate: %w", err)
	}
	raw, err := DecodeSecret(key.Secret())
	if err != nil {
		return nil, nil, fmt.Errorf("totp: decode generated secret: %w", err)
	}
	return raw, key, nil
}

// DecodeSecret parses a base32 secret, tolerating padding, spaces and case.
func DecodeSecret(s string) ([]byte, error) {
	s = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	s = strings.TrimRight(s, "=")
	return b32.DecodeString(s)
}

// Step returns the counter value for t.
func (g *Generator) Step(t time.Time) int64 {
	return t.Unix() / int64(g.Period)
}

// Code returns the code for the step containing t.
func (g *Generator) Code(secret []byte, t time.Time) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}
	return totp.GenerateCodeCustom(b32.EncodeToString(secret), t, g.opts())
}

// Validate checks code against the steps around now and returns the matching
// step. Callers use the step to reject replays.
func (g *Generator) Validate(secret []byte, code string, now time.Time) (int64, bool) {
	code = strings.TrimSpace(code)
	if len(secret) == 0 || len(code) != g.Digits || !numeric(code) {
		return 0, false
	}
	encoded := b32.EncodeToString(secret)
	base := g.Step(now)
	for d := -g.Skew; d <= g.Skew; d++ {
		step := base + int64(d)
		if step < 0 {
			continue
		}
		want, err := totp.GenerateCodeCustom(encoded, time.Unix(step*int64(g.Period), 0), g.opts())
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return step, true
		}
	}
	return 0, false
}

func (g *Generator) opts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    uint(g.Period),
		Digits:    otp.Digits(g.Digits),
		Algorithm: otp.AlgorithmSHA1,
	}
}

func numeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
