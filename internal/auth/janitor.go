package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"qazna.org/warden/internal/obs"
)

const (
	defaultJanitorInterval  = 24 * time.Hour
	defaultJanitorRetention = 30 * 24 * time.Hour
)

// JanitorConfig controls the background sweep of refresh token records.
type JanitorConfig struct {
	Enabled   bool
	Interval  time.Duration
	Retention time.Duration
}

// SweepReport counts records removed by one pass.
type SweepReport struct {
	Expired int64
	Revoked int64
}

// Janitor deletes expired refresh tokens and revoked ones past retention.
// Revoked tokens younger than retention are kept so reuse can still be
// detected.
type Janitor struct {
	store Store
	cfg   JanitorConfig
	now   func() time.Time
	log   zerolog.Logger
}

func NewJanitor(store Store, cfg JanitorConfig, log zerolog.Logger) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultJanitorInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultJanitorRetention
	}
	return &Janitor{store: store, cfg: cfg, now: time.Now, log: log}
}

// WithJanitorClock overrides the time source.
func (j *Janitor) WithJanitorClock(fn func() time.Time) *Janitor {
	if fn != nil {
		j.now = fn
	}
	return j
}

// RunOnce performs a single sweep.
func (j *Janitor) RunOnce(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	now := j.now().UTC()
	tokens := j.store.RefreshTokens(ctx)

	n, err := tokens.DeleteExpired(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("delete expired: %w", err)
	}
	rep.Expired = n
	obs.JanitorDeleted.WithLabelValues("expired").Add(float64(n))

	n, err = tokens.DeleteRevokedBefore(ctx, now.Add(-j.cfg.Retention))
	if err != nil {
		return rep, fmt.Errorf("delete revoked: %w", err)
	}
	rep.Revoked = n
	obs.JanitorDeleted.WithLabelValues("revoked").Add(float64(n))
	return rep, nil
}

// Run sweeps immediately and then on every interval until ctx is done. A
// failed pass is logged and the schedule continues.
func (j *Janitor) Run(ctx context.Context) {
	if !j.cfg.Enabled {
		j.log.Info().Msg("token janitor disabled")
		return
	}
	j.log.Info().Dur("interval", j.cfg.Interval).Dur("retention", j.cfg.Retention).Msg("token janitor started")
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		j.pass(ctx)
		select {
		case <-ctx.Done():
			j.log.Info().Msg("token janitor stopped")
			return
		case <-ticker.C:
		}
	}
}

func (j *Janitor) pass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	rep, err := j.RunOnce(ctx)
	if err != nil {
		obs.JanitorRuns.WithLabelValues("error").Inc()
		j.log.Error().Err(err).Msg("token janitor pass failed")
		return
	}
	obs.JanitorRuns.WithLabelValues("ok").Inc()
	j.log.Info().
		Int64("expired", rep.Expired).
		Int64("revoked", rep.Revoked).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("token janitor pass")
}
