// Package audit writes security events on a best-effort basis. A failing
// sink never fails the login, rotation or logout that produced the event.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"qazna.org/warden/internal/auth"
	"qazna.org/warden/internal/ids"
	"qazna.org/warden/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the identifier set by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Sink receives security events. Write may block up to ctx.
type Sink interface {
	Name() string
	Write(ctx context.Context, ev auth.SecurityEvent) error
}

// StoreSink appends events to the relational store.
type StoreSink struct {
	store auth.Store
}

func NewStoreSink(store auth.Store) StoreSink { return StoreSink{store: store} }

func (StoreSink) Name() string { return "store" }

func (s StoreSink) Write(ctx context.Context, ev auth.SecurityEvent) error {
	return s.store.SecurityEvents(ctx).Append(ctx, &ev)
}

// Logger persists each event to a primary sink, emits a structured log line
// and forwards it to optional secondary sinks.
type Logger struct {
	primary Sink
	forward []Sink
	log     zerolog.Logger
}

var _ auth.AuditWriter = (*Logger)(nil)

func NewLogger(primary Sink, log zerolog.Logger, forward ...Sink) *Logger {
	return &Logger{primary: primary, forward: forward, log: log}
}

// TryWrite never returns an error. Storage failures and sink panics land in
// Dropped; only cancellation of ctx is reported through Canceled.
func (l *Logger) TryWrite(ctx context.Context, ev auth.SecurityEvent) auth.AuditResult {
	if err := ctx.Err(); err != nil {
		return auth.AuditResult{Canceled: err}
	}
	if ev.ID == "" {
		ev.ID = ids.NewAt(ev.OccurredAt)
	}

	var res auth.AuditResult
	if l.primary != nil {
		err := safeWrite(ctx, l.primary, ev)
		switch {
		case err == nil:
			res.Written = true
		case ctx.Err() != nil:
			res.Canceled = ctx.Err()
		default:
			res.Dropped = err
			obs.AuditDropped.WithLabelValues(l.primary.Name()).Inc()
			l.log.Warn().Err(err).Str("sink", l.primary.Name()).Str("event", ev.Type).Msg("audit write dropped")
		}
	}

	logEvent(ctx, l.log.Info(), ev).Bool("persisted", res.Written).Msg("security_event")

	for _, s := range l.forward {
		if ctx.Err() != nil {
			break
		}
		if err := safeWrite(ctx, s, ev); err != nil {
			obs.AuditDropped.WithLabelValues(s.Name()).Inc()
			l.log.Warn().Err(err).Str("sink", s.Name()).Str("event", ev.Type).Msg("audit forward dropped")
		}
	}
	if res.Canceled == nil && ctx.Err() != nil {
		res.Canceled = ctx.Err()
	}
	return res
}

func logEvent(ctx context.Context, e *zerolog.Event, ev auth.SecurityEvent) *zerolog.Event {
	e = e.Str("event_id", ev.ID).
		Str("event", ev.Type).
		Time("occurred_at", ev.OccurredAt)
	if rid := RequestIDFromContext(ctx); rid != "" {
		e = e.Str("request_id", rid)
	}
	if ev.AccountID != "" {
		e = e.Str("account_id", ev.AccountID)
	}
	if ev.Email != "" {
		e = e.Str("email", ev.Email)
	}
	if ev.Detail != "" {
		e = e.Str("detail", ev.Detail)
	}
	if ev.IP != "" {
		e = e.Str("ip", ev.IP)
	}
	return e
}

var errSinkPanic = errors.New("audit: sink panicked")

func safeWrite(ctx context.Context, s Sink, ev auth.SecurityEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errSinkPanic, r)
		}
	}()
	return s.Write(ctx, ev)
}
