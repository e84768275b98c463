package auth

import "context"

// AuditResult reports what happened to a best-effort audit write. Dropped
// holds a swallowed sink failure. Canceled is set only when the caller's
// context ended, and is the one failure callers should act on.
type AuditResult struct {
	Written  bool
	Dropped  error
	Canceled error
}

// AuditWriter persists security events without ever failing the operation
// that produced them.
type AuditWriter interface {
	TryWrite(ctx context.Context, ev SecurityEvent) AuditResult
}

type nopAudit struct{}

func (nopAudit) TryWrite(context.Context, SecurityEvent) AuditResult { return AuditResult{} }

// Err returns a non-nil error only when the write was cut short by
// cancellation of the caller's context.
func (r AuditResult) Err() error {
	if r.Canceled != nil {
		return canceled(r.Canceled)
	}
	return nil
}
