package pg

import (
	"context"
	"database/sql"
	"time"

	"qazna.org/warden/internal/auth"
	"qazna.org/warden/internal/ids"
)

type eventStore struct{ db *sql.DB }

func (s eventStore) Append(ctx context.Context, ev *auth.SecurityEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if ev.ID == "" {
		ev.ID = ids.NewAt(ev.OccurredAt)
	}
	_, err := s.db.ExecContext(ctx, `
		insert into security_events(id, event_type, account_id, email, detail, ip, user_agent, occurred_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, ev.ID, ev.Type, nullIfEmpty(ev.AccountID), nullIfEmpty(ev.Email), nullIfEmpty(ev.Detail),
		nullIfEmpty(ev.IP), nullIfEmpty(ev.UserAgent), ev.OccurredAt.UTC())
	return err
}

// ListForAccount returns newest first. A non-positive limit means no limit.
func (s eventStore) ListForAccount(ctx context.Context, accountID string, limit int) ([]auth.SecurityEvent, error) {
	query := `
		select id, event_type, account_id, email, detail, ip, user_agent, occurred_at
		from security_events where account_id=$1
		order by occurred_at desc, id desc`
	args := []any{accountID}
	if limit > 0 {
		query += ` limit $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []auth.SecurityEvent
	for rows.Next() {
		var ev auth.SecurityEvent
		var account, email, detail, ip, ua sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Type, &account, &email, &detail, &ip, &ua, &ev.OccurredAt); err != nil {
			return nil, err
		}
		ev.AccountID = account.String
		ev.Email = email.String
		ev.Detail = detail.String
		ev.IP = ip.String
		ev.UserAgent = ua.String
		res = append(res, ev)
	}
	return res, rows.Err()
}
