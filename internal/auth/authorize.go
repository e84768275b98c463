package auth

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"qazna.org/warden/internal/ids"
)

// Decision is the outcome of an authorization check.
type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) Allowed() bool { return d == Allow }

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// PermissionCache holds the role-derived permission keys of an account for
// a bounded time. Implementations must expire entries on their own.
type PermissionCache interface {
	Get(ctx context.Context, accountID string) ([]string, bool, error)
	Set(ctx context.Context, accountID string, keys []string) error
	InvalidateAccount(ctx context.Context, accountID string) error
	InvalidateAll(ctx context.Context) error
}

// Resolver answers authorization questions for a subject id.
type Resolver struct {
	store Store
	cache PermissionCache
	log   zerolog.Logger
}

func NewResolver(store Store, cache PermissionCache, log zerolog.Logger) *Resolver {
	return &Resolver{store: store, cache: cache, log: log}
}

// Authorize allows admins unconditionally and everyone else only for keys
// reachable through their roles. Unknown subjects and storage failures deny.
func (r *Resolver) Authorize(ctx context.Context, subjectID, key string) Decision {
	key = strings.TrimSpace(key)
	if !ids.Valid(subjectID) || key == "" {
		return Deny
	}
	account, err := r.store.Accounts(ctx).Find(ctx, subjectID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.log.Error().Err(err).Str("account_id", subjectID).Msg("authorize: load account")
		}
		return Deny
	}
	if !account.CanAuthenticate() {
		return Deny
	}
	if account.IsAdmin {
		return Allow
	}
	keys, err := r.permissionKeys(ctx, subjectID)
	if err != nil {
		r.log.Error().Err(err).Str("account_id", subjectID).Msg("authorize: resolve permissions")
		return Deny
	}
	for _, k := range keys {
		if k == key {
			return Allow
		}
	}
	return Deny
}

// Grants resolves the role names and permission keys embedded in tokens.
func (r *Resolver) Grants(ctx context.Context, a *Account) (Grants, error) {
	roles, err := r.store.Roles(ctx).RolesForAccount(ctx, a.ID)
	if err != nil {
		return Grants{}, err
	}
	keys, err := r.permissionKeys(ctx, a.ID)
	if err != nil {
		return Grants{}, err
	}
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, role.Name)
	}
	sort.Strings(names)
	return Grants{Roles: names, Permissions: keys}, nil
}

func (r *Resolver) permissionKeys(ctx context.Context, accountID string) ([]string, error) {
	if r.cache != nil {
		keys, ok, err := r.cache.Get(ctx, accountID)
		if err == nil && ok {
			return keys, nil
		}
		if err != nil {
			r.log.Warn().Err(err).Msg("permission cache get")
		}
	}
	keys, err := r.store.Permissions(ctx).KeysForAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	if r.cache != nil {
		if err := r.cache.Set(ctx, accountID, keys); err != nil {
			r.log.Warn().Err(err).Msg("permission cache set")
		}
	}
	return keys, nil
}

func (r *Resolver) invalidate(ctx context.Context, accountID string) {
	if r.cache == nil {
		return
	}
	var err error
	if accountID == "" {
		err = r.cache.InvalidateAll(ctx)
	} else {
		err = r.cache.InvalidateAccount(ctx, accountID)
	}
	if err != nil {
		r.log.Warn().Err(err).Msg("permission cache invalidate")
	}
}
