package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"qazna.org/warden/internal/ids"
)

const maxRoleNameLength = 64

// Catalog maintains roles, permissions and assignments. Every change drops
// cached permission sets that it could affect.
type Catalog struct {
	store    Store
	resolver *Resolver
	audit    AuditWriter
	now      func() time.Time
	log      zerolog.Logger
}

// EnsureBuiltins creates the builtin permission keys if missing.
func (c *Catalog) EnsureBuiltins(ctx context.Context) error {
	now := c.now().UTC()
	perms := make([]Permission, len(BuiltinPermissions))
	for i, p := range BuiltinPermissions {
		p.ID = ids.NewAt(now)
		p.CreatedAt = now
		perms[i] = p
	}
	if err := c.store.Permissions(ctx).Ensure(ctx, perms); err != nil {
		return unavailable(err)
	}
	return nil
}

func (c *Catalog) ListPermissions(ctx context.Context) ([]Permission, error) {
	list, err := c.store.Permissions(ctx).List(ctx)
	if err != nil {
		return nil, unavailable(err)
	}
	return list, nil
}

func (c *Catalog) ListRoles(ctx context.Context) ([]Role, error) {
	list, err := c.store.Roles(ctx).List(ctx)
	if err != nil {
		return nil, unavailable(err)
	}
	return list, nil
}

func (c *Catalog) CreateRole(ctx context.Context, name, description string) (*Role, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return nil, validationFailed(map[string]string{"name": "required"})
	case len(name) > maxRoleNameLength:
		return nil, validationFailed(map[string]string{"name": "too long"})
	}
	role := &Role{
		ID:          ids.NewAt(c.now()),
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedAt:   c.now().UTC(),
	}
	if err := c.store.Roles(ctx).Create(ctx, role); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, conflict("role already exists", err)
		}
		return nil, unavailable(err)
	}
	return role, nil
}

// SetRolePermissions replaces the permission set of a role.
func (c *Catalog) SetRolePermissions(ctx context.Context, roleID string, keys []string, meta RequestMeta) error {
	if _, err := c.findRole(ctx, roleID); err != nil {
		return err
	}
	clean := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		clean = append(clean, k)
	}
	if err := c.store.Permissions(ctx).SetForRole(ctx, roleID, clean); err != nil {
		if errors.Is(err, ErrNotFound) {
			return validationFailed(map[string]string{"permissions": "unknown permission key"})
		}
		return unavailable(err)
	}
	// Membership of the role is unknown here, so drop every cached set.
	c.resolver.invalidate(ctx, "")
	return c.audit.TryWrite(ctx, SecurityEvent{
		Type:       EventRolePermissionsSet,
		Detail:     "role=" + roleID + " permissions=" + strings.Join(clean, ","),
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
		OccurredAt: c.now().UTC(),
	}).Err()
}

func (c *Catalog) AssignRole(ctx context.Context, accountID, roleID string, meta RequestMeta) error {
	if err := c.findAccount(ctx, accountID); err != nil {
		return err
	}
	if _, err := c.findRole(ctx, roleID); err != nil {
		return err
	}
	err := c.store.Roles(ctx).Assign(ctx, UserRole{AccountID: accountID, RoleID: roleID, CreatedAt: c.now().UTC()})
	if err != nil && !errors.Is(err, ErrConflict) {
		return unavailable(err)
	}
	c.resolver.invalidate(ctx, accountID)
	return c.audit.TryWrite(ctx, SecurityEvent{
		Type:       EventRoleAssigned,
		AccountID:  accountID,
		Detail:     "role=" + roleID,
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
		OccurredAt: c.now().UTC(),
	}).Err()
}

func (c *Catalog) RevokeRole(ctx context.Context, accountID, roleID string, meta RequestMeta) error {
	if err := c.findAccount(ctx, accountID); err != nil {
		return err
	}
	if err := c.store.Roles(ctx).Unassign(ctx, accountID, roleID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return newError(CodeNotFound, "role assignment not found")
		}
		return unavailable(err)
	}
	c.resolver.invalidate(ctx, accountID)
	return c.audit.TryWrite(ctx, SecurityEvent{
		Type:       EventRoleRevoked,
		AccountID:  accountID,
		Detail:     "role=" + roleID,
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
		OccurredAt: c.now().UTC(),
	}).Err()
}

func (c *Catalog) findRole(ctx context.Context, roleID string) (*Role, error) {
	if !ids.Valid(roleID) {
		return nil, newError(CodeNotFound, "role not found")
	}
	role, err := c.store.Roles(ctx).Find(ctx, roleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newError(CodeNotFound, "role not found")
		}
		return nil, unavailable(err)
	}
	return role, nil
}

func (c *Catalog) findAccount(ctx context.Context, accountID string) error {
	if !ids.Valid(accountID) {
		return newError(CodeNotFound, "account not found")
	}
	a, err := c.store.Accounts(ctx).Find(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return newError(CodeNotFound, "account not found")
		}
		return unavailable(err)
	}
	if a.Deleted {
		return newError(CodeNotFound, "account not found")
	}
	return nil
}
