// Package memory is an in-process auth.Store used by tests and by
// development runs without a database. One mutex serializes every
// operation, which gives the same atomicity as the Postgres store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"qazna.org/warden/internal/auth"
	"qazna.org/warden/internal/ids"
)

type Store struct {
	mu sync.Mutex

	accounts      map[string]*auth.Account
	emails        map[string]string // email -> account id
	backupCodes   map[string][]*auth.BackupCode
	tokens        map[string]*auth.RefreshToken
	tokenHashes   map[string]string // hash -> token id
	roles         map[string]*auth.Role
	roleNames     map[string]string
	permissions   map[string]*auth.Permission // by key
	rolePerms     map[string]map[string]struct{}
	userRoles     map[string]map[string]time.Time
	events        []auth.SecurityEvent
	eventsFailErr error
}

var _ auth.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		accounts:    map[string]*auth.Account{},
		emails:      map[string]string{},
		backupCodes: map[string][]*auth.BackupCode{},
		tokens:      map[string]*auth.RefreshToken{},
		tokenHashes: map[string]string{},
		roles:       map[string]*auth.Role{},
		roleNames:   map[string]string{},
		permissions: map[string]*auth.Permission{},
		rolePerms:   map[string]map[string]struct{}{},
		userRoles:   map[string]map[string]time.Time{},
	}
}

func (s *Store) Accounts(context.Context) auth.AccountStore { return accountStore{s} }
func (s *Store) RefreshTokens(context.Context) auth.RefreshTokenStore { return tokenStore{s} }
func (s *Store) Roles(context.Context) auth.RoleStore { return roleStore{s} }
func (s *Store) Permissions(context.Context) auth.PermissionStore { return permissionStore{s} }
func (s *Store) SecurityEvents(context.Context) auth.SecurityEventStore { return eventStore{s} }
func (s *Store) Ping(context.Context) error { return nil }

// FailSecurityEvents makes subsequent Append calls return err. Nil restores
// normal behavior.
func (s *Store) FailSecurityEvents(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventsFailErr = err
}

// Events returns a copy of all appended security events.
func (s *Store) Events() []auth.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auth.SecurityEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Token returns a copy of a refresh token record by id.
func (s *Store) Token(id string) (auth.RefreshToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return auth.RefreshToken{}, false
	}
	return *t, true
}

// TokenCount returns the number of stored refresh token records.
func (s *Store) TokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// TokensInFamily returns copies of every record in a family.
func (s *Store) TokensInFamily(familyID string) []auth.RefreshToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.RefreshToken
	for _, t := range s.tokens {
		if t.FamilyID == familyID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetAdmin toggles the admin flag of an account.
func (s *Store) SetAdmin(id string, admin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		a.IsAdmin = admin
	}
}

// SetActive toggles whether an account may authenticate.
func (s *Store) SetActive(id string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		a.IsActive = active
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyAccount(a *auth.Account) *auth.Account {
	c := *a
	c.LockoutUntil = copyTime(a.LockoutUntil)
	c.LastLoginAt = copyTime(a.LastLoginAt)
	c.TwoFactorVerifiedAt = copyTime(a.TwoFactorVerifiedAt)
	if a.TwoFactorSecret != nil {
		c.TwoFactorSecret = append([]byte(nil), a.TwoFactorSecret...)
	}
	return &c
}

func copyToken(t *auth.RefreshToken) *auth.RefreshToken {
	c := *t
	c.RevokedAt = copyTime(t.RevokedAt)
	return &c
}

type accountStore struct{ s *Store }

func (a accountStore) Create(_ context.Context, acc *auth.Account) error {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.emails[acc.Email]; dup {
		return auth.ErrConflict
	}
	if _, dup := s.accounts[acc.ID]; dup {
		return auth.ErrConflict
	}
	s.accounts[acc.ID] = copyAccount(acc)
	s.emails[acc.Email] = acc.ID
	return nil
}

func (a accountStore) Find(_ context.Context, id string) (*auth.Account, error) {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return copyAccount(acc), nil
}

func (a accountStore) FindByEmail(_ context.Context, email string) (*auth.Account, error) {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.emails[email]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return copyAccount(s.accounts[id]), nil
}

func (a accountStore) RecordLoginFailure(_ context.Context, id string, threshold int, lockUntil time.Time) (auth.LockoutState, error) {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return auth.LockoutState{}, auth.ErrNotFound
	}
	acc.FailedLoginCount++
	if acc.FailedLoginCount >= threshold {
		acc.LockoutUntil = copyTime(&lockUntil)
	}
	acc.UpdatedAt = time.Now().UTC()
	return auth.LockoutState{FailedCount: acc.FailedLoginCount, LockedUntil: copyTime(acc.LockoutUntil)}, nil
}

func (a accountStore) ClearExpiredLockout(_ context.Context, id string, now time.Time) (bool, error) {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return false, auth.ErrNotFound
	}
	if acc.LockoutUntil == nil || now.Before(*acc.LockoutUntil) {
		return false, nil
	}
	acc.FailedLoginCount = 0
	acc.LockoutUntil = nil
	return true, nil
}

func (a accountStore) CompleteLogin(_ context.Context, ls auth.LoginSuccess) error {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[ls.AccountID]
	if !ok {
		return auth.ErrNotFound
	}
	if ls.RefreshToken != nil {
		if err := s.insertToken(ls.RefreshToken); err != nil {
			return err
		}
	}
	acc.FailedLoginCount = 0
	acc.LockoutUntil = nil
	acc.LastLoginAt = copyTime(&ls.At)
	acc.LastLoginIP = ls.IP
	acc.LastLoginUserAgent = ls.UserAgent
	acc.UpdatedAt = ls.At
	return nil
}

func (a accountStore) UpdatePasswordHash(_ context.Context, id, hash string) error {
	return a.s.mutate(id, func(acc *auth.Account) { acc.PasswordHash = hash })
}

func (a accountStore) BeginTwoFactorSetup(_ context.Context, id string, sealed []byte, codes []auth.BackupCode) error {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return auth.ErrNotFound
	}
	acc.TwoFactorSecret = append([]byte(nil), sealed...)
	acc.TwoFactorEnabled = false
	acc.TwoFactorLastStep = 0
	acc.TwoFactorVerifiedAt = nil
	s.replaceCodes(id, codes)
	return nil
}

func (a accountStore) AcceptTwoFactorStep(_ context.Context, id string, step int64, at time.Time) (bool, error) {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return false, auth.ErrNotFound
	}
	if step <= acc.TwoFactorLastStep {
		return false, nil
	}
	acc.TwoFactorLastStep = step
	acc.TwoFactorEnabled = true
	acc.TwoFactorVerifiedAt = copyTime(&at)
	return true, nil
}

func (a accountStore) MarkTwoFactorVerified(_ context.Context, id string, at time.Time) error {
	return a.s.mutate(id, func(acc *auth.Account) {
		acc.TwoFactorEnabled = true
		acc.TwoFactorVerifiedAt = copyTime(&at)
	})
}

func (a accountStore) ClearTwoFactor(_ context.Context, id string) error {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return auth.ErrNotFound
	}
	acc.TwoFactorSecret = nil
	acc.TwoFactorEnabled = false
	acc.TwoFactorLastStep = 0
	acc.TwoFactorVerifiedAt = nil
	delete(s.backupCodes, id)
	return nil
}

func (a accountStore) ReplaceBackupCodes(_ context.Context, id string, codes []auth.BackupCode) error {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return auth.ErrNotFound
	}
	s.replaceCodes(id, codes)
	return nil
}

func (a accountStore) ConsumeBackupCode(_ context.Context, id, codeHash string, at time.Time) (bool, error) {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.backupCodes[id] {
		if c.CodeHash == codeHash && c.ConsumedAt == nil {
			c.ConsumedAt = copyTime(&at)
			return true, nil
		}
	}
	return false, nil
}

func (a accountStore) RemainingBackupCodes(_ context.Context, id string) (int, error) {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.backupCodes[id] {
		if c.ConsumedAt == nil {
			n++
		}
	}
	return n, nil
}

func (s *Store) mutate(id string, fn func(*auth.Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return auth.ErrNotFound
	}
	fn(acc)
	acc.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) replaceCodes(id string, codes []auth.BackupCode) {
	list := make([]*auth.BackupCode, 0, len(codes))
	for i := range codes {
		c := codes[i]
		list = append(list, &c)
	}
	s.backupCodes[id] = list
}

func (s *Store) insertToken(t *auth.RefreshToken) error {
	if _, dup := s.tokenHashes[t.TokenHash]; dup {
		return auth.ErrConflict
	}
	if _, dup := s.tokens[t.ID]; dup {
		return auth.ErrConflict
	}
	s.tokens[t.ID] = copyToken(t)
	s.tokenHashes[t.TokenHash] = t.ID
	return nil
}

func (s *Store) deleteToken(t *auth.RefreshToken) {
	delete(s.tokenHashes, t.TokenHash)
	delete(s.tokens, t.ID)
}

type tokenStore struct{ s *Store }

func (ts tokenStore) Create(_ context.Context, t *auth.RefreshToken) error {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	return ts.s.insertToken(t)
}

func (ts tokenStore) FindByHash(_ context.Context, hash string) (*auth.RefreshToken, error) {
	s := ts.s
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokenHashes[hash]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return copyToken(s.tokens[id]), nil
}

func (ts tokenStore) Rotate(_ context.Context, presentedID string, successor *auth.RefreshToken, at time.Time) error {
	s := ts.s
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tokens[presentedID]
	if !ok {
		return auth.ErrNotFound
	}
	if cur.RevokedAt != nil {
		return auth.ErrAlreadyRevoked
	}
	if err := s.insertToken(successor); err != nil {
		return err
	}
	cur.RevokedAt = copyTime(&at)
	cur.ReplacedByID = successor.ID
	cur.RevokeReason = auth.RevokeRotated
	return nil
}

func (ts tokenStore) Revoke(_ context.Context, id string, at time.Time, reason string) (bool, error) {
	s := ts.s
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok || t.RevokedAt != nil {
		return false, nil
	}
	t.RevokedAt = copyTime(&at)
	t.RevokeReason = reason
	return true, nil
}

func (ts tokenStore) RevokeFamily(_ context.Context, familyID string, at time.Time, reason string) (int64, error) {
	return ts.revokeWhere(func(t *auth.RefreshToken) bool { return t.FamilyID == familyID }, at, reason), nil
}

func (ts tokenStore) RevokeAllForAccount(_ context.Context, accountID string, at time.Time, reason string) (int64, error) {
	return ts.revokeWhere(func(t *auth.RefreshToken) bool { return t.AccountID == accountID }, at, reason), nil
}

func (ts tokenStore) revokeWhere(match func(*auth.RefreshToken) bool, at time.Time, reason string) int64 {
	s := ts.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.tokens {
		if t.RevokedAt == nil && match(t) {
			t.RevokedAt = copyTime(&at)
			t.RevokeReason = reason
			n++
		}
	}
	return n
}

func (ts tokenStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s := ts.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.tokens {
		if !now.Before(t.ExpiresAt) {
			s.deleteToken(t)
			n++
		}
	}
	return n, nil
}

func (ts tokenStore) DeleteRevokedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s := ts.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.tokens {
		if t.RevokedAt != nil && t.RevokedAt.Before(cutoff) {
			s.deleteToken(t)
			n++
		}
	}
	return n, nil
}

type roleStore struct{ s *Store }

func (rs roleStore) Create(_ context.Context, role *auth.Role) error {
	s := rs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.roleNames[role.Name]; dup {
		return auth.ErrConflict
	}
	c := *role
	s.roles[role.ID] = &c
	s.roleNames[role.Name] = role.ID
	return nil
}

func (rs roleStore) Find(_ context.Context, id string) (*auth.Role, error) {
	s := rs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (rs roleStore) List(context.Context) ([]auth.Role, error) {
	s := rs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auth.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (rs roleStore) Assign(_ context.Context, ur auth.UserRole) error {
	s := rs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[ur.AccountID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := s.roles[ur.RoleID]; !ok {
		return auth.ErrNotFound
	}
	set := s.userRoles[ur.AccountID]
	if set == nil {
		set = map[string]time.Time{}
		s.userRoles[ur.AccountID] = set
	}
	if _, dup := set[ur.RoleID]; dup {
		return auth.ErrConflict
	}
	set[ur.RoleID] = ur.CreatedAt
	return nil
}

func (rs roleStore) Unassign(_ context.Context, accountID, roleID string) error {
	s := rs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.userRoles[accountID]
	if _, ok := set[roleID]; !ok {
		return auth.ErrNotFound
	}
	delete(set, roleID)
	return nil
}

func (rs roleStore) RolesForAccount(_ context.Context, accountID string) ([]auth.Role, error) {
	s := rs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auth.Role, 0, len(s.userRoles[accountID]))
	for id := range s.userRoles[accountID] {
		if r, ok := s.roles[id]; ok {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type permissionStore struct{ s *Store }

func (ps permissionStore) Ensure(_ context.Context, perms []auth.Permission) error {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		if _, ok := s.permissions[p.Key]; ok {
			continue
		}
		c := p
		if c.ID == "" {
			c.ID = ids.New()
		}
		s.permissions[p.Key] = &c
	}
	return nil
}

func (ps permissionStore) List(context.Context) ([]auth.Permission, error) {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auth.Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (ps permissionStore) SetForRole(_ context.Context, roleID string, keys []string) error {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := s.permissions[k]; !ok {
			return auth.ErrNotFound
		}
		set[k] = struct{}{}
	}
	s.rolePerms[roleID] = set
	return nil
}

func (ps permissionStore) KeysForAccount(_ context.Context, accountID string) ([]string, error) {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()
	set := map[string]struct{}{}
	for roleID := range s.userRoles[accountID] {
		for k := range s.rolePerms[roleID] {
			set[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

type eventStore struct{ s *Store }

func (es eventStore) Append(_ context.Context, ev *auth.SecurityEvent) error {
	s := es.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFailErr != nil {
		return s.eventsFailErr
	}
	if ev.ID == "" {
		ev.ID = ids.NewAt(ev.OccurredAt)
	}
	s.events = append(s.events, *ev)
	return nil
}

func (es eventStore) ListForAccount(_ context.Context, accountID string, limit int) ([]auth.SecurityEvent, error) {
	s := es.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.SecurityEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].AccountID != accountID {
			continue
		}
		out = append(out, s.events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
