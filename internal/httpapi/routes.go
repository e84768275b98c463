package httpapi

import (
	"net/http"

	"qazna.org/warden/internal/auth"
)

// access describes what a route requires before its handler runs.
type access int

const (
	// public routes take no bearer token and are rate limited per IP.
	public access = iota
	// authenticated routes need a valid access token.
	authenticated
	// permitted routes also need Permission to resolve to Allow.
	permitted
)

type route struct {
	method     string
	path       string
	access     access
	permission string
	handle     func(*API, http.ResponseWriter, *http.Request)
}

// routes is the single place protected operations are mapped to the
// permission keys they require.
var routes = []route{
	{http.MethodPost, "/v1/auth/register", public, "", (*API).handleRegister},
	{http.MethodPost, "/v1/auth/login", public, "", (*API).handleLogin},
	{http.MethodPost, "/v1/auth/refresh", public, "", (*API).handleRefresh},
	{http.MethodPost, "/v1/auth/logout", public, "", (*API).handleLogout},

	{http.MethodPost, "/v1/auth/2fa/setup", authenticated, "", (*API).handleTwoFactorSetup},
	{http.MethodPost, "/v1/auth/2fa/verify", authenticated, "", (*API).handleTwoFactorVerify},
	{http.MethodPost, "/v1/auth/2fa/disable", authenticated, "", (*API).handleTwoFactorDisable},
	{http.MethodPost, "/v1/auth/2fa/backup-codes", authenticated, "", (*API).handleBackupCodes},

	{http.MethodPost, "/v1/authorize", permitted, auth.PermAuthorizeCheck, (*API).handleAuthorize},
	{http.MethodGet, "/v1/permissions", permitted, auth.PermRolesManage, (*API).handleListPermissions},
	{http.MethodGet, "/v1/roles", permitted, auth.PermRolesManage, (*API).handleListRoles},
	{http.MethodPost, "/v1/roles", permitted, auth.PermRolesManage, (*API).handleCreateRole},
	{http.MethodPut, "/v1/roles/{id}/permissions", permitted, auth.PermRolesManage, (*API).handleSetRolePermissions},
	{http.MethodPost, "/v1/accounts/{id}/roles", permitted, auth.PermRolesAssign, (*API).handleAssignRole},
	{http.MethodDelete, "/v1/accounts/{id}/roles/{role}", permitted, auth.PermRolesAssign, (*API).handleRevokeRole},
	{http.MethodGet, "/v1/accounts/{id}/events", permitted, auth.PermAuditRead, (*API).handleListEvents},
}

// guard applies the route's access level in front of its handler.
func (a *API) guard(rt route) http.Handler {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt.handle(a, w, r)
	})
	switch rt.access {
	case public:
		if a.limiter != nil {
			return a.limiter.Middleware(next)
		}
		return next
	case authenticated:
		return a.withAuth(next)
	default:
		return a.withAuth(a.requirePermission(rt.permission, next))
	}
}
