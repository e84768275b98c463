package auth

const (
	PermRolesManage    = "roles.manage"
	PermRolesAssign    = "roles.assign"
	PermAuthorizeCheck = "authorize.check"
	PermAuditRead      = "audit.read"
)

var BuiltinPermissions = []Permission{
	{Key: PermRolesManage, Description: "Create roles and edit their permissions"},
	{Key: PermRolesAssign, Description: "Assign and revoke account roles"},
	{Key: PermAuthorizeCheck, Description: "Check permissions on behalf of other accounts"},
	{Key: PermAuditRead, Description: "Read security events"},
}
