/*Package access provides utilities for access control.

An Identity carries the authenticated user and role of a gateway
connection. Every client operation maps to a required permission level;
the role decides which permission levels the identity holds.
*/
package access

import (
	"context"
	"fmt"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

const contextKeyIdentity contextKey = "_identity_"

// Permission is a permission level required to execute an operation.
type Permission string

// the permission levels
const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

// the built-in roles
const (
	RoleReadOnly = "read_only"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// rolePermissions maps a role to the permission set it holds.
var rolePermissions = map[string][]Permission{
	RoleReadOnly: {PermissionRead},
	RoleOperator: {PermissionRead, PermissionWrite},
	RoleAdmin:    {PermissionRead, PermissionWrite, PermissionAdmin},
}

// operationPermissions maps a client operation to its required permission.
var operationPermissions = map[string]Permission{
	"get_state":          PermissionRead,
	"get_delta":          PermissionRead,
	"subscribe":          PermissionRead,
	"unsubscribe":        PermissionRead,
	"update_reported":    PermissionWrite,
	"update_desired":     PermissionWrite,
	"update_mode":        PermissionWrite,
	"update_temperature": PermissionWrite,
	"delete_shadow":      PermissionAdmin,
	"reset_device":       PermissionAdmin,
}

// Identity is the authenticated identity attached to a connection.
type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// KnownRole reports whether the role exists in the permission table.
func KnownRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// RequiredPermission returns the permission level required for the given
// operation. Unknown operations require no permission and are rejected by
// the dispatcher instead.
func RequiredPermission(operation string) (Permission, bool) {
	p, ok := operationPermissions[operation]
	return p, ok
}

// HasPermission returns true if the identity's role grants the requested
// permission; otherwise it returns false.
func (i *Identity) HasPermission(permission Permission) bool {
	if i == nil {
		return false
	}
	for _, p := range rolePermissions[i.Role] {
		if p == permission {
			return true
		}
	}
	return false
}

// Authorize checks the identity against the operation's required
// permission. It returns an AuthorizationError if the identity may not
// execute the operation.
func (i *Identity) Authorize(operation string) error {
	required, ok := RequiredPermission(operation)
	if !ok {
		return &AuthorizationError{Operation: operation, Role: i.roleName()}
	}
	if !i.HasPermission(required) {
		return &AuthorizationError{Operation: operation, Role: i.roleName()}
	}
	return nil
}

func (i *Identity) roleName() string {
	if i == nil {
		return ""
	}
	return i.Role
}

// ContextWithIdentity returns a new context with this identity added to it.
func (i *Identity) ContextWithIdentity(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, i)
}

// IdentityFromContext retrieves an identity from the context.
func IdentityFromContext(ctx context.Context) *Identity {
	i, ok := ctx.Value(contextKeyIdentity).(*Identity)
	if ok {
		return i
	}
	return nil
}

// AuthenticationError marks a missing or invalid credential. The gateway
// closes the connection with a policy-violation code; no operation executes.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Reason
}

// AuthorizationError marks a valid identity with an insufficient role. The
// connection stays open; the denied operation is reported back.
type AuthorizationError struct {
	Operation string
	Role      string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("role %q is not authorized for operation %q", e.Role, e.Operation)
}
