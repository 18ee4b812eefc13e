package auth

import "context"

type ctxKey struct{}

// WithClaims attaches the authenticated user's claims to ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the claims set by the auth middleware.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok && c != nil
}

// UserID returns the authenticated user id, or 0.
func UserID(ctx context.Context) int64 {
	if c, ok := FromContext(ctx); ok {
		return c.UserID
	}
	return 0
}

// Username returns the authenticated username, or "system".
func Username(ctx context.Context) string {
	if c, ok := FromContext(ctx); ok {
		return c.Username
	}
	return "system"
}

// HasPermission reports whether the caller holds perm.
func HasPermission(ctx context.Context, perm string) bool {
	c, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return c.Permissions[perm]
}

// CheckPermission returns ErrUnauthenticated without claims and ErrForbidden
// when perm is missing.
func CheckPermission(ctx context.Context, perm string) error {
	c, ok := FromContext(ctx)
	if !ok {
		return ErrUnauthenticated
	}
	if !c.Permissions[perm] {
		return ErrForbidden
	}
	return nil
}

// CheckAny succeeds when the caller holds at least one of perms.
func CheckAny(ctx context.Context, perms ...string) error {
	c, ok := FromContext(ctx)
	if !ok {
		return ErrUnauthenticated
	}
	for _, p := range perms {
		if c.Permissions[p] {
			return nil
		}
	}
	return ErrForbidden
}

// CanAccess reports whether the caller may read a record owned by ownerID:
// either they own it or they hold viewAllPerm.
func CanAccess(ctx context.Context, ownerID int64, viewAllPerm string) bool {
	c, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return c.UserID == ownerID || c.Permissions[viewAllPerm]
}
