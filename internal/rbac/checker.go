package rbac

import (
	"context"
	"strings"
)

type Checker struct {
	RolePermissions map[string][]string
}

func NewChecker(rp map[string][]string) *Checker {
	if rp == nil {
		rp = RolePermissions
	}
	return &Checker{RolePermissions: rp}
}

func (c *Checker) Has(role, perm string) bool {
	for _, p := range c.RolePermissions[role] {
		if matchPerm(p, perm) {
			return true
		}
	}
	return false
}

func (c *Checker) Any(role string, perms ...string) bool {
	for _, p := range perms {
		if c.Has(role, p) {
			return true
		}
	}
	return false
}

// CanBypassAccess reports whether role skips pool assignment and grants.
func (c *Checker) CanBypassAccess(role string) bool {
	return c.Has(role, PermBypassAccess)
}

// matchPerm supports "*" and trailing-wildcard patterns like "session:*".
func matchPerm(pattern, perm string) bool {
	if pattern == "*" || pattern == perm {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(perm, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// ---- caller identity in context ----

type ctxKey int

const (
	ctxKeyRole ctxKey = iota
	ctxKeySubject
)

func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, ctxKeyRole, role)
}

func RoleFromContext(ctx context.Context) string {
	s, _ := ctx.Value(ctxKeyRole).(string)
	return s
}

func WithSubject(ctx context.Context, sub string) context.Context {
	return context.WithValue(ctx, ctxKeySubject, sub)
}

func SubjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(ctxKeySubject).(string)
	return s
}
