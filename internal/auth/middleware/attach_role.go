package auth

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/mind-engage/mindengage-testengine/internal/rbac"
)

// RoleLookup resolves the stored role of a token subject.
type RoleLookup interface {
	Role(ctx context.Context, sub string) (string, error)
}

// AttachRoleFromStore replaces the token role with the stored one, so a
// demoted user loses privileges before the token expires. Subjects unknown to
// the store keep their token role when allowClaimFallback is set (offline
// sites), and the bootstrap admin always does.
func AttachRoleFromStore(users RoleLookup, allowClaimFallback bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			claimRole := rbac.RoleFromContext(ctx)
			role, err := users.Role(ctx, rbac.SubjectFromContext(ctx))

			switch {
			case err == nil && role != "":
				next.ServeHTTP(w, r.WithContext(rbac.WithRole(ctx, role)))
			case errors.Is(err, sql.ErrNoRows) || isUsersTableMissing(err):
				if claimRole == "admin" || (allowClaimFallback && claimRole != "") {
					next.ServeHTTP(w, r)
					return
				}
				http.Error(w, "forbidden", http.StatusForbidden)
			default:
				if allowClaimFallback && claimRole != "" {
					next.ServeHTTP(w, r)
					return
				}
				http.Error(w, "forbidden", http.StatusForbidden)
			}
		})
	}
}

func isUsersTableMissing(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such table: users") || // sqlite
		strings.Contains(msg, `relation "users" does not exist`) // postgres
}
