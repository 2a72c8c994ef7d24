package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. Admin satisfies every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasAnyRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

func HasAnyRole(userRoles []string, required ...string) bool {
	for _, has := range userRoles {
		if has == RoleAdmin {
			return true
		}
		for _, r := range required {
			if has == r {
				return true
			}
		}
	}
	return false
}

// ActsForOthers reports whether the caller holds a care role that may read or
// act on another user's data. Admin counts.
func ActsForOthers(ctx context.Context) bool {
	return HasAnyRole(RolesFromContext(ctx), RoleProfessional, RoleCaregiver)
}

// ActingFor resolves the user a request targets. An empty requested id means
// the caller; any other id is allowed only for callers that ActsForOthers.
func ActingFor(ctx context.Context, requested string) (string, bool) {
	caller := UserIDFromContext(ctx)
	if requested == "" || requested == caller {
		return caller, true
	}
	return requested, ActsForOthers(ctx)
}
