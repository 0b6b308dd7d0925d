package auth

import (
	"sort"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hospital/backoffice/internal/platform/apperr"
)

// Staff roles as they appear in token claims.
const (
	RoleAdmin        = "Admin"
	RoleReceptionist = "Receptionist"
	RoleNurse        = "Nurse"
	RoleDoctor       = "Doctor"
	RoleLabTech      = "Lab Tech"
	RolePharmacist   = "Pharmacist"
	RoleBilling      = "Billing"
)

// RoleSet is a set of acceptable roles. Checks always take a set; a single
// role is a singleton set.
type RoleSet map[string]struct{}

func NewRoleSet(roles ...string) RoleSet {
	s := make(RoleSet, len(roles))
	for _, r := range roles {
		s[r] = struct{}{}
	}
	return s
}

func (s RoleSet) Contains(role string) bool {
	_, ok := s[role]
	return ok
}

func (s RoleSet) String() string {
	names := make([]string, 0, len(s))
	for r := range s {
		names = append(names, r)
	}
	sort.Strings(names)
	return strings.Join(names, " or ")
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID    string
	Roles []string
}

// HasAny reports whether the actor holds at least one role in set.
func (a Actor) HasAny(set RoleSet) bool {
	for _, r := range a.Roles {
		if set.Contains(r) {
			return true
		}
	}
	return false
}

// PrimaryRole is the first role on the token, used for audit attribution.
func (a Actor) PrimaryRole() string {
	if len(a.Roles) == 0 {
		return ""
	}
	return a.Roles[0]
}

// Authorize fails with an authorization error unless the actor holds a role in set.
func Authorize(a Actor, set RoleSet) error {
	if a.HasAny(set) {
		return nil
	}
	return apperr.Authorization("required role: %s", set)
}

// RequireRole returns middleware that checks if the user has at least one of
// the roles in set.
func RequireRole(set RoleSet) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if err := Authorize(ActorFromContext(c.Request().Context()), set); err != nil {
				return err
			}
			return next(c)
		}
	}
}
