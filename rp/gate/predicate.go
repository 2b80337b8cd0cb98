package gate

import "strings"

// Predicate decides whether a verified role set is sufficient for a route.
// The decision is a pure function of the role set; the three variants keep
// the gate contract total while still allowing arbitrary rules.
type Predicate struct {
	name  string
	roles []string
	fn    func(roles []string) bool
}

// Require matches role sets containing the named realm role.
func Require(role string) Predicate {
	return Predicate{
		name:  "role:" + role,
		roles: []string{role},
	}
}

// RequireAny matches role sets containing at least one of the named roles.
func RequireAny(roles ...string) Predicate {
	return Predicate{
		name:  "any:" + strings.Join(roles, "|"),
		roles: roles,
	}
}

// Custom wraps an arbitrary pure function over the role set. The name shows
// up in logs.
func Custom(name string, fn func(roles []string) bool) Predicate {
	return Predicate{
		name: "custom:" + name,
		fn:   fn,
	}
}

func (p Predicate) Allows(roles []string) bool {
	if p.fn != nil {
		return p.fn(roles)
	}
	for _, have := range roles {
		for _, want := range p.roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

func (p Predicate) String() string {
	return p.name
}
