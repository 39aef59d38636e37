package rbac

// DefaultFallbackPath is where unauthenticated visitors are sent.
const DefaultFallbackPath = "/login"

// State is the outcome of a guard evaluation.
type State string

// Guard states in precedence order.
const (
	StateLoading          State = "loading"
	StateUnauthenticated  State = "unauthenticated"
	StateRoleDenied       State = "role_denied"
	StatePermissionDenied State = "permission_denied"
	StateAuthorized       State = "authorized"
)

// Session is the identity provider's view of the current request: the
// resolved principal, if any, and whether resolution is still pending.
type Session struct {
	Principal Principal
	Loading   bool
}

// Authenticated reports whether a principal is present.
func (s Session) Authenticated() bool {
	return !s.Loading && s.Principal != nil
}

// Decision is the pure result of Evaluate.
type Decision struct {
	State State
	// Redirect is set for StateUnauthenticated.
	Redirect string
	// Role or Permission name the unmet requirement for denials.
	Role       Role
	Permission Permission
}

// Evaluate applies the guard precedence: loading, authentication, role,
// permission. It has no side effects.
func Evaluate(sess Session, req Requirement) Decision {
	switch {
	case sess.Loading:
		return Decision{State: StateLoading}
	case sess.Principal == nil:
		fallback := req.FallbackPath
		if fallback == "" {
			fallback = DefaultFallbackPath
		}
		return Decision{State: StateUnauthenticated, Redirect: fallback}
	case req.Role != "" && !HasRole(sess.Principal, req.Role):
		return Decision{State: StateRoleDenied, Role: req.Role}
	case req.Permission != "" && !HasPermission(sess.Principal, req.Permission):
		return Decision{State: StatePermissionDenied, Permission: req.Permission}
	}
	return Decision{State: StateAuthorized}
}
