package auth

// Role scopes what an operator token may do.
type Role string

const (
	// RoleOperator may deploy, transition and reconcile escrows.
	RoleOperator Role = "operator"
	// RoleReader may only read ledger status and mirror records.
	RoleReader Role = "reader"
)

// Allows reports whether r satisfies a route requiring need.
func (r Role) Allows(need Role) bool {
	switch r {
	case RoleOperator:
		return true
	case RoleReader:
		return need == RoleReader
	default:
		return false
	}
}

func isValidRole(role Role) bool {
	switch role {
	case RoleOperator, RoleReader:
		return true
	default:
		return false
	}
}

// Principal is the verified caller behind a request.
type Principal struct {
	Subject string
	Role    Role
}
