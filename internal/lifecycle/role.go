package lifecycle

// Role is the actor's capability, resolved once at authentication time and
// passed explicitly into every lifecycle operation. Transition logic never
// infers the role structurally.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleProvider Role = "provider"
	RoleMechanic Role = "mechanic"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleProvider, RoleMechanic, RoleAdmin:
		return true
	}
	return false
}

// Actor identifies who is invoking an action. ProviderID and MechanicID are
// set only when the account carries that role.
type Actor struct {
	UserID     string
	Role       Role
	ProviderID string
	MechanicID string
}
