package types

// StaffRole represents the clinic staff roles relevant to consent
type StaffRole string

const (
	RoleDoctor      StaffRole = "doctor"
	RoleRegistrar   StaffRole = "registrar"
	RoleBranchAdmin StaffRole = "branch_admin"
	RoleOwner       StaffRole = "owner"
	RoleNurse       StaffRole = "nurse"
	RoleAccountant  StaffRole = "accountant"
)

// requestingRoles may open access requests toward other organizations
var requestingRoles = map[StaffRole]bool{
	RoleDoctor:      true,
	RoleRegistrar:   true,
	RoleBranchAdmin: true,
	RoleOwner:       true,
}

// CanRequestAccess reports whether the role may create access requests
func (r StaffRole) CanRequestAccess() bool {
	return requestingRoles[r]
}

// Actor is the authenticated caller context handed to the engine by the transport
type Actor struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	OrgID     string    `json:"org_id"`
	Role      StaffRole `json:"role"`
	IPAddress string    `json:"-"`
	UserAgent string    `json:"-"`
}

// UserClaims represents JWT token claims issued by the staff auth layer
type UserClaims struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	Role     StaffRole `json:"role"`
	OrgID    string    `json:"org_id"`
}
