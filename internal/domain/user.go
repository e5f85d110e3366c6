package domain

// User roles as issued by the external identity store.
const (
	RoleAdmin     = "admin"
	RoleDeveloper = "developer"
	RoleViewer    = "viewer"
)

// User is the partial identity view this service receives from the identity
// store; it never owns credentials.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// CanMutate reports whether the role may trigger builds and deployments.
func (u User) CanMutate() bool {
	return u.Role == RoleAdmin || u.Role == RoleDeveloper
}
