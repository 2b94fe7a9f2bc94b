package metadata

// UserContext represents the authenticated caller, set by auth middleware.
type UserContext struct {
	ID    int64  `json:"id"`
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
}

// IsAdmin checks whether the user has the admin role.
func (u *UserContext) IsAdmin() bool {
	return u != nil && u.Role == "admin"
}
