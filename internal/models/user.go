package models

import "time"

// UserRole represents the participant roles in the approval chain.
type UserRole string

const (
	RoleRequester          UserRole = "REQUESTER"
	RoleInstitutionManager UserRole = "INSTITUTION_MANAGER"
	RoleSOPVerifier        UserRole = "SOP_VERIFIER"
	RoleAccountant         UserRole = "ACCOUNTANT"
	RoleVP                 UserRole = "VP"
	RoleHeadOfInstitution  UserRole = "HEAD_OF_INSTITUTION"
	RoleDean               UserRole = "DEAN"
	RoleMMA                UserRole = "MMA"
	RoleHR                 UserRole = "HR"
	RoleAudit              UserRole = "AUDIT"
	RoleIT                 UserRole = "IT"
	RoleChiefDirector      UserRole = "CHIEF_DIRECTOR"
	RoleChairman           UserRole = "CHAIRMAN"
)

// AllRoles enumerates every role the directory accepts.
var AllRoles = []UserRole{
	RoleRequester, RoleInstitutionManager, RoleSOPVerifier, RoleAccountant,
	RoleVP, RoleHeadOfInstitution, RoleDean, RoleMMA, RoleHR, RoleAudit,
	RoleIT, RoleChiefDirector, RoleChairman,
}

// Valid reports whether the role is part of the workflow vocabulary.
func (r UserRole) Valid() bool {
	for _, role := range AllRoles {
		if role == r {
			return true
		}
	}
	return false
}

// DepartmentRoles lists the roles that can answer a department check.
var DepartmentRoles = []UserRole{RoleMMA, RoleHR, RoleAudit, RoleIT}

// IsDepartmentRole reports whether the role belongs to a verification department.
func IsDepartmentRole(role UserRole) bool {
	for _, r := range DepartmentRoles {
		if r == role {
			return true
		}
	}
	return false
}

// User represents an application user stored in the users table.
type User struct {
	ID           string     `db:"id" json:"id"`
	Email        string     `db:"email" json:"email"`
	PasswordHash string     `db:"password_hash" json:"-"`
	FullName     string     `db:"full_name" json:"full_name"`
	EmployeeID   string     `db:"employee_id" json:"employee_id"`
	Role         UserRole   `db:"role" json:"role"`
	College      *string    `db:"college" json:"college,omitempty"`
	Department   *string    `db:"department" json:"department,omitempty"`
	Active       bool       `db:"active" json:"active"`
	LastLogin    *time.Time `db:"last_login" json:"last_login,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// UserFilter captures filtering criteria for listing users.
type UserFilter struct {
	Role      *UserRole
	Active    *bool
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
