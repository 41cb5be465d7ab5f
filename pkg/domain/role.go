package domain

import dErrors "custodia/pkg/domain-errors"

// Role is an institutional role held by a principal.
type Role string

const (
	RoleStudent       Role = "student"
	RoleParent        Role = "parent"
	RoleTutor         Role = "tutor"
	RoleAdministrator Role = "administrator"
	RoleOperations    Role = "operations"
	RolePeopleOps     Role = "people_ops"
)

// validRoles is the single source of truth for valid roles.
var validRoles = map[Role]bool{
	RoleStudent:       true,
	RoleParent:        true,
	RoleTutor:         true,
	RoleAdministrator: true,
	RoleOperations:    true,
	RolePeopleOps:     true,
}

func ParseRole(s string) (Role, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeValidation, "role cannot be empty")
	}
	r := Role(s)
	if !validRoles[r] {
		return "", dErrors.New(dErrors.CodeValidation, "invalid role: "+s)
	}
	return r, nil
}

// IsInstitutional reports whether the role carries legitimate institutional
// interest in subject records.
func (r Role) IsInstitutional() bool {
	switch r {
	case RoleAdministrator, RoleOperations, RolePeopleOps:
		return true
	}
	return false
}

// Relationship describes how a principal relates to a specific subject.
type Relationship string

const (
	RelationshipNone          Relationship = "none"
	RelationshipSelf          Relationship = "self"
	RelationshipParent        Relationship = "parent"
	RelationshipAssignedTutor Relationship = "assigned_tutor"
)
