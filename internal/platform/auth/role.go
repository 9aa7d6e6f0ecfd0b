package auth

import "strings"

// Role is the closed set of roles the service recognizes. The zero value is
// RoleUnknown, which no policy grants anything to.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleDoctor
	RolePatient
)

// ParseRole maps a token claim to a Role. Unrecognized values yield RoleUnknown.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "doctor":
		return RoleDoctor
	case "patient":
		return RolePatient
	default:
		return RoleUnknown
	}
}

func (r Role) String() string {
	switch r {
	case RoleDoctor:
		return "doctor"
	case RolePatient:
		return "patient"
	default:
		return "unknown"
	}
}

// Requester is the authenticated caller of a request.
type Requester struct {
	UserID string
	Role   Role
}
