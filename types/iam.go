package types

import (
	"fmt"
	"strings"
)

// Member types as they appear in IAM bindings.
const (
	MemberUser             = "user"
	MemberGroup            = "group"
	MemberServiceAccount   = "serviceAccount"
	MemberDomain           = "domain"
	MemberAllUsers         = "allUsers"
	MemberAllAuthenticated = "allAuthenticatedUsers"
)

// Member is a typed IAM principal, e.g. "user:alice@example.com" or
// "allUsers". The special members allUsers and allAuthenticatedUsers
// carry no id.
type Member string

// Kind returns the member type prefix.
func (m Member) Kind() string {
	s := string(m)
	if s == MemberAllUsers || s == MemberAllAuthenticated {
		return s
	}
	if i := strings.Index(s, ":"); i > 0 {
		return s[:i]
	}
	return ""
}

// ID returns the part after the type prefix, empty for special members.
func (m Member) ID() string {
	s := string(m)
	if i := strings.Index(s, ":"); i > 0 {
		return s[i+1:]
	}
	return ""
}

// Validate checks the member is well formed.
func (m Member) Validate() error {
	switch m.Kind() {
	case MemberUser, MemberGroup, MemberServiceAccount, MemberDomain:
		if m.ID() == "" {
			return fmt.Errorf("member %q has empty id", m)
		}
		return nil
	case MemberAllUsers, MemberAllAuthenticated:
		return nil
	default:
		return fmt.Errorf("member %q has unknown type", m)
	}
}

// Binding grants a role to a set of members.
type Binding struct {
	Role    string   `json:"role"`
	Members []Member `json:"members"`
}

// ValidRole reports whether a role string is a predefined role path
// ("roles/...") or a custom role under an organization or project.
func ValidRole(role string) bool {
	if strings.HasPrefix(role, "roles/") {
		return len(role) > len("roles/")
	}
	if strings.HasPrefix(role, "organizations/") || strings.HasPrefix(role, "projects/") {
		return strings.Contains(role, "/roles/")
	}
	return false
}

// IAMPolicy is the policy attached to a resource. At most one per
// resource per cycle; immutable once written.
type IAMPolicy struct {
	Bindings []Binding `json:"bindings"`
}

// Validate checks all bindings are well formed.
func (p IAMPolicy) Validate() error {
	for _, b := range p.Bindings {
		if !ValidRole(b.Role) {
			return fmt.Errorf("malformed role %q", b.Role)
		}
		for _, m := range b.Members {
			if err := m.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// MembersForRole returns the member set bound to a role, nil if the
// role is not bound.
func (p IAMPolicy) MembersForRole(role string) []Member {
	for _, b := range p.Bindings {
		if b.Role == role {
			return b.Members
		}
	}
	return nil
}
