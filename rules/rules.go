// Package rules loads declarative YAML rule sets and matches them
// against resources. Rules are immutable for the duration of a scan run.
package rules

import (
	"fmt"

	"github.com/yairfalse/vahti/types"
)

// Wildcard matches any resource id or member when used as a selector
// entry.
const Wildcard = "*"

// Mode selects the rule's matching predicate.
type Mode string

const (
	// ModeWhitelist flags anything in the actual set that is not in
	// the allowed set.
	ModeWhitelist Mode = "whitelist"
	// ModeBlacklist flags any intersection between the actual set and
	// the forbidden set.
	ModeBlacklist Mode = "blacklist"
	// ModeRequired flags a resource lacking a mandated property, e.g.
	// a required member or deletion-lien restriction.
	ModeRequired Mode = "required"
)

// Selector picks resources by type and id. Type matches exactly; an id
// matches when listed exactly or when the list contains the wildcard.
type Selector struct {
	Type        string   `yaml:"type"`
	ResourceIDs []string `yaml:"resource_ids"`
}

// Matches reports whether the selector applies to a resource.
func (s Selector) Matches(r types.Resource) bool {
	if s.Type != r.Type {
		return false
	}
	id := r.ID()
	for _, want := range s.ResourceIDs {
		if want == Wildcard || want == id {
			return true
		}
	}
	return false
}

// Rule is one declarative constraint. Role scopes the rule to bindings
// of that role; empty means every binding. Members carries the
// allowed, forbidden or required member set depending on Mode.
// Restrictions carries required lien restrictions.
type Rule struct {
	Name         string     `yaml:"name"`
	Mode         Mode       `yaml:"mode"`
	Resource     []Selector `yaml:"resource"`
	Role         string     `yaml:"role,omitempty"`
	Members      []string   `yaml:"members,omitempty"`
	Restrictions []string   `yaml:"restrictions,omitempty"`
}

// AppliesTo reports whether any selector matches the resource.
func (r Rule) AppliesTo(res types.Resource) bool {
	for _, s := range r.Resource {
		if s.Matches(res) {
			return true
		}
	}
	return false
}

// Validate checks the rule is well formed.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule has no name")
	}
	switch r.Mode {
	case ModeWhitelist, ModeBlacklist, ModeRequired:
	default:
		return fmt.Errorf("rule %s: unknown mode %q", r.Name, r.Mode)
	}
	if len(r.Resource) == 0 {
		return fmt.Errorf("rule %s: no resource selector", r.Name)
	}
	for _, s := range r.Resource {
		if s.Type == "" {
			return fmt.Errorf("rule %s: selector has no type", r.Name)
		}
		if len(s.ResourceIDs) == 0 {
			return fmt.Errorf("rule %s: selector for %s has no resource_ids", r.Name, s.Type)
		}
	}
	if len(r.Members) == 0 && len(r.Restrictions) == 0 {
		return fmt.Errorf("rule %s: neither members nor restrictions set", r.Name)
	}
	return nil
}

// MatchMember reports whether a member matches one entry of the rule's
// member set. Matching is exact-set membership; the only non-exact
// forms are the bare wildcard and an explicit kind wildcard such as
// "user:*".
func MatchMember(pattern string, m types.Member) bool {
	if pattern == Wildcard {
		return true
	}
	if len(pattern) > 2 && pattern[len(pattern)-2:] == ":"+Wildcard {
		return m.Kind() == pattern[:len(pattern)-2]
	}
	return string(m) == pattern
}

// MatchesAny reports whether a member matches any entry of the set.
func MatchesAny(set []string, m types.Member) bool {
	for _, pattern := range set {
		if MatchMember(pattern, m) {
			return true
		}
	}
	return false
}

// Set is a parsed rule file.
type Set struct {
	Rules []Rule `yaml:"rules"`
}

// ForResource returns the rules applying to a resource, with their
// positional index in the rule file.
func (s *Set) ForResource(res types.Resource) []IndexedRule {
	var out []IndexedRule
	for i, r := range s.Rules {
		if r.AppliesTo(res) {
			out = append(out, IndexedRule{Index: i, Rule: r})
		}
	}
	return out
}

// IndexedRule pairs a rule with its position in the rule file. The
// index is stable for a loaded set and recorded on violations.
type IndexedRule struct {
	Index int
	Rule  Rule
}
