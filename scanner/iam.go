package scanner

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/yairfalse/vahti/model"
	"github.com/yairfalse/vahti/rules"
	"github.com/yairfalse/vahti/telemetry"
	"github.com/yairfalse/vahti/types"
)

// ViolationTypeIAM tags violations produced by the IAM policy scanner.
const ViolationTypeIAM = "IAM_POLICY_VIOLATION"

// IAMPolicyScanner checks IAM bindings against whitelist, blacklist and
// required rules.
type IAMPolicyScanner struct {
	rules  *rules.Set
	logger *telemetry.Logger
}

// NewIAMPolicyScanner creates the scanner over a loaded rule set.
func NewIAMPolicyScanner(set *rules.Set) *IAMPolicyScanner {
	return &IAMPolicyScanner{
		rules:  set,
		logger: telemetry.NewLogger("scanner-iam"),
	}
}

func (s *IAMPolicyScanner) Name() string { return "iam_policy" }

// Run walks every resource in the model and evaluates the matching
// rules against its policy.
func (s *IAMPolicyScanner) Run(ctx context.Context, g *model.Graph, emit func(types.Violation) error) error {
	var runErr error
	g.Walk(func(r types.Resource, p *types.IAMPolicy) bool {
		if err := ctx.Err(); err != nil {
			runErr = err
			return false
		}
		for _, ir := range s.rules.ForResource(r) {
			for _, v := range evaluateIAMRule(ir, r, p) {
				if err := emit(v); err != nil {
					runErr = err
					return false
				}
			}
		}
		return true
	})
	return runErr
}

// bindingFinding is the violation payload. Fields are sorted before
// marshalling so the dedup hash is stable.
type bindingFinding struct {
	Mode    rules.Mode `json:"mode"`
	Role    string     `json:"role,omitempty"`
	Members []string   `json:"members,omitempty"`
	Missing []string   `json:"missing,omitempty"`
}

func evaluateIAMRule(ir rules.IndexedRule, r types.Resource, p *types.IAMPolicy) []types.Violation {
	rule := ir.Rule
	switch rule.Mode {
	case rules.ModeWhitelist:
		return findingsToViolations(ir, r, whitelistFindings(rule, p))
	case rules.ModeBlacklist:
		return findingsToViolations(ir, r, blacklistFindings(rule, p))
	case rules.ModeRequired:
		if len(rule.Members) == 0 {
			return nil // required restrictions belong to the lien scanner
		}
		return findingsToViolations(ir, r, requiredFindings(rule, p))
	}
	return nil
}

// whitelistFindings flags every member outside the allowed set, one
// finding per offending binding.
func whitelistFindings(rule rules.Rule, p *types.IAMPolicy) []bindingFinding {
	if p == nil {
		return nil
	}
	var findings []bindingFinding
	for _, b := range ruleBindings(rule, p) {
		var outside []string
		for _, m := range b.Members {
			if !rules.MatchesAny(rule.Members, m) {
				outside = append(outside, string(m))
			}
		}
		if len(outside) > 0 {
			sort.Strings(outside)
			findings = append(findings, bindingFinding{Mode: rule.Mode, Role: b.Role, Members: outside})
		}
	}
	return findings
}

// blacklistFindings flags any intersection with the forbidden set.
func blacklistFindings(rule rules.Rule, p *types.IAMPolicy) []bindingFinding {
	if p == nil {
		return nil
	}
	var findings []bindingFinding
	for _, b := range ruleBindings(rule, p) {
		var forbidden []string
		for _, m := range b.Members {
			if rules.MatchesAny(rule.Members, m) {
				forbidden = append(forbidden, string(m))
			}
		}
		if len(forbidden) > 0 {
			sort.Strings(forbidden)
			findings = append(findings, bindingFinding{Mode: rule.Mode, Role: b.Role, Members: forbidden})
		}
	}
	return findings
}

// requiredFindings flags required members absent from the resource's
// role bindings. A resource without a policy misses everything.
func requiredFindings(rule rules.Rule, p *types.IAMPolicy) []bindingFinding {
	var present []types.Member
	if p != nil {
		for _, b := range ruleBindings(rule, p) {
			present = append(present, b.Members...)
		}
	}

	var missing []string
	for _, want := range rule.Members {
		found := false
		for _, m := range present {
			if rules.MatchMember(want, m) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, want)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return []bindingFinding{{Mode: rule.Mode, Role: rule.Role, Missing: missing}}
}

// ruleBindings returns the bindings in scope for a rule: all of them,
// or only those of the rule's role.
func ruleBindings(rule rules.Rule, p *types.IAMPolicy) []types.Binding {
	if rule.Role == "" {
		return p.Bindings
	}
	var out []types.Binding
	for _, b := range p.Bindings {
		if b.Role == rule.Role {
			out = append(out, b)
		}
	}
	return out
}

func findingsToViolations(ir rules.IndexedRule, r types.Resource, findings []bindingFinding) []types.Violation {
	var out []types.Violation
	for _, f := range findings {
		data, err := json.Marshal(f)
		if err != nil {
			continue
		}
		out = append(out, types.Violation{
			ResourceType:  r.Type,
			ResourceID:    r.ID(),
			FullName:      r.FullName,
			RuleName:      ir.Rule.Name,
			RuleIndex:     ir.Index,
			ViolationType: ViolationTypeIAM,
			Data:          data,
		})
	}
	return out
}
