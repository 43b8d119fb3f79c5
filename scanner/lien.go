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

// ViolationTypeLien tags violations produced by the lien scanner.
const ViolationTypeLien = "LIEN_VIOLATION"

// LienScanner checks that resources matched by a required-mode rule
// carry liens covering the rule's restrictions, e.g. a deletion lien
// on production projects.
type LienScanner struct {
	rules  *rules.Set
	logger *telemetry.Logger
}

// NewLienScanner creates the scanner over a loaded rule set.
func NewLienScanner(set *rules.Set) *LienScanner {
	return &LienScanner{
		rules:  set,
		logger: telemetry.NewLogger("scanner-lien"),
	}
}

func (s *LienScanner) Name() string { return "lien" }

// lienData is the payload shape of a lien resource.
type lienData struct {
	Restrictions []string `json:"restrictions"`
}

// lienFinding is the violation payload.
type lienFinding struct {
	Missing []string `json:"missing"`
}

// Run checks every matched resource's child liens against the required
// restriction set. A lien whose data cannot be parsed is logged and
// treated as restricting nothing.
func (s *LienScanner) Run(ctx context.Context, g *model.Graph, emit func(types.Violation) error) error {
	var runErr error
	g.Walk(func(r types.Resource, _ *types.IAMPolicy) bool {
		if err := ctx.Err(); err != nil {
			runErr = err
			return false
		}
		for _, ir := range s.rules.ForResource(r) {
			if ir.Rule.Mode != rules.ModeRequired || len(ir.Rule.Restrictions) == 0 {
				continue
			}
			missing := s.missingRestrictions(ctx, g, r, ir.Rule.Restrictions)
			if len(missing) == 0 {
				continue
			}
			data, err := json.Marshal(lienFinding{Missing: missing})
			if err != nil {
				continue
			}
			v := types.Violation{
				ResourceType:  r.Type,
				ResourceID:    r.ID(),
				FullName:      r.FullName,
				RuleName:      ir.Rule.Name,
				RuleIndex:     ir.Index,
				ViolationType: ViolationTypeLien,
				Data:          data,
			}
			if err := emit(v); err != nil {
				runErr = err
				return false
			}
		}
		return true
	})
	return runErr
}

// missingRestrictions returns the required restrictions no child lien
// covers, sorted.
func (s *LienScanner) missingRestrictions(ctx context.Context, g *model.Graph, r types.Resource, required []string) []string {
	covered := make(map[string]bool)
	for _, child := range g.Children(r.FullName) {
		if child.Type != types.TypeLien {
			continue
		}
		var lien lienData
		if err := json.Unmarshal(child.Data, &lien); err != nil {
			s.logger.LogScanError(ctx, s.Name(), child.FullName, err)
			continue
		}
		for _, restriction := range lien.Restrictions {
			covered[restriction] = true
		}
	}

	var missing []string
	for _, want := range required {
		if !covered[want] {
			missing = append(missing, want)
		}
	}
	sort.Strings(missing)
	return missing
}
