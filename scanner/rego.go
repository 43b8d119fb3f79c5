package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vahti/model"
	"github.com/yairfalse/vahti/telemetry"
	"github.com/yairfalse/vahti/types"
)

// ViolationTypeRego tags violations produced by rego policies.
const ViolationTypeRego = "REGO_DENY"

// RegoScanner evaluates compiled Rego policies against every resource
// in the model. Policies live under a bundle directory as .rego files,
// each contributing to the data.vahti.deny set.
type RegoScanner struct {
	queries map[string]rego.PreparedEvalQuery
	logger  *telemetry.Logger
	tracer  trace.Tracer
}

// regoInput is the evaluation input for one resource.
type regoInput struct {
	Resource types.Resource   `json:"resource"`
	Policy   *types.IAMPolicy `json:"iam_policy,omitempty"`
}

// NewRegoScanner loads and compiles every .rego file under bundlePath.
// A file that fails to compile is fatal; there is no partial bundle.
func NewRegoScanner(ctx context.Context, bundlePath string) (*RegoScanner, error) {
	s := &RegoScanner{
		queries: make(map[string]rego.PreparedEvalQuery),
		logger:  telemetry.NewLogger("scanner-rego"),
		tracer:  otel.Tracer("scanner-rego"),
	}

	if _, err := os.Stat(bundlePath); err != nil {
		return nil, fmt.Errorf("rego bundle path %s: %w", bundlePath, err)
	}

	err := filepath.Walk(bundlePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}
		return s.loadPolicy(ctx, path)
	})
	if err != nil {
		return nil, err
	}

	if len(s.queries) == 0 {
		return nil, fmt.Errorf("rego bundle %s contains no policies", bundlePath)
	}
	return s, nil
}

func (s *RegoScanner) loadPolicy(ctx context.Context, path string) error {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read policy %s: %w", path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), ".rego")

	prepared, err := rego.New(
		rego.Query("data.vahti.deny"),
		rego.Module(name, string(content)),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("compile policy %s: %w", name, err)
	}

	s.queries[name] = prepared
	s.logger.WithContext(ctx).Info().
		Str("policy", name).
		Msg("rego policy compiled")
	return nil
}

func (s *RegoScanner) Name() string { return "rego" }

// Run evaluates every policy against every resource. An evaluation
// failure on one resource is logged and skipped.
func (s *RegoScanner) Run(ctx context.Context, g *model.Graph, emit func(types.Violation) error) error {
	ctx, span := s.tracer.Start(ctx, "scanner.rego.run",
		trace.WithAttributes(attribute.Int("policies", len(s.queries))))
	defer span.End()

	var runErr error
	g.Walk(func(r types.Resource, p *types.IAMPolicy) bool {
		if err := ctx.Err(); err != nil {
			runErr = err
			return false
		}
		for name, query := range s.queries {
			denials, err := s.evaluate(ctx, query, regoInput{Resource: r, Policy: p})
			if err != nil {
				s.logger.LogScanError(ctx, s.Name(), r.FullName, err)
				continue
			}
			for _, denial := range denials {
				v := types.Violation{
					ResourceType:  r.Type,
					ResourceID:    r.ID(),
					FullName:      r.FullName,
					RuleName:      name,
					ViolationType: ViolationTypeRego,
					Data:          denial,
				}
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

// evaluate runs one prepared query and returns the deny set entries as
// raw JSON payloads.
func (s *RegoScanner) evaluate(ctx context.Context, query rego.PreparedEvalQuery, input regoInput) ([]json.RawMessage, error) {
	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("rego eval: %w", err)
	}

	var denials []json.RawMessage
	for _, result := range results {
		for _, expr := range result.Expressions {
			entries, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, entry := range entries {
				data, err := json.Marshal(entry)
				if err != nil {
					return nil, fmt.Errorf("marshal deny entry: %w", err)
				}
				denials = append(denials, data)
			}
		}
	}
	return denials, nil
}
