// Package scanner evaluates rule categories against a snapshot model
// and records violations keyed by scan run.
package scanner

import (
	"context"
	"fmt"
	"sort"

	"github.com/yairfalse/vahti/config"
	"github.com/yairfalse/vahti/model"
	"github.com/yairfalse/vahti/rules"
	"github.com/yairfalse/vahti/types"
)

// Scanner evaluates one rule category against a model. Run emits
// violations lazily through emit; a non-nil return aborts the run as
// FAILED. Per-resource evaluation failures are logged and skipped, not
// returned.
type Scanner interface {
	Name() string
	Run(ctx context.Context, g *model.Graph, emit func(types.Violation) error) error
}

// Constructor builds a scanner from configuration. Rule parse failures
// surface here, before the run ever reaches RUNNING.
type Constructor func(cfg *config.Config) (Scanner, error)

// registry maps scanner names to constructors, populated at process
// start. No runtime reflection; configured names select compiled-in
// scanners.
var registry = map[string]Constructor{
	"iam_policy": func(cfg *config.Config) (Scanner, error) {
		set, err := rules.Load(cfg.Rules.Path)
		if err != nil {
			return nil, err
		}
		return NewIAMPolicyScanner(set), nil
	},
	"lien": func(cfg *config.Config) (Scanner, error) {
		set, err := rules.Load(cfg.Rules.Path)
		if err != nil {
			return nil, err
		}
		return NewLienScanner(set), nil
	},
	"rego": func(cfg *config.Config) (Scanner, error) {
		return NewRegoScanner(context.Background(), cfg.Rego.BundlePath)
	},
}

// New builds the named scanner. Unknown names are fatal config errors.
func New(name string, cfg *config.Config) (Scanner, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown scanner %q (have %v)", name, Names())
	}
	return ctor(cfg)
}

// Names returns the registered scanner names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
