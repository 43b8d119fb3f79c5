package rules

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/vahti/telemetry"
)

// Load parses a YAML rule file. Any parse or validation failure is
// fatal to the scan run that needed the rules; there is no partial
// rule set.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from config
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	return Parse(data, path)
}

// Parse decodes and validates rule file content. Unknown fields are
// rejected so a typoed rule cannot silently become a no-op.
func Parse(data []byte, origin string) (*Set, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	set := &Set{}
	if err := decoder.Decode(set); err != nil {
		return nil, fmt.Errorf("parse rule file %s: %w", origin, err)
	}

	names := make(map[string]bool, len(set.Rules))
	for _, r := range set.Rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule file %s: %w", origin, err)
		}
		if names[r.Name] {
			return nil, fmt.Errorf("rule file %s: duplicate rule name %q", origin, r.Name)
		}
		names[r.Name] = true
	}

	telemetry.NewLogger("rules").Info().
		Str("file", origin).
		Int("rules", len(set.Rules)).
		Msg("rule set loaded")

	return set, nil
}
