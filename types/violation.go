package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// MaxStoredFieldLen bounds string fields at write time to satisfy
// downstream storage limits. Truncation is lossy and never feeds the
// dedup hash.
const MaxStoredFieldLen = 255

// Violation records one rule failure on one resource. Immutable;
// written once per scanner run, keyed by run index.
type Violation struct {
	ResourceType  string          `json:"resource_type"`
	ResourceID    string          `json:"resource_id"`
	FullName      string          `json:"full_name,omitempty"`
	RuleName      string          `json:"rule_name"`
	RuleIndex     int             `json:"rule_index"`
	ViolationType string          `json:"violation_type"`
	NewViolation  bool            `json:"new_violation"`
	Data          json.RawMessage `json:"violation_data,omitempty"`
}

// Hash returns the deterministic dedup fingerprint. It is computed over
// the untruncated canonical fields; storage truncation happens after,
// so truncation collisions can never flip new/recurring detection.
func (v Violation) Hash() string {
	h := sha256.New()
	for _, field := range []string{v.ResourceType, v.ResourceID, v.RuleName, v.ViolationType} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	h.Write(canonicalJSON(v.Data))
	return hex.EncodeToString(h.Sum(nil))
}

// Truncated returns a copy with long string fields cut to
// MaxStoredFieldLen. Applied at write time only.
func (v Violation) Truncated() Violation {
	v.ResourceType = truncate(v.ResourceType)
	v.ResourceID = truncate(v.ResourceID)
	v.RuleName = truncate(v.RuleName)
	v.ViolationType = truncate(v.ViolationType)
	return v
}

func truncate(s string) string {
	if len(s) > MaxStoredFieldLen {
		return s[:MaxStoredFieldLen]
	}
	return s
}

// canonicalJSON re-encodes a JSON document so that object keys are
// sorted. encoding/json marshals map keys in sorted order, so a
// decode/encode round trip is canonical. Invalid or empty input hashes
// as its raw bytes.
func canonicalJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
