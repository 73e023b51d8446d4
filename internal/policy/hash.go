package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// hashedSnapshot is the canonical form a snapshot hash is computed over.
// Version, status, the hash itself and compile provenance are excluded so two
// compilations of the same rules hash identically.
type hashedSnapshot struct {
	ClinicID        string         `json:"clinic_id"`
	Constraints     []Rule         `json:"constraints"`
	Preferences     []Rule         `json:"preferences"`
	Patterns        []VisitPattern `json:"patterns"`
	RuleCount       int            `json:"rule_count"`
	ConstraintCount int            `json:"constraint_count"`
	PreferenceCount int            `json:"preference_count"`
	PatternCount    int            `json:"pattern_count"`
	EstimatedCost   int            `json:"estimated_cost_per_slot"`
	CompilerVersion string         `json:"compiler_version"`
}

func ComputeHash(s *Snapshot) (string, error) {
	payload := hashedSnapshot{
		ClinicID:        s.ClinicID,
		Constraints:     nonNilRules(s.Constraints),
		Preferences:     nonNilRules(s.Preferences),
		Patterns:        nonNilPatterns(s.Patterns),
		RuleCount:       s.Metadata.RuleCount,
		ConstraintCount: s.Metadata.ConstraintCount,
		PreferenceCount: s.Metadata.PreferenceCount,
		PatternCount:    s.Metadata.PatternCount,
		EstimatedCost:   s.Metadata.EstimatedCost,
		CompilerVersion: s.Metadata.CompilerVersion,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("serialize snapshot: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Verify reports whether the snapshot's stored hash matches its content.
func Verify(s *Snapshot) bool {
	if s == nil || s.SHA256 == "" {
		return false
	}
	h, err := ComputeHash(s)
	return err == nil && h == s.SHA256
}

func nonNilRules(r []Rule) []Rule {
	if r == nil {
		return []Rule{}
	}
	return r
}

func nonNilPatterns(p []VisitPattern) []VisitPattern {
	if p == nil {
		return []VisitPattern{}
	}
	return p
}
