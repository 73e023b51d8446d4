package policy

import (
	"encoding/json"
	"fmt"
	"time"
)

type Scope string

const (
	ScopeGlobal       Scope = "global"
	ScopeOrganization Scope = "organization"
	ScopeClinic       Scope = "clinic"
	ScopeService      Scope = "service"
	ScopeDoctor       Scope = "doctor"
)

// Specificity orders scopes from least (global) to most (doctor) specific.
func (s Scope) Specificity() int {
	switch s {
	case ScopeGlobal:
		return 0
	case ScopeOrganization:
		return 1
	case ScopeClinic:
		return 2
	case ScopeService:
		return 3
	case ScopeDoctor:
		return 4
	default:
		return -1
	}
}

type RuleType string

const (
	RuleHardConstraint    RuleType = "hard_constraint"
	RuleSoftPreference    RuleType = "soft_preference"
	RuleMultiVisitPattern RuleType = "multi_visit_pattern"
)

type Status string

const (
	StatusDraft      Status = "draft"
	StatusStaged     Status = "staged"
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusStaged, StatusActive, StatusDeprecated:
		return true
	}
	return false
}

// Precedence bands. Lower precedence is evaluated first.
const (
	BandLegalSafety     = "legal_safety"
	BandHardConstraints = "hard_constraints"
	BandPreferences     = "preferences"
	BandOptimizations   = "optimizations"
)

func PrecedenceBand(p int) string {
	switch {
	case p < 1000:
		return BandLegalSafety
	case p < 5000:
		return BandHardConstraints
	case p < 10000:
		return BandPreferences
	default:
		return BandOptimizations
	}
}

type ActionKind string

const (
	ActionReject ActionKind = "reject"
	ActionScore  ActionKind = "score"
)

const (
	DefaultScoreModifier = 10.0
	DefaultPenalty       = 5.0
)

// Action is what a rule does once its condition has been evaluated.
type Action struct {
	Kind          ActionKind `json:"action"`
	Message       string     `json:"message,omitempty"`
	ScoreModifier *float64   `json:"score_modifier,omitempty"`
	Penalty       *float64   `json:"penalty,omitempty"`
}

func (a Action) Modifier() float64 {
	if a.ScoreModifier != nil {
		return *a.ScoreModifier
	}
	return DefaultScoreModifier
}

// PenaltyValue is the positive amount subtracted when a preference is unmet.
func (a Action) PenaltyValue() float64 {
	if a.Penalty != nil {
		if *a.Penalty < 0 {
			return -*a.Penalty
		}
		return *a.Penalty
	}
	return DefaultPenalty
}

// Rule is one authored booking rule. Rules are drafts until compiled into a
// Snapshot, after which the compiled copy never changes.
type Rule struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Scope      Scope         `json:"scope"`
	ScopeID    string        `json:"scope_id"`
	Type       RuleType      `json:"rule_type"`
	Precedence int           `json:"precedence"`
	Condition  Condition     `json:"condition"`
	Action     Action        `json:"action"`
	Pattern    *VisitPattern `json:"pattern,omitempty"`
	Active     bool          `json:"-"`
	UpdatedAt  time.Time     `json:"-"`
}

type ruleJSON struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Scope      Scope           `json:"scope"`
	ScopeID    string          `json:"scope_id"`
	Type       RuleType        `json:"rule_type"`
	Precedence int             `json:"precedence"`
	Condition  json.RawMessage `json:"condition"`
	Action     Action          `json:"action"`
	Pattern    *VisitPattern   `json:"pattern,omitempty"`
}

func (r Rule) MarshalJSON() ([]byte, error) {
	cond, err := EncodeCondition(r.Condition)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	return json.Marshal(ruleJSON{
		ID:         r.ID,
		Name:       r.Name,
		Scope:      r.Scope,
		ScopeID:    r.ScopeID,
		Type:       r.Type,
		Precedence: r.Precedence,
		Condition:  cond,
		Action:     r.Action,
		Pattern:    r.Pattern,
	})
}

func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw ruleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cond, err := DecodeCondition(raw.Condition)
	if err != nil {
		return fmt.Errorf("rule %s: %w", raw.ID, err)
	}
	*r = Rule{
		ID:         raw.ID,
		Name:       raw.Name,
		Scope:      raw.Scope,
		ScopeID:    raw.ScopeID,
		Type:       raw.Type,
		Precedence: raw.Precedence,
		Condition:  cond,
		Action:     raw.Action,
		Pattern:    raw.Pattern,
		Active:     true,
	}
	return nil
}

// AppliesTo reports whether a service or doctor scoped rule covers the
// given service and doctor. Broader scopes always apply.
func (r Rule) AppliesTo(serviceID, doctorID string) bool {
	switch r.Scope {
	case ScopeService:
		return r.ScopeID == serviceID
	case ScopeDoctor:
		return r.ScopeID == doctorID
	default:
		return true
	}
}

// Offset is the allowed distance in days from the previous visit's start.
type Offset struct {
	MinDays int `json:"min_days"`
	MaxDays int `json:"max_days"`
}

type Visit struct {
	Name            string  `json:"name"`
	DurationMinutes int     `json:"duration_minutes"`
	ServiceID       string  `json:"service_id"`
	Offset          *Offset `json:"offset,omitempty"`
}

func (v Visit) Duration() time.Duration {
	return time.Duration(v.DurationMinutes) * time.Minute
}

// VisitPattern is a template for a multi-visit course of treatment.
type VisitPattern struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Visits       []Visit `json:"visits"`
	SameDoctor   bool    `json:"same_doctor"`
	SameLocation bool    `json:"same_location"`
}

type Metadata struct {
	RuleCount       int       `json:"rule_count"`
	ConstraintCount int       `json:"constraint_count"`
	PreferenceCount int       `json:"preference_count"`
	PatternCount    int       `json:"pattern_count"`
	EstimatedCost   int       `json:"estimated_cost_per_slot"`
	CompilerVersion string    `json:"compiler_version"`
	CompiledAt      time.Time `json:"compiled_at"`
	CompiledBy      string    `json:"compiled_by"`
}

// Snapshot is the compiled, versioned and hashed policy of one clinic.
// Snapshots are immutable once persisted; share them freely.
type Snapshot struct {
	ClinicID    string         `json:"clinic_id"`
	Version     int            `json:"version"`
	Status      Status         `json:"status"`
	Constraints []Rule         `json:"constraints"`
	Preferences []Rule         `json:"preferences"`
	Patterns    []VisitPattern `json:"patterns"`
	SHA256      string         `json:"sha256"`
	Metadata    Metadata       `json:"metadata"`
}

func (s *Snapshot) IsEmpty() bool {
	return s == nil || (len(s.Constraints) == 0 && len(s.Preferences) == 0)
}

func (s *Snapshot) Pattern(id string) (VisitPattern, bool) {
	if s == nil {
		return VisitPattern{}, false
	}
	for _, p := range s.Patterns {
		if p.ID == id {
			return p, true
		}
	}
	return VisitPattern{}, false
}

// SnapshotSummary is a listing row without the compiled rule payload.
type SnapshotSummary struct {
	ClinicID   string    `json:"clinic_id"`
	Version    int       `json:"version"`
	Status     Status    `json:"status"`
	SHA256     string    `json:"sha256"`
	CompiledAt time.Time `json:"compiled_at"`
	CompiledBy string    `json:"compiled_by"`
}

const SyncSuccess = "success"

// SyncStatus reports the health of an upstream feed (calendar sync, EMR
// import) whose data the clinic's policy decisions depend on.
type SyncStatus struct {
	Source       string    `json:"source"`
	Status       string    `json:"status"`
	LastSyncedAt time.Time `json:"last_synced_at"`
}
