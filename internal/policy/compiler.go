package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/scheduling-rule-engine/internal/logger"
	"github.com/hackgods/scheduling-rule-engine/internal/metrics"
	redisclient "github.com/hackgods/scheduling-rule-engine/internal/redis"
)

const CompilerVersion = "2.1.0"

var tracer = otel.Tracer("github.com/hackgods/scheduling-rule-engine/internal/policy")

// Invalidator drops cached snapshots after an activation.
type Invalidator interface {
	Invalidate(ctx context.Context, clinicID string, version int) error
}

type Compiler struct {
	repo        Repository
	locker      redisclient.Locker
	invalidator Invalidator
	log         *logger.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	lockAttempts int
	lockBackoff  time.Duration
}

func NewCompiler(repo Repository, locker redisclient.Locker, invalidator Invalidator, log *logger.Logger, m *metrics.Metrics) *Compiler {
	if log == nil {
		log = logger.Nop()
	}
	return &Compiler{
		repo:         repo,
		locker:       locker,
		invalidator:  invalidator,
		log:          log,
		metrics:      m,
		now:          time.Now,
		lockAttempts: 5,
		lockBackoff:  50 * time.Millisecond,
	}
}

// Compile builds and persists the next snapshot version for a clinic.
// Version assignment and insert run under the clinic lock; an empty rule set
// still yields a (valid, empty) snapshot.
func (c *Compiler) Compile(ctx context.Context, clinicID string, target Status, compiledBy string) (*Snapshot, error) {
	ctx, span := tracer.Start(ctx, "policy.Compile")
	defer span.End()
	span.SetAttributes(attribute.String("clinic_id", clinicID))

	if target == "" {
		target = StatusDraft
	}
	if !target.Valid() || target == StatusDeprecated {
		return nil, fmt.Errorf("invalid target status %q", target)
	}

	rules, err := c.fetchRules(ctx, clinicID)
	if err != nil {
		c.metrics.ObserveCompilation("error")
		return nil, err
	}

	snap, err := Build(clinicID, rules)
	if err != nil {
		c.metrics.ObserveCompilation("error")
		return nil, err
	}
	snap.Metadata.CompiledAt = c.now().UTC()
	snap.Metadata.CompiledBy = compiledBy
	if snap.Metadata.RuleCount == 0 {
		c.log.Info("compiling empty policy, no rules configured", "clinic_id", clinicID)
	}

	err = c.withClinicLock(ctx, clinicID, func(lockCtx context.Context) error {
		latest, err := c.repo.LatestVersion(lockCtx, clinicID)
		if err != nil {
			return err
		}
		snap.Version = latest + 1

		if target == StatusActive {
			if err := c.repo.InsertActiveSnapshot(lockCtx, snap); err != nil {
				return fmt.Errorf("insert active snapshot: %w", err)
			}
			snap.Status = StatusActive
			return nil
		}

		snap.Status = target
		return c.repo.InsertSnapshot(lockCtx, snap)
	})
	if err != nil {
		c.metrics.ObserveCompilation("error")
		return nil, fmt.Errorf("persist snapshot for clinic %s: %w", clinicID, err)
	}

	if snap.Status == StatusActive {
		c.invalidate(ctx, clinicID)
	}

	c.metrics.ObserveCompilation("ok")
	c.log.Info("policy compiled",
		"clinic_id", clinicID,
		"version", snap.Version,
		"status", snap.Status,
		"sha256", snap.SHA256,
		"constraints", snap.Metadata.ConstraintCount,
		"preferences", snap.Metadata.PreferenceCount,
		"patterns", snap.Metadata.PatternCount,
	)
	return snap, nil
}

// Activate makes version the clinic's only active snapshot.
func (c *Compiler) Activate(ctx context.Context, clinicID string, version int) (bool, error) {
	var ok bool
	err := c.withClinicLock(ctx, clinicID, func(lockCtx context.Context) error {
		var err error
		ok, err = c.repo.ActivateSnapshot(lockCtx, clinicID, version)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("activate clinic %s v%d: %w", clinicID, version, err)
	}
	if ok {
		c.invalidate(ctx, clinicID)
		c.log.Info("policy activated", "clinic_id", clinicID, "version", version)
	}
	return ok, nil
}

func (c *Compiler) ListVersions(ctx context.Context, clinicID string) ([]SnapshotSummary, error) {
	return c.repo.ListSnapshots(ctx, clinicID)
}

// fetchRules runs simple scoped lookups (global, organization, clinic) and
// then loads the service and doctor rules the clinic owns.
func (c *Compiler) fetchRules(ctx context.Context, clinicID string) ([]Rule, error) {
	orgID, err := c.repo.ClinicOrganization(ctx, clinicID)
	if err != nil {
		return nil, fmt.Errorf("resolve organization: %w", err)
	}

	scopes := []struct {
		scope Scope
		id    string
	}{
		{ScopeGlobal, ""},
		{ScopeOrganization, orgID},
		{ScopeClinic, clinicID},
	}

	var all []Rule
	for _, s := range scopes {
		rules, err := c.repo.RulesByScope(ctx, s.scope, s.id)
		if err != nil {
			return nil, fmt.Errorf("fetch %s rules: %w", s.scope, err)
		}
		all = append(all, rules...)
	}

	children, err := c.repo.ClinicChildRules(ctx, clinicID)
	if err != nil {
		return nil, fmt.Errorf("fetch service and doctor rules: %w", err)
	}
	return append(all, children...), nil
}

func (c *Compiler) withClinicLock(ctx context.Context, clinicID string, fn func(ctx context.Context) error) error {
	if c.locker == nil {
		return fn(ctx)
	}
	var err error
	for attempt := 1; attempt <= c.lockAttempts; attempt++ {
		err = c.locker.WithLock(ctx, redisclient.ClinicLockKey(clinicID), fn)
		if !errors.Is(err, redisclient.ErrLockNotAcquired) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * c.lockBackoff):
		}
	}
	return err
}

func (c *Compiler) invalidate(ctx context.Context, clinicID string) {
	if c.invalidator == nil {
		return
	}
	if err := c.invalidator.Invalidate(ctx, clinicID, 0); err != nil {
		c.log.Warn("policy cache invalidation failed", "clinic_id", clinicID, "error", err)
	}
}

// Build turns raw rules into an unversioned, hashed snapshot. It is pure:
// the same rules always produce the same ordering and hash.
func Build(clinicID string, rules []Rule) (*Snapshot, error) {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		si, sj := sorted[i].Scope.Specificity(), sorted[j].Scope.Specificity()
		if si != sj {
			return si < sj
		}
		return sorted[i].Precedence < sorted[j].Precedence
	})

	var constraints, preferences []Rule
	var patterns []VisitPattern
	for _, r := range sorted {
		switch r.Type {
		case RuleHardConstraint:
			constraints = append(constraints, r)
		case RuleSoftPreference:
			preferences = append(preferences, r)
		case RuleMultiVisitPattern:
			if r.Pattern == nil {
				continue
			}
			p := *r.Pattern
			if p.ID == "" {
				p.ID = r.ID
			}
			if p.Name == "" {
				p.Name = r.Name
			}
			patterns = append(patterns, p)
		}
	}

	constraints = dedupeByName(constraints)
	preferences = dedupeByName(preferences)
	sortByPrecedence(constraints)
	sortByPrecedence(preferences)

	cost := 0
	for _, r := range constraints {
		cost += CountCost(r.Condition)
	}
	for _, r := range preferences {
		cost += CountCost(r.Condition)
	}

	snap := &Snapshot{
		ClinicID:    clinicID,
		Constraints: nonNilRules(constraints),
		Preferences: nonNilRules(preferences),
		Patterns:    nonNilPatterns(patterns),
		Metadata: Metadata{
			RuleCount:       len(constraints) + len(preferences) + len(patterns),
			ConstraintCount: len(constraints),
			PreferenceCount: len(preferences),
			PatternCount:    len(patterns),
			EstimatedCost:   cost,
			CompilerVersion: CompilerVersion,
		},
	}

	hash, err := ComputeHash(snap)
	if err != nil {
		return nil, err
	}
	snap.SHA256 = hash
	return snap, nil
}

// dedupeByName keeps one rule per name: the most specific scope, and on a
// specificity tie the later (higher precedence) one in sorted input order.
// Service and doctor rules only cover some slots, so they are kept next to
// the broader rule of the same name and resolved per slot at evaluation.
func dedupeByName(rules []Rule) []Rule {
	index := make(map[string]int, len(rules))
	var out []Rule
	for _, r := range rules {
		key := r.Name
		if r.Scope == ScopeService || r.Scope == ScopeDoctor {
			key = r.Name + "|" + string(r.Scope) + "|" + r.ScopeID
		}
		i, seen := index[key]
		if !seen {
			index[key] = len(out)
			out = append(out, r)
			continue
		}
		if r.Scope.Specificity() >= out[i].Scope.Specificity() {
			out[i] = r
		}
	}
	return out
}

func sortByPrecedence(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Precedence != rules[j].Precedence {
			return rules[i].Precedence < rules[j].Precedence
		}
		if rules[i].Name != rules[j].Name {
			return rules[i].Name < rules[j].Name
		}
		return rules[i].ID < rules[j].ID
	})
}
