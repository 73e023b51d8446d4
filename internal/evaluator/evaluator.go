package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/scheduling-rule-engine/internal/logger"
	"github.com/hackgods/scheduling-rule-engine/internal/metrics"
	"github.com/hackgods/scheduling-rule-engine/internal/policy"
)

const (
	BaseScore    = 100.0
	NeutralScore = 50.0

	DefaultBudget = 50 * time.Millisecond

	explainNoRules = "no rules configured"
)

var tracer = otel.Tracer("github.com/hackgods/scheduling-rule-engine/internal/evaluator")

// SnapshotSource serves compiled policies; *policy.Cache implements it.
type SnapshotSource interface {
	Get(ctx context.Context, clinicID string, version int, checkFreshness bool) (*policy.Snapshot, bool, error)
}

// Recorder is the write-only telemetry sink for evaluations.
type Recorder interface {
	RecordEvaluation(ctx context.Context, rec Record) error
}

type Evaluator struct {
	snapshots SnapshotSource
	facts     Facts
	recorder  Recorder
	budget    time.Duration
	log       *logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu    sync.Mutex
	stats Stats
	total time.Duration
}

// New builds an evaluator. recorder may be nil; budget <= 0 uses DefaultBudget.
func New(snapshots SnapshotSource, facts Facts, recorder Recorder, budget time.Duration, log *logger.Logger, m *metrics.Metrics) *Evaluator {
	if budget <= 0 {
		budget = DefaultBudget
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Evaluator{
		snapshots: snapshots,
		facts:     facts,
		recorder:  recorder,
		budget:    budget,
		log:       log,
		metrics:   m,
		now:       time.Now,
	}
}

// EvaluateSlot checks one slot against the clinic's active policy. Rule
// violations are reported in the result; only a failure to load the policy
// is returned as an error.
func (e *Evaluator) EvaluateSlot(ctx context.Context, evalCtx Context, slot Slot) (Result, error) {
	snap, err := e.activeSnapshot(ctx, evalCtx.ClinicID)
	if err != nil {
		return Result{}, err
	}
	res := e.evaluate(ctx, snap, evalCtx, slot, false)
	if res.ExecutionTime > e.budget {
		e.log.Warn("slot evaluation exceeded budget",
			"slot_id", slot.ID,
			"clinic_id", evalCtx.ClinicID,
			"elapsed_ms", res.ExecutionTime.Milliseconds(),
			"budget_ms", e.budget.Milliseconds(),
		)
	}
	return res, nil
}

// EvaluateSlots scores a batch, best first. Once one evaluation runs over
// budget the rest of the batch is only checked for availability.
func (e *Evaluator) EvaluateSlots(ctx context.Context, evalCtx Context, slots []Slot) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "evaluator.EvaluateSlots")
	defer span.End()
	span.SetAttributes(attribute.String("clinic_id", evalCtx.ClinicID), attribute.Int("slots", len(slots)))

	snap, err := e.activeSnapshot(ctx, evalCtx.ClinicID)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(slots))
	fast := false
	for _, slot := range slots {
		res := e.evaluate(ctx, snap, evalCtx, slot, fast)
		if !fast && res.ExecutionTime > e.budget {
			fast = true
			e.log.Warn("evaluation budget exceeded, switching batch to fast mode",
				"slot_id", slot.ID,
				"clinic_id", evalCtx.ClinicID,
				"elapsed_ms", res.ExecutionTime.Milliseconds(),
				"remaining", len(slots)-len(results)-1,
			)
		}
		results = append(results, res)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results, nil
}

func (e *Evaluator) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Evaluator) ResetStats() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats = Stats{}
	e.total = 0
}

func (e *Evaluator) activeSnapshot(ctx context.Context, clinicID string) (*policy.Snapshot, error) {
	snap, ok, err := e.snapshots.Get(ctx, clinicID, 0, true)
	if err != nil {
		return nil, fmt.Errorf("load policy for clinic %s: %w", clinicID, err)
	}
	if !ok {
		return nil, nil
	}
	return snap, nil
}

func (e *Evaluator) evaluate(ctx context.Context, snap *policy.Snapshot, evalCtx Context, slot Slot, fast bool) Result {
	start := e.now()
	var res Result
	label := "valid"

	switch {
	case fast:
		res = evaluateFast(slot)
		label = "fast"
	case snap.IsEmpty():
		e.log.Info("no rules configured, slot accepted", "clinic_id", evalCtx.ClinicID, "slot_id", slot.ID)
		res = Result{SlotID: slot.ID, IsValid: true, Score: 0, Explanations: []string{explainNoRules}}
		label = "empty"
	default:
		res = e.evaluateFull(ctx, snap, evalCtx, slot)
		if !res.IsValid {
			label = "invalid"
		}
	}
	if snap != nil {
		res.PolicyVersion = snap.Version
	}
	if res.ViolatedRules == nil {
		res.ViolatedRules = []Violation{}
	}
	if res.AppliedPreferences == nil {
		res.AppliedPreferences = []AppliedPreference{}
	}
	res.ExecutionTime = e.now().Sub(start)

	e.observe(res)
	e.metrics.ObserveEvaluation(label, res.ExecutionTime.Seconds())
	e.record(ctx, evalCtx, slot, res)
	return res
}

func evaluateFast(slot Slot) Result {
	if !slot.Available {
		return Result{
			SlotID:       slot.ID,
			IsValid:      false,
			FastMode:     true,
			Explanations: []string{"fast mode: slot is not available"},
		}
	}
	return Result{
		SlotID:       slot.ID,
		IsValid:      true,
		Score:        NeutralScore,
		FastMode:     true,
		Explanations: []string{"fast mode: availability only"},
	}
}

func (e *Evaluator) evaluateFull(ctx context.Context, snap *policy.Snapshot, evalCtx Context, slot Slot) Result {
	res := Result{SlotID: slot.ID, IsValid: true}
	serviceID := slot.ServiceID
	if serviceID == "" {
		serviceID = evalCtx.RequestedService
	}

	for _, rule := range applicable(snap.Constraints, serviceID, slot.DoctorID) {
		out, ok := e.runRule(ctx, rule, slot, evalCtx)
		if !ok {
			res.Explanations = append(res.Explanations, fmt.Sprintf("skipped %s: condition could not be evaluated", rule.Name))
			continue
		}
		if out.ok {
			res.Explanations = append(res.Explanations, fmt.Sprintf("passed %s: %s", rule.Name, out.detail))
			continue
		}

		message := rule.Action.Message
		if message == "" {
			message = out.detail
		}
		kind := conditionKind(rule.Condition)
		res.IsValid = false
		res.Score = 0
		res.ViolatedRules = []Violation{{
			RuleID:    rule.ID,
			RuleName:  rule.Name,
			Condition: kind,
			Message:   message,
		}}
		res.Explanations = append(res.Explanations, fmt.Sprintf("violated %s [%s]: %s", rule.Name, kind, out.detail))
		return res
	}

	score := BaseScore
	for _, rule := range applicable(snap.Preferences, serviceID, slot.DoctorID) {
		out, ok := e.runRule(ctx, rule, slot, evalCtx)
		if !ok {
			continue
		}
		applied := AppliedPreference{RuleID: rule.ID, Name: rule.Name, Satisfied: out.ok}
		if out.ok {
			applied.Modifier = rule.Action.Modifier()
			res.Explanations = append(res.Explanations, fmt.Sprintf("preference %s met (%+.1f): %s", rule.Name, applied.Modifier, out.detail))
		} else {
			applied.Modifier = -rule.Action.PenaltyValue()
			res.Explanations = append(res.Explanations, fmt.Sprintf("preference %s unmet (%+.1f): %s", rule.Name, applied.Modifier, out.detail))
		}
		score += applied.Modifier
		res.AppliedPreferences = append(res.AppliedPreferences, applied)
	}
	if score < 0 {
		score = 0
	}
	res.Score = score
	return res
}

// runRule evaluates one rule's condition. A rule that cannot be evaluated
// (unknown kind, missing facts, bad data) is logged and reported as !ok so
// the caller treats it as passing.
func (e *Evaluator) runRule(ctx context.Context, rule policy.Rule, slot Slot, evalCtx Context) (outcome, bool) {
	out, err := e.check(ctx, rule.Condition, slot, evalCtx, 0)
	if err == nil {
		return out, true
	}
	if errors.Is(err, errUnknownCondition) {
		e.log.Warn("unknown condition type, treating as pass",
			"rule_id", rule.ID, "rule", rule.Name, "condition", conditionKind(rule.Condition))
	} else {
		e.log.Warn("rule evaluation failed, treating as pass",
			"rule_id", rule.ID, "rule", rule.Name, "slot_id", slot.ID, "error", err)
	}
	return outcome{}, false
}

// applicable drops rules scoped to another service or doctor, and for rules
// sharing a name keeps only the most specific ones that apply.
func applicable(rules []policy.Rule, serviceID, doctorID string) []policy.Rule {
	best := make(map[string]int, len(rules))
	for _, r := range rules {
		if !r.AppliesTo(serviceID, doctorID) {
			continue
		}
		if s, ok := best[r.Name]; !ok || r.Scope.Specificity() > s {
			best[r.Name] = r.Scope.Specificity()
		}
	}
	out := make([]policy.Rule, 0, len(rules))
	for _, r := range rules {
		if r.AppliesTo(serviceID, doctorID) && r.Scope.Specificity() == best[r.Name] {
			out = append(out, r)
		}
	}
	return out
}

func conditionKind(c policy.Condition) string {
	if c == nil {
		return "none"
	}
	return string(c.Kind())
}

func (e *Evaluator) observe(res Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.TotalEvaluations++
	if res.IsValid {
		e.stats.ValidCount++
	} else {
		e.stats.InvalidCount++
	}
	if res.FastMode {
		e.stats.FastModeCount++
	}
	e.total += res.ExecutionTime
	e.stats.AverageLatencyMs = float64(e.total.Microseconds()) / 1000 / float64(e.stats.TotalEvaluations)
}

func (e *Evaluator) record(ctx context.Context, evalCtx Context, slot Slot, res Result) {
	if e.recorder == nil {
		return
	}
	rec := Record{
		ClinicID:      evalCtx.ClinicID,
		PatientID:     evalCtx.PatientID,
		CorrelationID: evalCtx.CorrelationID,
		SlotID:        slot.ID,
		Result:        res,
		Latency:       res.ExecutionTime,
		EvaluatedAt:   e.now().UTC(),
	}
	if err := e.recorder.RecordEvaluation(context.WithoutCancel(ctx), rec); err != nil {
		e.log.Warn("record evaluation failed", "slot_id", slot.ID, "error", err)
	}
}
