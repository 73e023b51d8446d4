package pattern

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/scheduling-rule-engine/internal/evaluator"
	"github.com/hackgods/scheduling-rule-engine/internal/policy"
)

const (
	DefaultMaxResults = 10
	extendLimit       = 20
)

type candidate struct {
	slot  evaluator.Slot
	score float64
}

// FindPatternSlots returns up to maxResults slot sets for the pattern, best
// total score first. A first-visit candidate whose later visits cannot be
// placed is dropped.
func (s *Service) FindPatternSlots(ctx context.Context, patternID string, evalCtx evaluator.Context, start, end time.Time, maxResults int) ([]SlotSet, error) {
	ctx, span := tracer.Start(ctx, "pattern.FindPatternSlots")
	defer span.End()

	began := s.now()
	defer func() {
		elapsed := s.now().Sub(began)
		s.metrics.ObserveSearch(elapsed.Seconds())
		if elapsed > s.opts.SearchBudget {
			s.log.Warn("pattern search exceeded budget",
				"pattern_id", patternID,
				"clinic_id", evalCtx.ClinicID,
				"elapsed_ms", elapsed.Milliseconds(),
				"budget_ms", s.opts.SearchBudget.Milliseconds(),
			)
		}
	}()

	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	if !end.After(start) {
		return nil, ErrInvalidSearchWindow
	}

	pat, err := s.resolvePattern(ctx, evalCtx.ClinicID, patternID)
	if err != nil {
		return nil, err
	}
	if len(pat.Visits) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPattern, pat.ID)
	}
	span.SetAttributes(
		attribute.String("pattern.id", pat.ID),
		attribute.Int("pattern.visits", len(pat.Visits)),
	)

	first := pat.Visits[0]
	firsts, err := s.candidates(ctx, evalCtx, first, SlotQuery{
		ClinicID:    evalCtx.ClinicID,
		ServiceID:   first.ServiceID,
		From:        start,
		To:          end,
		MinDuration: first.Duration(),
		Limit:       2 * maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("find first visit candidates: %w", err)
	}

	chains := make([]*SlotSet, len(firsts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.ExtendConcurrency)
	for i, c := range firsts {
		g.Go(func() error {
			set, err := s.extend(gctx, pat, evalCtx, c, end)
			if err != nil {
				return err
			}
			chains[i] = set
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("extend pattern chains: %w", err)
	}

	sets := make([]SlotSet, 0, len(chains))
	for _, set := range chains {
		if set == nil {
			continue
		}
		if ok, reasons := ValidatePatternConstraints(pat, set.Slots); !ok {
			s.log.Debug("discarding slot set", "pattern_id", pat.ID, "reasons", reasons)
			continue
		}
		set.ConstraintsMet = true
		sets = append(sets, *set)
	}

	sort.SliceStable(sets, func(i, j int) bool {
		return sets[i].TotalScore > sets[j].TotalScore
	})
	if len(sets) > maxResults {
		sets = sets[:maxResults]
	}

	span.SetAttributes(attribute.Int("pattern.results", len(sets)))
	return sets, nil
}

// ValidatePatternConstraints checks a proposed slot set against the
// pattern's doctor, location and day-offset constraints.
func ValidatePatternConstraints(pat policy.VisitPattern, slots []evaluator.Slot) (bool, []string) {
	var reasons []string
	if len(slots) != len(pat.Visits) {
		reasons = append(reasons, fmt.Sprintf("expected %d slots, got %d", len(pat.Visits), len(slots)))
		return false, reasons
	}

	for k := 1; k < len(slots); k++ {
		prev, cur := slots[k-1], slots[k]

		if pat.SameDoctor && cur.DoctorID != slots[0].DoctorID {
			reasons = append(reasons, fmt.Sprintf("visit %d doctor %s differs from %s", k+1, cur.DoctorID, slots[0].DoctorID))
		}
		if pat.SameLocation && cur.RoomID != slots[0].RoomID {
			reasons = append(reasons, fmt.Sprintf("visit %d room %s differs from %s", k+1, cur.RoomID, slots[0].RoomID))
		}
		if cur.StartTime.Before(prev.EndTime) {
			reasons = append(reasons, fmt.Sprintf("visit %d starts before visit %d ends", k+1, k))
		}
		if off := pat.Visits[k].Offset; off != nil {
			days := dayDiff(prev.StartTime, cur.StartTime)
			if days < off.MinDays || days > off.MaxDays {
				reasons = append(reasons, fmt.Sprintf("visit %d is %d days after visit %d, want %d-%d",
					k+1, days, k, off.MinDays, off.MaxDays))
			}
		}
	}
	return len(reasons) == 0, reasons
}

func (s *Service) resolvePattern(ctx context.Context, clinicID, patternID string) (policy.VisitPattern, error) {
	if s.snapshots != nil && clinicID != "" {
		snap, ok, err := s.snapshots.Get(ctx, clinicID, 0, true)
		if err != nil {
			s.log.Warn("failed to load policy for pattern lookup", "clinic_id", clinicID, "error", err)
		} else if ok {
			if pat, found := snap.Pattern(patternID); found {
				return pat, nil
			}
		}
	}

	pat, err := s.repo.GetPattern(ctx, patternID)
	if err != nil {
		if errors.Is(err, ErrPatternNotFound) {
			return policy.VisitPattern{}, err
		}
		return policy.VisitPattern{}, fmt.Errorf("load pattern %s: %w", patternID, err)
	}
	return *pat, nil
}

// candidates returns the valid slots for visit matching q, best first.
func (s *Service) candidates(ctx context.Context, evalCtx evaluator.Context, visit policy.Visit, q SlotQuery) ([]candidate, error) {
	slots, err := s.slots.FindSlots(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return nil, nil
	}

	byID := make(map[string]evaluator.Slot, len(slots))
	for i := range slots {
		if slots[i].ServiceID == "" {
			slots[i].ServiceID = visit.ServiceID
		}
		byID[slots[i].ID] = slots[i]
	}

	visitCtx := evalCtx
	visitCtx.RequestedService = visit.ServiceID
	results, err := s.eval.EvaluateSlots(ctx, visitCtx, slots)
	if err != nil {
		return nil, err
	}

	out := make([]candidate, 0, len(results))
	for _, r := range results {
		if !r.IsValid {
			continue
		}
		slot, ok := byID[r.SlotID]
		if !ok {
			continue
		}
		out = append(out, candidate{slot: slot, score: r.Score})
	}
	return out, nil
}

// extend greedily places the remaining visits after first. It returns nil
// when some visit has no valid candidate.
func (s *Service) extend(ctx context.Context, pat policy.VisitPattern, evalCtx evaluator.Context, first candidate, end time.Time) (*SlotSet, error) {
	set := &SlotSet{
		PatternID:  pat.ID,
		Slots:      []evaluator.Slot{first.slot},
		Scores:     []float64{first.score},
		TotalScore: first.score,
	}
	used := map[string]bool{first.slot.ID: true}
	prev := first.slot

	for _, visit := range pat.Visits[1:] {
		from, to := visitWindow(prev.StartTime, visit.Offset, end)
		if !to.After(from) {
			return nil, nil
		}

		q := SlotQuery{
			ClinicID:    evalCtx.ClinicID,
			ServiceID:   visit.ServiceID,
			From:        from,
			To:          to,
			MinDuration: visit.Duration(),
			Limit:       extendLimit,
		}
		if pat.SameDoctor {
			q.DoctorID = first.slot.DoctorID
		}

		cands, err := s.candidates(ctx, evalCtx, visit, q)
		if err != nil {
			return nil, err
		}

		var best *candidate
		for i := range cands {
			c := &cands[i]
			if used[c.slot.ID] || c.slot.StartTime.Before(prev.EndTime) {
				continue
			}
			if pat.SameDoctor && c.slot.DoctorID != first.slot.DoctorID {
				continue
			}
			if pat.SameLocation && c.slot.RoomID != first.slot.RoomID {
				continue
			}
			best = c
			break
		}
		if best == nil {
			return nil, nil
		}

		set.Slots = append(set.Slots, best.slot)
		set.Scores = append(set.Scores, best.score)
		set.TotalScore += best.score
		used[best.slot.ID] = true
		prev = best.slot
	}

	set.GroupToken = uuid.New()
	return set, nil
}

// visitWindow is the search range for a visit that follows a visit starting
// at anchor. Offsets count calendar days in anchor's location.
func visitWindow(anchor time.Time, off *policy.Offset, end time.Time) (time.Time, time.Time) {
	if off == nil {
		return anchor, end
	}
	day := startOfDay(anchor)
	from := day.AddDate(0, 0, off.MinDays)
	to := day.AddDate(0, 0, off.MaxDays+1)
	if from.Before(anchor) {
		from = anchor
	}
	if to.After(end) {
		to = end
	}
	return from, to
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func dayDiff(a, b time.Time) int {
	b = b.In(a.Location())
	hours := startOfDay(b).Sub(startOfDay(a)).Hours()
	return int(math.Round(hours / 24))
}
