package evaluator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hackgods/scheduling-rule-engine/internal/policy"
)

var errUnknownCondition = errors.New("unknown condition type")

// outcome is the verdict of one predicate plus a human readable reason.
type outcome struct {
	ok     bool
	detail string
}

func pass(format string, args ...any) outcome {
	return outcome{ok: true, detail: fmt.Sprintf(format, args...)}
}

func fail(format string, args ...any) outcome {
	return outcome{ok: false, detail: fmt.Sprintf(format, args...)}
}

// check evaluates cond for slot. Constraints and preferences share it: a
// constraint rejects on !ok, a preference scores it.
func (e *Evaluator) check(ctx context.Context, cond policy.Condition, slot Slot, evalCtx Context, depth int) (outcome, error) {
	if depth > policy.MaxConditionDepth {
		return outcome{}, policy.ErrConditionTooDeep
	}
	if cond == nil {
		return pass("no condition"), nil
	}

	switch c := cond.(type) {
	case policy.DoctorRoomCondition:
		return e.checkDoctorRoom(ctx, c, slot)
	case policy.TimeRangeCondition:
		return checkTimeRange(c, slot)
	case policy.WorkloadCondition:
		return e.checkWorkload(ctx, c, slot)
	case policy.EquipmentCondition:
		return e.checkEquipment(ctx, c, slot)
	case policy.BufferTimeCondition:
		return e.checkBufferTime(ctx, c, slot)
	case policy.RoomTypeMatchCondition:
		return e.checkRoomType(ctx, c, slot, evalCtx)
	case policy.CleaningBufferCondition:
		return e.checkCleaningBuffer(ctx, c, slot)
	case policy.PreferredRoomCondition:
		return e.checkPreferredRoom(ctx, c, slot, evalCtx)
	case policy.UtilizationBalancingCondition:
		return e.checkUtilization(ctx, c, slot)
	case policy.AllOf:
		for _, child := range c.Conditions {
			out, err := e.check(ctx, child, slot, evalCtx, depth+1)
			if err != nil {
				return outcome{}, err
			}
			if !out.ok {
				return out, nil
			}
		}
		return pass("all %d conditions hold", len(c.Conditions)), nil
	case policy.AnyOf:
		var reasons []string
		for _, child := range c.Conditions {
			out, err := e.check(ctx, child, slot, evalCtx, depth+1)
			if err != nil {
				return outcome{}, err
			}
			if out.ok {
				return out, nil
			}
			reasons = append(reasons, out.detail)
		}
		return fail("none of %d conditions hold: %s", len(c.Conditions), strings.Join(reasons, "; ")), nil
	case policy.Not:
		out, err := e.check(ctx, c.Condition, slot, evalCtx, depth+1)
		if err != nil {
			return outcome{}, err
		}
		if out.ok {
			return fail("negated condition holds: %s", out.detail), nil
		}
		return pass("negated condition does not hold: %s", out.detail), nil
	default:
		return outcome{}, fmt.Errorf("%w: %s", errUnknownCondition, cond.Kind())
	}
}

func (e *Evaluator) checkDoctorRoom(ctx context.Context, c policy.DoctorRoomCondition, slot Slot) (outcome, error) {
	allowed, ok := c.AllowedRooms[slot.DoctorID]
	if !ok {
		var err error
		allowed, err = e.facts.AuthorizedRooms(ctx, slot.DoctorID)
		if err != nil {
			return outcome{}, fmt.Errorf("load authorized rooms: %w", err)
		}
	}
	if slices.Contains(allowed, slot.RoomID) {
		return pass("doctor %s is authorized for room %s", slot.DoctorID, slot.RoomID), nil
	}
	return fail("doctor %s is not authorized for room %s", slot.DoctorID, slot.RoomID), nil
}

func checkTimeRange(c policy.TimeRangeCondition, slot Slot) (outcome, error) {
	start, end := slot.StartTime, slot.EndTime
	if c.Timezone != "" {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return outcome{}, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
		}
		start, end = start.In(loc), end.In(loc)
	}

	if len(c.Weekdays) > 0 && !slices.Contains(c.Weekdays, int(start.Weekday())) {
		return fail("%s is not an allowed weekday", start.Weekday()), nil
	}

	startMin := start.Hour()*60 + start.Minute()
	endMin := startMin + int(end.Sub(start)/time.Minute)
	if startMin < c.StartHour*60 || endMin > c.EndHour*60 {
		return fail("slot %s-%s is outside %02d:00-%02d:00",
			start.Format("15:04"), end.Format("15:04"), c.StartHour, c.EndHour), nil
	}
	return pass("slot is within %02d:00-%02d:00", c.StartHour, c.EndHour), nil
}

func (e *Evaluator) checkWorkload(ctx context.Context, c policy.WorkloadCondition, slot Slot) (outcome, error) {
	bookings, err := e.facts.DoctorBookings(ctx, slot.DoctorID, slot.StartTime)
	if err != nil {
		return outcome{}, fmt.Errorf("load doctor bookings: %w", err)
	}
	count := 0
	for _, b := range bookings {
		if b.SlotID != slot.ID {
			count++
		}
	}
	if count >= c.MaxDailyAppointments {
		return fail("doctor %s already has %d of %d appointments that day", slot.DoctorID, count, c.MaxDailyAppointments), nil
	}
	return pass("doctor %s has %d of %d appointments that day", slot.DoctorID, count, c.MaxDailyAppointments), nil
}

func (e *Evaluator) checkEquipment(ctx context.Context, c policy.EquipmentCondition, slot Slot) (outcome, error) {
	room, err := e.facts.Room(ctx, slot.RoomID)
	if err != nil {
		return outcome{}, fmt.Errorf("load room: %w", err)
	}
	var missing []string
	for _, req := range c.Required {
		if !slices.Contains(room.Equipment, req) {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return fail("room %s lacks %s", slot.RoomID, strings.Join(missing, ", ")), nil
	}
	return pass("room %s has required equipment", slot.RoomID), nil
}

func (e *Evaluator) checkBufferTime(ctx context.Context, c policy.BufferTimeCondition, slot Slot) (outcome, error) {
	bookings, err := e.facts.DoctorBookings(ctx, slot.DoctorID, slot.StartTime)
	if err != nil {
		return outcome{}, fmt.Errorf("load doctor bookings: %w", err)
	}
	before := time.Duration(c.BeforeMinutes) * time.Minute
	after := time.Duration(c.AfterMinutes) * time.Minute
	if b, ok := firstGapViolation(bookings, slot, before, after); ok {
		return fail("doctor %s needs %dm before and %dm after, conflicts with %s-%s",
			slot.DoctorID, c.BeforeMinutes, c.AfterMinutes, b.StartTime.Format("15:04"), b.EndTime.Format("15:04")), nil
	}
	return pass("doctor %s buffer respected", slot.DoctorID), nil
}

func (e *Evaluator) checkCleaningBuffer(ctx context.Context, c policy.CleaningBufferCondition, slot Slot) (outcome, error) {
	bookings, err := e.facts.RoomBookings(ctx, slot.RoomID, slot.StartTime)
	if err != nil {
		return outcome{}, fmt.Errorf("load room bookings: %w", err)
	}
	gap := time.Duration(c.Minutes) * time.Minute
	if b, ok := firstGapViolation(bookings, slot, gap, gap); ok {
		return fail("room %s needs %dm cleaning, conflicts with %s-%s",
			slot.RoomID, c.Minutes, b.StartTime.Format("15:04"), b.EndTime.Format("15:04")), nil
	}
	return pass("room %s cleaning buffer respected", slot.RoomID), nil
}

// firstGapViolation finds a booking that ends less than before ahead of the
// slot, starts less than after behind it, or overlaps it.
func firstGapViolation(bookings []Booking, slot Slot, before, after time.Duration) (Booking, bool) {
	for _, b := range bookings {
		if b.SlotID != "" && b.SlotID == slot.ID {
			continue
		}
		if b.EndTime.Add(before).After(slot.StartTime) && slot.EndTime.Add(after).After(b.StartTime) {
			return b, true
		}
	}
	return Booking{}, false
}

func (e *Evaluator) checkRoomType(ctx context.Context, c policy.RoomTypeMatchCondition, slot Slot, evalCtx Context) (outcome, error) {
	required := c.RequiredTypes
	if len(required) == 0 {
		serviceID := slot.ServiceID
		if serviceID == "" {
			serviceID = evalCtx.RequestedService
		}
		if serviceID == "" {
			return pass("no service room requirement"), nil
		}
		var err error
		required, err = e.facts.ServiceRoomTypes(ctx, serviceID)
		if err != nil {
			return outcome{}, fmt.Errorf("load service room types: %w", err)
		}
		if len(required) == 0 {
			return pass("service %s has no room requirement", serviceID), nil
		}
	}

	roomType := slot.RoomType
	if roomType == "" {
		room, err := e.facts.Room(ctx, slot.RoomID)
		if err != nil {
			return outcome{}, fmt.Errorf("load room: %w", err)
		}
		roomType = room.Type
	}
	if slices.Contains(required, roomType) {
		return pass("room type %s matches", roomType), nil
	}
	return fail("room type %s not in [%s]", roomType, strings.Join(required, ", ")), nil
}

func (e *Evaluator) checkPreferredRoom(ctx context.Context, c policy.PreferredRoomCondition, slot Slot, evalCtx Context) (outcome, error) {
	preferred := c.RoomIDs
	if len(preferred) == 0 {
		if roomID := evalCtx.Preferences["room_id"]; roomID != "" {
			preferred = []string{roomID}
		}
	}
	if len(preferred) == 0 {
		var err error
		preferred, err = e.facts.PreferredRooms(ctx, slot.DoctorID)
		if err != nil {
			return outcome{}, fmt.Errorf("load preferred rooms: %w", err)
		}
	}
	if len(preferred) == 0 {
		return pass("no room preference"), nil
	}
	if slices.Contains(preferred, slot.RoomID) {
		return pass("room %s is preferred", slot.RoomID), nil
	}
	return fail("room %s is not a preferred room", slot.RoomID), nil
}

func (e *Evaluator) checkUtilization(ctx context.Context, c policy.UtilizationBalancingCondition, slot Slot) (outcome, error) {
	room, err := e.facts.Room(ctx, slot.RoomID)
	if err != nil {
		return outcome{}, fmt.Errorf("load room: %w", err)
	}
	if room.DailyCapacity <= 0 {
		return pass("room %s has no capacity limit", slot.RoomID), nil
	}
	bookings, err := e.facts.RoomBookings(ctx, slot.RoomID, slot.StartTime)
	if err != nil {
		return outcome{}, fmt.Errorf("load room bookings: %w", err)
	}
	ratio := float64(len(bookings)) / float64(room.DailyCapacity)
	if ratio < c.Threshold {
		return pass("room %s at %.0f%% utilization", slot.RoomID, ratio*100), nil
	}
	return fail("room %s at %.0f%% utilization, threshold %.0f%%", slot.RoomID, ratio*100, c.Threshold*100), nil
}
