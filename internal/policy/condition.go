package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type ConditionKind string

const (
	KindDoctorRoom           ConditionKind = "doctor_room"
	KindTimeRange            ConditionKind = "time_range"
	KindWorkload             ConditionKind = "workload"
	KindEquipment            ConditionKind = "equipment"
	KindBufferTime           ConditionKind = "buffer_time"
	KindRoomTypeMatch        ConditionKind = "room_type_match"
	KindCleaningBuffer       ConditionKind = "cleaning_buffer"
	KindPreferredRoom        ConditionKind = "preferred_room"
	KindUtilizationBalancing ConditionKind = "utilization_balancing"
	KindAll                  ConditionKind = "all"
	KindAny                  ConditionKind = "any"
	KindNot                  ConditionKind = "not"
)

// MaxConditionDepth bounds recursion over condition trees.
const MaxConditionDepth = 16

var ErrConditionTooDeep = errors.New("condition tree exceeds max depth")

// Condition is a closed set of typed predicates. Kinds this build does not
// know decode into UnknownCondition and evaluate as passing.
type Condition interface {
	Kind() ConditionKind
	isCondition()
}

// DoctorRoomCondition requires the slot's doctor to be authorized for the
// slot's room. AllowedRooms overrides the stored authorizations per doctor.
type DoctorRoomCondition struct {
	AllowedRooms map[string][]string `json:"allowed_rooms,omitempty"`
}

// TimeRangeCondition requires the slot to sit within [StartHour, EndHour)
// in Timezone, optionally only on the given weekdays (0 = Sunday).
type TimeRangeCondition struct {
	StartHour int    `json:"start_hour"`
	EndHour   int    `json:"end_hour"`
	Weekdays  []int  `json:"weekdays,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

type WorkloadCondition struct {
	MaxDailyAppointments int `json:"max_daily_appointments"`
}

type EquipmentCondition struct {
	Required []string `json:"required"`
}

// BufferTimeCondition keeps a gap between the slot and the same doctor's
// adjoining appointments.
type BufferTimeCondition struct {
	BeforeMinutes int `json:"before_minutes"`
	AfterMinutes  int `json:"after_minutes"`
}

// RoomTypeMatchCondition requires the room type to be one of RequiredTypes,
// or of the service's required types when RequiredTypes is empty.
type RoomTypeMatchCondition struct {
	RequiredTypes []string `json:"required_types,omitempty"`
}

// CleaningBufferCondition keeps a gap between consecutive occupants of a room.
type CleaningBufferCondition struct {
	Minutes int `json:"minutes"`
}

// PreferredRoomCondition is satisfied when the slot uses one of the doctor's
// preferred rooms (RoomIDs, or the stored preferences when empty).
type PreferredRoomCondition struct {
	RoomIDs []string `json:"room_ids,omitempty"`
}

// UtilizationBalancingCondition is satisfied while the room's booked ratio
// for the day stays under Threshold.
type UtilizationBalancingCondition struct {
	Threshold float64 `json:"threshold"`
}

type AllOf struct {
	Conditions []Condition `json:"conditions"`
}

type AnyOf struct {
	Conditions []Condition `json:"conditions"`
}

type Not struct {
	Condition Condition `json:"condition"`
}

// UnknownCondition keeps the canonical JSON of an unrecognized kind so it
// round-trips through snapshots unchanged.
type UnknownCondition struct {
	Type string
	Raw  json.RawMessage
}

func (DoctorRoomCondition) Kind() ConditionKind           { return KindDoctorRoom }
func (TimeRangeCondition) Kind() ConditionKind            { return KindTimeRange }
func (WorkloadCondition) Kind() ConditionKind             { return KindWorkload }
func (EquipmentCondition) Kind() ConditionKind            { return KindEquipment }
func (BufferTimeCondition) Kind() ConditionKind           { return KindBufferTime }
func (RoomTypeMatchCondition) Kind() ConditionKind        { return KindRoomTypeMatch }
func (CleaningBufferCondition) Kind() ConditionKind       { return KindCleaningBuffer }
func (PreferredRoomCondition) Kind() ConditionKind        { return KindPreferredRoom }
func (UtilizationBalancingCondition) Kind() ConditionKind { return KindUtilizationBalancing }
func (AllOf) Kind() ConditionKind                         { return KindAll }
func (AnyOf) Kind() ConditionKind                         { return KindAny }
func (Not) Kind() ConditionKind                           { return KindNot }
func (u UnknownCondition) Kind() ConditionKind            { return ConditionKind(u.Type) }

func (DoctorRoomCondition) isCondition()           {}
func (TimeRangeCondition) isCondition()            {}
func (WorkloadCondition) isCondition()             {}
func (EquipmentCondition) isCondition()            {}
func (BufferTimeCondition) isCondition()           {}
func (RoomTypeMatchCondition) isCondition()        {}
func (CleaningBufferCondition) isCondition()       {}
func (PreferredRoomCondition) isCondition()        {}
func (UtilizationBalancingCondition) isCondition() {}
func (AllOf) isCondition()                         {}
func (AnyOf) isCondition()                         {}
func (Not) isCondition()                           {}
func (UnknownCondition) isCondition()              {}

// EncodeCondition renders c as {"type": kind, ...fields}. Output is canonical:
// object keys are sorted at every level.
func EncodeCondition(c Condition) (json.RawMessage, error) {
	return encodeCondition(c, 0)
}

func encodeCondition(c Condition, depth int) (json.RawMessage, error) {
	if depth > MaxConditionDepth {
		return nil, ErrConditionTooDeep
	}
	if c == nil {
		return json.RawMessage("null"), nil
	}

	var fields any
	switch v := c.(type) {
	case UnknownCondition:
		return canonicalJSON(v.Raw)
	case AllOf:
		children, err := encodeChildren(v.Conditions, depth)
		if err != nil {
			return nil, err
		}
		fields = map[string]any{"conditions": children}
	case AnyOf:
		children, err := encodeChildren(v.Conditions, depth)
		if err != nil {
			return nil, err
		}
		fields = map[string]any{"conditions": children}
	case Not:
		child, err := encodeCondition(v.Condition, depth+1)
		if err != nil {
			return nil, err
		}
		fields = map[string]any{"condition": child}
	default:
		fields = v
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s condition: %w", c.Kind(), err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("encode %s condition: %w", c.Kind(), err)
	}
	kind, _ := json.Marshal(string(c.Kind()))
	obj["type"] = kind
	return json.Marshal(obj)
}

func encodeChildren(children []Condition, depth int) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(children))
	for _, child := range children {
		raw, err := encodeCondition(child, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// DecodeCondition parses a condition tree. Empty input and JSON null decode
// to a nil Condition.
func DecodeCondition(data []byte) (Condition, error) {
	return decodeCondition(data, 0)
}

func decodeCondition(data []byte, depth int) (Condition, error) {
	if depth > MaxConditionDepth {
		return nil, ErrConditionTooDeep
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var head struct {
		Type ConditionKind `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return nil, fmt.Errorf("decode condition: %w", err)
	}

	switch head.Type {
	case KindDoctorRoom:
		return decodeLeaf[DoctorRoomCondition](trimmed)
	case KindTimeRange:
		return decodeLeaf[TimeRangeCondition](trimmed)
	case KindWorkload:
		return decodeLeaf[WorkloadCondition](trimmed)
	case KindEquipment:
		return decodeLeaf[EquipmentCondition](trimmed)
	case KindBufferTime:
		return decodeLeaf[BufferTimeCondition](trimmed)
	case KindRoomTypeMatch:
		return decodeLeaf[RoomTypeMatchCondition](trimmed)
	case KindCleaningBuffer:
		return decodeLeaf[CleaningBufferCondition](trimmed)
	case KindPreferredRoom:
		return decodeLeaf[PreferredRoomCondition](trimmed)
	case KindUtilizationBalancing:
		return decodeLeaf[UtilizationBalancingCondition](trimmed)
	case KindAll, KindAny:
		var group struct {
			Conditions []json.RawMessage `json:"conditions"`
		}
		if err := json.Unmarshal(trimmed, &group); err != nil {
			return nil, fmt.Errorf("decode %s condition: %w", head.Type, err)
		}
		children := make([]Condition, 0, len(group.Conditions))
		for _, raw := range group.Conditions {
			child, err := decodeCondition(raw, depth+1)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		if head.Type == KindAll {
			return AllOf{Conditions: children}, nil
		}
		return AnyOf{Conditions: children}, nil
	case KindNot:
		var neg struct {
			Condition json.RawMessage `json:"condition"`
		}
		if err := json.Unmarshal(trimmed, &neg); err != nil {
			return nil, fmt.Errorf("decode not condition: %w", err)
		}
		child, err := decodeCondition(neg.Condition, depth+1)
		if err != nil {
			return nil, err
		}
		return Not{Condition: child}, nil
	default:
		raw, err := canonicalJSON(trimmed)
		if err != nil {
			return nil, err
		}
		return UnknownCondition{Type: string(head.Type), Raw: raw}, nil
	}
}

func decodeLeaf[T Condition](data []byte) (Condition, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %s condition: %w", v.Kind(), err)
	}
	return v, nil
}

// DecodeConditionLenient never fails: malformed JSON becomes an
// UnknownCondition so a single badly authored rule cannot block compilation.
func DecodeConditionLenient(data []byte) Condition {
	c, err := DecodeCondition(data)
	if err == nil {
		return c
	}
	raw, _ := json.Marshal(map[string]string{"type": "malformed", "source": string(data)})
	return UnknownCondition{Type: "malformed", Raw: raw}
}

// CountCost estimates evaluation cost of a tree: one unit per predicate and
// per logical operator. Subtrees deeper than MaxConditionDepth are not counted.
func CountCost(c Condition) int {
	return countCost(c, 0)
}

func countCost(c Condition, depth int) int {
	if c == nil || depth > MaxConditionDepth {
		return 0
	}
	switch v := c.(type) {
	case AllOf:
		n := 1
		for _, child := range v.Conditions {
			n += countCost(child, depth+1)
		}
		return n
	case AnyOf:
		n := 1
		for _, child := range v.Conditions {
			n += countCost(child, depth+1)
		}
		return n
	case Not:
		return 1 + countCost(v.Condition, depth+1)
	default:
		return 1
	}
}

func canonicalJSON(data []byte) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("canonicalize json: %w", err)
	}
	return json.Marshal(v)
}
