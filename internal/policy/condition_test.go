package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeConditionIsCanonical(t *testing.T) {
	cond := AllOf{Conditions: []Condition{
		WorkloadCondition{MaxDailyAppointments: 8},
		Not{Condition: EquipmentCondition{Required: []string{"xray"}}},
	}}

	raw, err := EncodeCondition(cond)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "all",
		"conditions": [
			{"type": "workload", "max_daily_appointments": 8},
			{"type": "not", "condition": {"type": "equipment", "required": ["xray"]}}
		]
	}`, string(raw))
	assert.Equal(t,
		`{"conditions":[{"max_daily_appointments":8,"type":"workload"},{"condition":{"required":["xray"],"type":"equipment"},"type":"not"}],"type":"all"}`,
		string(raw), "keys must be sorted at every level")
}

func TestDecodeConditionRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		cond Condition
	}{
		{"doctor room", DoctorRoomCondition{AllowedRooms: map[string][]string{"d-1": {"r-1", "r-2"}}}},
		{"time range", TimeRangeCondition{StartHour: 8, EndHour: 17, Weekdays: []int{1, 2, 3}, Timezone: "America/Chicago"}},
		{"room type", RoomTypeMatchCondition{RequiredTypes: []string{"surgery"}}},
		{"buffer", BufferTimeCondition{BeforeMinutes: 10, AfterMinutes: 15}},
		{"cleaning", CleaningBufferCondition{Minutes: 20}},
		{"preferred", PreferredRoomCondition{RoomIDs: []string{"r-9"}}},
		{"utilization", UtilizationBalancingCondition{Threshold: 0.75}},
		{"any", AnyOf{Conditions: []Condition{WorkloadCondition{MaxDailyAppointments: 3}, EquipmentCondition{Required: []string{"laser"}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := EncodeCondition(tt.cond)
			require.NoError(t, err)

			decoded, err := DecodeCondition(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.cond, decoded)
		})
	}
}

func TestDecodeConditionNull(t *testing.T) {
	for _, in := range []string{"", "null", "  null "} {
		c, err := DecodeCondition([]byte(in))
		require.NoError(t, err)
		assert.Nil(t, c)
	}
}

func TestUnknownConditionPassesThrough(t *testing.T) {
	in := `{"type":"lunar_phase","phase":"full","weight":2}`

	c, err := DecodeCondition([]byte(in))
	require.NoError(t, err)

	unknown, ok := c.(UnknownCondition)
	require.True(t, ok)
	assert.Equal(t, ConditionKind("lunar_phase"), unknown.Kind())

	out, err := EncodeCondition(c)
	require.NoError(t, err)
	assert.Equal(t, `{"phase":"full","type":"lunar_phase","weight":2}`, string(out))
}

func TestDecodeConditionLenientMalformed(t *testing.T) {
	c := DecodeConditionLenient([]byte(`{"type":`))

	unknown, ok := c.(UnknownCondition)
	require.True(t, ok)
	assert.Equal(t, "malformed", unknown.Type)

	_, err := EncodeCondition(c)
	assert.NoError(t, err)
}

func TestConditionDepthLimit(t *testing.T) {
	var c Condition = WorkloadCondition{MaxDailyAppointments: 1}
	raw := `{"type":"workload","max_daily_appointments":1}`
	for i := 0; i < MaxConditionDepth+4; i++ {
		c = Not{Condition: c}
		raw = `{"type":"not","condition":` + raw + `}`
	}

	_, err := EncodeCondition(c)
	assert.ErrorIs(t, err, ErrConditionTooDeep)

	_, err = DecodeCondition([]byte(raw))
	assert.ErrorIs(t, err, ErrConditionTooDeep)

	assert.Equal(t, MaxConditionDepth+1, CountCost(c), "levels past the cap are not counted")
}

func TestCountCost(t *testing.T) {
	assert.Equal(t, 0, CountCost(nil))
	assert.Equal(t, 1, CountCost(WorkloadCondition{MaxDailyAppointments: 1}))
	assert.Equal(t, 4, CountCost(AllOf{Conditions: []Condition{
		WorkloadCondition{MaxDailyAppointments: 8},
		Not{Condition: EquipmentCondition{Required: []string{"xray"}}},
	}}))
}

func TestRuleJSONCarriesTypedCondition(t *testing.T) {
	r := rule("r-1", "room-fit", ScopeClinic, "c-1", RuleHardConstraint, 1200, RoomTypeMatchCondition{})

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var back Rule
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, r.ID, back.ID)
	assert.Equal(t, RoomTypeMatchCondition{}, back.Condition)
	assert.Equal(t, ActionReject, back.Action.Kind)
	assert.True(t, back.Active)
}
