package evaluator

import (
	"time"
)

// Slot is a bookable (doctor, room, time) candidate.
type Slot struct {
	ID          string         `json:"id"`
	ClinicID    string         `json:"clinic_id"`
	DoctorID    string         `json:"doctor_id"`
	RoomID      string         `json:"room_id"`
	RoomType    string         `json:"room_type,omitempty"`
	ServiceID   string         `json:"service_id,omitempty"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     time.Time      `json:"end_time"`
	Available   bool           `json:"available"`
	Annotations map[string]any `json:"annotations,omitempty"`
}

func (s Slot) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// Context carries the request a slot is being evaluated for.
type Context struct {
	ClinicID         string            `json:"clinic_id"`
	PatientID        string            `json:"patient_id,omitempty"`
	RequestedService string            `json:"requested_service,omitempty"`
	Preferences      map[string]string `json:"preferences,omitempty"`
	CorrelationID    string            `json:"correlation_id,omitempty"`
}

// Violation names the hard constraint that rejected a slot.
type Violation struct {
	RuleID    string `json:"rule_id"`
	RuleName  string `json:"rule_name"`
	Condition string `json:"condition"`
	Message   string `json:"message"`
}

type AppliedPreference struct {
	RuleID    string  `json:"rule_id"`
	Name      string  `json:"name"`
	Satisfied bool    `json:"satisfied"`
	Modifier  float64 `json:"modifier"`
}

type Result struct {
	SlotID             string              `json:"slot_id"`
	IsValid            bool                `json:"is_valid"`
	Score              float64             `json:"score"`
	ViolatedRules      []Violation         `json:"violated_rules"`
	AppliedPreferences []AppliedPreference `json:"applied_preferences"`
	Explanations       []string            `json:"explanations"`
	ExecutionTime      time.Duration       `json:"execution_time_ns"`
	FastMode           bool                `json:"fast_mode"`
	PolicyVersion      int                 `json:"policy_version"`
}

// Stats are running counters since start or the last reset.
type Stats struct {
	TotalEvaluations int64   `json:"total_evaluations"`
	ValidCount       int64   `json:"valid_count"`
	InvalidCount     int64   `json:"invalid_count"`
	FastModeCount    int64   `json:"fast_mode_count"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}

// Record is one evaluation as written to the telemetry sink.
type Record struct {
	ClinicID      string
	PatientID     string
	CorrelationID string
	SlotID        string
	Result        Result
	Latency       time.Duration
	EvaluatedAt   time.Time
}
