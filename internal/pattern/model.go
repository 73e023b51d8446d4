package pattern

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/scheduling-rule-engine/internal/evaluator"
)

type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationExpired   ReservationStatus = "expired"
)

type HoldStatus string

const (
	HoldHeld      HoldStatus = "held"
	HoldConverted HoldStatus = "converted"
	HoldCancelled HoldStatus = "cancelled"
	HoldExpired   HoldStatus = "expired"
)

const AppointmentConfirmed = "confirmed"

const CancelReasonExpired = "expired"

// SlotSet is one concrete slot per visit of a pattern.
type SlotSet struct {
	PatternID      string           `json:"pattern_id"`
	Slots          []evaluator.Slot `json:"slots"`
	Scores         []float64        `json:"scores"`
	TotalScore     float64          `json:"total_score"`
	ConstraintsMet bool             `json:"constraints_met"`
	GroupToken     uuid.UUID        `json:"group_token"`
}

type Reservation struct {
	ID           uuid.UUID         `json:"id"`
	PatternID    string            `json:"pattern_id"`
	ClinicID     string            `json:"clinic_id"`
	PatientID    string            `json:"patient_id"`
	GroupToken   uuid.UUID         `json:"group_token"`
	ClientHoldID *string           `json:"client_hold_id,omitempty"`
	Slots        []evaluator.Slot  `json:"slots"`
	Status       ReservationStatus `json:"status"`
	CancelReason *string           `json:"cancel_reason,omitempty"`
	ExpiresAt    time.Time         `json:"expires_at"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`

	// Holds is filled by GetReservation only.
	Holds []Hold `json:"holds,omitempty"`
}

// Hold is a time-boxed claim on one slot, owned by a reservation.
type Hold struct {
	ID            uuid.UUID  `json:"id"`
	ReservationID uuid.UUID  `json:"reservation_id"`
	GroupToken    uuid.UUID  `json:"group_token"`
	SlotID        string     `json:"slot_id"`
	PatientID     string     `json:"patient_id"`
	DoctorID      string     `json:"doctor_id"`
	RoomID        string     `json:"room_id"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       time.Time  `json:"end_time"`
	Status        HoldStatus `json:"status"`
	ExpiresAt     time.Time  `json:"expires_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

type Appointment struct {
	ID            uuid.UUID
	ReservationID uuid.UUID
	PatientID     string
	SlotID        string
	DoctorID      string
	RoomID        string
	ServiceID     string
	StartTime     time.Time
	EndTime       time.Time
	Status        string
	CreatedAt     time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	ReservationID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// SweepResult counts what one CleanupExpiredHolds pass expired.
type SweepResult struct {
	ExpiredReservations int `json:"expired_reservations"`
	ExpiredHolds        int `json:"expired_holds"`
}

// SlotQuery selects open, unclaimed slots.
type SlotQuery struct {
	ClinicID    string
	ServiceID   string
	DoctorID    string
	From        time.Time
	To          time.Time
	MinDuration time.Duration
	Limit       int
}
