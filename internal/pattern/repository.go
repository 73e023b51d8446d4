package pattern

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/scheduling-rule-engine/internal/evaluator"
	"github.com/hackgods/scheduling-rule-engine/internal/policy"
)

var (
	ErrPatternNotFound         = errors.New("visit pattern not found")
	ErrReservationNotFound     = errors.New("reservation not found")
	ErrReservationExpired      = errors.New("reservation has expired")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrSlotUnavailable         = errors.New("slot is no longer available")
	ErrSlotBeingBooked         = errors.New("slot is currently being booked, please retry")
	ErrEmptySlotSet            = errors.New("slot set has no slots")
	ErrInvalidSearchWindow     = errors.New("search window end must be after start")
	ErrInvalidPattern          = errors.New("visit pattern has no visits")
)

// ReservationError reports which step of a reservation operation failed.
type ReservationError struct {
	Op            string
	ReservationID uuid.UUID
	Err           error
}

func (e *ReservationError) Error() string {
	if e.ReservationID == uuid.Nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s reservation %s: %v", e.Op, e.ReservationID, e.Err)
}

func (e *ReservationError) Unwrap() error { return e.Err }

// Repository contains all storage interactions of the reservation protocol.
type Repository interface {
	GetPattern(ctx context.Context, patternID string) (*policy.VisitPattern, error)

	GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error)
	// GetHeldReservationByClientHoldID returns ErrReservationNotFound when no
	// held reservation carries the id.
	GetHeldReservationByClientHoldID(ctx context.Context, clientHoldID string) (*Reservation, error)
	ListHolds(ctx context.Context, reservationID uuid.UUID) ([]Hold, error)

	// SlotConflicts returns the ids among slotIDs that carry a live hold or a
	// confirmed appointment.
	SlotConflicts(ctx context.Context, slotIDs []string, now time.Time) ([]string, error)

	InsertHold(ctx context.Context, h Hold) error
	// DeleteHold is idempotent: deleting a missing hold is not an error.
	DeleteHold(ctx context.Context, id uuid.UUID) error
	InsertReservation(ctx context.Context, r *Reservation) error

	// UpdateReservationStatus moves a reservation from one status to another
	// and returns ErrReservationNotFound if it is not currently in from.
	UpdateReservationStatus(ctx context.Context, id uuid.UUID, from, to ReservationStatus, reason *string) (*Reservation, error)
	UpdateHoldStatus(ctx context.Context, reservationID uuid.UUID, from, to HoldStatus) (int64, error)

	InsertAppointment(ctx context.Context, a Appointment) error
	DeleteAppointment(ctx context.Context, id uuid.UUID) error

	// Expiry sweep
	FindExpiredReservations(ctx context.Context, now time.Time) ([]Reservation, error)
	ExpireStaleHolds(ctx context.Context, now time.Time) (int64, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}

// Transactor is implemented by repositories that can run several writes as
// one atomic unit. fn receives a Repository bound to the transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(repo Repository) error) error
}

// SlotSource finds open candidate slots.
type SlotSource interface {
	FindSlots(ctx context.Context, q SlotQuery) ([]evaluator.Slot, error)
}

// SlotEvaluator scores candidate slots, best first; *evaluator.Evaluator
// implements it.
type SlotEvaluator interface {
	EvaluateSlots(ctx context.Context, evalCtx evaluator.Context, slots []evaluator.Slot) ([]evaluator.Result, error)
}
