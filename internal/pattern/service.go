package pattern

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/hackgods/scheduling-rule-engine/internal/evaluator"
	"github.com/hackgods/scheduling-rule-engine/internal/logger"
	"github.com/hackgods/scheduling-rule-engine/internal/metrics"
	redisclient "github.com/hackgods/scheduling-rule-engine/internal/redis"
)

const (
	EventReservationHeld      = "RESERVATION_HELD"
	EventReservationConfirmed = "RESERVATION_CONFIRMED"
	EventReservationCancelled = "RESERVATION_CANCELLED"
	EventReservationExpired   = "RESERVATION_EXPIRED"
)

var tracer = otel.Tracer("github.com/hackgods/scheduling-rule-engine/internal/pattern")

type Options struct {
	HoldTTL           time.Duration
	SearchBudget      time.Duration
	ExtendConcurrency int
}

type Service struct {
	repo      Repository
	slots     SlotSource
	eval      SlotEvaluator
	snapshots evaluator.SnapshotSource
	locker    redisclient.Locker
	opts      Options
	log       *logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	compensationAttempts int
}

// NewService wires the pattern evaluator. snapshots and locker may be nil:
// patterns then come only from the repository and reservations rely on the
// storage conflict check alone.
func NewService(
	repo Repository,
	slots SlotSource,
	eval SlotEvaluator,
	snapshots evaluator.SnapshotSource,
	locker redisclient.Locker,
	opts Options,
	log *logger.Logger,
	m *metrics.Metrics,
) *Service {
	if opts.HoldTTL <= 0 {
		opts.HoldTTL = 10 * time.Minute
	}
	if opts.SearchBudget <= 0 {
		opts.SearchBudget = 800 * time.Millisecond
	}
	if opts.ExtendConcurrency <= 0 {
		opts.ExtendConcurrency = 4
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		repo:                 repo,
		slots:                slots,
		eval:                 eval,
		snapshots:            snapshots,
		locker:               locker,
		opts:                 opts,
		log:                  log,
		metrics:              m,
		now:                  time.Now,
		compensationAttempts: 3,
	}
}

func (s *Service) GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	res, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return nil, &ReservationError{Op: "get", ReservationID: id, Err: err}
	}
	holds, err := s.repo.ListHolds(ctx, id)
	if err != nil {
		return nil, &ReservationError{Op: "get", ReservationID: id, Err: fmt.Errorf("list holds: %w", err)}
	}
	res.Holds = holds
	return res, nil
}

// ReserveSlotSet places one hold per visit and the parent reservation as a
// single unit. A repeated clientHoldID returns the existing held reservation.
func (s *Service) ReserveSlotSet(ctx context.Context, set SlotSet, patientID string, holdDuration time.Duration, clientHoldID string) (*Reservation, error) {
	ctx, span := tracer.Start(ctx, "pattern.ReserveSlotSet")
	defer span.End()

	if len(set.Slots) == 0 {
		return nil, &ReservationError{Op: "reserve", Err: ErrEmptySlotSet}
	}

	if existing, err := s.findByClientHoldID(ctx, clientHoldID); err != nil {
		return nil, &ReservationError{Op: "reserve", Err: err}
	} else if existing != nil {
		s.metrics.ObserveReservation("reserve", "idempotent")
		return existing, nil
	}

	if holdDuration <= 0 {
		holdDuration = s.opts.HoldTTL
	}

	slotIDs := make([]string, len(set.Slots))
	for i, slot := range set.Slots {
		slotIDs[i] = slot.ID
	}

	var reserved *Reservation
	err := s.withSlotLocks(ctx, slotIDs, func(lockCtx context.Context) error {
		// Concurrent retries with the same client id target the same slots,
		// so the second one lands here after the first has written.
		existing, err := s.findByClientHoldID(lockCtx, clientHoldID)
		if err != nil {
			return err
		}
		if existing != nil {
			reserved = existing
			return nil
		}

		conflicts, err := s.repo.SlotConflicts(lockCtx, slotIDs, s.now())
		if err != nil {
			return fmt.Errorf("check slot conflicts: %w", err)
		}
		if len(conflicts) > 0 {
			return fmt.Errorf("%w: %s", ErrSlotUnavailable, strings.Join(conflicts, ", "))
		}

		res, holds := s.newReservation(set, patientID, holdDuration, clientHoldID)
		if err := s.writeReservation(lockCtx, res, holds); err != nil {
			return err
		}
		reserved = res

		s.logEvent(lockCtx, res.ID, EventReservationHeld, map[string]any{
			"pattern_id":  res.PatternID,
			"patient_id":  patientID,
			"group_token": res.GroupToken.String(),
			"slot_ids":    slotIDs,
			"expires_at":  res.ExpiresAt,
		})
		return nil
	})
	if err != nil {
		result := "error"
		switch {
		case errors.Is(err, redisclient.ErrLockNotAcquired):
			err = ErrSlotBeingBooked
			result = "contended"
		case errors.Is(err, ErrSlotUnavailable):
			result = "conflict"
		}
		s.metrics.ObserveReservation("reserve", result)
		return nil, &ReservationError{Op: "reserve", Err: err}
	}

	s.metrics.ObserveReservation("reserve", "ok")
	s.log.Info("reservation held",
		"reservation_id", reserved.ID,
		"pattern_id", reserved.PatternID,
		"slots", len(reserved.Slots),
		"expires_at", reserved.ExpiresAt,
	)
	return reserved, nil
}

// ConfirmReservation turns a held reservation into appointments. A
// reservation past its expiry is cancelled with reason "expired" instead.
func (s *Service) ConfirmReservation(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	ctx, span := tracer.Start(ctx, "pattern.ConfirmReservation")
	defer span.End()

	res, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return nil, &ReservationError{Op: "confirm", ReservationID: id, Err: err}
	}

	switch res.Status {
	case ReservationHeld:
	case ReservationExpired:
		return nil, &ReservationError{Op: "confirm", ReservationID: id, Err: ErrReservationExpired}
	default:
		return nil, &ReservationError{Op: "confirm", ReservationID: id,
			Err: fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, res.Status, ReservationConfirmed)}
	}

	if !s.now().Before(res.ExpiresAt) {
		if _, cerr := s.cancel(ctx, res, CancelReasonExpired); cerr != nil {
			s.log.Warn("failed to cancel expired reservation during confirm", "reservation_id", id, "error", cerr)
		}
		s.logEvent(ctx, id, EventReservationExpired, map[string]any{
			"reason": "confirm_after_expiry",
		})
		s.metrics.ObserveReservation("confirm", "expired")
		return nil, &ReservationError{Op: "confirm", ReservationID: id, Err: ErrReservationExpired}
	}

	confirmed, err := s.writeConfirmation(ctx, res, s.appointmentsFor(res))
	if err != nil {
		s.metrics.ObserveReservation("confirm", "error")
		return nil, &ReservationError{Op: "confirm", ReservationID: id, Err: err}
	}

	s.metrics.ObserveReservation("confirm", "ok")
	s.logEvent(ctx, id, EventReservationConfirmed, map[string]any{
		"appointments": len(confirmed.Slots),
	})
	return confirmed, nil
}

// CancelReservation releases a held reservation. Cancelling a reservation
// that is already cancelled or expired succeeds without changes.
func (s *Service) CancelReservation(ctx context.Context, id uuid.UUID, reason string) (*Reservation, error) {
	res, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return nil, &ReservationError{Op: "cancel", ReservationID: id, Err: err}
	}
	out, err := s.cancel(ctx, res, reason)
	if err != nil {
		s.metrics.ObserveReservation("cancel", "error")
		return nil, &ReservationError{Op: "cancel", ReservationID: id, Err: err}
	}
	s.metrics.ObserveReservation("cancel", "ok")
	return out, nil
}

// CleanupExpiredHolds expires every reservation and hold still held past
// its expiry. Per-reservation failures are logged and skipped.
func (s *Service) CleanupExpiredHolds(ctx context.Context) (SweepResult, error) {
	now := s.now()
	candidates, err := s.repo.FindExpiredReservations(ctx, now)
	if err != nil {
		return SweepResult{}, fmt.Errorf("find expired reservations: %w", err)
	}

	var result SweepResult
	for _, res := range candidates {
		_, err := s.repo.UpdateReservationStatus(ctx, res.ID, ReservationHeld, ReservationExpired, nil)
		if err != nil {
			if !errors.Is(err, ErrReservationNotFound) {
				s.log.Warn("failed to expire reservation", "reservation_id", res.ID, "error", err)
			}
			continue
		}
		n, err := s.repo.UpdateHoldStatus(ctx, res.ID, HoldHeld, HoldExpired)
		if err != nil {
			s.log.Warn("failed to expire holds", "reservation_id", res.ID, "error", err)
			continue
		}
		result.ExpiredReservations++
		result.ExpiredHolds += int(n)
		s.logEvent(ctx, res.ID, EventReservationExpired, map[string]any{
			"reason": "worker",
		})
	}

	stale, err := s.repo.ExpireStaleHolds(ctx, now)
	if err != nil {
		return result, fmt.Errorf("expire stale holds: %w", err)
	}
	result.ExpiredHolds += int(stale)

	s.metrics.AddExpiredHolds(result.ExpiredHolds)
	if result.ExpiredReservations > 0 || result.ExpiredHolds > 0 {
		s.log.Info("expired holds swept",
			"reservations", result.ExpiredReservations,
			"holds", result.ExpiredHolds,
		)
	}
	return result, nil
}

func (s *Service) cancel(ctx context.Context, res *Reservation, reason string) (*Reservation, error) {
	switch res.Status {
	case ReservationCancelled:
		s.releaseHolds(ctx, res.ID, HoldCancelled)
		return res, nil
	case ReservationExpired:
		s.releaseHolds(ctx, res.ID, HoldExpired)
		return res, nil
	case ReservationConfirmed:
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, res.Status, ReservationCancelled)
	}

	updated, err := s.repo.UpdateReservationStatus(ctx, res.ID, ReservationHeld, ReservationCancelled, &reason)
	if errors.Is(err, ErrReservationNotFound) {
		// Lost a race with another transition; judge the state it left behind.
		current, gerr := s.repo.GetReservation(ctx, res.ID)
		if gerr != nil {
			return nil, gerr
		}
		if current.Status == ReservationHeld {
			return nil, err
		}
		return s.cancel(ctx, current, reason)
	}
	if err != nil {
		return nil, fmt.Errorf("mark reservation cancelled: %w", err)
	}

	if _, err := s.repo.UpdateHoldStatus(ctx, res.ID, HoldHeld, HoldCancelled); err != nil {
		return nil, fmt.Errorf("release holds: %w", err)
	}

	s.logEvent(ctx, res.ID, EventReservationCancelled, map[string]any{
		"reason": reason,
	})
	return updated, nil
}

// writeReservation stores holds then the reservation. Without a transaction
// the holds already written are deleted again when a later write fails.
func (s *Service) writeReservation(ctx context.Context, res *Reservation, holds []Hold) error {
	if tx, ok := s.repo.(Transactor); ok {
		return tx.InTx(ctx, func(repo Repository) error {
			for _, h := range holds {
				if err := repo.InsertHold(ctx, h); err != nil {
					return fmt.Errorf("insert hold for slot %s: %w", h.SlotID, err)
				}
			}
			if err := repo.InsertReservation(ctx, res); err != nil {
				return fmt.Errorf("insert reservation: %w", err)
			}
			return nil
		})
	}

	inserted := make([]uuid.UUID, 0, len(holds))
	for _, h := range holds {
		if err := s.repo.InsertHold(ctx, h); err != nil {
			s.compensate(ctx, "hold", inserted, s.repo.DeleteHold)
			return fmt.Errorf("insert hold for slot %s: %w", h.SlotID, err)
		}
		inserted = append(inserted, h.ID)
	}
	if err := s.repo.InsertReservation(ctx, res); err != nil {
		s.compensate(ctx, "hold", inserted, s.repo.DeleteHold)
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

// writeConfirmation stores one appointment per slot, moves the reservation
// from held to confirmed and converts its holds.
func (s *Service) writeConfirmation(ctx context.Context, res *Reservation, appts []Appointment) (*Reservation, error) {
	if tx, ok := s.repo.(Transactor); ok {
		var confirmed *Reservation
		err := tx.InTx(ctx, func(repo Repository) error {
			for _, a := range appts {
				if err := repo.InsertAppointment(ctx, a); err != nil {
					return fmt.Errorf("insert appointment for slot %s: %w", a.SlotID, err)
				}
			}
			updated, err := markConfirmed(ctx, repo, res.ID)
			if err != nil {
				return err
			}
			if _, err := repo.UpdateHoldStatus(ctx, res.ID, HoldHeld, HoldConverted); err != nil {
				return fmt.Errorf("convert holds: %w", err)
			}
			confirmed = updated
			return nil
		})
		if err != nil {
			return nil, err
		}
		return confirmed, nil
	}

	inserted := make([]uuid.UUID, 0, len(appts))
	for _, a := range appts {
		if err := s.repo.InsertAppointment(ctx, a); err != nil {
			s.compensate(ctx, "appointment", inserted, s.repo.DeleteAppointment)
			return nil, fmt.Errorf("insert appointment for slot %s: %w", a.SlotID, err)
		}
		inserted = append(inserted, a.ID)
	}

	confirmed, err := markConfirmed(ctx, s.repo, res.ID)
	if err != nil {
		s.compensate(ctx, "appointment", inserted, s.repo.DeleteAppointment)
		return nil, err
	}

	// The reservation is confirmed at this point; leftover held holds are
	// expired by the sweep and no longer block anything.
	if _, err := s.repo.UpdateHoldStatus(ctx, res.ID, HoldHeld, HoldConverted); err != nil {
		s.log.Warn("failed to convert holds", "reservation_id", res.ID, "error", err)
	}
	return confirmed, nil
}

func markConfirmed(ctx context.Context, repo Repository, id uuid.UUID) (*Reservation, error) {
	updated, err := repo.UpdateReservationStatus(ctx, id, ReservationHeld, ReservationConfirmed, nil)
	if errors.Is(err, ErrReservationNotFound) {
		return nil, fmt.Errorf("%w: reservation is no longer held", ErrInvalidStatusTransition)
	}
	if err != nil {
		return nil, fmt.Errorf("mark reservation confirmed: %w", err)
	}
	return updated, nil
}

// compensate undoes partial writes. Deletes are idempotent so each one is
// retried a few times before giving up.
func (s *Service) compensate(ctx context.Context, kind string, ids []uuid.UUID, del func(context.Context, uuid.UUID) error) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range ids {
		var err error
		for attempt := 0; attempt < s.compensationAttempts; attempt++ {
			if err = del(ctx, id); err == nil {
				break
			}
		}
		if err != nil {
			s.log.Error("failed to undo partial write", "kind", kind, "id", id, "error", err)
		}
	}
}

// releaseHolds moves any holds left behind by an interrupted cancel or sweep.
func (s *Service) releaseHolds(ctx context.Context, reservationID uuid.UUID, to HoldStatus) {
	if _, err := s.repo.UpdateHoldStatus(ctx, reservationID, HoldHeld, to); err != nil {
		s.log.Warn("failed to release leftover holds", "reservation_id", reservationID, "error", err)
	}
}

func (s *Service) findByClientHoldID(ctx context.Context, clientHoldID string) (*Reservation, error) {
	if clientHoldID == "" {
		return nil, nil
	}
	existing, err := s.repo.GetHeldReservationByClientHoldID(ctx, clientHoldID)
	if errors.Is(err, ErrReservationNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup client hold id: %w", err)
	}
	return existing, nil
}

func (s *Service) withSlotLocks(ctx context.Context, slotIDs []string, fn func(ctx context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	keys := make([]string, len(slotIDs))
	for i, id := range slotIDs {
		keys[i] = redisclient.SlotLockKey(id)
	}
	return s.locker.WithLocks(ctx, keys, fn)
}

func (s *Service) newReservation(set SlotSet, patientID string, holdDuration time.Duration, clientHoldID string) (*Reservation, []Hold) {
	now := s.now().UTC()
	token := set.GroupToken
	if token == uuid.Nil {
		token = uuid.New()
	}

	res := &Reservation{
		ID:         uuid.New(),
		PatternID:  set.PatternID,
		ClinicID:   set.Slots[0].ClinicID,
		PatientID:  patientID,
		GroupToken: token,
		Slots:      set.Slots,
		Status:     ReservationHeld,
		ExpiresAt:  now.Add(holdDuration),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if clientHoldID != "" {
		res.ClientHoldID = &clientHoldID
	}

	holds := make([]Hold, len(set.Slots))
	for i, slot := range set.Slots {
		holds[i] = Hold{
			ID:            uuid.New(),
			ReservationID: res.ID,
			GroupToken:    token,
			SlotID:        slot.ID,
			PatientID:     patientID,
			DoctorID:      slot.DoctorID,
			RoomID:        slot.RoomID,
			StartTime:     slot.StartTime,
			EndTime:       slot.EndTime,
			Status:        HoldHeld,
			ExpiresAt:     res.ExpiresAt,
			CreatedAt:     now,
		}
	}
	return res, holds
}

func (s *Service) appointmentsFor(res *Reservation) []Appointment {
	now := s.now().UTC()
	appts := make([]Appointment, len(res.Slots))
	for i, slot := range res.Slots {
		appts[i] = Appointment{
			ID:            uuid.New(),
			ReservationID: res.ID,
			PatientID:     res.PatientID,
			SlotID:        slot.ID,
			DoctorID:      slot.DoctorID,
			RoomID:        slot.RoomID,
			ServiceID:     slot.ServiceID,
			StartTime:     slot.StartTime,
			EndTime:       slot.EndTime,
			Status:        AppointmentConfirmed,
			CreatedAt:     now,
		}
	}
	return appts
}

func (s *Service) logEvent(ctx context.Context, reservationID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to marshal event payload", "event", eventType, "error", err)
		data = nil
	}

	id := reservationID
	ev := EventLog{
		EventType:     eventType,
		ReservationID: &id,
		Payload:       data,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.repo.InsertEvent(context.WithoutCancel(ctx), ev); err != nil {
		s.log.Warn("failed to insert event log", "event", eventType, "reservation_id", reservationID, "error", err)
	}
}
