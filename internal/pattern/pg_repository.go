package pattern

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hackgods/scheduling-rule-engine/internal/db"
	"github.com/hackgods/scheduling-rule-engine/internal/evaluator"
	"github.com/hackgods/scheduling-rule-engine/internal/policy"
)

const uniqueViolation = "23505"

type PgRepository struct {
	db db.DB
}

func NewPgRepository(conn db.DB) *PgRepository {
	return &PgRepository{db: conn}
}

// InTx runs fn against a repository bound to a single transaction.
func (r *PgRepository) InTx(ctx context.Context, fn func(repo Repository) error) error {
	return db.InTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(&PgRepository{db: tx})
	})
}

// Helpers

const (
	reservationColumns = `id, pattern_id, clinic_id, patient_id, group_token, client_hold_id,
		       slots, status, cancel_reason, expires_at, created_at, updated_at`
	holdColumns = `id, reservation_id, group_token, slot_id, patient_id, doctor_id, room_id,
		       start_time, end_time, status, expires_at, created_at`
	appointmentColumns = `id, reservation_id, patient_id, slot_id, doctor_id, room_id, service_id,
		       start_time, end_time, status, created_at`
	eventColumns = `event_type, reservation_id, payload, created_at`
)

func scanReservation(row pgx.Row) (*Reservation, error) {
	var (
		res   Reservation
		slots []byte
	)
	err := row.Scan(
		&res.ID,
		&res.PatternID,
		&res.ClinicID,
		&res.PatientID,
		&res.GroupToken,
		&res.ClientHoldID,
		&slots,
		&res.Status,
		&res.CancelReason,
		&res.ExpiresAt,
		&res.CreatedAt,
		&res.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}

	if len(slots) > 0 {
		if err := json.Unmarshal(slots, &res.Slots); err != nil {
			return nil, fmt.Errorf("decode slots of reservation %s: %w", res.ID, err)
		}
	}
	return &res, nil
}

func scanHold(row pgx.Row) (Hold, error) {
	var h Hold
	err := row.Scan(
		&h.ID,
		&h.ReservationID,
		&h.GroupToken,
		&h.SlotID,
		&h.PatientID,
		&h.DoctorID,
		&h.RoomID,
		&h.StartTime,
		&h.EndTime,
		&h.Status,
		&h.ExpiresAt,
		&h.CreatedAt,
	)
	return h, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Interface methods

func (r *PgRepository) GetPattern(ctx context.Context, patternID string) (*policy.VisitPattern, error) {
	var (
		p      policy.VisitPattern
		visits []byte
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, name, visits, same_doctor, same_location
		FROM visit_patterns
		WHERE id = $1
	`, patternID).Scan(&p.ID, &p.Name, &visits, &p.SameDoctor, &p.SameLocation)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatternNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(visits, &p.Visits); err != nil {
		return nil, fmt.Errorf("decode visits of pattern %s: %w", patternID, err)
	}
	return &p, nil
}

func (r *PgRepository) GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+reservationColumns+`
		FROM pattern_reservations
		WHERE id = $1
	`, id)
	return scanReservation(row)
}

func (r *PgRepository) GetHeldReservationByClientHoldID(ctx context.Context, clientHoldID string) (*Reservation, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+reservationColumns+`
		FROM pattern_reservations
		WHERE client_hold_id = $1
		  AND status = 'held'
	`, clientHoldID)
	return scanReservation(row)
}

func (r *PgRepository) ListHolds(ctx context.Context, reservationID uuid.UUID) ([]Hold, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+holdColumns+`
		FROM holds
		WHERE reservation_id = $1
		ORDER BY start_time
	`, reservationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, fmt.Errorf("scan hold: %w", err)
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

func (r *PgRepository) SlotConflicts(ctx context.Context, slotIDs []string, now time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT slot_id
		FROM holds
		WHERE slot_id = ANY($1)
		  AND status = 'held'
		  AND expires_at > $2
		UNION
		SELECT slot_id
		FROM appointments
		WHERE slot_id = ANY($1)
		  AND status = 'confirmed'
		ORDER BY slot_id
	`, slotIDs, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

func (r *PgRepository) InsertHold(ctx context.Context, h Hold) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO holds (`+holdColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, h.ID, h.ReservationID, h.GroupToken, h.SlotID, h.PatientID, h.DoctorID, h.RoomID,
		h.StartTime, h.EndTime, h.Status, h.ExpiresAt, h.CreatedAt)
	return err
}

func (r *PgRepository) DeleteHold(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM holds WHERE id = $1`, id)
	return err
}

func (r *PgRepository) InsertReservation(ctx context.Context, res *Reservation) error {
	slots, err := json.Marshal(res.Slots)
	if err != nil {
		return fmt.Errorf("encode reservation slots: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO pattern_reservations (`+reservationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, res.ID, res.PatternID, res.ClinicID, res.PatientID, res.GroupToken, res.ClientHoldID,
		slots, res.Status, res.CancelReason, res.ExpiresAt, res.CreatedAt, res.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: client hold id already in use", ErrSlotUnavailable)
	}
	return err
}

func (r *PgRepository) UpdateReservationStatus(ctx context.Context, id uuid.UUID, from, to ReservationStatus, reason *string) (*Reservation, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE pattern_reservations
		SET status = $2,
		    cancel_reason = COALESCE($4, cancel_reason),
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+reservationColumns, id, to, from, reason)
	return scanReservation(row)
}

func (r *PgRepository) UpdateHoldStatus(ctx context.Context, reservationID uuid.UUID, from, to HoldStatus) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE holds
		SET status = $2
		WHERE reservation_id = $1
		  AND status = $3
	`, reservationID, to, from)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PgRepository) InsertAppointment(ctx context.Context, a Appointment) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.ReservationID, a.PatientID, a.SlotID, a.DoctorID, a.RoomID, a.ServiceID,
		a.StartTime, a.EndTime, a.Status, a.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrSlotUnavailable, a.SlotID)
	}
	return err
}

func (r *PgRepository) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	return err
}

func (r *PgRepository) FindExpiredReservations(ctx context.Context, now time.Time) ([]Reservation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM pattern_reservations
		WHERE status = 'held'
		  AND expires_at <= $1
		ORDER BY expires_at
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		result = append(result, *res)
	}
	return result, rows.Err()
}

func (r *PgRepository) ExpireStaleHolds(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE holds
		SET status = 'expired'
		WHERE status = 'held'
		  AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO reservation_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4)
	`, ev.EventType, ev.ReservationID, ev.Payload, ev.CreatedAt)
	return err
}

// PgSlotSource lists open slots that carry no live hold and no confirmed
// appointment.
type PgSlotSource struct {
	db db.DB
}

func NewPgSlotSource(conn db.DB) *PgSlotSource {
	return &PgSlotSource{db: conn}
}

func (s *PgSlotSource) FindSlots(ctx context.Context, q SlotQuery) ([]evaluator.Slot, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT sl.id, sl.clinic_id, sl.doctor_id, sl.room_id, rm.room_type,
		       COALESCE(sl.service_id, ''), sl.start_time, sl.end_time
		FROM appointment_slots sl
		JOIN rooms rm ON rm.id = sl.room_id
		WHERE sl.clinic_id = $1
		  AND sl.status = 'open'
		  AND sl.start_time >= $2
		  AND sl.start_time < $3
		  AND sl.end_time - sl.start_time >= make_interval(secs => $4)
		  AND ($5 = '' OR sl.doctor_id = $5)
		  AND ($6 = '' OR sl.service_id IS NULL OR sl.service_id = $6)
		  AND NOT EXISTS (
		      SELECT 1 FROM holds h
		      WHERE h.slot_id = sl.id AND h.status = 'held' AND h.expires_at > now()
		  )
		  AND NOT EXISTS (
		      SELECT 1 FROM appointments a
		      WHERE a.slot_id = sl.id AND a.status = 'confirmed'
		  )
		ORDER BY sl.start_time, sl.id
		LIMIT $7
	`, q.ClinicID, q.From, q.To, q.MinDuration.Seconds(), q.DoctorID, q.ServiceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []evaluator.Slot
	for rows.Next() {
		var sl evaluator.Slot
		if err := rows.Scan(
			&sl.ID,
			&sl.ClinicID,
			&sl.DoctorID,
			&sl.RoomID,
			&sl.RoomType,
			&sl.ServiceID,
			&sl.StartTime,
			&sl.EndTime,
		); err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		sl.Available = true
		result = append(result, sl)
	}
	return result, rows.Err()
}
