package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/scheduling-rule-engine/internal/db"
)

// PgFacts reads predicate facts straight from Postgres.
type PgFacts struct {
	db db.DB
}

func NewPgFacts(conn db.DB) *PgFacts {
	return &PgFacts{db: conn}
}

func (f *PgFacts) AuthorizedRooms(ctx context.Context, doctorID string) ([]string, error) {
	return f.strings(ctx, `
		SELECT room_id
		FROM doctors_rooms
		WHERE doctor_id = $1
		ORDER BY room_id
	`, doctorID)
}

func (f *PgFacts) PreferredRooms(ctx context.Context, doctorID string) ([]string, error) {
	return f.strings(ctx, `
		SELECT room_id
		FROM doctor_preferred_rooms
		WHERE doctor_id = $1
		ORDER BY rank, room_id
	`, doctorID)
}

// DoctorBookings returns confirmed appointments and live holds of the doctor
// on the day of day.
func (f *PgFacts) DoctorBookings(ctx context.Context, doctorID string, day time.Time) ([]Booking, error) {
	from, to := dayBounds(day)
	return f.bookings(ctx, `
		SELECT slot_id, start_time, end_time
		FROM appointments
		WHERE doctor_id = $1
		  AND status = 'confirmed'
		  AND start_time >= $2 AND start_time < $3
		UNION ALL
		SELECT slot_id, start_time, end_time
		FROM holds
		WHERE doctor_id = $1
		  AND status = 'held'
		  AND expires_at > now()
		  AND start_time >= $2 AND start_time < $3
		ORDER BY start_time
	`, doctorID, from, to)
}

func (f *PgFacts) RoomBookings(ctx context.Context, roomID string, day time.Time) ([]Booking, error) {
	from, to := dayBounds(day)
	return f.bookings(ctx, `
		SELECT slot_id, start_time, end_time
		FROM appointments
		WHERE room_id = $1
		  AND status = 'confirmed'
		  AND start_time >= $2 AND start_time < $3
		UNION ALL
		SELECT slot_id, start_time, end_time
		FROM holds
		WHERE room_id = $1
		  AND status = 'held'
		  AND expires_at > now()
		  AND start_time >= $2 AND start_time < $3
		ORDER BY start_time
	`, roomID, from, to)
}

func (f *PgFacts) Room(ctx context.Context, roomID string) (Room, error) {
	var r Room
	err := f.db.QueryRow(ctx, `
		SELECT id, room_type, equipment, daily_capacity
		FROM rooms
		WHERE id = $1
	`, roomID).Scan(&r.ID, &r.Type, &r.Equipment, &r.DailyCapacity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Room{}, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
		}
		return Room{}, fmt.Errorf("load room: %w", err)
	}
	return r, nil
}

func (f *PgFacts) ServiceRoomTypes(ctx context.Context, serviceID string) ([]string, error) {
	var types []string
	err := f.db.QueryRow(ctx, `
		SELECT required_room_types
		FROM services
		WHERE id = $1
	`, serviceID).Scan(&types)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load service room types: %w", err)
	}
	return types, nil
}

func (f *PgFacts) strings(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := f.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (f *PgFacts) bookings(ctx context.Context, sql string, args ...any) ([]Booking, error) {
	rows, err := f.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Booking
	for rows.Next() {
		var b Booking
		if err := rows.Scan(&b.SlotID, &b.StartTime, &b.EndTime); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// PgRecorder appends evaluation telemetry to rule_evaluations.
type PgRecorder struct {
	db db.DB
}

func NewPgRecorder(conn db.DB) *PgRecorder {
	return &PgRecorder{db: conn}
}

func (r *PgRecorder) RecordEvaluation(ctx context.Context, rec Record) error {
	violated, err := json.Marshal(rec.Result.ViolatedRules)
	if err != nil {
		return fmt.Errorf("encode violations: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO rule_evaluations (
			id, clinic_id, patient_id, correlation_id, slot_id,
			is_valid, score, violated_rules, policy_version, fast_mode, latency_ms, evaluated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		uuid.New(),
		rec.ClinicID,
		rec.PatientID,
		rec.CorrelationID,
		rec.SlotID,
		rec.Result.IsValid,
		rec.Result.Score,
		violated,
		rec.Result.PolicyVersion,
		rec.Result.FastMode,
		float64(rec.Latency.Microseconds())/1000,
		rec.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert rule evaluation: %w", err)
	}
	return nil
}
