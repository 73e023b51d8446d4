package pattern

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reservationCols = []string{
	"id", "pattern_id", "clinic_id", "patient_id", "group_token", "client_hold_id",
	"slots", "status", "cancel_reason", "expires_at", "created_at", "updated_at",
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestPgGetPatternDecodesVisits(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery("FROM visit_patterns").WithArgs("implant").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "visits", "same_doctor", "same_location"}).
			AddRow("implant", "Implant course",
				[]byte(`[{"name":"surgery","duration_minutes":90,"service_id":"svc-surgery"},{"name":"check","duration_minutes":30,"service_id":"svc-check","offset":{"min_days":7,"max_days":14}}]`),
				true, false))

	p, err := NewPgRepository(mock).GetPattern(context.Background(), "implant")
	require.NoError(t, err)
	require.Len(t, p.Visits, 2)
	assert.True(t, p.SameDoctor)
	require.NotNil(t, p.Visits[1].Offset)
	assert.Equal(t, 14, p.Visits[1].Offset.MaxDays)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgGetPatternNotFound(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery("FROM visit_patterns").WithArgs("nope").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "visits", "same_doctor", "same_location"}))

	_, err := NewPgRepository(mock).GetPattern(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrPatternNotFound)
}

func TestPgUpdateReservationStatusNotInFromState(t *testing.T) {
	mock := newMock(t)
	id := uuid.New()
	mock.ExpectQuery("UPDATE pattern_reservations").
		WithArgs(id, ReservationConfirmed, ReservationHeld, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(reservationCols))

	_, err := NewPgRepository(mock).UpdateReservationStatus(context.Background(), id, ReservationHeld, ReservationConfirmed, nil)
	assert.ErrorIs(t, err, ErrReservationNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgSlotConflicts(t *testing.T) {
	mock := newMock(t)
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM holds").WithArgs([]string{"s-1", "s-2"}, now).
		WillReturnRows(pgxmock.NewRows([]string{"slot_id"}).AddRow("s-2"))

	ids, err := NewPgRepository(mock).SlotConflicts(context.Background(), []string{"s-1", "s-2"}, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"s-2"}, ids)
}

func TestPgUpdateHoldStatusReportsRows(t *testing.T) {
	mock := newMock(t)
	id := uuid.New()
	mock.ExpectExec("UPDATE holds").WithArgs(id, HoldConverted, HoldHeld).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := NewPgRepository(mock).UpdateHoldStatus(context.Background(), id, HoldHeld, HoldConverted)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestPgInsertAppointmentMapsUniqueViolation(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(insertPattern("appointments", appointmentColumns)).
		WillReturnError(&pgconn.PgError{Code: uniqueViolation})

	err := NewPgRepository(mock).InsertAppointment(context.Background(), Appointment{ID: uuid.New(), SlotID: "s-1"})
	assert.ErrorIs(t, err, ErrSlotUnavailable)
}

func TestPgInTxCommitsAndRollsBack(t *testing.T) {
	t.Run("commit", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(insertPattern("holds", holdColumns)).WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec(insertPattern("pattern_reservations", reservationColumns)).WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		err := NewPgRepository(mock).InTx(context.Background(), func(repo Repository) error {
			if err := repo.InsertHold(context.Background(), Hold{ID: uuid.New(), SlotID: "s-1"}); err != nil {
				return err
			}
			return repo.InsertReservation(context.Background(), &Reservation{ID: uuid.New()})
		})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rollback", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(insertPattern("holds", holdColumns)).WillReturnError(errors.New("boom"))
		mock.ExpectRollback()

		err := NewPgRepository(mock).InTx(context.Background(), func(repo Repository) error {
			return repo.InsertHold(context.Background(), Hold{ID: uuid.New(), SlotID: "s-1"})
		})
		require.Error(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgSlotSourceFindSlots(t *testing.T) {
	mock := newMock(t)
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM appointment_slots").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "clinic_id", "doctor_id", "room_id", "room_type", "service_id", "start_time", "end_time",
		}).AddRow("s-1", "c-1", "doc-a", "room-1", "operatory", "", start, start.Add(90*time.Minute)))

	slots, err := NewPgSlotSource(mock).FindSlots(context.Background(), SlotQuery{
		ClinicID:    "c-1",
		From:        start.Add(-time.Hour),
		To:          start.Add(time.Hour),
		MinDuration: 90 * time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.True(t, slots[0].Available)
	assert.Equal(t, 90*time.Minute, slots[0].Duration())
	require.NoError(t, mock.ExpectationsWereMet())
}
