package pattern

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/scheduling-rule-engine/internal/evaluator"
	"github.com/hackgods/scheduling-rule-engine/internal/policy"
)

var errInjected = errors.New("injected failure")

type memRepo struct {
	mu           sync.Mutex
	patterns     map[string]policy.VisitPattern
	reservations map[uuid.UUID]Reservation
	holds        map[uuid.UUID]Hold
	appointments map[uuid.UUID]Appointment
	events       []EventLog

	// 1-based call numbers that fail; zero never fails.
	failHoldInsertAt  int
	failApptInsertAt  int
	holdInserts       int
	apptInserts       int
	failReservation   error
	failStatusUpdate  error
	failHoldDeletions int
}

func newMemRepo() *memRepo {
	return &memRepo{
		patterns:     map[string]policy.VisitPattern{},
		reservations: map[uuid.UUID]Reservation{},
		holds:        map[uuid.UUID]Hold{},
		appointments: map[uuid.UUID]Appointment{},
	}
}

// txRepo adds all-or-nothing InTx on top of memRepo.
type txRepo struct {
	*memRepo
}

func (t txRepo) InTx(ctx context.Context, fn func(repo Repository) error) error {
	t.mu.Lock()
	holds := cloneMap(t.holds)
	reservations := cloneMap(t.reservations)
	appointments := cloneMap(t.appointments)
	t.mu.Unlock()

	if err := fn(t.memRepo); err != nil {
		t.mu.Lock()
		t.holds, t.reservations, t.appointments = holds, reservations, appointments
		t.mu.Unlock()
		return err
	}
	return nil
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m *memRepo) GetPattern(ctx context.Context, patternID string) (*policy.VisitPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patterns[patternID]
	if !ok {
		return nil, ErrPatternNotFound
	}
	return &p, nil
}

func (m *memRepo) GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	return &r, nil
}

func (m *memRepo) GetHeldReservationByClientHoldID(ctx context.Context, clientHoldID string) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reservations {
		if r.ClientHoldID != nil && *r.ClientHoldID == clientHoldID && r.Status == ReservationHeld {
			return &r, nil
		}
	}
	return nil, ErrReservationNotFound
}

func (m *memRepo) ListHolds(ctx context.Context, reservationID uuid.UUID) ([]Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Hold
	for _, h := range m.holds {
		if h.ReservationID == reservationID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *memRepo) SlotConflicts(ctx context.Context, slotIDs []string, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[string]bool{}
	for _, id := range slotIDs {
		want[id] = true
	}
	seen := map[string]bool{}
	for _, h := range m.holds {
		if want[h.SlotID] && h.Status == HoldHeld && h.ExpiresAt.After(now) {
			seen[h.SlotID] = true
		}
	}
	for _, a := range m.appointments {
		if want[a.SlotID] && a.Status == AppointmentConfirmed {
			seen[a.SlotID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memRepo) InsertHold(ctx context.Context, h Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdInserts++
	if m.failHoldInsertAt > 0 && m.holdInserts == m.failHoldInsertAt {
		return errInjected
	}
	m.holds[h.ID] = h
	return nil
}

func (m *memRepo) DeleteHold(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failHoldDeletions > 0 {
		m.failHoldDeletions--
		return errInjected
	}
	delete(m.holds, id)
	return nil
}

func (m *memRepo) InsertReservation(ctx context.Context, r *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReservation != nil {
		return m.failReservation
	}
	m.reservations[r.ID] = *r
	return nil
}

func (m *memRepo) UpdateReservationStatus(ctx context.Context, id uuid.UUID, from, to ReservationStatus, reason *string) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failStatusUpdate != nil {
		return nil, m.failStatusUpdate
	}
	r, ok := m.reservations[id]
	if !ok || r.Status != from {
		return nil, ErrReservationNotFound
	}
	r.Status = to
	if reason != nil {
		rs := *reason
		r.CancelReason = &rs
	}
	r.UpdatedAt = time.Now()
	m.reservations[id] = r
	return &r, nil
}

func (m *memRepo) UpdateHoldStatus(ctx context.Context, reservationID uuid.UUID, from, to HoldStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, h := range m.holds {
		if h.ReservationID == reservationID && h.Status == from {
			h.Status = to
			m.holds[id] = h
			n++
		}
	}
	return n, nil
}

func (m *memRepo) InsertAppointment(ctx context.Context, a Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apptInserts++
	if m.failApptInsertAt > 0 && m.apptInserts == m.failApptInsertAt {
		return errInjected
	}
	m.appointments[a.ID] = a
	return nil
}

func (m *memRepo) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.appointments, id)
	return nil
}

func (m *memRepo) FindExpiredReservations(ctx context.Context, now time.Time) ([]Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Reservation
	for _, r := range m.reservations {
		if r.Status == ReservationHeld && !r.ExpiresAt.After(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRepo) ExpireStaleHolds(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, h := range m.holds {
		if h.Status == HoldHeld && !h.ExpiresAt.After(now) {
			h.Status = HoldExpired
			m.holds[id] = h
			n++
		}
	}
	return n, nil
}

func (m *memRepo) InsertEvent(ctx context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memRepo) holdsWithStatus(status HoldStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.holds {
		if h.Status == status {
			n++
		}
	}
	return n
}

func (m *memRepo) counts() (holds, reservations, appointments int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.holds), len(m.reservations), len(m.appointments)
}

func (m *memRepo) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.EventType
	}
	return out
}

// fakeSlots filters a fixed slot list the way PgSlotSource filters the table.
type fakeSlots struct {
	slots []evaluator.Slot
	err   error
}

func (f *fakeSlots) FindSlots(ctx context.Context, q SlotQuery) ([]evaluator.Slot, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []evaluator.Slot
	for _, s := range f.slots {
		switch {
		case s.ClinicID != q.ClinicID:
		case s.StartTime.Before(q.From) || !s.StartTime.Before(q.To):
		case q.DoctorID != "" && s.DoctorID != q.DoctorID:
		case q.ServiceID != "" && s.ServiceID != "" && s.ServiceID != q.ServiceID:
		case s.Duration() < q.MinDuration:
		default:
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// fakeEval scores slots from a table; unlisted slots score 100.
type fakeEval struct {
	scores  map[string]float64
	invalid map[string]bool
}

func (f *fakeEval) EvaluateSlots(ctx context.Context, evalCtx evaluator.Context, slots []evaluator.Slot) ([]evaluator.Result, error) {
	out := make([]evaluator.Result, 0, len(slots))
	for _, s := range slots {
		score, ok := f.scores[s.ID]
		if !ok {
			score = 100
		}
		out = append(out, evaluator.Result{SlotID: s.ID, IsValid: !f.invalid[s.ID], Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

type staticSnapshots struct {
	snap *policy.Snapshot
}

func (s staticSnapshots) Get(ctx context.Context, clinicID string, version int, checkFreshness bool) (*policy.Snapshot, bool, error) {
	if s.snap == nil {
		return nil, false, nil
	}
	return s.snap, true, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func slotAt(id, doctorID, roomID string, start time.Time, minutes int) evaluator.Slot {
	return evaluator.Slot{
		ID:        id,
		ClinicID:  "c-1",
		DoctorID:  doctorID,
		RoomID:    roomID,
		RoomType:  "operatory",
		StartTime: start,
		EndTime:   start.Add(time.Duration(minutes) * time.Minute),
		Available: true,
	}
}
