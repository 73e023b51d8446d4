package evaluator

import (
	"context"
	"errors"
	"time"
)

var ErrRoomNotFound = errors.New("room not found")

type Room struct {
	ID            string
	Type          string
	Equipment     []string
	DailyCapacity int
}

// Booking is an interval already taken by a confirmed appointment or a live hold.
type Booking struct {
	SlotID    string
	StartTime time.Time
	EndTime   time.Time
}

// Facts is the read side of the rule store the predicates consult.
type Facts interface {
	AuthorizedRooms(ctx context.Context, doctorID string) ([]string, error)
	DoctorBookings(ctx context.Context, doctorID string, day time.Time) ([]Booking, error)
	Room(ctx context.Context, roomID string) (Room, error)
	RoomBookings(ctx context.Context, roomID string, day time.Time) ([]Booking, error)
	ServiceRoomTypes(ctx context.Context, serviceID string) ([]string, error)
	PreferredRooms(ctx context.Context, doctorID string) ([]string, error)
}

// dayBounds returns [midnight, next midnight) of t in t's location.
func dayBounds(t time.Time) (time.Time, time.Time) {
	y, m, d := t.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 0, 1)
}
