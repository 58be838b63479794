package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence boundary of the arbiter. Every state change runs
// inside InTx; if fn returns an error, or ctx is done before commit, nothing
// is committed.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error)
	GetRoom(ctx context.Context, id uuid.UUID) (*Room, error)
	ListRooms(ctx context.Context) ([]Room, error)
}

// Tx is the set of reads and writes the arbiter performs atomically.
type Tx interface {
	// LockDoctor fails with ErrDoctorNotFound if the doctor does not exist.
	LockDoctor(ctx context.Context, id uuid.UUID) error
	PatientExists(ctx context.Context, id uuid.UUID) error
	// LockRoom returns the room with its history.
	LockRoom(ctx context.Context, id uuid.UUID) (*Room, error)
	GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// FindOverlapping lists active appointments on the given resource
	// (ResourceDoctor or ResourceRoom) whose interval overlaps iv, skipping
	// excludeID.
	FindOverlapping(ctx context.Context, resource string, id uuid.UUID, iv Interval, excludeID uuid.UUID) ([]Appointment, error)

	InsertAppointment(ctx context.Context, a *Appointment) error
	UpdateAppointment(ctx context.Context, a *Appointment) error
	DeleteAppointment(ctx context.Context, id uuid.UUID) error

	SetRoomOccupant(ctx context.Context, roomID uuid.UUID, patientID *uuid.UUID, at time.Time) error
	AppendAssignment(ctx context.Context, roomID uuid.UUID, a Assignment) error
	// CloseAssignment sets the discharge time on the most recent open
	// history entry of the room.
	CloseAssignment(ctx context.Context, roomID uuid.UUID, at time.Time) error

	AppendEvents(ctx context.Context, events []Event) error
}

// Outbox exposes events committed by the arbiter that have not been
// published yet.
type Outbox interface {
	PendingEvents(ctx context.Context, limit int) ([]Event, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error
}
