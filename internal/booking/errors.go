package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hackgods/booking-arbiter/internal/lock"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrInvalidInterval = fmt.Errorf("%w: start must be before end", ErrValidation)
	ErrMissingField    = fmt.Errorf("%w: missing required field", ErrValidation)

	ErrNotFound            = errors.New("not found")
	ErrDoctorNotFound      = fmt.Errorf("doctor %w", ErrNotFound)
	ErrPatientNotFound     = fmt.Errorf("patient %w", ErrNotFound)
	ErrRoomNotFound        = fmt.Errorf("room %w", ErrNotFound)
	ErrAppointmentNotFound = fmt.Errorf("appointment %w", ErrNotFound)

	ErrSlotConflict      = errors.New("slot conflict")
	ErrRoomOccupied      = errors.New("room is occupied")
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTransient marks failures after which nothing was committed and the
	// whole operation may be retried.
	ErrTransient = errors.New("transient failure, retry the operation")
)

const (
	ResourceDoctor = "doctor"
	ResourceRoom   = "room"
)

// ConflictError names the resource that blocked an admission and the
// appointment already holding it.
type ConflictError struct {
	Resource      string
	ResourceID    uuid.UUID
	AppointmentID uuid.UUID
}

func (e *ConflictError) Error() string {
	if e.AppointmentID == uuid.Nil {
		return fmt.Sprintf("slot conflict: %s %s is already booked", e.Resource, e.ResourceID)
	}
	return fmt.Sprintf("slot conflict: %s %s is already booked by appointment %s", e.Resource, e.ResourceID, e.AppointmentID)
}

func (e *ConflictError) Unwrap() error {
	return ErrSlotConflict
}

func missing(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}

// classify folds lock timeouts and context expiry into ErrTransient.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTransient):
		return err
	case errors.Is(err, lock.ErrNotAcquired),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

// outcome is the metrics label for an operation result.
func outcome(err error) string {
	var conflict *ConflictError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &conflict):
		return conflict.Resource + "_conflict"
	case errors.Is(err, ErrRoomOccupied):
		return "room_occupied"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrTransient):
		return "transient"
	}
	return "error"
}
