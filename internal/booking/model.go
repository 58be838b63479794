package booking

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransitionTo allows Scheduled -> Completed and Scheduled -> Cancelled.
// Completed and Cancelled are terminal.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	return s == StatusScheduled && next.Terminal()
}

type RoomType string

const (
	RoomAC    RoomType = "AC"
	RoomNonAC RoomType = "Non-AC"
)

func (t RoomType) Valid() bool {
	return t == RoomAC || t == RoomNonAC
}

type Appointment struct {
	ID        uuid.UUID
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	RoomID    *uuid.UUID
	Start     time.Time
	End       time.Time
	Status    Status
	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a *Appointment) Interval() Interval {
	return Interval{Start: a.Start, End: a.End}
}

// IsActive reports whether the appointment still blocks its doctor and room.
// Only scheduled appointments do.
func (a *Appointment) IsActive() bool {
	return a.Status == StatusScheduled
}

func (a *Appointment) clone() *Appointment {
	c := *a
	if a.RoomID != nil {
		id := *a.RoomID
		c.RoomID = &id
	}
	return &c
}

type Room struct {
	ID               uuid.UUID
	Number           string
	Type             RoomType
	CurrentPatientID *uuid.UUID
	History          []Assignment
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Occupied is derived from CurrentPatientID so the two can never disagree.
func (r *Room) Occupied() bool {
	return r.CurrentPatientID != nil
}

func (r *Room) clone() *Room {
	c := *r
	if r.CurrentPatientID != nil {
		id := *r.CurrentPatientID
		c.CurrentPatientID = &id
	}
	c.History = make([]Assignment, len(r.History))
	copy(c.History, r.History)
	return &c
}

// openAssignment returns the most recent history entry without a discharge
// time, or -1.
func (r *Room) openAssignment() int {
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].ActualDischarge == nil {
			return i
		}
	}
	return -1
}

// Assignment is one entry of a room's append-only occupancy history.
type Assignment struct {
	ID                uuid.UUID
	PatientID         uuid.UUID
	DoctorID          *uuid.UUID
	NurseID           *uuid.UUID
	AssignedAt        time.Time
	ExpectedDischarge *time.Time
	ActualDischarge   *time.Time
	Reason            string
}

type ProposeRequest struct {
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	RoomID    *uuid.UUID
	Start     time.Time
	End       time.Time
	Notes     string
}

func (r ProposeRequest) validate() error {
	switch {
	case r.DoctorID == uuid.Nil:
		return missing("doctorId")
	case r.PatientID == uuid.Nil:
		return missing("patientId")
	case r.RoomID != nil && *r.RoomID == uuid.Nil:
		return missing("roomId")
	case r.Start.IsZero():
		return missing("start")
	case r.End.IsZero():
		return missing("end")
	case !r.Start.Before(r.End):
		return ErrInvalidInterval
	}
	return nil
}

// AppointmentChanges is a partial update. Nil fields keep their current
// value. ClearRoom detaches the room and cannot be combined with RoomID.
type AppointmentChanges struct {
	DoctorID  *uuid.UUID
	RoomID    *uuid.UUID
	ClearRoom bool
	Start     *time.Time
	End       *time.Time
	Status    *Status
	Notes     *string
}

func (c AppointmentChanges) empty() bool {
	return c.DoctorID == nil && c.RoomID == nil && !c.ClearRoom &&
		c.Start == nil && c.End == nil && c.Status == nil && c.Notes == nil
}

func (c AppointmentChanges) touchesSchedule() bool {
	return c.DoctorID != nil || c.RoomID != nil || c.ClearRoom || c.Start != nil || c.End != nil
}

// apply returns the appointment that results from applying c to cur.
func (c AppointmentChanges) apply(cur *Appointment, now time.Time) (*Appointment, error) {
	switch {
	case c.empty():
		return nil, invalid("no changes")
	case c.RoomID != nil && c.ClearRoom:
		return nil, invalid("roomId and clearRoom are mutually exclusive")
	case c.DoctorID != nil && *c.DoctorID == uuid.Nil:
		return nil, missing("doctorId")
	case c.RoomID != nil && *c.RoomID == uuid.Nil:
		return nil, missing("roomId")
	case c.Status != nil && !c.Status.Valid():
		return nil, invalid("unknown status " + string(*c.Status))
	}

	if cur.Status.Terminal() && c.touchesSchedule() {
		return nil, ErrInvalidTransition
	}
	if c.Status != nil && !cur.Status.CanTransitionTo(*c.Status) {
		return nil, ErrInvalidTransition
	}

	next := cur.clone()
	if c.DoctorID != nil {
		next.DoctorID = *c.DoctorID
	}
	if c.RoomID != nil {
		id := *c.RoomID
		next.RoomID = &id
	}
	if c.ClearRoom {
		next.RoomID = nil
	}
	if c.Start != nil {
		next.Start = *c.Start
	}
	if c.End != nil {
		next.End = *c.End
	}
	if c.Status != nil {
		next.Status = *c.Status
	}
	if c.Notes != nil {
		next.Notes = *c.Notes
	}
	if !next.Interval().Valid() {
		return nil, ErrInvalidInterval
	}
	next.UpdatedAt = now
	return next, nil
}

type AssignRequest struct {
	RoomID            uuid.UUID
	PatientID         uuid.UUID
	DoctorID          *uuid.UUID
	NurseID           *uuid.UUID
	ExpectedDischarge *time.Time
	Reason            string
}

func (r AssignRequest) validate() error {
	switch {
	case r.RoomID == uuid.Nil:
		return missing("roomId")
	case r.PatientID == uuid.Nil:
		return missing("patientId")
	}
	return nil
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// AppointmentFilter selects appointments for listing. From matches
// appointments ending at or after it, To matches those starting at or
// before it.
type AppointmentFilter struct {
	DoctorID  *uuid.UUID
	RoomID    *uuid.UUID
	PatientID *uuid.UUID
	Status    *Status
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

// Normalized applies the default and maximum page size and clamps a
// negative offset. Stores and callers reporting the page use it alike.
func (f AppointmentFilter) Normalized() AppointmentFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

func (f AppointmentFilter) matches(a *Appointment) bool {
	if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
		return false
	}
	if f.RoomID != nil && (a.RoomID == nil || *a.RoomID != *f.RoomID) {
		return false
	}
	if f.PatientID != nil && a.PatientID != *f.PatientID {
		return false
	}
	if f.Status != nil && a.Status != *f.Status {
		return false
	}
	if f.From != nil && a.End.Before(*f.From) {
		return false
	}
	if f.To != nil && a.Start.After(*f.To) {
		return false
	}
	return true
}
