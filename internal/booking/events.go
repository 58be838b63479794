package booking

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventAppointmentCreated   EventType = "appointment.created"
	EventAppointmentUpdated   EventType = "appointment.updated"
	EventAppointmentCancelled EventType = "appointment.cancelled"
	EventAppointmentDeleted   EventType = "appointment.deleted"
	EventRoomUpdated          EventType = "room.updated"
)

const (
	TopicAppointments = "appointments"
	TopicRooms        = "rooms"
)

// Event is a domain event produced by a committed arbiter decision. The
// arbiter returns events to its caller and writes them to the outbox in the
// same transaction; it never delivers them itself.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	Type       EventType       `json:"type"`
	EntityID   uuid.UUID       `json:"entityId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

func (e Event) Topic() string {
	if strings.HasPrefix(string(e.Type), "room.") {
		return TopicRooms
	}
	return TopicAppointments
}

type AppointmentPayload struct {
	AppointmentID uuid.UUID  `json:"appointmentId"`
	DoctorID      uuid.UUID  `json:"doctorId"`
	RoomID        *uuid.UUID `json:"roomId,omitempty"`
	Start         time.Time  `json:"start"`
	End           time.Time  `json:"end"`
	Status        Status     `json:"status"`
}

type RoomPayload struct {
	RoomID    uuid.UUID  `json:"roomId"`
	Occupied  bool       `json:"occupied"`
	PatientID *uuid.UUID `json:"patientId,omitempty"`
}

func appointmentPayload(a *Appointment) AppointmentPayload {
	return AppointmentPayload{
		AppointmentID: a.ID,
		DoctorID:      a.DoctorID,
		RoomID:        a.RoomID,
		Start:         a.Start,
		End:           a.End,
		Status:        a.Status,
	}
}

func roomPayload(r *Room) RoomPayload {
	return RoomPayload{
		RoomID:    r.ID,
		Occupied:  r.Occupied(),
		PatientID: r.CurrentPatientID,
	}
}
