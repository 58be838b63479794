package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/booking-arbiter/internal/booking"
)

type ProposeAppointmentRequest struct {
	DoctorID  string    `json:"doctorId"`
	PatientID string    `json:"patientId"`
	RoomID    *string   `json:"roomId,omitempty"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Notes     string    `json:"notes,omitempty"`
}

// UpdateAppointmentRequest is a partial update; omitted fields are kept.
type UpdateAppointmentRequest struct {
	DoctorID  *string    `json:"doctorId,omitempty"`
	RoomID    *string    `json:"roomId,omitempty"`
	ClearRoom bool       `json:"clearRoom,omitempty"`
	Start     *time.Time `json:"start,omitempty"`
	End       *time.Time `json:"end,omitempty"`
	Status    *string    `json:"status,omitempty"`
	Notes     *string    `json:"notes,omitempty"`
}

type AssignRoomRequest struct {
	PatientID         string     `json:"patientId"`
	DoctorID          *string    `json:"doctorId,omitempty"`
	NurseID           *string    `json:"nurseId,omitempty"`
	ExpectedDischarge *time.Time `json:"expectedDischarge,omitempty"`
	Reason            string     `json:"reason,omitempty"`
}

type AppointmentResponse struct {
	ID        uuid.UUID  `json:"id"`
	DoctorID  uuid.UUID  `json:"doctorId"`
	PatientID uuid.UUID  `json:"patientId"`
	RoomID    *uuid.UUID `json:"roomId,omitempty"`
	Start     time.Time  `json:"start"`
	End       time.Time  `json:"end"`
	Status    string     `json:"status"`
	Notes     string     `json:"notes,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

type ListAppointmentsResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
	Limit        int                   `json:"limit"`
	Offset       int                   `json:"offset"`
}

type DeleteAppointmentResponse struct {
	ID      uuid.UUID `json:"id"`
	Deleted bool      `json:"deleted"`
}

type AssignmentResponse struct {
	PatientID         uuid.UUID  `json:"patientId"`
	DoctorID          *uuid.UUID `json:"doctorId,omitempty"`
	NurseID           *uuid.UUID `json:"nurseId,omitempty"`
	AssignedAt        time.Time  `json:"assignedAt"`
	ExpectedDischarge *time.Time `json:"expectedDischarge,omitempty"`
	ActualDischarge   *time.Time `json:"actualDischarge,omitempty"`
	Reason            string     `json:"reason,omitempty"`
}

type RoomResponse struct {
	ID                uuid.UUID            `json:"id"`
	Number            string               `json:"number"`
	Type              string               `json:"type"`
	Occupied          bool                 `json:"occupied"`
	CurrentPatientID  *uuid.UUID           `json:"currentPatientId,omitempty"`
	AssignmentHistory []AssignmentResponse `json:"assignmentHistory,omitempty"`
	UpdatedAt         time.Time            `json:"updatedAt"`
}

type ListRoomsResponse struct {
	Rooms []RoomResponse `json:"rooms"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`

	// Set on slot conflicts so the caller can offer another doctor, room
	// or time.
	Resource                 string     `json:"resource,omitempty"`
	ResourceID               *uuid.UUID `json:"resourceId,omitempty"`
	ConflictingAppointmentID *uuid.UUID `json:"conflictingAppointmentId,omitempty"`
}

func toAppointmentResponse(a *booking.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:        a.ID,
		DoctorID:  a.DoctorID,
		PatientID: a.PatientID,
		RoomID:    a.RoomID,
		Start:     a.Start,
		End:       a.End,
		Status:    string(a.Status),
		Notes:     a.Notes,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func toRoomResponse(r *booking.Room) RoomResponse {
	resp := RoomResponse{
		ID:               r.ID,
		Number:           r.Number,
		Type:             string(r.Type),
		Occupied:         r.Occupied(),
		CurrentPatientID: r.CurrentPatientID,
		UpdatedAt:        r.UpdatedAt,
	}
	for _, h := range r.History {
		resp.AssignmentHistory = append(resp.AssignmentHistory, AssignmentResponse{
			PatientID:         h.PatientID,
			DoctorID:          h.DoctorID,
			NurseID:           h.NurseID,
			AssignedAt:        h.AssignedAt,
			ExpectedDischarge: h.ExpectedDischarge,
			ActualDischarge:   h.ActualDischarge,
			Reason:            h.Reason,
		})
	}
	return resp
}
