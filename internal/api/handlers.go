package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/booking-arbiter/internal/booking"
)

// Arbiter is the subset of *booking.Arbiter the HTTP layer drives.
type Arbiter interface {
	Propose(ctx context.Context, req booking.ProposeRequest) (*booking.Appointment, []booking.Event, error)
	Update(ctx context.Context, id uuid.UUID, changes booking.AppointmentChanges) (*booking.Appointment, []booking.Event, error)
	Cancel(ctx context.Context, id uuid.UUID) (*booking.Appointment, []booking.Event, error)
	Delete(ctx context.Context, id uuid.UUID) ([]booking.Event, error)
	AssignRoom(ctx context.Context, req booking.AssignRequest) (*booking.Room, []booking.Event, error)
	ReleaseRoom(ctx context.Context, roomID uuid.UUID) (*booking.Room, []booking.Event, error)

	GetAppointment(ctx context.Context, id uuid.UUID) (*booking.Appointment, error)
	ListAppointments(ctx context.Context, f booking.AppointmentFilter) ([]booking.Appointment, error)
	GetRoom(ctx context.Context, id uuid.UUID) (*booking.Room, error)
	ListRooms(ctx context.Context) ([]booking.Room, error)
}

// EventDispatcher receives the events of a committed decision. Dispatch
// must not block.
type EventDispatcher interface {
	Dispatch(events []booking.Event)
}

type handlers struct {
	arb    Arbiter
	events EventDispatcher
	log    *zap.Logger
}

func (h *handlers) dispatch(events []booking.Event) {
	if h.events == nil || len(events) == 0 {
		return
	}
	h.events.Dispatch(events)
}

func (h *handlers) proposeAppointment(w http.ResponseWriter, r *http.Request) {
	var req ProposeAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	doctorID, err := uuid.Parse(req.DoctorID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctorId must be a valid UUID")
		return
	}
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patientId must be a valid UUID")
		return
	}
	roomID, ok := parseOptionalID(w, req.RoomID, "room")
	if !ok {
		return
	}

	appt, events, err := h.arb.Propose(r.Context(), booking.ProposeRequest{
		DoctorID:  doctorID,
		PatientID: patientID,
		RoomID:    roomID,
		Start:     req.Start,
		End:       req.End,
		Notes:     req.Notes,
	})
	if err != nil {
		writeBookingError(w, r, h.log, err)
		return
	}
	h.dispatch(events)

	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *handlers) listAppointments(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseAppointmentFilter(w, r)
	if !ok {
		return
	}

	filter = filter.Normalized()
	appts, err := h.arb.ListAppointments(r.Context(), filter)
	if err != nil {
		writeBookingError(w, r, h.log, err)
		return
	}

	resp := ListAppointmentsResponse{
		Appointments: make([]AppointmentResponse, 0, len(appts)),
		Limit:        filter.Limit,
		Offset:       filter.Offset,
	}
	for i := range appts {
		resp.Appointments = append(resp.Appointments, toAppointmentResponse(&appts[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "appointment")
	if !ok {
		return
	}

	appt, err := h.arb.GetAppointment(r.Context(), id)
	if err != nil {
		writeBookingError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) updateAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "appointment")
	if !ok {
		return
	}

	var req UpdateAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	changes := booking.AppointmentChanges{
		ClearRoom: req.ClearRoom,
		Start:     req.Start,
		End:       req.End,
		Notes:     req.Notes,
	}
	if changes.DoctorID, ok = parseOptionalID(w, req.DoctorID, "doctor"); !ok {
		return
	}
	if changes.RoomID, ok = parseOptionalID(w, req.RoomID, "room"); !ok {
		return
	}
	if req.Status != nil {
		s := booking.Status(*req.Status)
		changes.Status = &s
	}

	appt, events, err := h.arb.Update(r.Context(), id, changes)
	if err != nil {
		writeBookingError(w, r, h.log, err)
		return
	}
	h.dispatch(events)

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "appointment")
	if !ok {
		return
	}

	appt, events, err := h.arb.Cancel(r.Context(), id)
	if err != nil {
		writeBookingError(w, r, h.log, err)
		return
	}
	h.dispatch(events)

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) deleteAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "appointment")
	if !ok {
		return
	}

	events, err := h.arb.Delete(r.Context(), id)
	if err != nil {
		writeBookingError(w, r, h.log, err)
		return
	}
	h.dispatch(events)

	writeJSON(w, http.StatusOK, DeleteAppointmentResponse{ID: id, Deleted: true})
}

func (h *handlers) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.arb.ListRooms(r.Context())
	if err != nil {
		writeBookingError(w, r, h.log, err)
		return
	}

	resp := ListRoomsResponse{Rooms: make([]RoomResponse, 0, len(rooms))}
	for i := range rooms {
		resp.Rooms = append(resp.Rooms, toRoomResponse(&rooms[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) getRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "room")
	if !ok {
		return
	}

	room, err := h.arb.GetRoom(r.Context(), id)
	if err != nil {
		writeBookingError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toRoomResponse(room))
}

func (h *handlers) assignRoom(w http.ResponseWriter, r *http.Request) {
	roomID, ok := pathID(w, r, "room")
	if !ok {
		return
	}

	var req AssignRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patientId must be a valid UUID")
		return
	}

	assign := booking.AssignRequest{
		RoomID:            roomID,
		PatientID:         patientID,
		ExpectedDischarge: req.ExpectedDischarge,
		Reason:            req.Reason,
	}
	if assign.DoctorID, ok = parseOptionalID(w, req.DoctorID, "doctor"); !ok {
		return
	}
	if assign.NurseID, ok = parseOptionalID(w, req.NurseID, "nurse"); !ok {
		return
	}

	room, events, err := h.arb.AssignRoom(r.Context(), assign)
	if err != nil {
		writeBookingError(w, r, h.log, err)
		return
	}
	h.dispatch(events)

	writeJSON(w, http.StatusOK, toRoomResponse(room))
}

func (h *handlers) releaseRoom(w http.ResponseWriter, r *http.Request) {
	roomID, ok := pathID(w, r, "room")
	if !ok {
		return
	}

	room, events, err := h.arb.ReleaseRoom(r.Context(), roomID)
	if err != nil {
		writeBookingError(w, r, h.log, err)
		return
	}
	h.dispatch(events)

	writeJSON(w, http.StatusOK, toRoomResponse(room))
}

func pathID(w http.ResponseWriter, r *http.Request, kind string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+kind+"_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parseOptionalID(w http.ResponseWriter, raw *string, kind string) (*uuid.UUID, bool) {
	if raw == nil {
		return nil, true
	}
	id, err := uuid.Parse(*raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+kind+"_id", kind+"Id must be a valid UUID")
		return nil, false
	}
	return &id, true
}

func parseAppointmentFilter(w http.ResponseWriter, r *http.Request) (booking.AppointmentFilter, bool) {
	q := r.URL.Query()
	var f booking.AppointmentFilter
	var ok bool

	for _, p := range []struct {
		param string
		dst   **uuid.UUID
	}{
		{"doctorId", &f.DoctorID},
		{"roomId", &f.RoomID},
		{"patientId", &f.PatientID},
	} {
		v := q.Get(p.param)
		if v == "" {
			continue
		}
		if *p.dst, ok = parseOptionalID(w, &v, p.param[:len(p.param)-2]); !ok {
			return f, false
		}
	}

	if v := q.Get("status"); v != "" {
		s := booking.Status(v)
		if !s.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_status", "unknown status "+strconv.Quote(v))
			return f, false
		}
		f.Status = &s
	}

	for _, p := range []struct {
		param string
		dst   **time.Time
	}{
		{"from", &f.From},
		{"to", &f.To},
	} {
		v := q.Get(p.param)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_"+p.param, p.param+" must be an RFC 3339 timestamp")
			return f, false
		}
		*p.dst = &t
	}

	for _, p := range []struct {
		param string
		dst   *int
	}{
		{"limit", &f.Limit},
		{"offset", &f.Offset},
	} {
		v := q.Get(p.param)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_"+p.param, p.param+" must be a non-negative integer")
			return f, false
		}
		*p.dst = n
	}

	return f, true
}
