package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/booking-arbiter/internal/booking"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: msg})
}

// writeBookingError maps the booking error taxonomy onto HTTP. Transient
// failures get 503 with Retry-After so clients retry the whole request.
func writeBookingError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	var conflict *booking.ConflictError
	switch {
	case errors.As(err, &conflict):
		resp := ErrorResponse{
			Error:    "slot_conflict",
			Details:  err.Error(),
			Resource: conflict.Resource,
		}
		if conflict.ResourceID != uuid.Nil {
			id := conflict.ResourceID
			resp.ResourceID = &id
		}
		if conflict.AppointmentID != uuid.Nil {
			id := conflict.AppointmentID
			resp.ConflictingAppointmentID = &id
		}
		writeJSON(w, http.StatusConflict, resp)
	case errors.Is(err, booking.ErrSlotConflict):
		writeError(w, http.StatusConflict, "slot_conflict", err.Error())
	case errors.Is(err, booking.ErrRoomOccupied):
		writeError(w, http.StatusConflict, "room_occupied", err.Error())
	case errors.Is(err, booking.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())

	case errors.Is(err, booking.ErrInvalidInterval):
		writeError(w, http.StatusBadRequest, "invalid_interval", err.Error())
	case errors.Is(err, booking.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())

	case errors.Is(err, booking.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, booking.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, booking.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, "room_not_found", err.Error())
	case errors.Is(err, booking.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, booking.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())

	case errors.Is(err, booking.ErrTransient):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "transient_failure", "the resource is busy or the store is unavailable, retry the request")

	default:
		log.Error("unhandled booking error",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
