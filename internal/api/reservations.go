package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/scheduling-rule-engine/internal/pattern"
	redisclient "github.com/hackgods/scheduling-rule-engine/internal/redis"
)

const defaultCancelReason = "cancelled_by_client"

func searchPatternHandler(svc PatternService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patternID := chi.URLParam(r, "patternID")

		var req PatternSearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.Context.ClinicID == "" {
			writeError(w, http.StatusBadRequest, "invalid_context", "context.clinic_id is required")
			return
		}
		if req.Start.IsZero() || req.End.IsZero() {
			writeError(w, http.StatusBadRequest, "invalid_window", "start and end are required")
			return
		}

		sets, err := svc.FindPatternSlots(r.Context(), patternID, withCorrelation(r, req.Context), req.Start, req.End, req.MaxResults)
		if err != nil {
			handleReservationError(w, err)
			return
		}
		if sets == nil {
			sets = []pattern.SlotSet{}
		}
		writeJSON(w, http.StatusOK, PatternSearchResponse{PatternID: patternID, SlotSets: sets})
	}
}

func reserveHandler(svc PatternService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ReserveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.PatientID == "" {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id is required")
			return
		}
		if req.HoldMinutes < 0 {
			writeError(w, http.StatusBadRequest, "invalid_hold", "hold_minutes must not be negative")
			return
		}

		res, err := svc.ReserveSlotSet(r.Context(), req.SlotSet, req.PatientID,
			time.Duration(req.HoldMinutes)*time.Minute, req.ClientHoldID)
		if err != nil {
			handleReservationError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}

func getReservationHandler(svc PatternService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := reservationID(w, r)
		if !ok {
			return
		}
		res, err := svc.GetReservation(r.Context(), id)
		if err != nil {
			handleReservationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func confirmReservationHandler(svc PatternService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := reservationID(w, r)
		if !ok {
			return
		}
		res, err := svc.ConfirmReservation(r.Context(), id)
		if err != nil {
			handleReservationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func cancelReservationHandler(svc PatternService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := reservationID(w, r)
		if !ok {
			return
		}

		var req CancelRequest
		if err := decodeOptionalJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.Reason == "" {
			req.Reason = defaultCancelReason
		}

		res, err := svc.CancelReservation(r.Context(), id, req.Reason)
		if err != nil {
			handleReservationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func reservationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_reservation_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func handleReservationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pattern.ErrPatternNotFound):
		writeError(w, http.StatusNotFound, "pattern_not_found", err.Error())
	case errors.Is(err, pattern.ErrReservationNotFound):
		writeError(w, http.StatusNotFound, "reservation_not_found", err.Error())
	case errors.Is(err, pattern.ErrInvalidSearchWindow),
		errors.Is(err, pattern.ErrInvalidPattern),
		errors.Is(err, pattern.ErrEmptySlotSet):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, pattern.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", err.Error())
	case errors.Is(err, pattern.ErrSlotBeingBooked),
		errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "slot_being_booked", "slot is currently being booked, please retry shortly")
	case errors.Is(err, pattern.ErrReservationExpired):
		writeError(w, http.StatusConflict, "reservation_expired", err.Error())
	case errors.Is(err, pattern.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
