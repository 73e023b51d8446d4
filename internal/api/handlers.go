package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/scheduling-rule-engine/internal/evaluator"
	"github.com/hackgods/scheduling-rule-engine/internal/policy"
	redisclient "github.com/hackgods/scheduling-rule-engine/internal/redis"
)

const maxBatchSlots = 500

func compilePolicyHandler(c PolicyCompiler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clinicID := chi.URLParam(r, "clinicID")

		var req CompileRequest
		if err := decodeOptionalJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		target := policy.StatusDraft
		if req.Target != "" {
			target = policy.Status(req.Target)
		}
		if !target.Valid() || target == policy.StatusDeprecated {
			writeError(w, http.StatusBadRequest, "invalid_target", "target must be draft, staged or active")
			return
		}

		snap, err := c.Compile(r.Context(), clinicID, target, req.CompiledBy)
		if err != nil {
			handlePolicyError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, snap)
	}
}

func activatePolicyHandler(c PolicyCompiler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clinicID := chi.URLParam(r, "clinicID")
		version, err := strconv.Atoi(chi.URLParam(r, "version"))
		if err != nil || version <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_version", "version must be a positive integer")
			return
		}

		ok, err := c.Activate(r.Context(), clinicID, version)
		if err != nil {
			handlePolicyError(w, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "policy_not_found", fmt.Sprintf("clinic %s has no policy version %d", clinicID, version))
			return
		}

		writeJSON(w, http.StatusOK, ActivateResponse{
			ClinicID: clinicID,
			Version:  version,
			Status:   string(policy.StatusActive),
		})
	}
}

func activePolicyHandler(cache PolicyCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clinicID := chi.URLParam(r, "clinicID")

		snap, ok, err := cache.Get(r.Context(), clinicID, 0, true)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "policy_not_found", "clinic has no active policy")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func listVersionsHandler(c PolicyCompiler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clinicID := chi.URLParam(r, "clinicID")

		versions, err := c.ListVersions(r.Context(), clinicID)
		if err != nil {
			handlePolicyError(w, err)
			return
		}
		if versions == nil {
			versions = []policy.SnapshotSummary{}
		}
		writeJSON(w, http.StatusOK, VersionsResponse{ClinicID: clinicID, Versions: versions})
	}
}

func cacheStatsHandler(cache PolicyCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cache.Stats())
	}
}

func evaluateHandler(ev SlotEvaluator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EvaluateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.Context.ClinicID == "" {
			writeError(w, http.StatusBadRequest, "invalid_context", "context.clinic_id is required")
			return
		}
		if req.Slot.ID == "" {
			writeError(w, http.StatusBadRequest, "invalid_slot", "slot.id is required")
			return
		}

		evalCtx := withCorrelation(r, req.Context)
		res, err := ev.EvaluateSlot(r.Context(), evalCtx, normalizeSlot(req.Slot, evalCtx))
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "policy_unavailable", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func evaluateBatchHandler(ev SlotEvaluator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EvaluateBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.Context.ClinicID == "" {
			writeError(w, http.StatusBadRequest, "invalid_context", "context.clinic_id is required")
			return
		}
		if len(req.Slots) > maxBatchSlots {
			writeError(w, http.StatusBadRequest, "too_many_slots", fmt.Sprintf("at most %d slots per batch", maxBatchSlots))
			return
		}

		evalCtx := withCorrelation(r, req.Context)
		slots := make([]evaluator.Slot, len(req.Slots))
		for i, s := range req.Slots {
			slots[i] = normalizeSlot(s, evalCtx)
		}

		results, err := ev.EvaluateSlots(r.Context(), evalCtx, slots)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "policy_unavailable", err.Error())
			return
		}
		if results == nil {
			results = []evaluator.Result{}
		}
		writeJSON(w, http.StatusOK, EvaluateBatchResponse{Count: len(results), Results: results})
	}
}

func evaluatorStatsHandler(ev SlotEvaluator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ev.Stats())
	}
}

func resetEvaluatorStatsHandler(ev SlotEvaluator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev.ResetStats()
		w.WriteHeader(http.StatusNoContent)
	}
}

func handlePolicyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, policy.ErrClinicNotFound):
		writeError(w, http.StatusNotFound, "clinic_not_found", err.Error())
	case errors.Is(err, policy.ErrSnapshotNotFound):
		writeError(w, http.StatusNotFound, "policy_not_found", err.Error())
	case errors.Is(err, policy.ErrVersionConflict):
		writeError(w, http.StatusConflict, "version_conflict", err.Error())
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "policy_being_compiled", "another compilation for this clinic is running, please retry")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func withCorrelation(r *http.Request, evalCtx evaluator.Context) evaluator.Context {
	if evalCtx.CorrelationID == "" {
		evalCtx.CorrelationID = GetRequestID(r.Context())
	}
	return evalCtx
}

func normalizeSlot(s evaluator.Slot, evalCtx evaluator.Context) evaluator.Slot {
	if s.ClinicID == "" {
		s.ClinicID = evalCtx.ClinicID
	}
	if s.ServiceID == "" {
		s.ServiceID = evalCtx.RequestedService
	}
	return s
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
