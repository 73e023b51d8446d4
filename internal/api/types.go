package api

import (
	"time"

	"github.com/hackgods/scheduling-rule-engine/internal/evaluator"
	"github.com/hackgods/scheduling-rule-engine/internal/pattern"
	"github.com/hackgods/scheduling-rule-engine/internal/policy"
)

type CompileRequest struct {
	Target     string `json:"target"`
	CompiledBy string `json:"compiled_by"`
}

type ActivateResponse struct {
	ClinicID string `json:"clinic_id"`
	Version  int    `json:"version"`
	Status   string `json:"status"`
}

type VersionsResponse struct {
	ClinicID string                   `json:"clinic_id"`
	Versions []policy.SnapshotSummary `json:"versions"`
}

type EvaluateRequest struct {
	Context evaluator.Context `json:"context"`
	Slot    evaluator.Slot    `json:"slot"`
}

type EvaluateBatchRequest struct {
	Context evaluator.Context `json:"context"`
	Slots   []evaluator.Slot  `json:"slots"`
}

type EvaluateBatchResponse struct {
	Count   int                `json:"count"`
	Results []evaluator.Result `json:"results"`
}

type PatternSearchRequest struct {
	Context    evaluator.Context `json:"context"`
	Start      time.Time         `json:"start"`
	End        time.Time         `json:"end"`
	MaxResults int               `json:"max_results"`
}

type PatternSearchResponse struct {
	PatternID string            `json:"pattern_id"`
	SlotSets  []pattern.SlotSet `json:"slot_sets"`
}

type ReserveRequest struct {
	SlotSet      pattern.SlotSet `json:"slot_set"`
	PatientID    string          `json:"patient_id"`
	HoldMinutes  int             `json:"hold_minutes"`
	ClientHoldID string          `json:"client_hold_id"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
