package contract

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidState indicates recoverable data that does not decode into a State.
var ErrInvalidState = errors.New("invalid contract state")

// State is the data threaded through the pipeline. Each step reads what
// earlier steps produced and returns a copy with its own output filled in.
type State struct {
	// Request identity, set by the caller.
	DocumentID      string `json:"document_id"`
	UserID          string `json:"user_id,omitempty"`
	AustralianState string `json:"australian_state,omitempty"`
	ContractType    string `json:"contract_type,omitempty"`
	UserType        string `json:"user_type,omitempty"`

	// process_document
	DocumentText     string         `json:"document_text,omitempty"`
	DocumentMetadata map[string]any `json:"document_metadata,omitempty"`

	// validate_document_quality
	QualityScore         float64 `json:"quality_score"`
	ManualReviewRequired bool    `json:"manual_review_required"`

	// extract_terms, validate_terms_completeness
	Terms        map[string]any `json:"contract_terms,omitempty"`
	MissingTerms []string       `json:"missing_terms,omitempty"`

	Compliance      map[string]any   `json:"compliance_check,omitempty"`
	Risks           map[string]any   `json:"risk_assessment,omitempty"`
	Diagrams        map[string]any   `json:"diagram_analysis,omitempty"`
	Recommendations []map[string]any `json:"recommendations,omitempty"`
	Report          map[string]any   `json:"report_data,omitempty"`

	Confidence map[string]float64 `json:"confidence_scores,omitempty"`
	Warnings   []string           `json:"warnings,omitempty"`

	// Metadata holds optional cross-cutting values.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Snapshot implements contractflow.Snapshotter. The result is the state's
// JSON form decoded into a map, so it survives any checkpoint store.
// It returns nil when the state holds values JSON cannot encode.
func (s State) Snapshot() map[string]any {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// RestoreState rebuilds a State from checkpoint recoverable data.
func RestoreState(data map[string]any) (State, error) {
	var s State
	if len(data) == 0 {
		return s, fmt.Errorf("%w: no recoverable data", ErrInvalidState)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return s, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return s, nil
}

// Resume returns the state a resumed run should start from: the restored
// checkpoint state with request identity filled in from input where the
// checkpoint lacks it. Without recoverable data it returns input.
func Resume(input State, recoverable map[string]any) (State, error) {
	if len(recoverable) == 0 {
		return input, nil
	}
	s, err := RestoreState(recoverable)
	if err != nil {
		return input, err
	}
	if s.DocumentID == "" {
		s.DocumentID = input.DocumentID
	}
	if s.UserID == "" {
		s.UserID = input.UserID
	}
	if s.AustralianState == "" {
		s.AustralianState = input.AustralianState
	}
	if s.ContractType == "" {
		s.ContractType = input.ContractType
	}
	if s.UserType == "" {
		s.UserType = input.UserType
	}
	return s, nil
}

func (s State) withWarning(w string) State {
	s.Warnings = append(append([]string(nil), s.Warnings...), w)
	return s
}
