package domain

import (
	"errors"
	"fmt"
	"time"
)

type State string

const (
	StateReceived             State = "RECEIVED"
	StateEntityResolved       State = "ENTITY_RESOLVED"
	StateRetrieved            State = "RETRIEVED"
	StateExpanded             State = "EXPANDED"
	StateAssembled            State = "ASSEMBLED"
	StateMerged               State = "MERGED"
	StateSynthesized          State = "SYNTHESIZED"
	StateAnswered             State = "ANSWERED"
	StateInsufficientEvidence State = "INSUFFICIENT_EVIDENCE"
	StateFailed               State = "FAILED"
)

func (s State) Terminal() bool {
	return s == StateAnswered || s == StateInsufficientEvidence || s == StateFailed
}

var transitions = map[State][]State{
	StateReceived:       {StateEntityResolved, StateFailed},
	StateEntityResolved: {StateRetrieved, StateFailed},
	StateRetrieved:      {StateExpanded, StateFailed},
	StateExpanded:       {StateAssembled, StateFailed},
	StateAssembled:      {StateMerged, StateFailed},
	StateMerged:         {StateSynthesized, StateInsufficientEvidence, StateFailed},
	StateSynthesized:    {StateAnswered, StateFailed},
}

// CanTransition reports whether from -> to is a legal pipeline step.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type ReasonCode string

const (
	ReasonNone                   ReasonCode = ""
	ReasonEntityAmbiguous        ReasonCode = "ENTITY_AMBIGUOUS"
	ReasonRetrievalEmpty         ReasonCode = "RETRIEVAL_EMPTY"
	ReasonMetricNotFound         ReasonCode = "METRIC_NOT_FOUND"
	ReasonSynthesisProviderError ReasonCode = "SYNTHESIS_PROVIDER_ERROR"
	ReasonCitationValidation     ReasonCode = "CITATION_VALIDATION_FAILURE"
	ReasonCancelled              ReasonCode = "CANCELLED"
	ReasonInvalidRequest         ReasonCode = "INVALID_REQUEST"
	ReasonInternal               ReasonCode = "INTERNAL"
)

// Diagnostic is a non-fatal issue absorbed by the pipeline.
type Diagnostic struct {
	Reason  ReasonCode `json:"reason"`
	Stage   State      `json:"stage"`
	Message string     `json:"message"`
}

// PipelineError is a terminal failure carrying a machine-readable reason.
type PipelineError struct {
	Stage  State
	Reason ReasonCode
	Err    error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s at %s", e.Reason, e.Stage)
	}
	return fmt.Sprintf("%s at %s: %v", e.Reason, e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func NewPipelineError(stage State, reason ReasonCode, err error) *PipelineError {
	return &PipelineError{Stage: stage, Reason: reason, Err: err}
}

// ReasonOf extracts the reason code from err, or ReasonInternal.
func ReasonOf(err error) ReasonCode {
	if err == nil {
		return ReasonNone
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ReasonInternal
}

type StageEvent struct {
	State     State     `json:"state"`
	At        time.Time `json:"at"`
	ElapsedMs int64     `json:"elapsed_ms"`
	Detail    string    `json:"detail,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"input_tokens"`
	CompletionTokens int `json:"output_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

type SynthesisResult struct {
	State            State      `json:"state"`
	Reason           ReasonCode `json:"reason,omitempty"`
	Answer           string     `json:"answer"`
	AnswerType       string     `json:"answer_type"`
	Citations        []Citation `json:"citations"`
	Verified         bool       `json:"verified"`
	UnverifiedClaims []string   `json:"unverified_claims,omitempty"`
	Attempts         int        `json:"attempts"`
	ModelID          string     `json:"model_id,omitempty"`
	Usage            Usage      `json:"usage"`
	CostUSD          float64    `json:"cost_usd"`
	LatencyMs        int64      `json:"latency_ms"`
}
