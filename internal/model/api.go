package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for intake input. These keep caller-controlled text out
// of pathological territory for canonicalization, generation prompts, and
// Postgres TEXT columns.
const (
	MaxTurnTextLen    = 32 * 1024 // 32 KB
	MaxClaimLen       = 8 * 1024  // 8 KB
	MaxDecisionKeyLen = 200
	MaxEvidenceRefLen = 300
	MaxEvidenceRefs   = 50
)

// ErrorLayer classifies where an API error originated. Callers branch on it:
// validation errors surface as UI blockers, schema/server errors are fatal.
type ErrorLayer string

const (
	LayerAuth          ErrorLayer = "auth"
	LayerAuthorization ErrorLayer = "authorization"
	LayerValidation    ErrorLayer = "validation"
	LayerSchema        ErrorLayer = "schema"
	LayerTransient     ErrorLayer = "transient"
	LayerServer        ErrorLayer = "server"
)

// Error codes forming the observable API contract.
const (
	ErrCodeProjectIDRequired     = "PROJECT_ID_REQUIRED"
	ErrCodeProjectNotFound       = "PROJECT_NOT_FOUND"
	ErrCodeProjectForbidden      = "PROJECT_FORBIDDEN"
	ErrCodeGateDiscoveryEmpty    = "GATE_DISCOVERY_EMPTY"
	ErrCodeGateAmbiguityEvidence = "GATE_AMBIGUITY_MISSING_EVIDENCE"
	ErrCodeGateConsistency       = "GATE_CONSISTENCY_FAILED"
	ErrCodeServerConfigMissing   = "SERVER_CONFIG_MISSING"

	ErrCodeReviewConfirmation  = "REVIEW_CONFIRMATION_REQUIRED"
	ErrCodeSubmitNoVersion     = "SUBMIT_NO_COMMITTED_VERSION"
	ErrCodeSubmitValidation    = "SUBMIT_VALIDATION_FAILED"
	ErrCodeSubmitRoleSet       = "SUBMIT_ROLE_SET_INVALID"
	ErrCodeSubmissionUpload    = "SUBMISSION_UPLOAD_FAILED"

	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error. Layer must be preserved end to end;
// interactive callers route on it.
type ErrorDetail struct {
	Code    string     `json:"code"`
	Message string     `json:"message"`
	Layer   ErrorLayer `json:"layer"`
	Details any        `json:"details,omitempty"`
}

// AppendTurnRequest is the body for POST .../turns.
type AppendTurnRequest struct {
	RawText string `json:"raw_text"`
}

// Validate checks intake turn input limits.
func (r AppendTurnRequest) Validate() error {
	if r.RawText == "" {
		return fmt.Errorf("raw_text is required")
	}
	if len(r.RawText) > MaxTurnTextLen {
		return fmt.Errorf("raw_text exceeds maximum length of %d bytes", MaxTurnTextLen)
	}
	return nil
}

// UpsertDecisionRequest is the body for PUT .../decisions/{decision_key}.
type UpsertDecisionRequest struct {
	Claim         string        `json:"claim"`
	Status        TrustLabel    `json:"status"`
	DecisionState DecisionState `json:"decision_state"`
	EvidenceRefs  []string      `json:"evidence_refs"`
	LockState     LockState     `json:"lock_state"`
	HasConflict   bool          `json:"has_conflict"`
	ConflictKey   *string       `json:"conflict_key,omitempty"`
}

// Validate checks decision item input limits and vocabulary membership.
func (r UpsertDecisionRequest) Validate() error {
	if r.Claim == "" {
		return fmt.Errorf("claim is required")
	}
	if len(r.Claim) > MaxClaimLen {
		return fmt.Errorf("claim exceeds maximum length of %d bytes", MaxClaimLen)
	}
	switch r.Status {
	case TrustUserSaid, TrustAssumed, TrustUnknown:
	default:
		return fmt.Errorf("status must be one of USER_SAID, ASSUMED, UNKNOWN")
	}
	switch r.DecisionState {
	case DecisionProposed, DecisionConfirmed, "":
	default:
		return fmt.Errorf("decision_state must be proposed or confirmed")
	}
	switch r.LockState {
	case LockOpen, LockLocked, "":
	default:
		return fmt.Errorf("lock_state must be open or locked")
	}
	if len(r.EvidenceRefs) > MaxEvidenceRefs {
		return fmt.Errorf("evidence_refs exceeds maximum of %d entries", MaxEvidenceRefs)
	}
	for i, ref := range r.EvidenceRefs {
		if len(ref) > MaxEvidenceRefLen {
			return fmt.Errorf("evidence_refs[%d] exceeds maximum length of %d characters", i, MaxEvidenceRefLen)
		}
	}
	return nil
}

// GenerateContractResponse is the result of the generate operation.
type GenerateContractResponse struct {
	ContractVersionID     uuid.UUID      `json:"contract_version_id"`
	VersionNumber         int            `json:"version_number"`
	Documents             []GeneratedDoc `json:"documents"`
	ReusedExistingVersion bool           `json:"reused_existing_version"`
}

// SubmitRunRequest is the body for the submit operation.
type SubmitRunRequest struct {
	ReviewConfirmed bool `json:"review_confirmed"`
}

// SubmitRunResponse is the result of the submit operation.
type SubmitRunResponse struct {
	SubmissionID      uuid.UUID `json:"submission_id"`
	ContractVersionID uuid.UUID `json:"contract_version_id"`
	Bucket            string    `json:"bucket"`
	Path              string    `json:"path"`
	SubmittedAt       time.Time `json:"submitted_at"`
}

// ReadinessResponse is the commit-readiness evaluation for a cycle.
type ReadinessResponse struct {
	CanCommit bool     `json:"can_commit"`
	Blockers  []string `json:"blockers"`
}
