package model

import (
	"time"

	"github.com/google/uuid"
)

// TrustLabel is the provenance-confidence tag carried by every claim and
// decision item. The vocabulary is closed: anything else arriving from the
// external generator is normalized to TrustUnknown.
type TrustLabel string

const (
	TrustUserSaid TrustLabel = "USER_SAID"
	TrustAssumed  TrustLabel = "ASSUMED"
	TrustUnknown  TrustLabel = "UNKNOWN"
)

// NormalizeTrustLabel maps arbitrary input onto the closed label vocabulary.
// Unrecognized values collapse to TrustUnknown rather than passing through.
func NormalizeTrustLabel(s string) TrustLabel {
	switch TrustLabel(s) {
	case TrustUserSaid, TrustAssumed, TrustUnknown:
		return TrustLabel(s)
	default:
		return TrustUnknown
	}
}

// LockState indicates whether a decision item's value is frozen for the cycle.
type LockState string

const (
	LockOpen   LockState = "open"
	LockLocked LockState = "locked"
)

// DecisionState tracks how settled a decision item is within the intake flow.
type DecisionState string

const (
	DecisionProposed  DecisionState = "proposed"
	DecisionConfirmed DecisionState = "confirmed"
)

// IntakeTurn is one free-text turn of the conversational intake.
// Immutable once created; ordered by TurnIndex within (project, cycle).
type IntakeTurn struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	CycleNo   int       `json:"cycle_no"`
	TurnIndex int       `json:"turn_index"`
	RawText   string    `json:"raw_text"`
	CreatedAt time.Time `json:"created_at"`
}

// DecisionItem is a single tracked intake fact. Keyed by DecisionKey within
// (project, cycle); mutated as intake progresses until LockState is locked.
type DecisionItem struct {
	ID            uuid.UUID     `json:"id"`
	ProjectID     uuid.UUID     `json:"project_id"`
	CycleNo       int           `json:"cycle_no"`
	DecisionKey   string        `json:"decision_key"`
	Claim         string        `json:"claim"`
	Status        TrustLabel    `json:"status"`
	DecisionState DecisionState `json:"decision_state"`
	EvidenceRefs  []string      `json:"evidence_refs"`
	LockState     LockState     `json:"lock_state"`
	HasConflict   bool          `json:"has_conflict"`
	ConflictKey   *string       `json:"conflict_key,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
	CreatedAt     time.Time     `json:"created_at"`
}

// GeneratedClaim is one trust-labeled, provenance-linked claim within a
// generated document. ProvenanceRefs entries point at an intake turn
// ("turn:<id>") or a decision item ("decision:<id>") and must be non-empty
// for the claim to survive validation.
type GeneratedClaim struct {
	ID             uuid.UUID  `json:"id"`
	DocumentID     uuid.UUID  `json:"document_id"`
	ClaimIndex     int        `json:"claim_index"`
	ClaimText      string     `json:"claim_text"`
	TrustLabel     TrustLabel `json:"trust_label"`
	ProvenanceRefs []string   `json:"provenance_refs"`
}

// GeneratedDoc is one validated role document owned by exactly one
// contract version. RoleID is in 1..10 and unique per version.
type GeneratedDoc struct {
	ID                uuid.UUID        `json:"id"`
	ContractVersionID uuid.UUID        `json:"contract_version_id"`
	RoleID            int              `json:"role_id"`
	Title             string           `json:"title"`
	Body              string           `json:"body"`
	Claims            []GeneratedClaim `json:"claims"`
	IsComplete        bool             `json:"is_complete"`
	CreatedAt         time.Time        `json:"created_at"`
}

// UntrustedDoc is the unvalidated document shape arriving from the external
// generator. It is deliberately distinct from GeneratedDoc: only the
// synthesizer's shape enforcement may convert one into the other, and every
// field that fails an invariant is re-derived rather than passed through.
type UntrustedDoc struct {
	RoleID int              `json:"role_id"`
	Title  string           `json:"title"`
	Body   string           `json:"body"`
	Claims []UntrustedClaim `json:"claims"`
}

// UntrustedClaim is the unvalidated claim shape from the external generator.
type UntrustedClaim struct {
	ClaimText      string   `json:"claim_text"`
	TrustLabel     string   `json:"trust_label"`
	ProvenanceRefs []string `json:"provenance_refs"`
}

// VersionStatus is the lifecycle state of a contract version. Versions are
// only ever persisted in committed state; there is no draft row.
type VersionStatus string

const VersionCommitted VersionStatus = "committed"

// ContractVersion is one committed, fingerprint-deduplicated bundle of ten
// role documents. VersionNumber is monotonic per (project, cycle).
type ContractVersion struct {
	ID               uuid.UUID     `json:"id"`
	ProjectID        uuid.UUID     `json:"project_id"`
	CycleNo          int           `json:"cycle_no"`
	VersionNumber    int           `json:"version_number"`
	InputFingerprint string        `json:"input_fingerprint"`
	Status           VersionStatus `json:"status"`
	DocumentCount    int           `json:"document_count"`
	CreatedAt        time.Time     `json:"created_at"`
}

// Stage names the ordered checkpoints of the generation pipeline.
type Stage string

const (
	StageDiscovery    Stage = "DISCOVERY"
	StageExtraction   Stage = "EXTRACTION"
	StageAmbiguity    Stage = "AMBIGUITY"
	StageConfirmation Stage = "CONFIRMATION"
	StageAssembly     Stage = "ASSEMBLY"
	StageConsistency  Stage = "CONSISTENCY"
	StageCommit       Stage = "COMMIT"
)

// Stages is the fixed linear stage order. The pipeline is not a graph;
// execution either continues to the next element or fails fast.
var Stages = []Stage{
	StageDiscovery,
	StageExtraction,
	StageAmbiguity,
	StageConfirmation,
	StageAssembly,
	StageConsistency,
	StageCommit,
}

// StageStatus is the recorded status of one stage attempt.
type StageStatus string

const (
	StageStarted StageStatus = "started"
	StagePassed  StageStatus = "passed"
	StageFailed  StageStatus = "failed"
)

// StageRun is one append-only audit row for a stage attempt.
type StageRun struct {
	ID               uuid.UUID      `json:"id"`
	ProjectID        uuid.UUID      `json:"project_id"`
	CycleNo          int            `json:"cycle_no"`
	Stage            Stage          `json:"stage"`
	Status           StageStatus    `json:"status"`
	Details          map[string]any `json:"details"`
	InputFingerprint string         `json:"input_fingerprint"`
	CreatedAt        time.Time      `json:"created_at"`
}

// ManifestDoc is the per-document metadata embedded in a submission manifest.
type ManifestDoc struct {
	RoleID      int    `json:"role_id"`
	Title       string `json:"title"`
	ClaimCount  int    `json:"claim_count"`
	ContentHash string `json:"content_hash"`
}

// SubmissionManifest is the hash-stamped export record for one committed
// contract version. Never mutated after creation; re-submission replaces the
// row keyed by ContractVersionID.
type SubmissionManifest struct {
	RunID                 uuid.UUID     `json:"run_id"`
	ProjectID             uuid.UUID     `json:"project_id"`
	CycleNo               int           `json:"cycle_no"`
	UserID                uuid.UUID     `json:"user_id"`
	ContractVersionID     uuid.UUID     `json:"contract_version_id"`
	ContractVersionNumber int           `json:"contract_version_number"`
	SubmittedAt           time.Time     `json:"submitted_at"`
	Documents             []ManifestDoc `json:"documents"`
	PacketHash            string        `json:"packet_hash"`
}

// Project is the ownership scope for all intake and contract rows.
type Project struct {
	ID          uuid.UUID `json:"id"`
	OwnerUserID uuid.UUID `json:"owner_user_id"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
}
