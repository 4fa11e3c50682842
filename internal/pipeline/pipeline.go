// Package pipeline runs the ordered stage-gate sequence that turns a cycle's
// intake into a committed contract version.
//
// Gate checks are pure functions over the turns and the decision ledger; the
// Runner is the imperative orchestrator that sequences them, writes one
// stage-run row per stage, and aborts on the first blocking failure. No
// partial version is visible to callers until COMMIT succeeds.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/keiyaku/internal/canonical"
	"github.com/ashita-ai/keiyaku/internal/ledger"
	"github.com/ashita-ai/keiyaku/internal/model"
	"github.com/ashita-ai/keiyaku/internal/packet"
	"github.com/ashita-ai/keiyaku/internal/storage"
	"github.com/ashita-ai/keiyaku/internal/synth"
	"github.com/ashita-ai/keiyaku/internal/telemetry"
)

// Store is the persistence surface the pipeline needs. *storage.DB satisfies
// it; tests substitute a fake.
type Store interface {
	ListTurns(ctx context.Context, projectID uuid.UUID, cycleNo int) ([]model.IntakeTurn, error)
	ListDecisions(ctx context.Context, projectID uuid.UUID, cycleNo int) ([]model.DecisionItem, error)
	UpsertDecision(ctx context.Context, item model.DecisionItem) (model.DecisionItem, error)
	FindVersionByFingerprint(ctx context.Context, projectID uuid.UUID, cycleNo int, fingerprint string) (model.ContractVersion, error)
	CommitVersion(ctx context.Context, projectID uuid.UUID, cycleNo int, fingerprint string, docs []model.GeneratedDoc) (model.ContractVersion, bool, error)
	GetVersionDocuments(ctx context.Context, versionID uuid.UUID) ([]model.GeneratedDoc, error)
	RecordStageRun(ctx context.Context, run model.StageRun) (model.StageRun, error)
	RecordAuditEvent(ctx context.Context, ev storage.AuditEvent) error
}

// GateError is a blocking stage-gate failure. It carries the gate code and
// the structured payload callers need to drive a UI.
type GateError struct {
	Stage   model.Stage
	Code    string
	Message string
	Issues  []packet.Issue
	Details map[string]any
}

func (e *GateError) Error() string {
	return fmt.Sprintf("pipeline: stage %s failed: %s: %s", e.Stage, e.Code, e.Message)
}

// AsGateError unwraps a GateError from an error chain.
func AsGateError(err error) (*GateError, bool) {
	var ge *GateError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// Runner executes the stage sequence for one (project, cycle).
type Runner struct {
	store   Store
	synth   *synth.Synthesizer
	logger  *slog.Logger
	tracer  trace.Tracer
	commits metric.Int64Counter
}

// NewRunner creates a Runner.
func NewRunner(store Store, s *synth.Synthesizer, logger *slog.Logger) *Runner {
	commits, err := telemetry.Meter("keiyaku/pipeline").Int64Counter("pipeline.versions.committed",
		metric.WithDescription("Contract versions committed, by reuse"))
	if err != nil {
		logger.Warn("failed to create commit counter", "error", err)
	}
	return &Runner{
		store:   store,
		synth:   s,
		logger:  logger,
		tracer:  telemetry.Tracer("keiyaku/pipeline"),
		commits: commits,
	}
}

// runState accumulates what later stages need from earlier ones.
type runState struct {
	projectID   uuid.UUID
	cycleNo     int
	userID      uuid.UUID
	turns       []model.IntakeTurn
	ledger      *ledger.Ledger
	fingerprint string
	docs        []model.GeneratedDoc
	reused      bool
	version     model.ContractVersion
}

// stageFunc runs one stage's check and side effects. It returns audit details
// on success; a *GateError aborts the run.
type stageFunc func(ctx context.Context, st *runState) (map[string]any, error)

// Run executes the full pipeline and returns the committed (or reused)
// version with its documents. A *GateError is returned on any blocking gate
// failure; other errors indicate storage or infrastructure faults.
func (r *Runner) Run(ctx context.Context, userID, projectID uuid.UUID, cycleNo int) (model.GenerateContractResponse, error) {
	st := &runState{projectID: projectID, cycleNo: cycleNo, userID: userID}

	stages := []struct {
		name model.Stage
		fn   stageFunc
	}{
		{model.StageDiscovery, r.stageDiscovery},
		{model.StageExtraction, r.stageExtraction},
		{model.StageAmbiguity, r.stageAmbiguity},
		{model.StageConfirmation, r.stageConfirmation},
		{model.StageAssembly, r.stageAssembly},
		{model.StageConsistency, r.stageConsistency},
		{model.StageCommit, r.stageCommit},
	}

	for _, stage := range stages {
		stageCtx, span := r.tracer.Start(ctx, "pipeline.stage",
			trace.WithAttributes(attribute.String("stage", string(stage.name))))
		details, err := stage.fn(stageCtx, st)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if err != nil {
			var ge *GateError
			if errors.As(err, &ge) {
				if _, rerr := r.store.RecordStageRun(ctx, model.StageRun{
					ProjectID:        projectID,
					CycleNo:          cycleNo,
					Stage:            stage.name,
					Status:           model.StageFailed,
					Details:          gateDetails(ge),
					InputFingerprint: st.fingerprint,
				}); rerr != nil {
					r.logger.Error("failed to record failed stage run",
						"stage", stage.name, "error", rerr)
				}
				r.logger.Info("stage gate blocked",
					"project_id", projectID, "cycle_no", cycleNo,
					"stage", stage.name, "code", ge.Code)
				return model.GenerateContractResponse{}, ge
			}
			return model.GenerateContractResponse{}, err
		}

		if _, err := r.store.RecordStageRun(ctx, model.StageRun{
			ProjectID:        projectID,
			CycleNo:          cycleNo,
			Stage:            stage.name,
			Status:           model.StagePassed,
			Details:          details,
			InputFingerprint: st.fingerprint,
		}); err != nil {
			return model.GenerateContractResponse{}, err
		}
	}

	if r.commits != nil {
		r.commits.Add(ctx, 1, metric.WithAttributes(attribute.Bool("reused", st.reused)))
	}
	r.logger.Info("pipeline committed contract version",
		"project_id", projectID, "cycle_no", cycleNo,
		"version_number", st.version.VersionNumber, "reused", st.reused)

	return model.GenerateContractResponse{
		ContractVersionID:     st.version.ID,
		VersionNumber:         st.version.VersionNumber,
		Documents:             st.docs,
		ReusedExistingVersion: st.reused,
	}, nil
}

// stageDiscovery loads the intake turns. Zero turns blocks the run.
func (r *Runner) stageDiscovery(ctx context.Context, st *runState) (map[string]any, error) {
	turns, err := r.store.ListTurns(ctx, st.projectID, st.cycleNo)
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, &GateError{
			Stage:   model.StageDiscovery,
			Code:    model.ErrCodeGateDiscoveryEmpty,
			Message: "No intake turns exist for this cycle",
		}
	}
	st.turns = turns
	return map[string]any{"turn_count": len(turns)}, nil
}

// stageExtraction loads the decision items and computes the input
// fingerprint. An empty decision set is bootstrapped with a single UNKNOWN
// item referencing the first turn; the pipeline never operates on zero
// decisions.
func (r *Runner) stageExtraction(ctx context.Context, st *runState) (map[string]any, error) {
	decisions, err := r.store.ListDecisions(ctx, st.projectID, st.cycleNo)
	if err != nil {
		return nil, err
	}

	bootstrapped := false
	if len(decisions) == 0 {
		item, err := r.store.UpsertDecision(ctx, model.DecisionItem{
			ProjectID:     st.projectID,
			CycleNo:       st.cycleNo,
			DecisionKey:   "bootstrap",
			Claim:         "The intake has not yet yielded any tracked decisions.",
			Status:        model.TrustUnknown,
			DecisionState: model.DecisionProposed,
			EvidenceRefs:  []string{"turn:" + st.turns[0].ID.String()},
			LockState:     model.LockOpen,
		})
		if err != nil {
			return nil, err
		}
		decisions = []model.DecisionItem{item}
		bootstrapped = true
	}

	st.ledger = ledger.New(decisions)
	st.fingerprint = canonical.Fingerprint(st.turns, decisions)
	return map[string]any{
		"decision_count": len(decisions),
		"bootstrapped":   bootstrapped,
	}, nil
}

// stageAmbiguity blocks when any decision item has no evidence references.
func (r *Runner) stageAmbiguity(ctx context.Context, st *runState) (map[string]any, error) {
	missing := st.ledger.MissingEvidence()
	if len(missing) > 0 {
		keys := make([]string, len(missing))
		for i, item := range missing {
			keys[i] = item.DecisionKey
		}
		return nil, &GateError{
			Stage:   model.StageAmbiguity,
			Code:    model.ErrCodeGateAmbiguityEvidence,
			Message: fmt.Sprintf("%d decision item(s) have no evidence references", len(missing)),
			Details: map[string]any{"decision_keys": keys},
		}
	}
	return map[string]any{"checked": st.ledger.Len()}, nil
}

// stageConfirmation records lock and unknown counts for audit. It never
// blocks; contradiction blocking belongs to the consistency gate and the
// client readiness evaluator.
func (r *Runner) stageConfirmation(_ context.Context, st *runState) (map[string]any, error) {
	counts := st.ledger.Counts()
	return map[string]any{
		"locked":   counts.Locked,
		"unknown":  counts.Unknown,
		"conflict": counts.Conflict,
	}, nil
}

// stageAssembly synthesizes the packet, or loads the existing documents when
// the fingerprint was already committed. The fingerprint hit skips synthesis
// entirely; re-requesting generation with unchanged inputs must not call the
// external generator again.
func (r *Runner) stageAssembly(ctx context.Context, st *runState) (map[string]any, error) {
	existing, err := r.store.FindVersionByFingerprint(ctx, st.projectID, st.cycleNo, st.fingerprint)
	switch {
	case err == nil:
		docs, err := r.store.GetVersionDocuments(ctx, existing.ID)
		if err != nil {
			return nil, err
		}
		st.docs = docs
		st.reused = true
		return map[string]any{
			"document_count":      len(docs),
			"reused_fingerprint":  true,
			"existing_version_id": existing.ID.String(),
		}, nil
	case errors.Is(err, storage.ErrNotFound):
		st.docs = r.synth.Synthesize(ctx, st.turns, st.ledger)
		return map[string]any{"document_count": len(st.docs), "reused_fingerprint": false}, nil
	default:
		return nil, err
	}
}

// stageConsistency runs the packet validator, including unknown survival.
func (r *Runner) stageConsistency(_ context.Context, st *runState) (map[string]any, error) {
	res := packet.Validate(st.docs, st.ledger.HasUnknown())
	if !res.IsValid() {
		return nil, &GateError{
			Stage:   model.StageConsistency,
			Code:    model.ErrCodeGateConsistency,
			Message: fmt.Sprintf("Packet validation failed with %d blocking issue(s)", len(res.Blocking())),
			Issues:  res.Issues,
		}
	}
	return map[string]any{"issues": len(res.Issues)}, nil
}

// stageCommit persists the version (or returns the reused one) and writes the
// audit event.
func (r *Runner) stageCommit(ctx context.Context, st *runState) (map[string]any, error) {
	version, reused, err := r.store.CommitVersion(ctx, st.projectID, st.cycleNo, st.fingerprint, st.docs)
	if err != nil {
		return nil, err
	}
	st.version = version
	st.reused = st.reused || reused

	if err := r.store.RecordAuditEvent(ctx, storage.AuditEvent{
		ProjectID: st.projectID,
		CycleNo:   st.cycleNo,
		UserID:    st.userID,
		Action:    "contract.committed",
		Details: map[string]any{
			"contract_version_id": version.ID.String(),
			"version_number":      version.VersionNumber,
			"input_fingerprint":   st.fingerprint,
			"reused":              st.reused,
		},
	}); err != nil {
		return nil, err
	}

	if st.reused {
		// The reused version already carries persisted document IDs; make sure
		// the response returns them rather than the freshly synthesized copies.
		docs, err := r.store.GetVersionDocuments(ctx, version.ID)
		if err != nil {
			return nil, err
		}
		st.docs = docs
	}

	return map[string]any{
		"contract_version_id": version.ID.String(),
		"version_number":      version.VersionNumber,
		"reused":              st.reused,
	}, nil
}

func gateDetails(ge *GateError) map[string]any {
	details := map[string]any{"code": ge.Code, "message": ge.Message}
	for k, v := range ge.Details {
		details[k] = v
	}
	if len(ge.Issues) > 0 {
		details["issues"] = ge.Issues
	}
	return details
}
