// Package service holds the business logic behind the contract API. Both the
// HTTP handlers and the MCP tools delegate here so the two surfaces cannot
// drift apart.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/keiyaku/internal/ledger"
	"github.com/ashita-ai/keiyaku/internal/manifest"
	"github.com/ashita-ai/keiyaku/internal/model"
	"github.com/ashita-ai/keiyaku/internal/packet"
	"github.com/ashita-ai/keiyaku/internal/pipeline"
	"github.com/ashita-ai/keiyaku/internal/storage"
)

// Error is a caller-visible service failure carrying the error code, the
// layer callers branch on, and any structured detail payload.
type Error struct {
	Code    string
	Message string
	Layer   model.ErrorLayer
	Details any
}

func (e *Error) Error() string {
	return fmt.Sprintf("service: %s: %s", e.Code, e.Message)
}

// AsError unwraps a service Error from an error chain.
func AsError(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Store is the persistence surface the service needs beyond the pipeline's.
// *storage.DB satisfies it.
type Store interface {
	pipeline.Store
	CreateProject(ctx context.Context, ownerUserID uuid.UUID, name string) (model.Project, error)
	GetProject(ctx context.Context, id uuid.UUID) (model.Project, error)
	ListProjectsByOwner(ctx context.Context, ownerUserID uuid.UUID) ([]model.Project, error)
	AppendTurn(ctx context.Context, projectID uuid.UUID, cycleNo int, rawText string) (model.IntakeTurn, error)
	GetLatestVersion(ctx context.Context, projectID uuid.UUID, cycleNo int) (model.ContractVersion, error)
	ListStageRuns(ctx context.Context, projectID uuid.UUID, cycleNo int, limit int) ([]model.StageRun, error)
	UpsertManifest(ctx context.Context, m model.SubmissionManifest) error
	GetManifest(ctx context.Context, contractVersionID uuid.UUID) (model.SubmissionManifest, error)
	StoreArchive(ctx context.Context, bucket, path string, contents []byte) error
	GetArchive(ctx context.Context, bucket, path string) ([]byte, error)
}

// Service implements the contract operations.
type Service struct {
	store  Store
	runner *pipeline.Runner
	bucket string
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Service. bucket names the logical archive bucket submissions
// are stored under.
func New(store Store, runner *pipeline.Runner, bucket string, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		runner: runner,
		bucket: bucket,
		logger: logger,
		now:    time.Now,
	}
}

// CreateProject creates a project owned by the calling user.
func (s *Service) CreateProject(ctx context.Context, ownerUserID uuid.UUID, name string) (model.Project, error) {
	if name == "" {
		return model.Project{}, &Error{
			Code: model.ErrCodeInvalidInput, Message: "name is required", Layer: model.LayerValidation,
		}
	}
	return s.store.CreateProject(ctx, ownerUserID, name)
}

// ListProjects lists the calling user's projects.
func (s *Service) ListProjects(ctx context.Context, ownerUserID uuid.UUID) ([]model.Project, error) {
	return s.store.ListProjectsByOwner(ctx, ownerUserID)
}

// AppendTurn appends one intake turn to a cycle.
func (s *Service) AppendTurn(ctx context.Context, projectID uuid.UUID, cycleNo int, req model.AppendTurnRequest) (model.IntakeTurn, error) {
	if err := req.Validate(); err != nil {
		return model.IntakeTurn{}, &Error{
			Code: model.ErrCodeInvalidInput, Message: err.Error(), Layer: model.LayerValidation,
		}
	}
	return s.store.AppendTurn(ctx, projectID, cycleNo, req.RawText)
}

// ListTurns returns a cycle's intake turns in turn order.
func (s *Service) ListTurns(ctx context.Context, projectID uuid.UUID, cycleNo int) ([]model.IntakeTurn, error) {
	return s.store.ListTurns(ctx, projectID, cycleNo)
}

// UpsertDecision inserts or replaces the decision item for a key.
func (s *Service) UpsertDecision(ctx context.Context, projectID uuid.UUID, cycleNo int, key string, req model.UpsertDecisionRequest) (model.DecisionItem, error) {
	if key == "" || len(key) > model.MaxDecisionKeyLen {
		return model.DecisionItem{}, &Error{
			Code: model.ErrCodeInvalidInput, Message: "decision_key is required", Layer: model.LayerValidation,
		}
	}
	if err := req.Validate(); err != nil {
		return model.DecisionItem{}, &Error{
			Code: model.ErrCodeInvalidInput, Message: err.Error(), Layer: model.LayerValidation,
		}
	}

	item := model.DecisionItem{
		ProjectID:     projectID,
		CycleNo:       cycleNo,
		DecisionKey:   key,
		Claim:         req.Claim,
		Status:        req.Status,
		DecisionState: req.DecisionState,
		EvidenceRefs:  req.EvidenceRefs,
		LockState:     req.LockState,
		HasConflict:   req.HasConflict,
		ConflictKey:   req.ConflictKey,
	}
	if item.DecisionState == "" {
		item.DecisionState = model.DecisionProposed
	}
	if item.LockState == "" {
		item.LockState = model.LockOpen
	}
	return s.store.UpsertDecision(ctx, item)
}

// ListDecisions returns a cycle's decision items in key order.
func (s *Service) ListDecisions(ctx context.Context, projectID uuid.UUID, cycleNo int) ([]model.DecisionItem, error) {
	return s.store.ListDecisions(ctx, projectID, cycleNo)
}

// Readiness evaluates whether the cycle's decision ledger allows a commit.
func (s *Service) Readiness(ctx context.Context, projectID uuid.UUID, cycleNo int) (model.ReadinessResponse, error) {
	decisions, err := s.store.ListDecisions(ctx, projectID, cycleNo)
	if err != nil {
		return model.ReadinessResponse{}, err
	}
	r := ledger.EvaluateReadiness(ledger.New(decisions))
	blockers := r.Blockers
	if blockers == nil {
		blockers = []string{}
	}
	return model.ReadinessResponse{CanCommit: r.CanCommit, Blockers: blockers}, nil
}

// GenerateContract runs the full stage-gate pipeline for a cycle.
func (s *Service) GenerateContract(ctx context.Context, userID, projectID uuid.UUID, cycleNo int) (model.GenerateContractResponse, error) {
	if s.runner == nil {
		return model.GenerateContractResponse{}, &Error{
			Code:    model.ErrCodeServerConfigMissing,
			Message: "Generation pipeline is not configured",
			Layer:   model.LayerServer,
		}
	}
	return s.runner.Run(ctx, userID, projectID, cycleNo)
}

// SubmitRun validates the latest committed version, builds its manifest and
// archive, and stores both. The archive path is deterministic and writes
// never overwrite; a concurrent duplicate submission surfaces as a transient
// upload failure the caller can retry.
func (s *Service) SubmitRun(ctx context.Context, userID, projectID uuid.UUID, cycleNo int, req model.SubmitRunRequest) (model.SubmitRunResponse, error) {
	if !req.ReviewConfirmed {
		return model.SubmitRunResponse{}, &Error{
			Code:    model.ErrCodeReviewConfirmation,
			Message: "Submission requires review_confirmed=true",
			Layer:   model.LayerValidation,
		}
	}

	version, err := s.store.GetLatestVersion(ctx, projectID, cycleNo)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.SubmitRunResponse{}, &Error{
				Code:    model.ErrCodeSubmitNoVersion,
				Message: "No committed contract version exists for this cycle",
				Layer:   model.LayerValidation,
			}
		}
		return model.SubmitRunResponse{}, err
	}

	// Documents and decisions are independent reads; fetch them concurrently
	// and join before validating.
	var (
		docs      []model.GeneratedDoc
		decisions []model.DecisionItem
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		docs, err = s.store.GetVersionDocuments(gctx, version.ID)
		return err
	})
	g.Go(func() error {
		var err error
		decisions, err = s.store.ListDecisions(gctx, projectID, cycleNo)
		return err
	})
	if err := g.Wait(); err != nil {
		return model.SubmitRunResponse{}, err
	}

	res := packet.ValidateRun(docs, ledger.New(decisions).HasUnknown())
	if !res.IsValid() {
		code := model.ErrCodeSubmitValidation
		if hasRoleSetIssue(docs) {
			code = model.ErrCodeSubmitRoleSet
		}
		return model.SubmitRunResponse{}, &Error{
			Code:    code,
			Message: "Pre-flight validation of the committed packet failed",
			Layer:   model.LayerValidation,
			Details: map[string]any{"issues": res.Blocking()},
		}
	}

	bundle, err := manifest.Build(version, docs, userID, s.now())
	if err != nil {
		return model.SubmitRunResponse{}, err
	}
	archive, err := manifest.Archive(bundle)
	if err != nil {
		return model.SubmitRunResponse{}, err
	}

	path := manifest.StoragePath(userID, bundle.Manifest)
	if err := s.store.StoreArchive(ctx, s.bucket, path, archive); err != nil {
		if errors.Is(err, storage.ErrPathOccupied) {
			return model.SubmitRunResponse{}, &Error{
				Code:    model.ErrCodeSubmissionUpload,
				Message: "Archive upload failed; retry the submission",
				Layer:   model.LayerTransient,
			}
		}
		return model.SubmitRunResponse{}, err
	}

	if err := s.store.UpsertManifest(ctx, bundle.Manifest); err != nil {
		return model.SubmitRunResponse{}, err
	}
	if err := s.store.RecordAuditEvent(ctx, storage.AuditEvent{
		ProjectID: projectID,
		CycleNo:   cycleNo,
		UserID:    userID,
		Action:    "contract.submitted",
		Details: map[string]any{
			"contract_version_id": version.ID.String(),
			"version_number":      version.VersionNumber,
			"packet_hash":         bundle.Manifest.PacketHash,
			"path":                path,
		},
	}); err != nil {
		return model.SubmitRunResponse{}, err
	}

	s.logger.Info("submission stored",
		"project_id", projectID, "cycle_no", cycleNo,
		"contract_version_id", version.ID, "path", path)

	return model.SubmitRunResponse{
		SubmissionID:      bundle.Manifest.RunID,
		ContractVersionID: version.ID,
		Bucket:            s.bucket,
		Path:              path,
		SubmittedAt:       bundle.Manifest.SubmittedAt,
	}, nil
}

// LatestVersion returns the latest committed version with its documents.
func (s *Service) LatestVersion(ctx context.Context, projectID uuid.UUID, cycleNo int) (model.ContractVersion, []model.GeneratedDoc, error) {
	version, err := s.store.GetLatestVersion(ctx, projectID, cycleNo)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.ContractVersion{}, nil, &Error{
				Code: model.ErrCodeNotFound, Message: "No committed contract version exists for this cycle", Layer: model.LayerValidation,
			}
		}
		return model.ContractVersion{}, nil, err
	}
	docs, err := s.store.GetVersionDocuments(ctx, version.ID)
	if err != nil {
		return model.ContractVersion{}, nil, err
	}
	return version, docs, nil
}

// StageRuns returns the stage-run audit trail for a cycle, oldest first.
func (s *Service) StageRuns(ctx context.Context, projectID uuid.UUID, cycleNo int, limit int) ([]model.StageRun, error) {
	return s.store.ListStageRuns(ctx, projectID, cycleNo, limit)
}

// Manifest returns the stored submission manifest of a contract version.
func (s *Service) Manifest(ctx context.Context, contractVersionID uuid.UUID) (model.SubmissionManifest, error) {
	m, err := s.store.GetManifest(ctx, contractVersionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.SubmissionManifest{}, &Error{
				Code: model.ErrCodeNotFound, Message: "No submission manifest exists for this contract version", Layer: model.LayerValidation,
			}
		}
		return model.SubmissionManifest{}, err
	}
	return m, nil
}

// hasRoleSetIssue reports whether the document set fails role coverage on its
// own, before any claim-level checks.
func hasRoleSetIssue(docs []model.GeneratedDoc) bool {
	seen := map[int]int{}
	for _, doc := range docs {
		seen[doc.RoleID]++
	}
	if len(seen) != model.RoleCount {
		return true
	}
	for roleID := 1; roleID <= model.RoleCount; roleID++ {
		if seen[roleID] != 1 {
			return true
		}
	}
	return false
}
