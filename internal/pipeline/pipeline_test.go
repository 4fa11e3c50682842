package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/keiyaku/internal/model"
	"github.com/ashita-ai/keiyaku/internal/storage"
	"github.com/ashita-ai/keiyaku/internal/synth"
)

// fakeStore is an in-memory Store for orchestrator tests.
type fakeStore struct {
	turns     []model.IntakeTurn
	decisions []model.DecisionItem
	versions  []model.ContractVersion
	docs      map[uuid.UUID][]model.GeneratedDoc
	stageRuns []model.StageRun
	audits    []storage.AuditEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: map[uuid.UUID][]model.GeneratedDoc{}}
}

func (f *fakeStore) ListTurns(_ context.Context, _ uuid.UUID, _ int) ([]model.IntakeTurn, error) {
	return f.turns, nil
}

func (f *fakeStore) ListDecisions(_ context.Context, _ uuid.UUID, _ int) ([]model.DecisionItem, error) {
	return f.decisions, nil
}

func (f *fakeStore) UpsertDecision(_ context.Context, item model.DecisionItem) (model.DecisionItem, error) {
	item.ID = uuid.New()
	item.UpdatedAt = time.Now()
	f.decisions = append(f.decisions, item)
	return item, nil
}

func (f *fakeStore) FindVersionByFingerprint(_ context.Context, projectID uuid.UUID, cycleNo int, fingerprint string) (model.ContractVersion, error) {
	for _, v := range f.versions {
		if v.ProjectID == projectID && v.CycleNo == cycleNo && v.InputFingerprint == fingerprint {
			return v, nil
		}
	}
	return model.ContractVersion{}, storage.ErrNotFound
}

func (f *fakeStore) CommitVersion(ctx context.Context, projectID uuid.UUID, cycleNo int, fingerprint string, docs []model.GeneratedDoc) (model.ContractVersion, bool, error) {
	if existing, err := f.FindVersionByFingerprint(ctx, projectID, cycleNo, fingerprint); err == nil {
		return existing, true, nil
	}
	version := model.ContractVersion{
		ID:               uuid.New(),
		ProjectID:        projectID,
		CycleNo:          cycleNo,
		VersionNumber:    len(f.versions) + 1,
		InputFingerprint: fingerprint,
		Status:           model.VersionCommitted,
		DocumentCount:    len(docs),
	}
	stored := make([]model.GeneratedDoc, len(docs))
	copy(stored, docs)
	for i := range stored {
		stored[i].ID = uuid.New()
		stored[i].ContractVersionID = version.ID
	}
	f.versions = append(f.versions, version)
	f.docs[version.ID] = stored
	return version, false, nil
}

func (f *fakeStore) GetVersionDocuments(_ context.Context, versionID uuid.UUID) ([]model.GeneratedDoc, error) {
	docs, ok := f.docs[versionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return docs, nil
}

func (f *fakeStore) RecordStageRun(_ context.Context, run model.StageRun) (model.StageRun, error) {
	run.ID = uuid.New()
	run.CreatedAt = time.Now()
	f.stageRuns = append(f.stageRuns, run)
	return run, nil
}

func (f *fakeStore) RecordAuditEvent(_ context.Context, ev storage.AuditEvent) error {
	f.audits = append(f.audits, ev)
	return nil
}

// countingGenerator wraps a generator response and counts invocations.
type countingGenerator struct {
	calls int
	docs  []model.UntrustedDoc
	err   error
}

func (g *countingGenerator) Generate(_ context.Context, _ synth.GenerateInput) ([]model.UntrustedDoc, error) {
	g.calls++
	return g.docs, g.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func seedTurns(f *fakeStore, n int) {
	for i := 0; i < n; i++ {
		f.turns = append(f.turns, model.IntakeTurn{
			ID:        uuid.New(),
			TurnIndex: i,
			RawText:   fmt.Sprintf("Intake turn %d about the product plan.", i),
		})
	}
}

func seedDecision(f *fakeStore, key string, status model.TrustLabel, refs []string) {
	f.decisions = append(f.decisions, model.DecisionItem{
		ID:           uuid.New(),
		DecisionKey:  key,
		Claim:        "The product targets freelance designers.",
		Status:       status,
		EvidenceRefs: refs,
		LockState:    model.LockOpen,
	})
}

func TestRunCommitsVersionAndRecordsAllStages(t *testing.T) {
	store := newFakeStore()
	seedTurns(store, 2)
	seedDecision(store, "target_customer", model.TrustUserSaid, []string{"turn:1"})

	runner := NewRunner(store, synth.New(nil, discardLogger()), discardLogger())
	resp, err := runner.Run(context.Background(), uuid.New(), uuid.New(), 1)
	require.NoError(t, err)

	assert.Equal(t, 1, resp.VersionNumber)
	assert.False(t, resp.ReusedExistingVersion)
	assert.Len(t, resp.Documents, model.RoleCount)

	require.Len(t, store.stageRuns, len(model.Stages))
	for i, run := range store.stageRuns {
		assert.Equal(t, model.Stages[i], run.Stage)
		assert.Equal(t, model.StagePassed, run.Status)
	}
	require.Len(t, store.audits, 1)
	assert.Equal(t, "contract.committed", store.audits[0].Action)
}

func TestRunFailsDiscoveryOnEmptyIntake(t *testing.T) {
	store := newFakeStore()
	runner := NewRunner(store, synth.New(nil, discardLogger()), discardLogger())

	_, err := runner.Run(context.Background(), uuid.New(), uuid.New(), 1)
	ge, ok := AsGateError(err)
	require.True(t, ok)
	assert.Equal(t, model.ErrCodeGateDiscoveryEmpty, ge.Code)

	require.Len(t, store.stageRuns, 1)
	assert.Equal(t, model.StageDiscovery, store.stageRuns[0].Stage)
	assert.Equal(t, model.StageFailed, store.stageRuns[0].Status)
	assert.Empty(t, store.versions)
}

func TestRunBootstrapsDecisionWhenNoneExist(t *testing.T) {
	store := newFakeStore()
	seedTurns(store, 1)

	runner := NewRunner(store, synth.New(nil, discardLogger()), discardLogger())
	resp, err := runner.Run(context.Background(), uuid.New(), uuid.New(), 1)
	require.NoError(t, err)
	assert.Len(t, resp.Documents, model.RoleCount)

	require.Len(t, store.decisions, 1)
	boot := store.decisions[0]
	assert.Equal(t, model.TrustUnknown, boot.Status)
	assert.Equal(t, []string{"turn:" + store.turns[0].ID.String()}, boot.EvidenceRefs)
}

func TestRunBlocksAmbiguityBeforeSynthesis(t *testing.T) {
	store := newFakeStore()
	seedTurns(store, 1)
	seedDecision(store, "target_customer", model.TrustUnknown, nil)

	gen := &countingGenerator{}
	runner := NewRunner(store, synth.New(gen, discardLogger()), discardLogger())

	_, err := runner.Run(context.Background(), uuid.New(), uuid.New(), 1)
	ge, ok := AsGateError(err)
	require.True(t, ok)
	assert.Equal(t, model.ErrCodeGateAmbiguityEvidence, ge.Code)
	assert.Equal(t, []string{"target_customer"}, ge.Details["decision_keys"])

	assert.Zero(t, gen.calls, "no document may be synthesized after a blocked gate")
	assert.Empty(t, store.versions)
}

func TestRunIsIdempotentUnderUnchangedInputs(t *testing.T) {
	store := newFakeStore()
	seedTurns(store, 2)
	seedDecision(store, "target_customer", model.TrustUserSaid, []string{"turn:1"})

	gen := &countingGenerator{err: fmt.Errorf("generator offline")}
	runner := NewRunner(store, synth.New(gen, discardLogger()), discardLogger())
	projectID := uuid.New()

	first, err := runner.Run(context.Background(), uuid.New(), projectID, 1)
	require.NoError(t, err)
	require.False(t, first.ReusedExistingVersion)

	second, err := runner.Run(context.Background(), uuid.New(), projectID, 1)
	require.NoError(t, err)

	assert.True(t, second.ReusedExistingVersion)
	assert.Equal(t, first.ContractVersionID, second.ContractVersionID)
	assert.Equal(t, first.VersionNumber, second.VersionNumber)
	assert.Equal(t, 1, gen.calls, "reuse must skip synthesis entirely")
	assert.Len(t, store.versions, 1)
}

func TestRunCreatesNewVersionWhenInputsChange(t *testing.T) {
	store := newFakeStore()
	seedTurns(store, 1)
	seedDecision(store, "target_customer", model.TrustUserSaid, []string{"turn:1"})

	runner := NewRunner(store, synth.New(nil, discardLogger()), discardLogger())
	projectID := uuid.New()

	first, err := runner.Run(context.Background(), uuid.New(), projectID, 1)
	require.NoError(t, err)

	seedTurns(store, 1) // a new intake turn changes the fingerprint
	second, err := runner.Run(context.Background(), uuid.New(), projectID, 1)
	require.NoError(t, err)

	assert.False(t, second.ReusedExistingVersion)
	assert.NotEqual(t, first.ContractVersionID, second.ContractVersionID)
	assert.Equal(t, first.VersionNumber+1, second.VersionNumber)
}

func TestRunFailsConsistencyWhenUnknownDoesNotSurvive(t *testing.T) {
	store := newFakeStore()
	seedTurns(store, 1)
	seedDecision(store, "target_customer", model.TrustUnknown, []string{"turn:1"})

	// A generator that labels everything USER_SAID erases the ledger's
	// unresolved ambiguity; the consistency gate must catch it.
	var docs []model.UntrustedDoc
	for _, role := range model.Roles {
		docs = append(docs, model.UntrustedDoc{
			RoleID: role.RoleID,
			Title:  role.Title,
			Body:   "## Purpose\n- Overconfident output.",
			Claims: []model.UntrustedClaim{{
				ClaimText:      "Everything is settled.",
				TrustLabel:     string(model.TrustUserSaid),
				ProvenanceRefs: []string{"turn:1"},
			}},
		})
	}
	runner := NewRunner(store, synth.New(&countingGenerator{docs: docs}, discardLogger()), discardLogger())

	_, err := runner.Run(context.Background(), uuid.New(), uuid.New(), 1)
	ge, ok := AsGateError(err)
	require.True(t, ok)
	assert.Equal(t, model.ErrCodeGateConsistency, ge.Code)
	require.NotEmpty(t, ge.Issues)
	assert.Empty(t, store.versions, "no partial commit after a failed gate")

	last := store.stageRuns[len(store.stageRuns)-1]
	assert.Equal(t, model.StageConsistency, last.Stage)
	assert.Equal(t, model.StageFailed, last.Status)
}
