package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/keiyaku/internal/model"
	"github.com/ashita-ai/keiyaku/internal/storage"
	"github.com/ashita-ai/keiyaku/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func createTestProject(t *testing.T) model.Project {
	t.Helper()
	project, err := testDB.CreateProject(context.Background(), uuid.New(), "test-project")
	require.NoError(t, err)
	return project
}

func packetDocs() []model.GeneratedDoc {
	var docs []model.GeneratedDoc
	for _, role := range model.Roles {
		docs = append(docs, model.GeneratedDoc{
			RoleID:     role.RoleID,
			Title:      role.Title,
			Body:       fmt.Sprintf("## Purpose\n- Body for role %d.", role.RoleID),
			IsComplete: true,
			Claims: []model.GeneratedClaim{{
				ClaimIndex:     0,
				ClaimText:      "The product targets freelance designers.",
				TrustLabel:     model.TrustUserSaid,
				ProvenanceRefs: []string{"turn:1"},
			}},
		})
	}
	return docs
}

func TestAppendTurnAssignsSequentialIndexes(t *testing.T) {
	ctx := context.Background()
	project := createTestProject(t)

	for i := 0; i < 3; i++ {
		turn, err := testDB.AppendTurn(ctx, project.ID, 1, fmt.Sprintf("turn %d", i))
		require.NoError(t, err)
		assert.Equal(t, i, turn.TurnIndex)
	}

	turns, err := testDB.ListTurns(ctx, project.ID, 1)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "turn 0", turns[0].RawText)
}

func TestUpsertDecisionRespectsLock(t *testing.T) {
	ctx := context.Background()
	project := createTestProject(t)

	item := model.DecisionItem{
		ProjectID:     project.ID,
		CycleNo:       1,
		DecisionKey:   "target_customer",
		Claim:         "Freelance designers.",
		Status:        model.TrustUserSaid,
		DecisionState: model.DecisionConfirmed,
		EvidenceRefs:  []string{"turn:1"},
		LockState:     model.LockLocked,
	}
	stored, err := testDB.UpsertDecision(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, model.LockLocked, stored.LockState)

	// A second upsert against the locked row is a no-op.
	item.Claim = "Enterprise buyers."
	item.LockState = model.LockOpen
	after, err := testDB.UpsertDecision(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, "Freelance designers.", after.Claim)
	assert.Equal(t, model.LockLocked, after.LockState)
}

func TestCommitVersionDeduplicatesByFingerprint(t *testing.T) {
	ctx := context.Background()
	project := createTestProject(t)
	docs := packetDocs()

	first, reused, err := testDB.CommitVersion(ctx, project.ID, 1, "v1:same", docs)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, 1, first.VersionNumber)

	second, reused, err := testDB.CommitVersion(ctx, project.ID, 1, "v1:same", docs)
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, first.ID, second.ID)

	third, reused, err := testDB.CommitVersion(ctx, project.ID, 1, "v1:other", docs)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, 2, third.VersionNumber)
}

func TestGetVersionDocumentsOrdering(t *testing.T) {
	ctx := context.Background()
	project := createTestProject(t)

	version, _, err := testDB.CommitVersion(ctx, project.ID, 1, "v1:docs", packetDocs())
	require.NoError(t, err)

	docs, err := testDB.GetVersionDocuments(ctx, version.ID)
	require.NoError(t, err)
	require.Len(t, docs, model.RoleCount)
	for i, doc := range docs {
		assert.Equal(t, i+1, doc.RoleID)
		require.Len(t, doc.Claims, 1)
		assert.Equal(t, model.TrustUserSaid, doc.Claims[0].TrustLabel)
		assert.Equal(t, []string{"turn:1"}, doc.Claims[0].ProvenanceRefs)
	}
}

func TestStageRunsAreAppendOnlyAndOrdered(t *testing.T) {
	ctx := context.Background()
	project := createTestProject(t)

	for _, stage := range model.Stages {
		_, err := testDB.RecordStageRun(ctx, model.StageRun{
			ProjectID: project.ID,
			CycleNo:   1,
			Stage:     stage,
			Status:    model.StagePassed,
			Details:   map[string]any{"stage": string(stage)},
		})
		require.NoError(t, err)
	}

	runs, err := testDB.ListStageRuns(ctx, project.ID, 1, 0)
	require.NoError(t, err)
	require.Len(t, runs, len(model.Stages))
	for i, run := range runs {
		assert.Equal(t, model.Stages[i], run.Stage)
	}
}

func TestStoreArchiveNeverOverwrites(t *testing.T) {
	ctx := context.Background()

	path := "users/u/projects/p/cycles/1/v1/cv/x.zip"
	require.NoError(t, testDB.StoreArchive(ctx, "bucket", path, []byte("first")))

	err := testDB.StoreArchive(ctx, "bucket", path, []byte("second"))
	assert.ErrorIs(t, err, storage.ErrPathOccupied)

	contents, err := testDB.GetArchive(ctx, "bucket", path)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), contents)
}

func TestManifestUpsertReplacesByVersion(t *testing.T) {
	ctx := context.Background()
	project := createTestProject(t)

	version, _, err := testDB.CommitVersion(ctx, project.ID, 1, "v1:manifest", packetDocs())
	require.NoError(t, err)

	m := model.SubmissionManifest{
		RunID:                 uuid.New(),
		ProjectID:             project.ID,
		CycleNo:               1,
		UserID:                uuid.New(),
		ContractVersionID:     version.ID,
		ContractVersionNumber: version.VersionNumber,
		SubmittedAt:           version.CreatedAt,
		Documents:             []model.ManifestDoc{{RoleID: 1, Title: "Vision & Strategy", ClaimCount: 1, ContentHash: "aa"}},
		PacketHash:            "hash-one",
	}
	require.NoError(t, testDB.UpsertManifest(ctx, m))

	m.RunID = uuid.New()
	m.PacketHash = "hash-two"
	require.NoError(t, testDB.UpsertManifest(ctx, m))

	stored, err := testDB.GetManifest(ctx, version.ID)
	require.NoError(t, err)
	assert.Equal(t, "hash-two", stored.PacketHash)
	assert.Equal(t, m.RunID, stored.RunID)
}
