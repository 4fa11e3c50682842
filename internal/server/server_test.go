package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/keiyaku/internal/auth"
	"github.com/ashita-ai/keiyaku/internal/authz"
	"github.com/ashita-ai/keiyaku/internal/model"
	"github.com/ashita-ai/keiyaku/internal/pipeline"
	"github.com/ashita-ai/keiyaku/internal/service"
	"github.com/ashita-ai/keiyaku/internal/storage"
	"github.com/ashita-ai/keiyaku/internal/synth"
)

// memStore is an in-memory service.Store plus project ownership for the
// authz checker and API keys for the token exchange.
type memStore struct {
	projects  map[uuid.UUID]model.Project
	turns     map[string][]model.IntakeTurn
	decisions map[string][]model.DecisionItem
	versions  []model.ContractVersion
	docs      map[uuid.UUID][]model.GeneratedDoc
	manifests map[uuid.UUID]model.SubmissionManifest
	archives  map[string][]byte
	stageRuns map[string][]model.StageRun
	apiKeys   map[string]storage.APIKey
}

func newMemStore() *memStore {
	return &memStore{
		projects:  map[uuid.UUID]model.Project{},
		turns:     map[string][]model.IntakeTurn{},
		decisions: map[string][]model.DecisionItem{},
		docs:      map[uuid.UUID][]model.GeneratedDoc{},
		manifests: map[uuid.UUID]model.SubmissionManifest{},
		archives:  map[string][]byte{},
		stageRuns: map[string][]model.StageRun{},
		apiKeys:   map[string]storage.APIKey{},
	}
}

func scope(projectID uuid.UUID, cycleNo int) string {
	return fmt.Sprintf("%s/%d", projectID, cycleNo)
}

func (m *memStore) CreateProject(_ context.Context, ownerUserID uuid.UUID, name string) (model.Project, error) {
	p := model.Project{ID: uuid.New(), OwnerUserID: ownerUserID, Name: name, CreatedAt: time.Now()}
	m.projects[p.ID] = p
	return p, nil
}

func (m *memStore) GetProject(_ context.Context, id uuid.UUID) (model.Project, error) {
	p, ok := m.projects[id]
	if !ok {
		return model.Project{}, storage.ErrNotFound
	}
	return p, nil
}

func (m *memStore) ListProjectsByOwner(_ context.Context, ownerUserID uuid.UUID) ([]model.Project, error) {
	var out []model.Project
	for _, p := range m.projects {
		if p.OwnerUserID == ownerUserID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) AppendTurn(_ context.Context, projectID uuid.UUID, cycleNo int, rawText string) (model.IntakeTurn, error) {
	key := scope(projectID, cycleNo)
	turn := model.IntakeTurn{
		ID: uuid.New(), ProjectID: projectID, CycleNo: cycleNo,
		TurnIndex: len(m.turns[key]), RawText: rawText, CreatedAt: time.Now(),
	}
	m.turns[key] = append(m.turns[key], turn)
	return turn, nil
}

func (m *memStore) ListTurns(_ context.Context, projectID uuid.UUID, cycleNo int) ([]model.IntakeTurn, error) {
	return m.turns[scope(projectID, cycleNo)], nil
}

func (m *memStore) UpsertDecision(_ context.Context, item model.DecisionItem) (model.DecisionItem, error) {
	item.ID = uuid.New()
	key := scope(item.ProjectID, item.CycleNo)
	for i, existing := range m.decisions[key] {
		if existing.DecisionKey == item.DecisionKey {
			m.decisions[key][i] = item
			return item, nil
		}
	}
	m.decisions[key] = append(m.decisions[key], item)
	return item, nil
}

func (m *memStore) ListDecisions(_ context.Context, projectID uuid.UUID, cycleNo int) ([]model.DecisionItem, error) {
	return m.decisions[scope(projectID, cycleNo)], nil
}

func (m *memStore) FindVersionByFingerprint(_ context.Context, projectID uuid.UUID, cycleNo int, fingerprint string) (model.ContractVersion, error) {
	for _, v := range m.versions {
		if v.ProjectID == projectID && v.CycleNo == cycleNo && v.InputFingerprint == fingerprint {
			return v, nil
		}
	}
	return model.ContractVersion{}, storage.ErrNotFound
}

func (m *memStore) CommitVersion(ctx context.Context, projectID uuid.UUID, cycleNo int, fingerprint string, docs []model.GeneratedDoc) (model.ContractVersion, bool, error) {
	if existing, err := m.FindVersionByFingerprint(ctx, projectID, cycleNo, fingerprint); err == nil {
		return existing, true, nil
	}
	version := model.ContractVersion{
		ID: uuid.New(), ProjectID: projectID, CycleNo: cycleNo,
		VersionNumber: len(m.versions) + 1, InputFingerprint: fingerprint,
		Status: model.VersionCommitted, DocumentCount: len(docs),
	}
	stored := make([]model.GeneratedDoc, len(docs))
	copy(stored, docs)
	for i := range stored {
		stored[i].ID = uuid.New()
		stored[i].ContractVersionID = version.ID
	}
	m.versions = append(m.versions, version)
	m.docs[version.ID] = stored
	return version, false, nil
}

func (m *memStore) GetVersionDocuments(_ context.Context, versionID uuid.UUID) ([]model.GeneratedDoc, error) {
	docs, ok := m.docs[versionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return docs, nil
}

func (m *memStore) GetLatestVersion(_ context.Context, projectID uuid.UUID, cycleNo int) (model.ContractVersion, error) {
	var latest model.ContractVersion
	found := false
	for _, v := range m.versions {
		if v.ProjectID == projectID && v.CycleNo == cycleNo && (!found || v.VersionNumber > latest.VersionNumber) {
			latest = v
			found = true
		}
	}
	if !found {
		return model.ContractVersion{}, storage.ErrNotFound
	}
	return latest, nil
}

func (m *memStore) RecordStageRun(_ context.Context, run model.StageRun) (model.StageRun, error) {
	run.ID = uuid.New()
	run.CreatedAt = time.Now()
	key := scope(run.ProjectID, run.CycleNo)
	m.stageRuns[key] = append(m.stageRuns[key], run)
	return run, nil
}

func (m *memStore) ListStageRuns(_ context.Context, projectID uuid.UUID, cycleNo int, _ int) ([]model.StageRun, error) {
	return m.stageRuns[scope(projectID, cycleNo)], nil
}

func (m *memStore) RecordAuditEvent(_ context.Context, _ storage.AuditEvent) error { return nil }

func (m *memStore) UpsertManifest(_ context.Context, sm model.SubmissionManifest) error {
	m.manifests[sm.ContractVersionID] = sm
	return nil
}

func (m *memStore) GetManifest(_ context.Context, contractVersionID uuid.UUID) (model.SubmissionManifest, error) {
	sm, ok := m.manifests[contractVersionID]
	if !ok {
		return model.SubmissionManifest{}, storage.ErrNotFound
	}
	return sm, nil
}

func (m *memStore) StoreArchive(_ context.Context, bucket, path string, contents []byte) error {
	key := bucket + "/" + path
	if _, ok := m.archives[key]; ok {
		return storage.ErrPathOccupied
	}
	m.archives[key] = contents
	return nil
}

func (m *memStore) GetArchive(_ context.Context, bucket, path string) ([]byte, error) {
	contents, ok := m.archives[bucket+"/"+path]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return contents, nil
}

func (m *memStore) GetAPIKeyByPrefix(_ context.Context, prefix string) (storage.APIKey, error) {
	k, ok := m.apiKeys[prefix]
	if !ok {
		return storage.APIKey{}, storage.ErrNotFound
	}
	return k, nil
}

type testEnv struct {
	store  *memStore
	server *Server
	jwt    *auth.JWTManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	store := newMemStore()

	jwtm, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	runner := pipeline.NewRunner(store, synth.New(nil, logger), logger)
	svc := service.New(store, runner, "test-bucket", logger)
	checker := authz.NewChecker(store, time.Minute)

	srv := New(svc, checker, jwtm, store, Options{
		Port:                0,
		MaxRequestBodyBytes: 1 << 20,
	}, logger)

	return &testEnv{store: store, server: srv, jwt: jwtm}
}

func (e *testEnv) bearerFor(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	token, _, err := e.jwt.IssueToken(userID, nil)
	require.NoError(t, err)
	return "Bearer " + token
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) model.APIError {
	t.Helper()
	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	return apiErr
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIRequiresBearerToken(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/projects", "", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	apiErr := decodeError(t, rec)
	assert.Equal(t, model.ErrCodeUnauthorized, apiErr.Error.Code)
	assert.Equal(t, model.LayerAuth, apiErr.Error.Layer)
	assert.NotEmpty(t, apiErr.Meta.RequestID)
}

func TestTokenExchange(t *testing.T) {
	env := newTestEnv(t)
	userID := uuid.New()
	rawKey := "kyk_live_0123456789abcdef0123456789abcdef"
	hash, err := auth.HashAPIKey(rawKey)
	require.NoError(t, err)
	env.store.apiKeys[rawKey[:keyPrefixLen]] = storage.APIKey{
		ID: uuid.New(), Prefix: rawKey[:keyPrefixLen], KeyHash: hash, UserID: userID,
	}

	rec := env.do(t, http.MethodPost, "/auth/token", "", map[string]string{"api_key": rawKey})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data tokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.Token)

	authed := env.do(t, http.MethodGet, "/api/v1/projects", "Bearer "+resp.Data.Token, nil)
	assert.Equal(t, http.StatusOK, authed.Code)
}

func TestTokenExchangeRejectsWrongKey(t *testing.T) {
	env := newTestEnv(t)
	rawKey := "kyk_live_0123456789abcdef0123456789abcdef"
	hash, err := auth.HashAPIKey(rawKey)
	require.NoError(t, err)
	env.store.apiKeys[rawKey[:keyPrefixLen]] = storage.APIKey{
		ID: uuid.New(), Prefix: rawKey[:keyPrefixLen], KeyHash: hash, UserID: uuid.New(),
	}

	rec := env.do(t, http.MethodPost, "/auth/token", "",
		map[string]string{"api_key": rawKey[:len(rawKey)-1] + "X"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGenerateFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	userID := uuid.New()
	bearer := env.bearerFor(t, userID)

	project, err := env.store.CreateProject(context.Background(), userID, "launch-plan")
	require.NoError(t, err)
	base := fmt.Sprintf("/api/v1/projects/%s/cycles/1", project.ID)

	rec := env.do(t, http.MethodPost, base+"/turns", bearer,
		model.AppendTurnRequest{RawText: "We are building a design marketplace."})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPut, base+"/decisions/target_customer", bearer,
		model.UpsertDecisionRequest{
			Claim:        "Freelance designers.",
			Status:       model.TrustUserSaid,
			EvidenceRefs: []string{"turn:1"},
		})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, base+"/contract:generate", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data model.GenerateContractResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data.Documents, model.RoleCount)
	assert.False(t, resp.Data.ReusedExistingVersion)

	// Unchanged inputs reuse the committed version.
	rec = env.do(t, http.MethodPost, base+"/contract:generate", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Data.ReusedExistingVersion)

	// Stage runs were recorded for both runs.
	rec = env.do(t, http.MethodGet, base+"/stage-runs", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs struct {
		Data []model.StageRun `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs.Data, 2*len(model.Stages))
}

func TestGenerateGateFailureEnvelope(t *testing.T) {
	env := newTestEnv(t)
	userID := uuid.New()
	bearer := env.bearerFor(t, userID)

	project, err := env.store.CreateProject(context.Background(), userID, "empty-project")
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost,
		fmt.Sprintf("/api/v1/projects/%s/cycles/1/contract:generate", project.ID), bearer, nil)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	apiErr := decodeError(t, rec)
	assert.Equal(t, model.ErrCodeGateDiscoveryEmpty, apiErr.Error.Code)
	assert.Equal(t, model.LayerValidation, apiErr.Error.Layer)
}

func TestProjectOwnershipEnforced(t *testing.T) {
	env := newTestEnv(t)
	owner := uuid.New()
	project, err := env.store.CreateProject(context.Background(), owner, "private")
	require.NoError(t, err)

	intruder := env.bearerFor(t, uuid.New())
	rec := env.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/projects/%s/cycles/1/turns", project.ID), intruder, nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	apiErr := decodeError(t, rec)
	assert.Equal(t, model.ErrCodeProjectForbidden, apiErr.Error.Code)
	assert.Equal(t, model.LayerAuthorization, apiErr.Error.Layer)
}

func TestUnknownProjectReturnsNotFound(t *testing.T) {
	env := newTestEnv(t)
	bearer := env.bearerFor(t, uuid.New())

	rec := env.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/projects/%s/cycles/1/turns", uuid.New()), bearer, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	apiErr := decodeError(t, rec)
	assert.Equal(t, model.ErrCodeProjectNotFound, apiErr.Error.Code)
}

func TestSubmitFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	userID := uuid.New()
	bearer := env.bearerFor(t, userID)

	project, err := env.store.CreateProject(context.Background(), userID, "ship-it")
	require.NoError(t, err)
	base := fmt.Sprintf("/api/v1/projects/%s/cycles/1", project.ID)

	env.do(t, http.MethodPost, base+"/turns", bearer,
		model.AppendTurnRequest{RawText: "We are building a design marketplace."})
	env.do(t, http.MethodPut, base+"/decisions/target_customer", bearer,
		model.UpsertDecisionRequest{
			Claim:        "Freelance designers.",
			Status:       model.TrustUserSaid,
			EvidenceRefs: []string{"turn:1"},
		})
	rec := env.do(t, http.MethodPost, base+"/contract:generate", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Submission without confirmation is blocked.
	rec = env.do(t, http.MethodPost, base+"/contract:submit", bearer,
		model.SubmitRunRequest{ReviewConfirmed: false})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, model.ErrCodeReviewConfirmation, decodeError(t, rec).Error.Code)

	rec = env.do(t, http.MethodPost, base+"/contract:submit", bearer,
		model.SubmitRunRequest{ReviewConfirmed: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data model.SubmitRunResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "test-bucket", resp.Data.Bucket)
	assert.NotEmpty(t, resp.Data.Path)

	// Manifest is fetchable by the owner afterwards.
	rec = env.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/contract-versions/%s/manifest", resp.Data.ContractVersionID), bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var mresp struct {
		Data model.SubmissionManifest `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mresp))
	assert.Len(t, mresp.Data.Documents, model.RoleCount)
	assert.NotEmpty(t, mresp.Data.PacketHash)
}
