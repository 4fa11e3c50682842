package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/ashita-ai/keiyaku/internal/auth"
	"github.com/ashita-ai/keiyaku/internal/ctxutil"
	"github.com/ashita-ai/keiyaku/internal/model"
	"github.com/ashita-ai/keiyaku/internal/storage"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// keyPrefixLen is the number of leading key characters stored in clear for
// O(1) lookup before the Argon2id verification.
const keyPrefixLen = 12

type tokenRequest struct {
	APIKey string `json:"api_key"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// handleTokenExchange swaps an API key for a short-lived JWT.
func (s *Server) handleTokenExchange(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.APIKey) <= keyPrefixLen {
		writeErrorDetail(w, r, http.StatusUnauthorized, model.ErrorDetail{
			Code: model.ErrCodeUnauthorized, Message: "Invalid API key", Layer: model.LayerAuth,
		})
		return
	}

	key, err := s.keys.GetAPIKeyByPrefix(r.Context(), req.APIKey[:keyPrefixLen])
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			auth.DummyVerify()
			writeErrorDetail(w, r, http.StatusUnauthorized, model.ErrorDetail{
				Code: model.ErrCodeUnauthorized, Message: "Invalid API key", Layer: model.LayerAuth,
			})
			return
		}
		writeError(w, r, err)
		return
	}

	ok, err := auth.VerifyAPIKey(req.APIKey, key.KeyHash)
	if err != nil || !ok {
		writeErrorDetail(w, r, http.StatusUnauthorized, model.ErrorDetail{
			Code: model.ErrCodeUnauthorized, Message: "Invalid API key", Layer: model.LayerAuth,
		})
		return
	}

	token, expiresAt, err := s.jwt.IssueToken(key.UserID, &key.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt.Format("2006-01-02T15:04:05Z07:00")})
}

type createProjectRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidInput(w, r, "Request body must be valid JSON")
		return
	}
	project, err := s.svc.CreateProject(r.Context(), ctxutil.UserIDFromContext(r.Context()), req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.svc.ListProjects(r.Context(), ctxutil.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if projects == nil {
		projects = []model.Project{}
	}
	writeData(w, r, http.StatusOK, projects)
}

// projectScope parses and authorizes the {project_id}/{cycle_no} path scope.
// On failure it has already written the response.
func (s *Server) projectScope(w http.ResponseWriter, r *http.Request) (uuid.UUID, int, bool) {
	raw := r.PathValue("project_id")
	if raw == "" {
		writeErrorDetail(w, r, http.StatusUnprocessableEntity, model.ErrorDetail{
			Code: model.ErrCodeProjectIDRequired, Message: "project_id is required", Layer: model.LayerValidation,
		})
		return uuid.Nil, 0, false
	}
	projectID, err := uuid.Parse(raw)
	if err != nil {
		writeErrorDetail(w, r, http.StatusUnprocessableEntity, model.ErrorDetail{
			Code: model.ErrCodeProjectIDRequired, Message: "project_id must be a UUID", Layer: model.LayerValidation,
		})
		return uuid.Nil, 0, false
	}

	cycleNo, err := strconv.Atoi(r.PathValue("cycle_no"))
	if err != nil || cycleNo < 1 {
		writeInvalidInput(w, r, "cycle_no must be a positive integer")
		return uuid.Nil, 0, false
	}

	userID := ctxutil.UserIDFromContext(r.Context())
	if err := s.checker.RequireOwner(r.Context(), userID, projectID); err != nil {
		writeError(w, r, err)
		return uuid.Nil, 0, false
	}
	return projectID, cycleNo, true
}

func (s *Server) handleAppendTurn(w http.ResponseWriter, r *http.Request) {
	projectID, cycleNo, ok := s.projectScope(w, r)
	if !ok {
		return
	}
	var req model.AppendTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidInput(w, r, "Request body must be valid JSON")
		return
	}
	turn, err := s.svc.AppendTurn(r.Context(), projectID, cycleNo, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, turn)
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	projectID, cycleNo, ok := s.projectScope(w, r)
	if !ok {
		return
	}
	turns, err := s.svc.ListTurns(r.Context(), projectID, cycleNo)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if turns == nil {
		turns = []model.IntakeTurn{}
	}
	writeData(w, r, http.StatusOK, turns)
}

func (s *Server) handleUpsertDecision(w http.ResponseWriter, r *http.Request) {
	projectID, cycleNo, ok := s.projectScope(w, r)
	if !ok {
		return
	}
	var req model.UpsertDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidInput(w, r, "Request body must be valid JSON")
		return
	}
	item, err := s.svc.UpsertDecision(r.Context(), projectID, cycleNo, r.PathValue("decision_key"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, item)
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	projectID, cycleNo, ok := s.projectScope(w, r)
	if !ok {
		return
	}
	items, err := s.svc.ListDecisions(r.Context(), projectID, cycleNo)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []model.DecisionItem{}
	}
	writeData(w, r, http.StatusOK, items)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	projectID, cycleNo, ok := s.projectScope(w, r)
	if !ok {
		return
	}
	resp, err := s.svc.Readiness(r.Context(), projectID, cycleNo)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, resp)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	projectID, cycleNo, ok := s.projectScope(w, r)
	if !ok {
		return
	}
	resp, err := s.svc.GenerateContract(r.Context(), ctxutil.UserIDFromContext(r.Context()), projectID, cycleNo)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, resp)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	projectID, cycleNo, ok := s.projectScope(w, r)
	if !ok {
		return
	}
	var req model.SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidInput(w, r, "Request body must be valid JSON")
		return
	}
	resp, err := s.svc.SubmitRun(r.Context(), ctxutil.UserIDFromContext(r.Context()), projectID, cycleNo, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, resp)
}

func (s *Server) handleLatestVersion(w http.ResponseWriter, r *http.Request) {
	projectID, cycleNo, ok := s.projectScope(w, r)
	if !ok {
		return
	}
	version, docs, err := s.svc.LatestVersion(r.Context(), projectID, cycleNo)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{
		"version":   version,
		"documents": docs,
	})
}

func (s *Server) handleStageRuns(w http.ResponseWriter, r *http.Request) {
	projectID, cycleNo, ok := s.projectScope(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.svc.StageRuns(r.Context(), projectID, cycleNo, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.StageRun{}
	}
	writeData(w, r, http.StatusOK, runs)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	versionID, err := uuid.Parse(r.PathValue("contract_version_id"))
	if err != nil {
		writeInvalidInput(w, r, "contract_version_id must be a UUID")
		return
	}
	m, err := s.svc.Manifest(r.Context(), versionID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Manifests reference a version owned by exactly one project; enforce
	// ownership on that project before returning.
	userID := ctxutil.UserIDFromContext(r.Context())
	if err := s.checker.RequireOwner(r.Context(), userID, m.ProjectID); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, m)
}

func writeInvalidInput(w http.ResponseWriter, r *http.Request, message string) {
	writeErrorDetail(w, r, http.StatusUnprocessableEntity, model.ErrorDetail{
		Code:    model.ErrCodeInvalidInput,
		Message: message,
		Layer:   model.LayerValidation,
	})
}
