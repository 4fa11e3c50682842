// Package mcp implements the Model Context Protocol surface for Keiyaku.
//
// The MCP server exposes the same operations as the HTTP API through tools,
// letting MCP-compatible agents drive the intake and generation flow. All
// business logic stays in the service package; tool handlers only parse
// arguments and enforce ownership.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/keiyaku/internal/authz"
	"github.com/ashita-ai/keiyaku/internal/ctxutil"
	"github.com/ashita-ai/keiyaku/internal/model"
	"github.com/ashita-ai/keiyaku/internal/service"
)

// Server wraps the MCP server with Keiyaku's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	svc       *service.Service
	checker   *authz.Checker
	logger    *slog.Logger
}

// New creates and configures the MCP server with all tools registered.
func New(svc *service.Service, checker *authz.Checker, logger *slog.Logger) *Server {
	s := &Server{
		svc:     svc,
		checker: checker,
		logger:  logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"keiyaku",
		"0.1.0",
		mcpserver.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	// keiyaku_intake — append a free-text intake turn.
	s.mcpServer.AddTool(
		mcplib.NewTool("keiyaku_intake",
			mcplib.WithDescription(`Append one free-text intake turn to a project cycle.

WHEN TO USE: whenever the founder says something about their plan. Turns are
immutable and ordered; everything later in the pipeline traces back to them.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithString("project_id", mcplib.Description("Project UUID"), mcplib.Required()),
			mcplib.WithNumber("cycle_no", mcplib.Description("Cycle number, starting at 1"), mcplib.DefaultNumber(1)),
			mcplib.WithString("text", mcplib.Description("The founder's words, verbatim"), mcplib.Required()),
		),
		s.handleIntake,
	)

	// keiyaku_decide — record or update a tracked decision item.
	s.mcpServer.AddTool(
		mcplib.NewTool("keiyaku_decide",
			mcplib.WithDescription(`Record or update a tracked decision item for a cycle.

Label honestly: USER_SAID only when the founder stated it, ASSUMED for
defaults you filled in, UNKNOWN when the question is still open. Always cite
evidence refs (turn:<id>) — items without evidence block generation.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithString("project_id", mcplib.Description("Project UUID"), mcplib.Required()),
			mcplib.WithNumber("cycle_no", mcplib.Description("Cycle number, starting at 1"), mcplib.DefaultNumber(1)),
			mcplib.WithString("decision_key", mcplib.Description("Stable key, e.g. target_customer"), mcplib.Required()),
			mcplib.WithString("claim", mcplib.Description("The decided fact, one sentence"), mcplib.Required()),
			mcplib.WithString("status", mcplib.Description("USER_SAID, ASSUMED, or UNKNOWN"), mcplib.Required()),
			mcplib.WithString("decision_state", mcplib.Description("proposed or confirmed")),
			mcplib.WithString("evidence_refs", mcplib.Description("Comma-separated provenance refs, e.g. turn:<id>")),
			mcplib.WithBoolean("has_conflict", mcplib.Description("Set when this item contradicts another")),
		),
		s.handleDecide,
	)

	// keiyaku_readiness — evaluate commit readiness.
	s.mcpServer.AddTool(
		mcplib.NewTool("keiyaku_readiness",
			mcplib.WithDescription(`Check whether a cycle is ready to commit a contract.

Returns can_commit plus a blocker list naming every unsatisfied core decision
and every unresolved contradiction. Run this before keiyaku_generate to give
the founder actionable gaps instead of a gate failure.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("project_id", mcplib.Description("Project UUID"), mcplib.Required()),
			mcplib.WithNumber("cycle_no", mcplib.Description("Cycle number, starting at 1"), mcplib.DefaultNumber(1)),
		),
		s.handleReadiness,
	)

	// keiyaku_generate — run the stage-gate pipeline.
	s.mcpServer.AddTool(
		mcplib.NewTool("keiyaku_generate",
			mcplib.WithDescription(`Run the generation pipeline and commit a ten-role contract version.

Idempotent: unchanged intake and decisions return the existing version with
reused_existing_version=true instead of creating a new one. Gate failures
come back with their code and the issues to fix.`),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("project_id", mcplib.Description("Project UUID"), mcplib.Required()),
			mcplib.WithNumber("cycle_no", mcplib.Description("Cycle number, starting at 1"), mcplib.DefaultNumber(1)),
		),
		s.handleGenerate,
	)

	// keiyaku_submit — build and store the submission package.
	s.mcpServer.AddTool(
		mcplib.NewTool("keiyaku_submit",
			mcplib.WithDescription(`Submit the latest committed contract version.

Requires review_confirmed=true — the founder must have reviewed the documents
first. Builds the hash-stamped manifest and archive and stores both.`),
			mcplib.WithString("project_id", mcplib.Description("Project UUID"), mcplib.Required()),
			mcplib.WithNumber("cycle_no", mcplib.Description("Cycle number, starting at 1"), mcplib.DefaultNumber(1)),
			mcplib.WithBoolean("review_confirmed", mcplib.Description("Must be true after founder review"), mcplib.Required()),
		),
		s.handleSubmit,
	)
}

// projectScope parses the shared project_id/cycle_no arguments and enforces
// ownership for the authenticated caller.
func (s *Server) projectScope(ctx context.Context, request mcplib.CallToolRequest) (uuid.UUID, int, error) {
	projectID, err := uuid.Parse(request.GetString("project_id", ""))
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("project_id must be a UUID")
	}
	cycleNo := request.GetInt("cycle_no", 1)
	if cycleNo < 1 {
		return uuid.Nil, 0, fmt.Errorf("cycle_no must be a positive integer")
	}

	userID := ctxutil.UserIDFromContext(ctx)
	if userID == uuid.Nil {
		return uuid.Nil, 0, fmt.Errorf("not authenticated")
	}
	if err := s.checker.RequireOwner(ctx, userID, projectID); err != nil {
		return uuid.Nil, 0, err
	}
	return projectID, cycleNo, nil
}

func (s *Server) handleIntake(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	projectID, cycleNo, err := s.projectScope(ctx, request)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	turn, err := s.svc.AppendTurn(ctx, projectID, cycleNo, model.AppendTurnRequest{
		RawText: request.GetString("text", ""),
	})
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(turn)
}

func (s *Server) handleDecide(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	projectID, cycleNo, err := s.projectScope(ctx, request)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	item, err := s.svc.UpsertDecision(ctx, projectID, cycleNo,
		request.GetString("decision_key", ""),
		model.UpsertDecisionRequest{
			Claim:         request.GetString("claim", ""),
			Status:        model.TrustLabel(request.GetString("status", "")),
			DecisionState: model.DecisionState(request.GetString("decision_state", "")),
			EvidenceRefs:  splitRefs(request.GetString("evidence_refs", "")),
			HasConflict:   request.GetBool("has_conflict", false),
		})
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(item)
}

func (s *Server) handleReadiness(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	projectID, cycleNo, err := s.projectScope(ctx, request)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	resp, err := s.svc.Readiness(ctx, projectID, cycleNo)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleGenerate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	projectID, cycleNo, err := s.projectScope(ctx, request)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	resp, err := s.svc.GenerateContract(ctx, ctxutil.UserIDFromContext(ctx), projectID, cycleNo)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleSubmit(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	projectID, cycleNo, err := s.projectScope(ctx, request)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	resp, err := s.svc.SubmitRun(ctx, ctxutil.UserIDFromContext(ctx), projectID, cycleNo,
		model.SubmitRunRequest{ReviewConfirmed: request.GetBool("review_confirmed", false)})
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(resp)
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(message string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		IsError: true,
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: message},
		},
	}
}

func splitRefs(raw string) []string {
	if raw == "" {
		return nil
	}
	var refs []string
	for _, ref := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(ref); trimmed != "" {
			refs = append(refs, trimmed)
		}
	}
	return refs
}
