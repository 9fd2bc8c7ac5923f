package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"study-init/backend/internal/orchestrator"
	"study-init/backend/internal/services"
	"study-init/backend/pkg/models"
)

// Initializer is the subset of the orchestrator exposed as tools.
type Initializer interface {
	Start(ctx context.Context, studyID string, params models.RunParams) (*orchestrator.RunHandle, error)
	Retry(ctx context.Context, studyID string) (*orchestrator.RunHandle, error)
	ConfirmMappings(ctx context.Context, studyID, actor string) (*models.MappingValidation, error)
	Status(ctx context.Context, studyID string) (*models.StudyInitState, error)
}

// Validator reports mapping completeness.
type Validator interface {
	ValidateMappings(ctx context.Context, studyID string, required []models.FieldRef) (*models.MappingValidation, error)
}

type Server struct {
	mcpServer *server.MCPServer
	orch      Initializer
	mappings  Validator
	templates services.TemplateRequirements
}

func NewServer(orch Initializer, mappings Validator, templates services.TemplateRequirements) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Study Initialization",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		orch:      orch,
		mappings:  mappings,
		templates: templates,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"start_initialization",
			mcp.WithDescription("Start initializing a study from a dashboard template"),
			mcp.WithString("study_id", mcp.Required(), mcp.Description("The study to initialize")),
			mcp.WithString("template_id", mcp.Required(), mcp.Description("The dashboard template to apply")),
			mcp.WithString("actor", mcp.Description("Who requested the run")),
		),
		s.handleStart,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"retry_initialization",
			mcp.WithDescription("Retry a failed initialization with its original parameters"),
			mcp.WithString("study_id", mcp.Required(), mcp.Description("The study to retry")),
		),
		s.handleRetry,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"initialization_status",
			mcp.WithDescription("Get the current initialization state of a study"),
			mcp.WithString("study_id", mcp.Required(), mcp.Description("The study to inspect")),
		),
		s.handleStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"validate_mappings",
			mcp.WithDescription("List required template fields that have no mapped source column"),
			mcp.WithString("study_id", mcp.Required(), mcp.Description("The study to validate")),
		),
		s.handleValidate,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"confirm_mappings",
			mcp.WithDescription("Confirm the reviewed field mappings and activate the study"),
			mcp.WithString("study_id", mcp.Required(), mcp.Description("The study under review")),
			mcp.WithString("actor", mcp.Required(), mcp.Description("Who confirmed the mappings")),
		),
		s.handleConfirm,
	)
}

func stringArg(request mcp.CallToolRequest, name string, required bool) (string, *mcp.CallToolResult) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return "", mcp.NewToolResultError("Invalid arguments type")
	}
	v, _ := args[name].(string)
	if v == "" && required {
		return "", mcp.NewToolResultError("Missing required parameter: " + name)
	}
	return v, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	studyID, res := stringArg(request, "study_id", true)
	if res != nil {
		return res, nil
	}
	templateID, res := stringArg(request, "template_id", true)
	if res != nil {
		return res, nil
	}
	actor, _ := stringArg(request, "actor", false)

	handle, err := s.orch.Start(ctx, studyID, models.RunParams{TemplateID: templateID, Actor: actor})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start initialization: %v", err)), nil
	}
	return jsonResult(handle)
}

func (s *Server) handleRetry(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	studyID, res := stringArg(request, "study_id", true)
	if res != nil {
		return res, nil
	}

	handle, err := s.orch.Retry(ctx, studyID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to retry initialization: %v", err)), nil
	}
	return jsonResult(handle)
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	studyID, res := stringArg(request, "study_id", true)
	if res != nil {
		return res, nil
	}

	state, err := s.orch.Status(ctx, studyID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get status: %v", err)), nil
	}
	return jsonResult(state)
}

func (s *Server) handleValidate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	studyID, res := stringArg(request, "study_id", true)
	if res != nil {
		return res, nil
	}

	state, err := s.orch.Status(ctx, studyID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get status: %v", err)), nil
	}
	if state.Params.TemplateID == "" {
		return mcp.NewToolResultError("Study has no template applied"), nil
	}
	reqs, err := s.templates.Requirements(ctx, state.Params.TemplateID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load template: %v", err)), nil
	}

	validation, err := s.mappings.ValidateMappings(ctx, studyID, models.RequiredFields(reqs))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to validate mappings: %v", err)), nil
	}
	return jsonResult(validation)
}

func (s *Server) handleConfirm(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	studyID, res := stringArg(request, "study_id", true)
	if res != nil {
		return res, nil
	}
	actor, res := stringArg(request, "actor", true)
	if res != nil {
		return res, nil
	}

	validation, err := s.orch.ConfirmMappings(ctx, studyID, actor)
	if err != nil {
		var incomplete *orchestrator.IncompleteMappingError
		if errors.As(err, &incomplete) {
			jsonBytes, _ := json.Marshal(incomplete.Validation)
			return mcp.NewToolResultError(fmt.Sprintf("%v: %s", err, jsonBytes)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to confirm mappings: %v", err)), nil
	}
	return jsonResult(validation)
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// SSE transport under /mcp/sse and /mcp/message
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
