package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"study-init/backend/internal/orchestrator"
	"study-init/backend/internal/repository"
	"study-init/backend/pkg/models"
)

type fakeInitializer struct {
	started    models.RunParams
	state      *models.StudyInitState
	confirmed  string
	confirmErr error
}

func (f *fakeInitializer) Start(_ context.Context, studyID string, params models.RunParams) (*orchestrator.RunHandle, error) {
	f.started = params
	return &orchestrator.RunHandle{StudyID: studyID, RunID: "run-1", Status: models.InitStatusPending}, nil
}

func (f *fakeInitializer) Retry(_ context.Context, studyID string) (*orchestrator.RunHandle, error) {
	return nil, orchestrator.ErrInvalidState
}

func (f *fakeInitializer) ConfirmMappings(_ context.Context, _ string, actor string) (*models.MappingValidation, error) {
	f.confirmed = actor
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	return &models.MappingValidation{IsValid: true, MappedCount: 2}, nil
}

func (f *fakeInitializer) Status(_ context.Context, studyID string) (*models.StudyInitState, error) {
	if f.state == nil || f.state.StudyID != studyID {
		return nil, repository.ErrNotFound
	}
	return f.state, nil
}

type fakeValidator struct {
	required []models.FieldRef
}

func (f *fakeValidator) ValidateMappings(_ context.Context, _ string, required []models.FieldRef) (*models.MappingValidation, error) {
	f.required = required
	return &models.MappingValidation{IsValid: false, MissingCount: len(required), UnmappedFields: required}, nil
}

type fakeTemplates struct{}

func (fakeTemplates) Requirements(context.Context, string) ([]models.WidgetRequirement, error) {
	return []models.WidgetRequirement{{WidgetID: "ae-summary", RequiredFields: []string{"serious"}}}, nil
}

func call(args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestHandleStart(t *testing.T) {
	orch := &fakeInitializer{}
	s := NewServer(orch, &fakeValidator{}, fakeTemplates{})

	res, err := s.handleStart(context.Background(), call(map[string]interface{}{
		"study_id":    "S1",
		"template_id": "safety-v1",
		"actor":       "agent",
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var handle orchestrator.RunHandle
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &handle))
	assert.Equal(t, "run-1", handle.RunID)
	assert.Equal(t, models.RunParams{TemplateID: "safety-v1", Actor: "agent"}, orch.started)
}

func TestHandleStart_MissingArgument(t *testing.T) {
	s := NewServer(&fakeInitializer{}, &fakeValidator{}, fakeTemplates{})

	res, err := s.handleStart(context.Background(), call(map[string]interface{}{"study_id": "S1"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "template_id")
}

func TestHandleRetry_ReportsError(t *testing.T) {
	s := NewServer(&fakeInitializer{}, &fakeValidator{}, fakeTemplates{})

	res, err := s.handleRetry(context.Background(), call(map[string]interface{}{"study_id": "S1"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleValidate_UsesTemplateRequirements(t *testing.T) {
	orch := &fakeInitializer{state: &models.StudyInitState{StudyID: "S1", Params: models.RunParams{TemplateID: "safety-v1"}}}
	v := &fakeValidator{}
	s := NewServer(orch, v, fakeTemplates{})

	res, err := s.handleValidate(context.Background(), call(map[string]interface{}{"study_id": "S1"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, []models.FieldRef{{WidgetID: "ae-summary", Field: "serious"}}, v.required)
}

func TestHandleConfirm_Incomplete(t *testing.T) {
	validation := &models.MappingValidation{MissingCount: 1, UnmappedFields: []models.FieldRef{{WidgetID: "ae-summary", Field: "serious"}}}
	orch := &fakeInitializer{confirmErr: &orchestrator.IncompleteMappingError{Validation: validation}}
	s := NewServer(orch, &fakeValidator{}, fakeTemplates{})

	res, err := s.handleConfirm(context.Background(), call(map[string]interface{}{"study_id": "S1", "actor": "reviewer"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "ae-summary")
	assert.Equal(t, "reviewer", orch.confirmed)
}
