package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"

	"study-init/backend/internal/auth"
	"study-init/backend/internal/orchestrator"
	"study-init/backend/internal/services"
	"study-init/backend/pkg/models"
)

// Initializer drives initialization runs.
type Initializer interface {
	Start(ctx context.Context, studyID string, params models.RunParams) (*orchestrator.RunHandle, error)
	Retry(ctx context.Context, studyID string) (*orchestrator.RunHandle, error)
	ConfirmMappings(ctx context.Context, studyID, actor string) (*models.MappingValidation, error)
	Status(ctx context.Context, studyID string) (*models.StudyInitState, error)
	RegenerateMappings(ctx context.Context, studyID string) (*models.MappingResult, error)
	ReapStuck(ctx context.Context) (int, error)
}

// Mapper reads and corrects field mappings.
type Mapper interface {
	ValidateMappings(ctx context.Context, studyID string, required []models.FieldRef) (*models.MappingValidation, error)
	ListMappings(ctx context.Context, studyID string) ([]*models.FieldMapping, error)
	UpdateMapping(ctx context.Context, studyID, mappingID string, patch models.MappingPatch, actor string) (*models.FieldMapping, error)
}

// StudyAuthorizer decides whether a user may act on a study.
type StudyAuthorizer interface {
	AuthorizeStudy(ctx context.Context, userID, studyID string) error
}

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Server holds the dependencies for the API server.
type Server struct {
	Init      Initializer
	Mappings  Mapper
	Templates services.TemplateRequirements
	// Access is optional; without it every authenticated caller may act on
	// every study.
	Access StudyAuthorizer
}

// RegisterHandlers mounts the REST routes on g, which is expected to be
// the authenticated /api/v1 group.
func RegisterHandlers(g *echo.Group, s *Server) {
	study := g.Group("/studies/:studyId", s.authorizeStudy)
	study.POST("/initialization", s.StartInitialization)
	study.GET("/initialization", s.GetInitialization)
	study.POST("/initialization/retry", s.RetryInitialization)
	study.POST("/initialization/confirm", s.ConfirmMappings)
	study.GET("/mappings", s.ListMappings)
	study.POST("/mappings/generate", s.GenerateMappings)
	study.GET("/mappings/validation", s.ValidateMappings)
	study.PATCH("/mappings/:mappingId", s.UpdateMapping)

	g.POST("/admin/reap", s.ReapStuck)
}

type bindError struct {
	param string
	err   error
}

func (e *bindError) Error() string {
	return fmt.Sprintf("invalid %s parameter: %v", e.param, e.err)
}

func (e *bindError) Unwrap() error { return e.err }

func bindPath(c echo.Context, name string, dest any) error {
	err := runtime.BindStyledParameterWithOptions("simple", name, c.Param(name), dest, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		return &bindError{param: name, err: err}
	}
	return nil
}

func studyID(c echo.Context) (string, error) {
	var id string
	if err := bindPath(c, "studyId", &id); err != nil {
		return "", err
	}
	return id, nil
}

func actor(c echo.Context) string {
	if p, ok := auth.PrincipalFrom(c.Request().Context()); ok {
		return p.UserID
	}
	return ""
}

func (s *Server) authorizeStudy(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.Access == nil {
			return next(c)
		}
		id, err := studyID(c)
		if err != nil {
			return err
		}
		if err := s.Access.AuthorizeStudy(c.Request().Context(), actor(c), id); err != nil {
			return err
		}
		return next(c)
	}
}

type startRequest struct {
	TemplateID string                `json:"template_id"`
	Files      []models.UploadedFile `json:"files,omitempty"`
}

// StartInitialization queues a new run
// (POST /api/v1/studies/{studyId}/initialization)
func (s *Server) StartInitialization(c echo.Context) error {
	id, err := studyID(c)
	if err != nil {
		return err
	}
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	handle, err := s.Init.Start(c.Request().Context(), id, models.RunParams{
		TemplateID: req.TemplateID,
		Files:      req.Files,
		Actor:      actor(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, handle)
}

// GetInitialization returns the study's initialization state
// (GET /api/v1/studies/{studyId}/initialization)
func (s *Server) GetInitialization(c echo.Context) error {
	id, err := studyID(c)
	if err != nil {
		return err
	}
	state, err := s.Init.Status(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, state)
}

// RetryInitialization restarts a failed run
// (POST /api/v1/studies/{studyId}/initialization/retry)
func (s *Server) RetryInitialization(c echo.Context) error {
	id, err := studyID(c)
	if err != nil {
		return err
	}
	handle, err := s.Init.Retry(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, handle)
}

// ConfirmMappings closes the manual review gate
// (POST /api/v1/studies/{studyId}/initialization/confirm)
func (s *Server) ConfirmMappings(c echo.Context) error {
	id, err := studyID(c)
	if err != nil {
		return err
	}
	validation, err := s.Init.ConfirmMappings(c.Request().Context(), id, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, validation)
}

// ListMappings returns all mapping rows
// (GET /api/v1/studies/{studyId}/mappings)
func (s *Server) ListMappings(c echo.Context) error {
	id, err := studyID(c)
	if err != nil {
		return err
	}
	mappings, err := s.Mappings.ListMappings(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if mappings == nil {
		mappings = []*models.FieldMapping{}
	}
	return c.JSON(http.StatusOK, mappings)
}

// GenerateMappings re-runs auto mapping against the newest schemas
// (POST /api/v1/studies/{studyId}/mappings/generate)
func (s *Server) GenerateMappings(c echo.Context) error {
	id, err := studyID(c)
	if err != nil {
		return err
	}

	res, err := s.Init.RegenerateMappings(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// ValidateMappings reports unmapped required fields
// (GET /api/v1/studies/{studyId}/mappings/validation)
func (s *Server) ValidateMappings(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := studyID(c)
	if err != nil {
		return err
	}
	_, reqs, err := s.requirements(ctx, id)
	if err != nil {
		return err
	}
	validation, err := s.Mappings.ValidateMappings(ctx, id, models.RequiredFields(reqs))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, validation)
}

// UpdateMapping applies a reviewer correction
// (PATCH /api/v1/studies/{studyId}/mappings/{mappingId})
func (s *Server) UpdateMapping(c echo.Context) error {
	id, err := studyID(c)
	if err != nil {
		return err
	}
	var mappingID string
	if err := bindPath(c, "mappingId", &mappingID); err != nil {
		return err
	}
	if _, err := uuid.Parse(mappingID); err != nil {
		return &bindError{param: "mappingId", err: err}
	}

	var patch models.MappingPatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	m, err := s.Mappings.UpdateMapping(c.Request().Context(), id, mappingID, patch, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

// ReapStuck fails runs that stopped making progress
// (POST /api/v1/admin/reap)
func (s *Server) ReapStuck(c echo.Context) error {
	n, err := s.Init.ReapStuck(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"reaped": n})
}

// requirements loads the template requirements of the study's last run.
func (s *Server) requirements(ctx context.Context, id string) (*models.StudyInitState, []models.WidgetRequirement, error) {
	state, err := s.Init.Status(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if state.Params.TemplateID == "" {
		return nil, nil, fmt.Errorf("%w: study %s has no template", orchestrator.ErrInvalidState, id)
	}
	reqs, err := s.Templates.Requirements(ctx, state.Params.TemplateID)
	if err != nil {
		return nil, nil, err
	}
	return state, reqs, nil
}
