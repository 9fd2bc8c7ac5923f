// Package api contains the HTTP handlers for the study initialization service
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"study-init/backend/internal/hub"
	"study-init/backend/internal/mapping"
	"study-init/backend/internal/orchestrator"
	"study-init/backend/internal/repository"
	"study-init/backend/internal/services"
	"study-init/backend/pkg/models"
)

const (
	serviceName    = "study-init"
	serviceVersion = "1.0.0"
)

// Pinger reports whether the record store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports service health. The store is pinged on every call;
// a failed ping degrades the status to 503.
func HealthHandler(db Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		status := models.HealthStatus{
			Status:    "ok",
			Service:   serviceName,
			Version:   serviceVersion,
			Timestamp: time.Now().UTC(),
			Checks:    map[string]string{},
		}
		code := http.StatusOK
		if db != nil {
			ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				status.Status = "degraded"
				status.Checks["database"] = err.Error()
				code = http.StatusServiceUnavailable
			} else {
				status.Checks["database"] = "ok"
			}
		}
		return c.JSON(code, status)
	}
}

// problemFor maps a domain error onto an RFC 7807 problem document
func problemFor(err error) models.ProblemDetails {
	status := http.StatusInternalServerError
	var extra any

	var incomplete *orchestrator.IncompleteMappingError
	var bindErr *bindError
	switch {
	case errors.As(err, &incomplete):
		status = http.StatusUnprocessableEntity
		extra = incomplete.Validation
	case errors.As(err, &bindErr),
		errors.Is(err, orchestrator.ErrValidation),
		errors.Is(err, mapping.ErrInvalidPatch):
		status = http.StatusBadRequest
	case errors.Is(err, mapping.ErrUnknownSourceField):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, services.ErrTemplateNotFound),
		errors.Is(err, hub.ErrStudyNotFound):
		status = http.StatusNotFound
	case errors.Is(err, hub.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, hub.ErrNoCredential), errors.Is(err, hub.ErrInvalidCredential):
		status = http.StatusUnauthorized
	case errors.Is(err, orchestrator.ErrInvalidState),
		errors.Is(err, repository.ErrVersionConflict):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrQueueFull),
		errors.Is(err, orchestrator.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	}

	detail := err.Error()
	if status == http.StatusInternalServerError {
		detail = "internal error"
	}
	return models.ProblemDetails{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
		Extra:  extra,
	}
}

// writeProblem writes an RFC 7807 Problem Details JSON error response
func writeProblem(c echo.Context, p models.ProblemDetails) error {
	p.Instance = c.Request().URL.Path
	data, err := json.Marshal(p)
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to encode problem")
	}
	return c.Blob(p.Status, "application/problem+json", data)
}

// ProblemErrorHandler renders every handler error as a problem document.
// Use it as echo's HTTPErrorHandler.
func ProblemErrorHandler(logger Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var p models.ProblemDetails
		var he *echo.HTTPError
		if errors.As(err, &he) {
			p = models.ProblemDetails{
				Type:   "about:blank",
				Title:  http.StatusText(he.Code),
				Status: he.Code,
			}
			if msg, ok := he.Message.(string); ok {
				p.Detail = msg
			}
		} else {
			p = problemFor(err)
		}

		if p.Status >= http.StatusInternalServerError && logger != nil {
			logger.Error("request failed", "method", c.Request().Method, "path", c.Request().URL.Path, "error", err)
		}
		if werr := writeProblem(c, p); werr != nil && logger != nil {
			logger.Error("failed to write problem response", "error", werr)
		}
	}
}
