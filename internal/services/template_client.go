package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"study-init/backend/pkg/models"
)

// ErrTemplateNotFound is returned when the template service does not know
// the template.
var ErrTemplateNotFound = errors.New("template not found")

// HTTPTemplateClient is an HTTP implementation of TemplateRequirements
// backed by the template management service.
type HTTPTemplateClient struct {
	url    string
	client *http.Client
}

// NewHTTPTemplateClient creates a new HTTPTemplateClient.
func NewHTTPTemplateClient(baseURL string, timeout time.Duration) *HTTPTemplateClient {
	return &HTTPTemplateClient{
		url:    strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

type requirementsResponse struct {
	TemplateID string                     `json:"template_id"`
	Widgets    []models.WidgetRequirement `json:"widgets"`
}

// Requirements fetches the widget field requirements of a template.
func (c *HTTPTemplateClient) Requirements(ctx context.Context, templateID string) ([]models.WidgetRequirement, error) {
	endpoint := c.url + "/templates/" + url.PathEscape(templateID) + "/requirements"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
	default:
		return nil, fmt.Errorf("failed to get template requirements: status code %d", resp.StatusCode)
	}

	var body requirementsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	return body.Widgets, nil
}
