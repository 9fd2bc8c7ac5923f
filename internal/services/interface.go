package services

import (
	"context"

	"study-init/backend/pkg/models"
)

// TemplateRequirements returns the fields each widget of a dashboard
// template needs.
type TemplateRequirements interface {
	Requirements(ctx context.Context, templateID string) ([]models.WidgetRequirement, error)
}

// FileIngester accepts uploaded files for a study and returns their total
// size in bytes.
type FileIngester interface {
	Ingest(ctx context.Context, files []models.UploadedFile) (int64, error)
}

// SchemaExtractor reads the column schema of uploaded files.
type SchemaExtractor interface {
	Extract(ctx context.Context, files []models.UploadedFile) ([]*models.DatasetSchema, error)
}
