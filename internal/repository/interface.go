package repository

import (
	"context"
	"errors"
	"time"

	"study-init/backend/pkg/models"
)

var (
	// ErrNotFound is returned when a study or mapping does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned by CompareAndSwap when the stored
	// version no longer matches the expected one.
	ErrVersionConflict = errors.New("version conflict")
)

// StudyStore persists the initialization state of studies.
type StudyStore interface {
	// GetInitState returns the state of a study, or ErrNotFound.
	GetInitState(ctx context.Context, studyID string) (*models.StudyInitState, error)
	// CompareAndSwapInitState writes state if the stored version equals
	// expectedVersion, and bumps state.Version on success.
	CompareAndSwapInitState(ctx context.Context, state *models.StudyInitState, expectedVersion int64) error
	// ListStale returns studies in one of the statuses whose last update is
	// older than before.
	ListStale(ctx context.Context, statuses []models.InitStatus, before time.Time) ([]*models.StudyInitState, error)
}

// MappingStore persists field mappings.
type MappingStore interface {
	// ListMappings returns every mapping row of a study.
	ListMappings(ctx context.Context, studyID string) ([]*models.FieldMapping, error)
	// GetMapping returns a single mapping row of a study, or ErrNotFound.
	GetMapping(ctx context.Context, studyID, mappingID string) (*models.FieldMapping, error)
	// UpsertAutoMappings inserts or overwrites rows keyed by
	// (study, widget, target). Rows whose stored type is manual are left
	// untouched.
	UpsertAutoMappings(ctx context.Context, mappings []*models.FieldMapping) error
	// UpdateMapping overwrites a single row by id.
	UpdateMapping(ctx context.Context, mapping *models.FieldMapping) error
}

// SchemaStore persists extracted dataset schemas.
type SchemaStore interface {
	// SaveSchemas stores a new upload batch and returns its version.
	SaveSchemas(ctx context.Context, studyID string, schemas []*models.DatasetSchema) (int, error)
	// LatestSchemas returns the schemas of the newest upload batch.
	LatestSchemas(ctx context.Context, studyID string) ([]*models.DatasetSchema, error)
}

// AccessChecker decides whether a user may watch a study.
type AccessChecker interface {
	CanAccessStudy(ctx context.Context, userID, studyID string) (bool, error)
}

// Repository is the full record store used by the service.
type Repository interface {
	StudyStore
	MappingStore
	SchemaStore
	AccessChecker
	Ping(ctx context.Context) error
}
