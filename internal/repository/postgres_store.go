package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"study-init/backend/pkg/models"
)

// PostgresStore is a PostgreSQL implementation of the Repository interface.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// CreateStudy registers a study with a fresh initialization state. Study
// management lives elsewhere; this exists for seeding and tests.
func (s *PostgresStore) CreateStudy(ctx context.Context, studyID, name string, members ...string) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO studies (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, studyID, name); err != nil {
			return err
		}
		for _, m := range members {
			if _, err := tx.Exec(ctx, `INSERT INTO study_members (study_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, studyID, m); err != nil {
				return err
			}
		}
		return nil
	})
}

const studyColumns = `id, init_run_id, init_status, init_progress, init_steps, init_params,
	template_applied_at, data_uploaded_at, mappings_configured_at, activated_at,
	init_version, init_updated_at`

func scanState(row pgx.Row) (*models.StudyInitState, error) {
	var st models.StudyInitState
	var steps, params []byte
	err := row.Scan(&st.StudyID, &st.RunID, &st.Status, &st.Progress, &steps, &params,
		&st.TemplateAppliedAt, &st.DataUploadedAt, &st.MappingsConfiguredAt, &st.ActivatedAt,
		&st.Version, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(steps, &st.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps of study %s: %w", st.StudyID, err)
	}
	if err := json.Unmarshal(params, &st.Params); err != nil {
		return nil, fmt.Errorf("failed to decode params of study %s: %w", st.StudyID, err)
	}
	return &st, nil
}

// GetInitState retrieves the initialization state of a study.
func (s *PostgresStore) GetInitState(ctx context.Context, studyID string) (*models.StudyInitState, error) {
	st, err := scanState(s.db.QueryRow(ctx, "SELECT "+studyColumns+" FROM studies WHERE id = $1", studyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return st, err
}

// CompareAndSwapInitState writes the state when the stored version matches.
func (s *PostgresStore) CompareAndSwapInitState(ctx context.Context, state *models.StudyInitState, expectedVersion int64) error {
	steps, err := json.Marshal(state.Steps)
	if err != nil {
		return err
	}
	params, err := json.Marshal(state.Params)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE studies SET
			init_run_id = $1, init_status = $2, init_progress = $3, init_steps = $4, init_params = $5,
			template_applied_at = $6, data_uploaded_at = $7, mappings_configured_at = $8, activated_at = $9,
			is_active = $10, init_version = init_version + 1, init_updated_at = $11
		WHERE id = $12 AND init_version = $13`,
		state.RunID, state.Status, state.Progress, string(steps), string(params),
		state.TemplateAppliedAt, state.DataUploadedAt, state.MappingsConfiguredAt, state.ActivatedAt,
		state.Status == models.InitStatusCompleted, state.UpdatedAt,
		state.StudyID, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM studies WHERE id = $1)", state.StudyID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	state.Version = expectedVersion + 1
	return nil
}

// ListStale returns studies in the given statuses not updated since before.
func (s *PostgresStore) ListStale(ctx context.Context, statuses []models.InitStatus, before time.Time) ([]*models.StudyInitState, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.db.Query(ctx, "SELECT "+studyColumns+" FROM studies WHERE init_status = ANY($1) AND init_updated_at < $2 ORDER BY init_updated_at", names, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*models.StudyInitState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// CanAccessStudy reports whether the user is a member of the study.
func (s *PostgresStore) CanAccessStudy(ctx context.Context, userID, studyID string) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM study_members WHERE study_id = $1 AND user_id = $2)", studyID, userID).Scan(&ok)
	return ok, err
}

const mappingColumns = `id, study_id, widget_id, target_field, source_field, confidence_score,
	mapping_type, is_mapped, is_required, updated_by, updated_at`

func scanMapping(row pgx.Row) (*models.FieldMapping, error) {
	var m models.FieldMapping
	err := row.Scan(&m.ID, &m.StudyID, &m.WidgetID, &m.TargetField, &m.SourceField, &m.ConfidenceScore,
		&m.MappingType, &m.IsMapped, &m.IsRequired, &m.UpdatedBy, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMappings returns the mappings of a study ordered by widget and field.
func (s *PostgresStore) ListMappings(ctx context.Context, studyID string) ([]*models.FieldMapping, error) {
	rows, err := s.db.Query(ctx, "SELECT "+mappingColumns+" FROM field_mappings WHERE study_id = $1 ORDER BY widget_id, target_field", studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mappings []*models.FieldMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// GetMapping retrieves a mapping by id within a study.
func (s *PostgresStore) GetMapping(ctx context.Context, studyID, mappingID string) (*models.FieldMapping, error) {
	m, err := scanMapping(s.db.QueryRow(ctx, "SELECT "+mappingColumns+" FROM field_mappings WHERE study_id = $1 AND id = $2", studyID, mappingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// UpsertAutoMappings writes generated mappings, skipping manual rows.
func (s *PostgresStore) UpsertAutoMappings(ctx context.Context, mappings []*models.FieldMapping) error {
	if len(mappings) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, m := range mappings {
			batch.Queue(`
				INSERT INTO field_mappings (`+mappingColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				ON CONFLICT (study_id, widget_id, target_field) DO UPDATE SET
					source_field = EXCLUDED.source_field,
					confidence_score = EXCLUDED.confidence_score,
					mapping_type = EXCLUDED.mapping_type,
					is_mapped = EXCLUDED.is_mapped,
					is_required = EXCLUDED.is_required,
					updated_by = EXCLUDED.updated_by,
					updated_at = EXCLUDED.updated_at
				WHERE field_mappings.mapping_type <> 'manual'`,
				m.ID, m.StudyID, m.WidgetID, m.TargetField, m.SourceField, m.ConfidenceScore,
				m.MappingType, m.IsMapped, m.IsRequired, m.UpdatedBy, m.UpdatedAt)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

// UpdateMapping overwrites a mapping row.
func (s *PostgresStore) UpdateMapping(ctx context.Context, m *models.FieldMapping) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE field_mappings SET source_field = $1, confidence_score = $2, mapping_type = $3,
			is_mapped = $4, updated_by = $5, updated_at = $6
		WHERE id = $7 AND study_id = $8`,
		m.SourceField, m.ConfidenceScore, m.MappingType, m.IsMapped, m.UpdatedBy, m.UpdatedAt, m.ID, m.StudyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveSchemas stores a new schema version for the study.
func (s *PostgresStore) SaveSchemas(ctx context.Context, studyID string, schemas []*models.DatasetSchema) (int, error) {
	var version int
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		// serialize concurrent uploads of the same study on the study row
		var id string
		if err := tx.QueryRow(ctx, "SELECT id FROM studies WHERE id = $1 FOR UPDATE", studyID).Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if err := tx.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) + 1 FROM dataset_schemas WHERE study_id = $1", studyID).Scan(&version); err != nil {
			return err
		}
		for _, ds := range schemas {
			cols, err := json.Marshal(ds.Columns)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO dataset_schemas (study_id, version, name, row_count, column_count, columns, extracted_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				studyID, version, ds.Name, ds.RowCount, ds.ColumnCount, string(cols), ds.ExtractedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, ds := range schemas {
		ds.StudyID = studyID
		ds.Version = version
	}
	return version, nil
}

// LatestSchemas returns the newest schema batch of the study.
func (s *PostgresStore) LatestSchemas(ctx context.Context, studyID string) ([]*models.DatasetSchema, error) {
	rows, err := s.db.Query(ctx, `
		SELECT study_id, version, name, row_count, column_count, columns, extracted_at
		FROM dataset_schemas
		WHERE study_id = $1 AND version = (SELECT MAX(version) FROM dataset_schemas WHERE study_id = $1)
		ORDER BY name`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schemas []*models.DatasetSchema
	for rows.Next() {
		var ds models.DatasetSchema
		var cols []byte
		if err := rows.Scan(&ds.StudyID, &ds.Version, &ds.Name, &ds.RowCount, &ds.ColumnCount, &cols, &ds.ExtractedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(cols, &ds.Columns); err != nil {
			return nil, err
		}
		schemas = append(schemas, &ds)
	}
	return schemas, rows.Err()
}
