package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the DDL the PostgreSQL store expects. Migrations are owned by
// the platform; this is used by the seeder and by integration tests.
const Schema = `
CREATE TABLE IF NOT EXISTS studies (
	id                     TEXT PRIMARY KEY,
	name                   TEXT NOT NULL DEFAULT '',
	is_active              BOOLEAN NOT NULL DEFAULT FALSE,
	init_run_id            TEXT NOT NULL DEFAULT '',
	init_status            TEXT NOT NULL DEFAULT 'not_started',
	init_progress          INT NOT NULL DEFAULT 0,
	init_steps             JSONB NOT NULL DEFAULT '{}',
	init_params            JSONB NOT NULL DEFAULT '{}',
	template_applied_at    TIMESTAMPTZ,
	data_uploaded_at       TIMESTAMPTZ,
	mappings_configured_at TIMESTAMPTZ,
	activated_at           TIMESTAMPTZ,
	init_version           BIGINT NOT NULL DEFAULT 0,
	init_updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS studies_init_status_updated_idx ON studies (init_status, init_updated_at);

CREATE TABLE IF NOT EXISTS study_members (
	study_id TEXT NOT NULL REFERENCES studies(id) ON DELETE CASCADE,
	user_id  TEXT NOT NULL,
	PRIMARY KEY (study_id, user_id)
);

CREATE TABLE IF NOT EXISTS dataset_schemas (
	study_id     TEXT NOT NULL REFERENCES studies(id) ON DELETE CASCADE,
	version      INT NOT NULL,
	name         TEXT NOT NULL,
	row_count    INT NOT NULL,
	column_count INT NOT NULL,
	columns      JSONB NOT NULL,
	extracted_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (study_id, version, name)
);

CREATE TABLE IF NOT EXISTS field_mappings (
	id               UUID PRIMARY KEY,
	study_id         TEXT NOT NULL REFERENCES studies(id) ON DELETE CASCADE,
	widget_id        TEXT NOT NULL,
	target_field     TEXT NOT NULL,
	source_field     TEXT,
	confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	mapping_type     TEXT NOT NULL DEFAULT 'none',
	is_mapped        BOOLEAN NOT NULL DEFAULT FALSE,
	is_required      BOOLEAN NOT NULL DEFAULT FALSE,
	updated_by       TEXT,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (study_id, widget_id, target_field)
);
`

// EnsureSchema creates the tables if they do not exist.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, Schema)
	return err
}
