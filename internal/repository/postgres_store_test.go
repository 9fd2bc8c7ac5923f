package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"study-init/backend/pkg/models"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	require.NoError(t, EnsureSchema(ctx, pool))
	store := NewPostgresStore(pool)

	t.Run("compare and swap", func(t *testing.T) {
		studyID := "study-cas"
		require.NoError(t, store.CreateStudy(ctx, studyID, "CAS", "alice"))

		st, err := store.GetInitState(ctx, studyID)
		require.NoError(t, err)
		assert.Equal(t, models.InitStatusNotStarted, st.Status)

		now := time.Now().UTC().Truncate(time.Millisecond)
		next := st.Clone()
		next.Status = models.InitStatusPending
		next.RunID = uuid.NewString()
		next.Params = models.RunParams{TemplateID: "tpl-1", Actor: "alice"}
		next.Steps.Timing(models.StepApplyTemplate).StartedAt = &now
		next.UpdatedAt = now
		require.NoError(t, store.CompareAndSwapInitState(ctx, next, st.Version))
		assert.Equal(t, st.Version+1, next.Version)

		// a writer holding the old version loses
		stale := st.Clone()
		stale.Status = models.InitStatusFailed
		assert.ErrorIs(t, store.CompareAndSwapInitState(ctx, stale, st.Version), ErrVersionConflict)

		got, err := store.GetInitState(ctx, studyID)
		require.NoError(t, err)
		assert.Equal(t, models.InitStatusPending, got.Status)
		assert.Equal(t, "tpl-1", got.Params.TemplateID)
		require.NotNil(t, got.Steps.ApplyTemplate)
		assert.True(t, got.Steps.ApplyTemplate.StartedAt.Equal(now))

		missing := &models.StudyInitState{StudyID: "nope"}
		assert.ErrorIs(t, store.CompareAndSwapInitState(ctx, missing, 0), ErrNotFound)
	})

	t.Run("list stale", func(t *testing.T) {
		require.NoError(t, store.CreateStudy(ctx, "study-old", "old"))
		require.NoError(t, store.CreateStudy(ctx, "study-fresh", "fresh"))

		for id, age := range map[string]time.Duration{"study-old": 90 * time.Minute, "study-fresh": time.Second} {
			st, err := store.GetInitState(ctx, id)
			require.NoError(t, err)
			st.Status = models.InitStatusInProgress
			st.UpdatedAt = time.Now().Add(-age)
			require.NoError(t, store.CompareAndSwapInitState(ctx, st, st.Version))
		}

		stale, err := store.ListStale(ctx, []models.InitStatus{models.InitStatusPending, models.InitStatusInProgress}, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		ids := make([]string, 0, len(stale))
		for _, s := range stale {
			ids = append(ids, s.StudyID)
		}
		assert.Contains(t, ids, "study-old")
		assert.NotContains(t, ids, "study-fresh")
	})

	t.Run("upsert keeps manual rows", func(t *testing.T) {
		studyID := "study-map"
		require.NoError(t, store.CreateStudy(ctx, studyID, "Mappings"))

		src := "SUBJ"
		now := time.Now().UTC().Truncate(time.Millisecond)
		auto := &models.FieldMapping{
			ID: uuid.NewString(), StudyID: studyID, WidgetID: "demo", TargetField: "USUBJID",
			SourceField: &src, ConfidenceScore: 0.9, MappingType: models.MappingTypeAuto, IsMapped: true, UpdatedAt: now,
		}
		require.NoError(t, store.UpsertAutoMappings(ctx, []*models.FieldMapping{auto}))

		manualSrc := "SUBJECT_ID"
		manual := *auto
		manual.SourceField = &manualSrc
		manual.MappingType = models.MappingTypeManual
		manual.ConfidenceScore = 1
		require.NoError(t, store.UpdateMapping(ctx, &manual))

		again := *auto
		again.ID = uuid.NewString()
		require.NoError(t, store.UpsertAutoMappings(ctx, []*models.FieldMapping{&again}))

		rows, err := store.ListMappings(ctx, studyID)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, auto.ID, rows[0].ID)
		assert.Equal(t, models.MappingTypeManual, rows[0].MappingType)
		assert.Equal(t, "SUBJECT_ID", *rows[0].SourceField)

		_, err = store.GetMapping(ctx, studyID, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("schemas are versioned", func(t *testing.T) {
		studyID := "study-schema"
		require.NoError(t, store.CreateStudy(ctx, studyID, "Schemas"))

		first := []*models.DatasetSchema{{Name: "dm.csv", RowCount: 3, ColumnCount: 1, Columns: []models.Column{{Name: "USUBJID", Type: models.ColumnTypeString}}, ExtractedAt: time.Now()}}
		v1, err := store.SaveSchemas(ctx, studyID, first)
		require.NoError(t, err)
		second := []*models.DatasetSchema{{Name: "dm.csv", RowCount: 5, ColumnCount: 2, Columns: []models.Column{{Name: "USUBJID", Type: models.ColumnTypeString}, {Name: "AGE", Type: models.ColumnTypeInteger}}, ExtractedAt: time.Now()}}
		v2, err := store.SaveSchemas(ctx, studyID, second)
		require.NoError(t, err)
		assert.Equal(t, v1+1, v2)

		latest, err := store.LatestSchemas(ctx, studyID)
		require.NoError(t, err)
		require.Len(t, latest, 1)
		assert.Equal(t, 5, latest[0].RowCount)
		assert.Equal(t, []string{"USUBJID", "AGE"}, models.ColumnNames(latest))
	})

	t.Run("access", func(t *testing.T) {
		ok, err := store.CanAccessStudy(ctx, "alice", "study-cas")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = store.CanAccessStudy(ctx, "mallory", "study-cas")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
