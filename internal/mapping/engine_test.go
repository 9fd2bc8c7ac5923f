package mapping

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"study-init/backend/internal/repository"
	"study-init/backend/pkg/models"
)

var testRequirements = []models.WidgetRequirement{
	{WidgetID: "demographics", Name: "Demographics", RequiredFields: []string{"USUBJID", "AGE", "SEX"}, OptionalFields: []string{"RACE"}},
	{WidgetID: "adverse_events", Name: "Adverse Events", RequiredFields: []string{"USUBJID", "AESER"}, OptionalFields: []string{"AETERM"}},
}

var testColumns = []string{"USUBJID", "AGE", "SEX", "RACE", "VISITNUM"}

func newTestEngine(t *testing.T) (*Engine, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	require.NoError(t, store.CreateStudy(context.Background(), "S", "Study S"))
	e, err := NewEngine(store, store, DefaultConfig())
	require.NoError(t, err)
	return e, store
}

func findMapping(t *testing.T, rows []*models.FieldMapping, widget, field string) *models.FieldMapping {
	t.Helper()
	for _, m := range rows {
		if m.WidgetID == widget && m.TargetField == field {
			return m
		}
	}
	t.Fatalf("mapping %s.%s not found", widget, field)
	return nil
}

func TestGenerateMappings_ExactAndAmbiguous(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	res, err := e.GenerateMappings(ctx, "S", testRequirements, testColumns)
	require.NoError(t, err)
	assert.Len(t, res.Mappings, 7)

	subj := findMapping(t, res.Mappings, "demographics", "USUBJID")
	require.NotNil(t, subj.SourceField)
	assert.Equal(t, "USUBJID", *subj.SourceField)
	assert.GreaterOrEqual(t, subj.ConfidenceScore, 0.95)
	assert.Equal(t, models.MappingTypeAuto, subj.MappingType)
	assert.True(t, subj.IsMapped)
	assert.True(t, subj.IsRequired)

	aeser := findMapping(t, res.Mappings, "adverse_events", "AESER")
	assert.False(t, aeser.IsMapped)
	assert.Equal(t, models.MappingTypeNone, aeser.MappingType)

	race := findMapping(t, res.Mappings, "demographics", "RACE")
	assert.False(t, race.IsRequired)
	assert.True(t, race.IsMapped)

	for _, m := range res.Mappings {
		assert.GreaterOrEqual(t, m.ConfidenceScore, 0.0)
		assert.LessOrEqual(t, m.ConfidenceScore, 1.0)
	}

	v, err := e.ValidateMappings(ctx, "S", models.RequiredFields(testRequirements))
	require.NoError(t, err)
	assert.False(t, v.IsValid)
	assert.Equal(t, 4, v.MappedCount)
	assert.Equal(t, 1, v.MissingCount)
	assert.Equal(t, []models.FieldRef{{WidgetID: "adverse_events", Field: "AESER"}}, v.UnmappedFields)
}

func TestGenerateMappings_NoColumns(t *testing.T) {
	e, _ := newTestEngine(t)
	res, err := e.GenerateMappings(context.Background(), "S", testRequirements, nil)
	require.NoError(t, err)
	for _, m := range res.Mappings {
		assert.Nil(t, m.SourceField)
		assert.Equal(t, models.MappingTypeNone, m.MappingType)
		assert.False(t, m.IsMapped)
	}
	assert.Equal(t, 7, res.NeedsReview)
}

func TestGenerateMappings_ManualRowsUntouched(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	_, err := store.SaveSchemas(ctx, "S", []*models.DatasetSchema{{Name: "ae.csv", Columns: []models.Column{{Name: "SERIOUS_FLAG"}}}})
	require.NoError(t, err)

	res, err := e.GenerateMappings(ctx, "S", testRequirements, testColumns)
	require.NoError(t, err)
	aeser := findMapping(t, res.Mappings, "adverse_events", "AESER")

	src := "SERIOUS_FLAG"
	updated, err := e.UpdateMapping(ctx, "S", aeser.ID, models.MappingPatch{SourceField: &src}, "reviewer@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.MappingTypeManual, updated.MappingType)
	assert.True(t, updated.IsMapped)

	before, err := store.GetMapping(ctx, "S", aeser.ID)
	require.NoError(t, err)

	e.now = func() time.Time { return time.Now().Add(time.Hour) }
	for i := 0; i < 2; i++ {
		res, err = e.GenerateMappings(ctx, "S", testRequirements, testColumns)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, res.ManualKept)

	after, err := store.GetMapping(ctx, "S", aeser.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("manual mapping changed (-before +after):\n%s", diff)
	}

	v, err := e.ValidateMappings(ctx, "S", models.RequiredFields(testRequirements))
	require.NoError(t, err)
	assert.True(t, v.IsValid)
	assert.Empty(t, v.UnmappedFields)
}

func TestGenerateMappings_RerunKeepsIDs(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	first, err := e.GenerateMappings(ctx, "S", testRequirements, testColumns)
	require.NoError(t, err)
	_, err = e.GenerateMappings(ctx, "S", testRequirements, testColumns)
	require.NoError(t, err)

	rows, err := store.ListMappings(ctx, "S")
	require.NoError(t, err)
	assert.Len(t, rows, len(first.Mappings))
	assert.Equal(t, findMapping(t, first.Mappings, "demographics", "AGE").ID, findMapping(t, rows, "demographics", "AGE").ID)
}

func TestUpdateMapping_Validation(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)
	_, err := store.SaveSchemas(ctx, "S", []*models.DatasetSchema{{Name: "dm.csv", Columns: []models.Column{{Name: "USUBJID"}, {Name: "AGE"}}}})
	require.NoError(t, err)

	res, err := e.GenerateMappings(ctx, "S", testRequirements, []string{"USUBJID", "AGE"})
	require.NoError(t, err)
	sex := findMapping(t, res.Mappings, "demographics", "SEX")

	unknown := "GENDER"
	_, err = e.UpdateMapping(ctx, "S", sex.ID, models.MappingPatch{SourceField: &unknown}, "r")
	assert.ErrorIs(t, err, ErrUnknownSourceField)

	cleared := ""
	yes := true
	_, err = e.UpdateMapping(ctx, "S", sex.ID, models.MappingPatch{SourceField: &cleared, IsMapped: &yes}, "r")
	assert.ErrorIs(t, err, ErrInvalidPatch)

	_, err = e.UpdateMapping(ctx, "S", "missing", models.MappingPatch{}, "r")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	subj := findMapping(t, res.Mappings, "demographics", "USUBJID")
	no := false
	updated, err := e.UpdateMapping(ctx, "S", subj.ID, models.MappingPatch{IsMapped: &no}, "r")
	require.NoError(t, err)
	assert.False(t, updated.IsMapped)
	assert.Equal(t, models.MappingTypeManual, updated.MappingType)
	require.NotNil(t, updated.UpdatedBy)
	assert.Equal(t, "r", *updated.UpdatedBy)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.FuzzyConfidenceCeiling = 0.9
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.ExactConfidence = 0.9
	assert.Error(t, cfg.Validate())

	_, err := NewEngine(nil, nil, cfg)
	assert.Error(t, err)
}

func TestGenerateMappings_NeighbouringStandardFieldsNotAccepted(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	reqs := []models.WidgetRequirement{
		{WidgetID: "ae", RequiredFields: []string{"AESER"}},
		{WidgetID: "labs", RequiredFields: []string{"LBORRESU"}},
		{WidgetID: "vitals", RequiredFields: []string{"VSORRES"}},
	}

	res, err := e.GenerateMappings(ctx, "S", reqs, []string{"USUBJID", "AESEV", "LBORRES", "LBTESTCD"})
	require.NoError(t, err)
	assert.Zero(t, res.AutoMapped)
	assert.Equal(t, 3, res.NeedsReview)

	for _, m := range res.Mappings {
		assert.False(t, m.IsMapped, m.TargetField)
		assert.Equal(t, models.MappingTypeNone, m.MappingType, m.TargetField)
		assert.Nil(t, m.SourceField, m.TargetField)
	}

	v, err := e.ValidateMappings(ctx, "S", models.RequiredFields(reqs))
	require.NoError(t, err)
	assert.False(t, v.IsValid)
	assert.Equal(t, 3, v.MissingCount)
}
