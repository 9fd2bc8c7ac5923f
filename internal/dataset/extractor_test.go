package dataset

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"study-init/backend/pkg/models"
)

func writeFile(t *testing.T, name, content string) models.UploadedFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return models.UploadedFile{Name: name, Path: path}
}

func writeWorkbook(t *testing.T, name string, rows [][]any) models.UploadedFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	require.NoError(t, f.SaveAs(path))
	return models.UploadedFile{Name: name, Path: path}
}

func TestExtract_CSV(t *testing.T) {
	dm := writeFile(t, "dm.csv", "USUBJID,AGE,HEIGHT,RFSTDTC,DTHFL,NOTES\n"+
		"S-001,34,172.5,2024-01-03,N,\n"+
		"S-002,51,180,2024-02-11,Y,\n"+
		"S-003,47,165.2,2024-02-20,N,\n")

	schemas, err := NewExtractor().Extract(context.Background(), []models.UploadedFile{dm})
	require.NoError(t, err)
	require.Len(t, schemas, 1)

	ds := schemas[0]
	assert.Equal(t, "dm.csv", ds.Name)
	assert.Equal(t, 3, ds.RowCount)
	assert.Equal(t, 6, ds.ColumnCount)
	assert.Equal(t, []models.Column{
		{Name: "USUBJID", Type: models.ColumnTypeString},
		{Name: "AGE", Type: models.ColumnTypeInteger},
		{Name: "HEIGHT", Type: models.ColumnTypeFloat},
		{Name: "RFSTDTC", Type: models.ColumnTypeDate},
		{Name: "DTHFL", Type: models.ColumnTypeBoolean},
		{Name: "NOTES", Type: models.ColumnTypeEmpty},
	}, ds.Columns)
}

func TestExtract_XLSXKeepsOrder(t *testing.T) {
	ae := writeWorkbook(t, "ae.xlsx", [][]any{
		{"USUBJID", "AETERM", "AESER"},
		{"S-001", "Headache", "N"},
		{"S-002", "Nausea", "Y"},
	})
	dm := writeFile(t, "dm.csv", "USUBJID,AGE\nS-001,34\n")

	schemas, err := NewExtractor().Extract(context.Background(), []models.UploadedFile{ae, dm})
	require.NoError(t, err)
	require.Len(t, schemas, 2)
	assert.Equal(t, "ae.xlsx", schemas[0].Name)
	assert.Equal(t, 2, schemas[0].RowCount)
	assert.Equal(t, []string{"USUBJID", "AETERM", "AESER", "AGE"}, models.ColumnNames(schemas))
}

func TestIngest(t *testing.T) {
	ctx := context.Background()
	x := NewExtractor()

	good := writeFile(t, "dm.csv", "USUBJID,AGE\nS-001,34\n")
	size, err := x.Ingest(ctx, []models.UploadedFile{good})
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))

	_, err = x.Ingest(ctx, []models.UploadedFile{writeFile(t, "dm.csv", "USUBJID,,AGE\n1,2,3\n")})
	assert.ErrorIs(t, err, ErrMalformedFile)

	_, err = x.Ingest(ctx, []models.UploadedFile{writeFile(t, "dm.csv", "A,A\n1,2\n")})
	assert.ErrorIs(t, err, ErrMalformedFile)

	_, err = x.Ingest(ctx, []models.UploadedFile{writeFile(t, "dm.sas7bdat", "binary")})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = x.Ingest(ctx, []models.UploadedFile{writeFile(t, "empty.csv", "")})
	assert.ErrorIs(t, err, ErrMalformedFile)

	_, err = x.Ingest(ctx, []models.UploadedFile{{Name: "gone.csv", Path: filepath.Join(t.TempDir(), "gone.csv")}})
	assert.ErrorIs(t, err, os.ErrNotExist)
}
