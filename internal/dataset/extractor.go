// Package dataset inspects uploaded dataset files: it checks that they can
// be ingested and extracts their column schema.
package dataset

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"golang.org/x/sync/errgroup"

	"study-init/backend/pkg/models"
)

// ErrUnsupportedFormat is returned for files that are neither CSV nor XLSX.
var ErrUnsupportedFormat = errors.New("unsupported dataset format")

// ErrMalformedFile is returned when a file has no usable header row.
var ErrMalformedFile = errors.New("malformed dataset file")

// Extractor reads uploaded CSV and XLSX files.
type Extractor struct {
	// SampleRows bounds the rows used for type inference. Rows are still
	// counted past the sample.
	SampleRows int
	// Parallelism bounds concurrent file reads.
	Parallelism int
}

// NewExtractor creates an Extractor with default limits.
func NewExtractor() *Extractor {
	return &Extractor{SampleRows: 500, Parallelism: 4}
}

// Ingest checks that every file exists, has a supported format and a
// readable header. It returns the total size of the files.
func (x *Extractor) Ingest(ctx context.Context, files []models.UploadedFile) (int64, error) {
	var total int64
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		info, err := os.Stat(f.Path)
		if err != nil {
			return 0, fmt.Errorf("file %s: %w", f.Name, err)
		}
		if info.Size() == 0 {
			return 0, fmt.Errorf("%w: %s is empty", ErrMalformedFile, f.Name)
		}
		if _, err := x.header(f); err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}

// Extract reads the schema of every file. Files are processed in parallel
// and the result keeps the input order.
func (x *Extractor) Extract(ctx context.Context, files []models.UploadedFile) ([]*models.DatasetSchema, error) {
	schemas := make([]*models.DatasetSchema, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(x.Parallelism, 1))
	for i, f := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ds, err := x.extractFile(f)
			if err != nil {
				return err
			}
			schemas[i] = ds
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return schemas, nil
}

func (x *Extractor) header(f models.UploadedFile) ([]string, error) {
	rows, closeFn, err := x.open(f)
	if err != nil {
		return nil, err
	}
	defer closeFn()
	return readHeader(f, rows)
}

func (x *Extractor) extractFile(f models.UploadedFile) (*models.DatasetSchema, error) {
	rows, closeFn, err := x.open(f)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	header, err := readHeader(f, rows)
	if err != nil {
		return nil, err
	}

	inferers := make([]typeInferer, len(header))
	count := 0
	for {
		rec, err := rows()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s row %d: %v", ErrMalformedFile, f.Name, count+2, err)
		}
		if count < x.SampleRows {
			for i := range header {
				if i < len(rec) {
					inferers[i].observe(rec[i])
				}
			}
		}
		count++
	}

	cols := make([]models.Column, len(header))
	for i, h := range header {
		cols[i] = models.Column{Name: h, Type: inferers[i].result()}
	}
	return &models.DatasetSchema{
		Name:        f.Name,
		RowCount:    count,
		ColumnCount: len(cols),
		Columns:     cols,
		ExtractedAt: time.Now().UTC(),
	}, nil
}

type rowFunc func() ([]string, error)

func (x *Extractor) open(f models.UploadedFile) (rowFunc, func(), error) {
	switch strings.ToLower(filepath.Ext(f.Name)) {
	case ".csv", ".txt":
		return openCSV(f.Path)
	case ".xlsx", ".xlsm":
		return openXLSX(f.Path)
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f.Name)
}

func openCSV(path string) (rowFunc, func(), error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	reader := csv.NewReader(fh)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	return reader.Read, func() { fh.Close() }, nil
}

func openXLSX(path string) (rowFunc, func(), error) {
	wb, err := excelize.OpenFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedFile, err)
	}
	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		wb.Close()
		return nil, nil, fmt.Errorf("%w: no sheets in workbook", ErrMalformedFile)
	}
	rows, err := wb.Rows(sheets[0])
	if err != nil {
		wb.Close()
		return nil, nil, err
	}
	next := func() ([]string, error) {
		if !rows.Next() {
			if err := rows.Error(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		return rows.Columns()
	}
	return next, func() { rows.Close(); wb.Close() }, nil
}

func readHeader(f models.UploadedFile, rows rowFunc) ([]string, error) {
	header, err := rows()
	if err != nil {
		return nil, fmt.Errorf("%w: %s has no header row: %v", ErrMalformedFile, f.Name, err)
	}
	seen := make(map[string]bool, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if h == "" {
			return nil, fmt.Errorf("%w: %s column %d has no name", ErrMalformedFile, f.Name, i+1)
		}
		if seen[h] {
			return nil, fmt.Errorf("%w: %s repeats column %q", ErrMalformedFile, f.Name, h)
		}
		seen[h] = true
		header[i] = h
	}
	return header, nil
}

var dateLayouts = []string{"2006-01-02", "2006-01-02T15:04:05", time.RFC3339, "02/01/2006", "01/02/2006", "02-Jan-2006", "2006-01"}

// typeInferer narrows a column type as values are observed.
type typeInferer struct {
	seen     int
	notInt   bool
	notFloat bool
	notBool  bool
	notDate  bool
}

func (t *typeInferer) observe(v string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return
	}
	t.seen++
	if !t.notInt {
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			t.notInt = true
		}
	}
	if !t.notFloat {
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			t.notFloat = true
		}
	}
	if !t.notBool {
		switch strings.ToLower(v) {
		case "true", "false", "y", "n", "yes", "no":
		default:
			t.notBool = true
		}
	}
	if !t.notDate {
		ok := false
		for _, layout := range dateLayouts {
			if _, err := time.Parse(layout, v); err == nil {
				ok = true
				break
			}
		}
		t.notDate = !ok
	}
}

func (t *typeInferer) result() models.ColumnType {
	switch {
	case t.seen == 0:
		return models.ColumnTypeEmpty
	case !t.notInt:
		return models.ColumnTypeInteger
	case !t.notFloat:
		return models.ColumnTypeFloat
	case !t.notBool:
		return models.ColumnTypeBoolean
	case !t.notDate:
		return models.ColumnTypeDate
	}
	return models.ColumnTypeString
}
