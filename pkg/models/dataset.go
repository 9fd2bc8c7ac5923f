package models

import "time"

// ColumnType is the inferred type of a dataset column
type ColumnType string

const (
	ColumnTypeString  ColumnType = "string"
	ColumnTypeInteger ColumnType = "integer"
	ColumnTypeFloat   ColumnType = "float"
	ColumnTypeBoolean ColumnType = "boolean"
	ColumnTypeDate    ColumnType = "date"
	ColumnTypeEmpty   ColumnType = "empty"
)

// Column is a named, typed dataset column
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// DatasetSchema describes one uploaded dataset. Schemas are immutable;
// a re-upload is stored under a new Version.
type DatasetSchema struct {
	StudyID     string    `json:"study_id" db:"study_id"`
	Version     int       `json:"version" db:"version"`
	Name        string    `json:"name" db:"name"`
	RowCount    int       `json:"row_count" db:"row_count"`
	ColumnCount int       `json:"column_count" db:"column_count"`
	Columns     []Column  `json:"columns" db:"columns"`
	ExtractedAt time.Time `json:"extracted_at" db:"extracted_at"`
}

// ColumnNames returns the distinct column names across schemas, in first-seen order.
func ColumnNames(schemas []*DatasetSchema) []string {
	seen := make(map[string]bool)
	var names []string
	for _, s := range schemas {
		for _, c := range s.Columns {
			if seen[c.Name] {
				continue
			}
			seen[c.Name] = true
			names = append(names, c.Name)
		}
	}
	return names
}
