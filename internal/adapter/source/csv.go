package source

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"medvault/internal/domain"
)

// CSVOptions maps spreadsheet columns onto records. TextColumns are
// tried in order and the first non-empty cell wins, which covers
// exports that name the note column differently.
type CSVOptions struct {
	IDColumn        string
	TextColumns     []string
	MetadataColumns []string
}

func DefaultCSVOptions() CSVOptions {
	return CSVOptions{
		IDColumn:        "record_id",
		TextColumns:     []string{"clinical_summary", "summary"},
		MetadataColumns: []string{"age_range", "primary_condition", "condition"},
	}
}

// CSVReader reads raw clinical records from CSV exports. The output
// still contains identifying text; anonymization happens downstream.
type CSVReader struct {
	opts CSVOptions
}

func NewCSVReader(opts CSVOptions) *CSVReader {
	if opts.IDColumn == "" {
		opts.IDColumn = "record_id"
	}
	if len(opts.TextColumns) == 0 {
		opts.TextColumns = []string{"clinical_summary", "summary"}
	}
	return &CSVReader{opts: opts}
}

// Read parses all records from r. The header row is required and must
// contain the ID column and at least one text column.
func (c *CSVReader) Read(r io.Reader) ([]domain.Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, domain.WrapError("source.csv",
			fmt.Errorf("%w: missing header row", domain.ErrValidation))
	}
	if err != nil {
		return nil, domain.WrapError("source.csv", fmt.Errorf("%w: %v", domain.ErrValidation, err))
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(strings.ToLower(name))] = i
	}

	idCol, ok := cols[strings.ToLower(c.opts.IDColumn)]
	if !ok {
		return nil, domain.WrapError("source.csv",
			fmt.Errorf("%w: missing required column %q", domain.ErrValidation, c.opts.IDColumn))
	}
	textCols := make([]int, 0, len(c.opts.TextColumns))
	for _, name := range c.opts.TextColumns {
		if i, ok := cols[strings.ToLower(name)]; ok {
			textCols = append(textCols, i)
		}
	}
	if len(textCols) == 0 {
		return nil, domain.WrapError("source.csv",
			fmt.Errorf("%w: none of the text columns %v present", domain.ErrValidation, c.opts.TextColumns))
	}

	var records []domain.Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, domain.WrapError("source.csv",
				fmt.Errorf("%w: line %d: %v", domain.ErrValidation, line, err))
		}

		cell := func(i int) string {
			if i < len(row) {
				return strings.TrimSpace(row[i])
			}
			return ""
		}

		rec := domain.Record{RecordID: cell(idCol)}
		for _, i := range textCols {
			if text := cell(i); text != "" {
				rec.Text = text
				break
			}
		}

		for _, name := range c.opts.MetadataColumns {
			i, ok := cols[strings.ToLower(name)]
			if !ok {
				continue
			}
			if v := cell(i); v != "" {
				if rec.Metadata == nil {
					rec.Metadata = make(map[string]string)
				}
				rec.Metadata[metadataKey(name)] = v
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReadFile reads records from a CSV file on disk.
func (c *CSVReader) ReadFile(path string) ([]domain.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, domain.WrapError("source.csv", fmt.Errorf("%w: %v", domain.ErrStorage, err))
	}
	defer f.Close()
	return c.Read(f)
}

// metadataKey normalizes column aliases onto the canonical metadata
// key so downstream filters see one name regardless of export flavor.
func metadataKey(column string) string {
	switch strings.ToLower(column) {
	case "primary_condition":
		return "condition"
	default:
		return strings.ToLower(column)
	}
}
