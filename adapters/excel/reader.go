// Package excel reads site covariate and response tables from spreadsheets
// (xlsx, first row as header) and CSV files.
package excel

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fedreg/domain/regression"
	"fedreg/internal"

	"github.com/xuri/excelize/v2"
)

// DefaultSheet is read when no sheet is configured
const DefaultSheet = "Sheet1"

// DataReader reads Excel and CSV files into tables
type DataReader struct {
	sheet  string
	logger *internal.Logger
}

// NewDataReader creates a reader. An empty sheet means DefaultSheet.
func NewDataReader(sheet string, logger *internal.Logger) *DataReader {
	if sheet == "" {
		sheet = DefaultSheet
	}
	if logger == nil {
		logger = internal.Discard()
	}
	return &DataReader{sheet: sheet, logger: logger}
}

// ReadTable reads the file at path, choosing the format from its extension.
func (r *DataReader) ReadTable(ctx context.Context, path string) (regression.Table, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return regression.Table{}, fmt.Errorf("table file not found: %s", path)
	}

	var (
		rows [][]string
		err  error
	)
	start := time.Now()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		rows, err = r.readCSV(path, ',')
	case ".tsv":
		rows, err = r.readCSV(path, '\t')
	case ".xlsx", ".xlsm":
		rows, err = r.readExcel(path)
	default:
		return regression.Table{}, fmt.Errorf("unsupported table format %q", ext)
	}
	if err != nil {
		return regression.Table{}, err
	}
	if err := ctx.Err(); err != nil {
		return regression.Table{}, err
	}

	t, err := processRows(rows)
	if err != nil {
		return regression.Table{}, fmt.Errorf("%s: %w", path, err)
	}
	r.logger.Debug("read %s: %d columns, %d rows in %s", filepath.Base(path), len(t.Columns), t.NumRows(), time.Since(start))
	return t, nil
}

func (r *DataReader) readExcel(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(r.sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", r.sheet, err)
	}
	return rows, nil
}

func (r *DataReader) readCSV(path string, comma rune) ([][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV file: %w", err)
	}
	return rows, nil
}

// processRows turns a header row plus data rows into a table. Short rows
// (excelize drops trailing empty cells) are padded with missing cells.
func processRows(rows [][]string) (regression.Table, error) {
	if len(rows) < 2 {
		return regression.Table{}, fmt.Errorf("file must have at least a header row and one data row")
	}

	t := regression.Table{Columns: make([]string, len(rows[0]))}
	for i, header := range rows[0] {
		t.Columns[i] = strings.TrimSpace(header)
	}

	for i, row := range rows[1:] {
		if len(row) > len(t.Columns) {
			return regression.Table{}, fmt.Errorf("row %d has %d cells, header has %d", i+2, len(row), len(t.Columns))
		}
		cells := make([]regression.Cell, len(t.Columns))
		for j := range cells {
			if j < len(row) {
				cells[j] = regression.NewCell(row[j])
			} else {
				cells[j] = regression.Cell{Missing: true}
			}
		}
		t.Rows = append(t.Rows, cells)
	}

	if err := t.Validate(); err != nil {
		return regression.Table{}, err
	}
	return t, nil
}
