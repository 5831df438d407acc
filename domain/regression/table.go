package regression

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Cell is one table value. JSON numbers, strings and booleans are kept as
// their textual form; null and empty strings are missing.
type Cell struct {
	Value   string
	Missing bool
}

// NewCell builds a cell from raw text, treating blanks and NA markers as missing.
func NewCell(raw string) Cell {
	v := strings.TrimSpace(raw)
	switch strings.ToLower(v) {
	case "", "na", "nan", "null":
		return Cell{Missing: true}
	}
	return Cell{Value: v}
}

// NumberCell builds a cell from a float, mapping NaN to missing.
func NumberCell(f float64) Cell {
	if math.IsNaN(f) {
		return Cell{Missing: true}
	}
	return Cell{Value: strconv.FormatFloat(f, 'g', -1, 64)}
}

// Float parses the cell as a number. Missing cells yield NaN.
func (c Cell) Float() (float64, error) {
	if c.Missing {
		return math.NaN(), nil
	}
	switch strings.ToLower(c.Value) {
	case "true":
		return 1, nil
	case "false":
		return 0, nil
	}
	return strconv.ParseFloat(c.Value, 64)
}

// UnmarshalJSON implements json.Unmarshaler
func (c *Cell) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = Cell{Missing: true}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = NewCell(s)
		return nil
	}
	*c = Cell{Value: string(data)}
	return nil
}

// MarshalJSON implements json.Marshaler. Numeric text is written as a JSON number.
func (c Cell) MarshalJSON() ([]byte, error) {
	if c.Missing {
		return []byte("null"), nil
	}
	if f, err := strconv.ParseFloat(c.Value, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return []byte(c.Value), nil
	}
	return json.Marshal(c.Value)
}

// Table is a rectangular labeled table: subjects in rows.
type Table struct {
	Columns []string `json:"columns"`
	Rows    [][]Cell `json:"rows"`
}

// NumRows returns the number of subjects
func (t Table) NumRows() int {
	return len(t.Rows)
}

// ColumnIndex returns the position of a named column, or -1.
func (t Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Validate checks that every row has one cell per column.
func (t Table) Validate() error {
	if len(t.Columns) == 0 {
		return fmt.Errorf("table has no columns")
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if seen[c] {
			return fmt.Errorf("duplicate column %q", c)
		}
		seen[c] = true
	}
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("row %d has %d cells, expected %d", i, len(row), len(t.Columns))
		}
	}
	return nil
}

// Levels returns the distinct non-missing values of a column in first-seen order.
func (t Table) Levels(column int) []string {
	seen := make(map[string]bool)
	var levels []string
	for _, row := range t.Rows {
		cell := row[column]
		if cell.Missing || seen[cell.Value] {
			continue
		}
		seen[cell.Value] = true
		levels = append(levels, cell.Value)
	}
	return levels
}
