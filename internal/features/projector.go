package features

import (
	"errors"
	"fmt"

	"github.com/cvalentine99/nfa-ids/internal/models"
)

// ErrMissingField is returned when a schema field is absent from a record or
// table header. It is structural: the whole batch is unusable.
var ErrMissingField = errors.New("features: schema field missing")

// Matrix is a named float64 table.
type Matrix struct {
	Columns []string
	Rows    [][]float64
}

// Len returns the number of rows.
func (m *Matrix) Len() int {
	return len(m.Rows)
}

// Project emits one coerced value per schema name, in schema order. A name
// whose key is absent from rec is a structural error; a present nil value is
// just Missing.
func Project(rec models.RawRecord, schema Schema) ([]float64, error) {
	out := make([]float64, len(schema))
	for i, name := range schema {
		v, ok := rec[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingField, name)
		}
		out[i] = Coerce(v)
	}
	return out, nil
}

// ProjectTable projects every row of t. The header is checked once up front,
// so a missing column fails the batch before any row is touched.
func ProjectTable(t *models.Table, schema Schema) (*Matrix, error) {
	idx := make([]int, len(schema))
	for i, name := range schema {
		j := t.ColumnIndex(name)
		if j < 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingField, name)
		}
		idx[i] = j
	}

	m := &Matrix{
		Columns: append([]string(nil), schema...),
		Rows:    make([][]float64, len(t.Rows)),
	}
	for r, row := range t.Rows {
		vec := make([]float64, len(idx))
		for i, j := range idx {
			vec[i] = Coerce(row[j])
		}
		m.Rows[r] = vec
	}
	return m, nil
}

// ConvertTable drops the free-text flag columns and coerces every remaining
// column of t.
func ConvertTable(t *models.Table) *Matrix {
	trimmed := t.DropColumns(TextColumns...)
	m := &Matrix{
		Columns: trimmed.Columns,
		Rows:    make([][]float64, len(trimmed.Rows)),
	}
	for r, row := range trimmed.Rows {
		vec := make([]float64, len(row))
		for i, v := range row {
			vec[i] = Coerce(v)
		}
		m.Rows[r] = vec
	}
	return m
}
