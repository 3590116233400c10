// Package table persists row tables as CSV. Unprocessed capture tables carry
// a header; processed feature tables are header-less numeric rows.
package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cvalentine99/nfa-ids/internal/features"
	"github.com/cvalentine99/nfa-ids/internal/models"
)

// nullTokens are cells read back as missing values.
var nullTokens = map[string]bool{
	"": true, "NaN": true, "nan": true, "-NaN": true, "NA": true, "N/A": true,
	"#N/A": true, "NULL": true, "null": true, "None": true, "<NA>": true,
}

// FormatCell renders a value for CSV. Missing values are empty cells.
func FormatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case uint64:
		return strconv.FormatUint(x, 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint16:
		return strconv.FormatUint(uint64(x), 10)
	case uint8:
		return strconv.FormatUint(uint64(x), 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		if x {
			return "True"
		}
		return "False"
	default:
		return fmt.Sprint(x)
	}
}

// ParseCell infers a typed value from a CSV cell: null tokens become nil,
// then int64, float64 and bool are tried before falling back to string.
// Hex strings and dotted addresses stay strings.
func ParseCell(s string) any {
	if nullTokens[s] {
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if looksNumeric(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	switch s {
	case "True", "true":
		return true
	case "False", "false":
		return false
	}
	return s
}

// rejects "0x..", "Inf" and friends that ParseFloat would accept
func looksNumeric(s string) bool {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.', r == '-', r == '+', r == 'e', r == 'E':
		default:
			return false
		}
	}
	return true
}

// Writer streams rows to a CSV file. The header is written when the file is
// created; every later call appends.
type Writer struct {
	f       *os.File
	w       *csv.Writer
	columns []string
	rows    int64
}

// Create truncates path and writes the header.
func Create(path string, columns []string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("table: create %s: %w", path, err)
	}
	w := &Writer{f: f, w: csv.NewWriter(f), columns: append([]string(nil), columns...)}
	if len(columns) > 0 {
		if err := w.w.Write(columns); err != nil {
			f.Close()
			return nil, fmt.Errorf("table: write header: %w", err)
		}
	}
	return w, nil
}

// Columns returns the header.
func (w *Writer) Columns() []string {
	return w.columns
}

// Rows returns the number of data rows written.
func (w *Writer) Rows() int64 {
	return w.rows
}

// WriteRow writes one positional row.
func (w *Writer) WriteRow(row []any) error {
	if len(w.columns) > 0 && len(row) != len(w.columns) {
		return fmt.Errorf("table: row has %d cells, header has %d", len(row), len(w.columns))
	}
	rec := make([]string, len(row))
	for i, v := range row {
		rec[i] = FormatCell(v)
	}
	if err := w.w.Write(rec); err != nil {
		return fmt.Errorf("table: write row: %w", err)
	}
	w.rows++
	return nil
}

// WriteRecords writes records in header order and flushes them to disk.
func (w *Writer) WriteRecords(recs []models.RawRecord) error {
	row := make([]any, len(w.columns))
	for _, rec := range recs {
		for i, c := range w.columns {
			row[i] = rec[c]
		}
		if err := w.WriteRow(row); err != nil {
			return err
		}
	}
	return w.Flush()
}

// WriteFloats writes a numeric row.
func (w *Writer) WriteFloats(vec []float64) error {
	rec := make([]string, len(vec))
	for i, v := range vec {
		rec[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	if err := w.w.Write(rec); err != nil {
		return fmt.Errorf("table: write row: %w", err)
	}
	w.rows++
	return nil
}

// Flush pushes buffered rows to the file.
func (w *Writer) Flush() error {
	w.w.Flush()
	if err := w.w.Error(); err != nil {
		return fmt.Errorf("table: flush: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	ferr := w.Flush()
	cerr := w.f.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}

// Reader streams rows from a CSV source.
type Reader struct {
	c       io.Closer
	r       *csv.Reader
	columns []string
	line    int64
}

// Open opens path. When header is true the first record becomes Columns.
func Open(path string, header bool) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("table: open %s: %w", path, err)
	}
	rd, err := newReader(f, header)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("table: %s: %w", path, err)
	}
	rd.c = f
	return rd, nil
}

// NewReader reads CSV from src. Closing the Reader does not close src.
func NewReader(src io.Reader, header bool) (*Reader, error) {
	rd, err := newReader(src, header)
	if err != nil {
		return nil, fmt.Errorf("table: %w", err)
	}
	return rd, nil
}

func newReader(src io.Reader, header bool) (*Reader, error) {
	rd := &Reader{r: csv.NewReader(src)}
	if header {
		cols, err := rd.r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("no header")
			}
			return nil, fmt.Errorf("read header: %w", err)
		}
		rd.columns = cols
		rd.line = 1
	}
	return rd, nil
}

// Columns returns the header, or nil for header-less files.
func (r *Reader) Columns() []string {
	return r.columns
}

// Next returns the next row with typed cells, or io.EOF.
func (r *Reader) Next() ([]any, error) {
	rec, err := r.r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("table: line %d: %w", r.line+1, err)
	}
	r.line++
	row := make([]any, len(rec))
	for i, cell := range rec {
		row[i] = ParseCell(cell)
	}
	return row, nil
}

// NextFloats returns the next row parsed strictly as floats, or io.EOF.
func (r *Reader) NextFloats() ([]float64, error) {
	rec, err := r.r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("table: line %d: %w", r.line+1, err)
	}
	r.line++
	vec := make([]float64, len(rec))
	for i, cell := range rec {
		v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
		if err != nil {
			return nil, fmt.Errorf("table: line %d column %d: %w", r.line, i, err)
		}
		vec[i] = v
	}
	return vec, nil
}

// Close closes the underlying file, if the Reader opened one.
func (r *Reader) Close() error {
	if r.c == nil {
		return nil
	}
	return r.c.Close()
}

// ReadAll loads a headed CSV into memory.
func ReadAll(path string) (*models.Table, error) {
	r, err := Open(path, true)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.readTable()
}

// ReadAllFrom loads a headed CSV from src.
func ReadAllFrom(src io.Reader) (*models.Table, error) {
	r, err := NewReader(src, true)
	if err != nil {
		return nil, err
	}
	return r.readTable()
}

func (r *Reader) readTable() (*models.Table, error) {
	t := models.NewTable(r.Columns())
	for {
		row, err := r.Next()
		if errors.Is(err, io.EOF) {
			return t, nil
		}
		if err != nil {
			return nil, err
		}
		t.Rows = append(t.Rows, row)
	}
}

// WriteAll writes a headed table in one go.
func WriteAll(path string, t *models.Table) error {
	w, err := Create(path, t.Columns)
	if err != nil {
		return err
	}
	for _, row := range t.Rows {
		if err := w.WriteRow(row); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

// WriteMatrix writes m without a header, one numeric row per line.
func WriteMatrix(path string, m *features.Matrix) error {
	w, err := Create(path, nil)
	if err != nil {
		return err
	}
	for _, row := range m.Rows {
		if err := w.WriteFloats(row); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

// ReadMatrix loads a header-less numeric CSV.
func ReadMatrix(path string, columns []string) (*features.Matrix, error) {
	r, err := Open(path, false)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	m, err := r.readMatrix(columns)
	if err != nil {
		return nil, fmt.Errorf("%w (%s)", err, path)
	}
	return m, nil
}

// ReadMatrixFrom loads a header-less numeric CSV from src.
func ReadMatrixFrom(src io.Reader, columns []string) (*features.Matrix, error) {
	r, err := NewReader(src, false)
	if err != nil {
		return nil, err
	}
	return r.readMatrix(columns)
}

func (r *Reader) readMatrix(columns []string) (*features.Matrix, error) {
	m := &features.Matrix{Columns: append([]string(nil), columns...)}
	for {
		vec, err := r.NextFloats()
		if errors.Is(err, io.EOF) {
			return m, nil
		}
		if err != nil {
			return nil, err
		}
		if len(columns) > 0 && len(vec) != len(columns) {
			return nil, fmt.Errorf("table: line %d has %d values, want %d", len(m.Rows)+1, len(vec), len(columns))
		}
		m.Rows = append(m.Rows, vec)
	}
}
