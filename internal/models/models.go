// Package models defines the core data structures shared by the capture,
// labeling, processing and classification stages.
package models

import (
	"fmt"
	"sort"
	"strings"
)

// RawRecord is one captured packet's fields, keyed by protocol-prefixed name
// (e.g. "tcp_flags_syn"). Values are nil (missing), int64, float64, bool or
// string. A field whose layer is absent is present with a nil value.
type RawRecord map[string]any

// Clone returns a shallow copy of the record.
func (r RawRecord) Clone() RawRecord {
	out := make(RawRecord, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Keys returns the field names in sorted order.
func (r RawRecord) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Label is the integer-encoded ground-truth / predicted traffic class.
type Label int

const (
	LabelNormal Label = iota
	LabelDoSSynFlooding
	LabelMiraiACKFlooding
	LabelHostDiscovery
	LabelTelnetBruteforce
	LabelMiraiHTTPFlooding
	LabelMiraiUDPFlooding
	LabelMITMARPSpoofing
	LabelScanningHost
	LabelScanningPort
	LabelScanningOS
)

var labelNames = [...]string{
	LabelNormal:            "normal",
	LabelDoSSynFlooding:    "dos_synflooding",
	LabelMiraiACKFlooding:  "mirai_ackflooding",
	LabelHostDiscovery:     "host_discovery",
	LabelTelnetBruteforce:  "telnet_bruteforce",
	LabelMiraiHTTPFlooding: "mirai_httpflooding",
	LabelMiraiUDPFlooding:  "mirai_udpflooding",
	LabelMITMARPSpoofing:   "mitm_arpspoofing",
	LabelScanningHost:      "scanning_host",
	LabelScanningPort:      "scanning_port",
	LabelScanningOS:        "scanning_os",
}

// NumLabels is the size of the label enumeration.
const NumLabels = len(labelNames)

// String returns the label name, or "label(N)" for out-of-range values.
func (l Label) String() string {
	if l.Valid() {
		return labelNames[l]
	}
	return fmt.Sprintf("label(%d)", int(l))
}

// Valid reports whether l is a member of the enumeration.
func (l Label) Valid() bool {
	return l >= 0 && int(l) < len(labelNames)
}

// IsAttack reports whether l is any class other than normal.
func (l Label) IsAttack() bool {
	return l != LabelNormal
}

// ParseLabel maps a label name to its integer code.
func ParseLabel(name string) (Label, error) {
	name = strings.TrimSpace(name)
	for i, n := range labelNames {
		if n == name {
			return Label(i), nil
		}
	}
	return 0, fmt.Errorf("models: unknown label %q", name)
}

// Labels returns every label in code order.
func Labels() []Label {
	out := make([]Label, len(labelNames))
	for i := range labelNames {
		out[i] = Label(i)
	}
	return out
}

// LabelColumn is the column added by the signature engine.
const LabelColumn = "label"

// Table is an in-memory rectangular table. Rows hold the same value kinds as
// RawRecord, positionally aligned with Columns.
type Table struct {
	Columns []string
	Rows    [][]any

	index map[string]int
}

// NewTable creates an empty table with the given header.
func NewTable(columns []string) *Table {
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Table{Columns: cols}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// ColumnIndex returns the position of name, or -1.
func (t *Table) ColumnIndex(name string) int {
	if t.index == nil || len(t.index) != len(t.Columns) {
		t.index = make(map[string]int, len(t.Columns))
		for i, c := range t.Columns {
			t.index[c] = i
		}
	}
	if i, ok := t.index[name]; ok {
		return i
	}
	return -1
}

// HasColumn reports whether name is in the header.
func (t *Table) HasColumn(name string) bool {
	return t.ColumnIndex(name) >= 0
}

// Append adds a record as a row in header order. Fields not in the header
// are ignored; header fields missing from the record are stored as nil.
func (t *Table) Append(rec RawRecord) {
	row := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		row[i] = rec[c]
	}
	t.Rows = append(t.Rows, row)
}

// Record returns row i as a RawRecord.
func (t *Table) Record(i int) RawRecord {
	rec := make(RawRecord, len(t.Columns))
	for j, c := range t.Columns {
		rec[c] = t.Rows[i][j]
	}
	return rec
}

// AddColumn appends a column initialised to value for every row and returns
// its index. If the column exists, every row is reset to value.
func (t *Table) AddColumn(name string, value any) int {
	idx := t.ColumnIndex(name)
	if idx < 0 {
		t.Columns = append(t.Columns, name)
		idx = len(t.Columns) - 1
		for i := range t.Rows {
			t.Rows[i] = append(t.Rows[i], value)
		}
		return idx
	}
	for i := range t.Rows {
		t.Rows[i][idx] = value
	}
	return idx
}

// DropColumns returns a copy of the table without the named columns.
func (t *Table) DropColumns(names ...string) *Table {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}

	keep := make([]int, 0, len(t.Columns))
	out := &Table{}
	for i, c := range t.Columns {
		if drop[c] {
			continue
		}
		keep = append(keep, i)
		out.Columns = append(out.Columns, c)
	}

	out.Rows = make([][]any, len(t.Rows))
	for r, row := range t.Rows {
		nr := make([]any, len(keep))
		for j, i := range keep {
			nr[j] = row[i]
		}
		out.Rows[r] = nr
	}
	return out
}
