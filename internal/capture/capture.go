// Package capture turns capture files into per-packet RawRecords with a
// fixed, protocol-prefixed column set.
package capture

import (
	"io"

	"github.com/cvalentine99/nfa-ids/internal/models"
)

// Source is a lazy, finite, non-restartable sequence of packet records.
// Next returns io.EOF once the sequence is exhausted. Callers own Close.
type Source interface {
	Next() (models.RawRecord, error)
	Columns() []string
	Close() error
}

// Stats holds reading statistics for a source.
type Stats struct {
	PacketsRead uint64
	BytesRead   uint64
	ParseErrors uint64
	// Truncated is set when the file ended inside a packet record.
	Truncated bool
}

// SliceSource replays prepared records. It is used where records come from
// somewhere other than a capture file.
type SliceSource struct {
	columns []string
	records []models.RawRecord
	pos     int
}

// NewSliceSource returns a Source over records with the given header.
func NewSliceSource(columns []string, records []models.RawRecord) *SliceSource {
	return &SliceSource{columns: columns, records: records}
}

// Next returns the next record or io.EOF.
func (s *SliceSource) Next() (models.RawRecord, error) {
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	r := s.records[s.pos]
	s.pos++
	return r, nil
}

// Columns returns the header.
func (s *SliceSource) Columns() []string { return s.columns }

// Close is a no-op.
func (s *SliceSource) Close() error { return nil }
