// Package extract streams capture records into CSV tables in fixed-size
// batches, so memory use is bounded by the batch size rather than the
// capture length.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cvalentine99/nfa-ids/internal/capture"
	"github.com/cvalentine99/nfa-ids/internal/features"
	"github.com/cvalentine99/nfa-ids/internal/logging"
	"github.com/cvalentine99/nfa-ids/internal/metrics"
	"github.com/cvalentine99/nfa-ids/internal/models"
	"github.com/cvalentine99/nfa-ids/internal/table"
)

// DefaultBatchSize is the number of records buffered before a flush.
const DefaultBatchSize = 1000

// Mode selects what an extraction pass writes.
type Mode int

const (
	// ModeRaw writes every protocol field with a header, unmodified.
	ModeRaw Mode = iota
	// ModeFeatures projects each record through the feature schema and
	// writes header-less numeric rows.
	ModeFeatures
)

func (m Mode) String() string {
	switch m {
	case ModeRaw:
		return "raw"
	case ModeFeatures:
		return "features"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Extractor drives one capture source into one table.
type Extractor struct {
	BatchSize int
	Mode      Mode
	// Schema is used in ModeFeatures; nil means features.OptimalFeatures.
	Schema features.Schema
}

// Result describes a finished extraction pass.
type Result struct {
	Path     string
	Columns  []string
	Rows     int64
	Batches  int
	Duration time.Duration
}

// New returns an extractor. A non-positive batch size selects the default.
func New(batchSize int, mode Mode) *Extractor {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Extractor{BatchSize: batchSize, Mode: mode}
}

// Run consumes src until it is exhausted and writes the table to path. Each
// full batch is appended to the file as soon as it fills; a trailing
// partial batch is flushed at the end. The header (raw mode) is written
// when the file is created, so a capture with no packets yields a
// header-only table.
func (e *Extractor) Run(ctx context.Context, src capture.Source, path string) (Result, error) {
	start := time.Now()
	batchSize := e.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	schema := e.Schema
	if schema == nil {
		schema = features.OptimalFeatures
	}

	if e.Mode == ModeFeatures {
		have := make(map[string]bool, len(src.Columns()))
		for _, c := range src.Columns() {
			have[c] = true
		}
		for _, name := range schema {
			if !have[name] {
				return Result{}, fmt.Errorf("extract: %w: %s", features.ErrMissingField, name)
			}
		}
	}

	var header []string
	if e.Mode == ModeRaw {
		header = src.Columns()
	}
	w, err := table.Create(path, header)
	if err != nil {
		return Result{}, fmt.Errorf("extract: %w", err)
	}

	res := Result{Path: path, Columns: src.Columns()}
	if e.Mode == ModeFeatures {
		res.Columns = schema
	}

	raw := make([]models.RawRecord, 0, batchSize)
	vecs := make([][]float64, 0, batchSize)
	pending := func() int { return len(raw) + len(vecs) }

	flush := func() error {
		n := pending()
		if n == 0 {
			return nil
		}
		if e.Mode == ModeRaw {
			if err := w.WriteRecords(raw); err != nil {
				return err
			}
			raw = raw[:0]
		} else {
			for _, v := range vecs {
				if err := w.WriteFloats(v); err != nil {
					return err
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}
			vecs = vecs[:0]
		}
		res.Rows += int64(n)
		res.Batches++
		metrics.PacketsExtracted.Add(uint64(n))
		metrics.BatchesFlushed.Inc()
		return nil
	}

	fail := func(err error) (Result, error) {
		w.Close()
		return res, fmt.Errorf("extract: %s: %w", path, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(err)
		}

		if e.Mode == ModeRaw {
			raw = append(raw, rec)
		} else {
			vec, err := features.Project(rec, schema)
			if err != nil {
				return fail(err)
			}
			vecs = append(vecs, vec)
		}

		if pending() >= batchSize {
			if err := flush(); err != nil {
				return fail(err)
			}
		}
	}

	if err := flush(); err != nil {
		return fail(err)
	}
	if err := w.Close(); err != nil {
		return res, fmt.Errorf("extract: %w", err)
	}

	res.Duration = time.Since(start)
	logging.ExtractLogger().Info("extraction complete",
		"path", path,
		"mode", e.Mode.String(),
		logging.Count("rows", res.Rows),
		logging.Count("batches", int64(res.Batches)),
		logging.Duration("duration", res.Duration),
	)
	return res, nil
}

// File opens the capture at capturePath and extracts it to outPath.
func (e *Extractor) File(ctx context.Context, capturePath, outPath string) (Result, error) {
	src, err := capture.OpenFile(capturePath)
	if err != nil {
		return Result{}, err
	}
	defer src.Close()
	return e.Run(ctx, src, outPath)
}
