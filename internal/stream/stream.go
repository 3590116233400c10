// Package stream classifies a retrieved capture row by row against a
// predictor and aggregates the results.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cvalentine99/nfa-ids/internal/config"
	"github.com/cvalentine99/nfa-ids/internal/events"
	"github.com/cvalentine99/nfa-ids/internal/features"
	"github.com/cvalentine99/nfa-ids/internal/inference"
	"github.com/cvalentine99/nfa-ids/internal/job"
	"github.com/cvalentine99/nfa-ids/internal/logging"
	"github.com/cvalentine99/nfa-ids/internal/metrics"
	"github.com/cvalentine99/nfa-ids/internal/models"
	"github.com/cvalentine99/nfa-ids/internal/table"
)

// ErrRowMismatch is returned when the feature and unprocessed tables are not
// row-aligned.
var ErrRowMismatch = errors.New("stream: feature and unprocessed tables differ in length")

// Policy decides what a failed predict call does to the run.
type Policy int

const (
	// FailFast stops at the first failed call and returns the partial summary.
	FailFast Policy = iota
	// Skip counts the row as skipped and continues.
	Skip
)

func (p Policy) String() string {
	if p == Skip {
		return config.PolicySkip
	}
	return config.PolicyFailFast
}

// ParsePolicy accepts "fail-fast" and "skip".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case config.PolicyFailFast, "":
		return FailFast, nil
	case config.PolicySkip:
		return Skip, nil
	}
	return FailFast, fmt.Errorf("stream: unknown failure policy %q", s)
}

// Options configures a Classifier.
type Options struct {
	// Timeout bounds each predict call; 0 means unbounded.
	Timeout time.Duration
	Policy  Policy
	// Events receives detections and the final summary. May be nil.
	Events *events.EventBus
}

// Summary aggregates one run. Total counts rows that were classified, so
// Total == Normal + Attack; rows dropped under the Skip policy are in Skipped.
type Summary struct {
	Total       int            `json:"total"`
	Normal      int            `json:"normal"`
	Attack      int            `json:"attack"`
	AttackTypes map[string]int `json:"attack_types"`
	Skipped     int            `json:"skipped"`
	AvgLatency  time.Duration  `json:"avg_latency_ns"`
	WallTime    time.Duration  `json:"wall_time_ns"`
	Cancelled   bool           `json:"cancelled"`
}

// Classifier drives a predictor over aligned feature and unprocessed rows.
type Classifier struct {
	opts Options
	log  *logging.Logger
}

// New creates a Classifier.
func New(opts Options) *Classifier {
	return &Classifier{opts: opts, log: logging.ClassifierLogger()}
}

// Run predicts every feature row in order, one call at a time. Attack rows
// are copied from unprocessed into the returned report with a label column.
//
// Cancelling ctx stops the loop between rows; the partial summary and report
// are returned with Summary.Cancelled set and a nil error. Under FailFast a
// failed call ends the run with the partial summary and the error.
func (c *Classifier) Run(ctx context.Context, feats *features.Matrix, unprocessed *models.Table, p inference.Predictor) (Summary, *models.Table, error) {
	sum := Summary{AttackTypes: make(map[string]int)}
	if feats.Len() != unprocessed.Len() {
		return sum, nil, fmt.Errorf("%w: %d feature rows, %d unprocessed rows", ErrRowMismatch, feats.Len(), unprocessed.Len())
	}

	report, labelIdx := newReport(unprocessed)
	predictor := inference.Timeout(p, c.opts.Timeout)

	start := time.Now()
	var latency time.Duration
	var runErr error

	for i, vec := range feats.Rows {
		if ctx.Err() != nil {
			sum.Cancelled = true
			break
		}

		label, lat, err := predictor.Predict(ctx, vec)
		if err != nil {
			if ctx.Err() != nil {
				sum.Cancelled = true
				break
			}
			metrics.InferenceErrors.Inc()
			if c.opts.Policy == Skip {
				sum.Skipped++
				c.log.Warn("skipping row after failed prediction", "row", i, logging.Err(err))
				c.opts.Events.EmitWarning(err.Error(), fmt.Sprintf("row %d skipped", i))
				continue
			}
			runErr = fmt.Errorf("stream: row %d: %w", i, err)
			break
		}

		sum.Total++
		latency += lat
		metrics.InferenceLatency.ObserveDuration(lat)
		metrics.Predictions.WithLabels(label.String()).Inc()

		if !label.IsAttack() {
			sum.Normal++
			continue
		}
		sum.Attack++
		sum.AttackTypes[label.String()]++
		row := make([]any, len(report.Columns))
		copy(row, unprocessed.Rows[i])
		row[labelIdx] = label.String()
		report.Rows = append(report.Rows, row)
		c.opts.Events.EmitDetection(events.Detection{Row: i, Label: label.String(), Latency: lat})
	}

	if sum.Total > 0 {
		sum.AvgLatency = latency / time.Duration(sum.Total)
	}
	sum.WallTime = time.Since(start)

	c.opts.Events.Emit(events.EventSummary, sum)
	c.opts.Events.Flush()
	c.log.Info("classification finished",
		logging.Count("total", int64(sum.Total)),
		logging.Count("attack", int64(sum.Attack)),
		logging.Count("skipped", int64(sum.Skipped)),
		logging.Duration("avg_latency", sum.AvgLatency),
		logging.Duration("wall_time", sum.WallTime),
		"cancelled", sum.Cancelled,
		logging.Err(runErr),
	)
	return sum, report, runErr
}

// newReport creates an empty table with unprocessed's columns plus a label
// column, reusing an existing one.
func newReport(unprocessed *models.Table) (*models.Table, int) {
	cols := append([]string(nil), unprocessed.Columns...)
	idx := unprocessed.ColumnIndex(models.LabelColumn)
	if idx < 0 {
		cols = append(cols, models.LabelColumn)
		idx = len(cols) - 1
	}
	return models.NewTable(cols), idx
}

// RunBundle reads a Retrieve bundle and classifies it.
func (c *Classifier) RunBundle(ctx context.Context, bundlePath string, p inference.Predictor) (Summary, *models.Table, error) {
	b, err := job.ReadBundle(bundlePath)
	if err != nil {
		return Summary{AttackTypes: map[string]int{}}, nil, err
	}
	return c.Run(ctx, b.Processed, b.Unprocessed, p)
}

// WriteReport persists the attack report as a headed CSV.
func WriteReport(path string, report *models.Table) error {
	if err := table.WriteAll(path, report); err != nil {
		return fmt.Errorf("stream: write report: %w", err)
	}
	return nil
}
