// Package dataset runs offline labeling over a directory of attack
// captures: each capture is extracted, labelled with the signature class
// its file name selects, and written as a labelled CSV.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cvalentine99/nfa-ids/internal/events"
	"github.com/cvalentine99/nfa-ids/internal/extract"
	"github.com/cvalentine99/nfa-ids/internal/logging"
	"github.com/cvalentine99/nfa-ids/internal/metrics"
	"github.com/cvalentine99/nfa-ids/internal/models"
	"github.com/cvalentine99/nfa-ids/internal/signature"
	"github.com/cvalentine99/nfa-ids/internal/table"
)

// MergedFile is the name of the concatenated output in the destination
// directory.
const MergedFile = "all_data_labelled.csv"

// ErrNoSignatures is recorded for a capture whose name matches no class.
var ErrNoSignatures = errors.New("dataset: no signature class for file")

// Options configures a labeling run.
type Options struct {
	// SourceDir is scanned for .pcap and .pcapng files.
	SourceDir string
	// DestDir receives one <name>.csv per labelled capture.
	DestDir string
	// InterimDir receives the unlabelled extraction; defaults to
	// DestDir/interim.
	InterimDir string
	// Resume skips captures whose labelled CSV already exists.
	Resume bool
	// Merge concatenates every labelled CSV into MergedFile.
	Merge bool
	// EncodeLabels writes integer label codes instead of names.
	EncodeLabels bool
	// Concurrency bounds the number of captures processed at once.
	Concurrency int
	BatchSize   int
	// Signatures defaults to signature.DefaultTable.
	Signatures *signature.Table
	// Events receives one EventFileLabelled per capture as it finishes.
	Events *events.EventBus
}

// FileResult is the outcome for one capture.
type FileResult struct {
	File   string
	Output string
	Class  string
	Rows   int
	Labels map[string]int
	// Skipped is set when Resume found existing output.
	Skipped bool
	Err     error
}

// Report summarises a labeling run.
type Report struct {
	Files    []FileResult
	Labelled int
	Skipped  int
	Failed   int
	Merged   string
	Duration time.Duration
}

// Failures returns the results that carry an error.
func (r *Report) Failures() []FileResult {
	var out []FileResult
	for _, f := range r.Files {
		if f.Err != nil {
			out = append(out, f)
		}
	}
	return out
}

// Scan lists capture files in dir, sorted by name.
func Scan(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("dataset: scan %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".pcap", ".pcapng":
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// Run labels every capture in opts.SourceDir. A capture that cannot be
// extracted, matched or labelled is recorded as failed and the run moves
// on; only cancellation or an unusable destination aborts the run.
func Run(ctx context.Context, opts Options) (*Report, error) {
	start := time.Now()
	log := logging.LabelLogger()

	if opts.Signatures == nil {
		t, err := signature.DefaultTable()
		if err != nil {
			return nil, err
		}
		opts.Signatures = t
	}
	if opts.InterimDir == "" {
		opts.InterimDir = filepath.Join(opts.DestDir, "interim")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	for _, dir := range []string{opts.DestDir, opts.InterimDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("dataset: %w", err)
		}
	}

	files, err := Scan(opts.SourceDir)
	if err != nil {
		return nil, err
	}
	log.Info("labeling captures",
		logging.Count("files", int64(len(files))),
		"resume", opts.Resume,
		"concurrency", opts.Concurrency,
	)

	results := make([]FileResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, name := range files {
		i, name := i, name
		g.Go(func() error {
			r := labelFile(gctx, opts, name)
			results[i] = r
			ev := events.FileLabelled{File: r.File, Rows: r.Rows}
			if r.Err != nil {
				ev.Error = r.Err.Error()
			}
			opts.Events.Emit(events.EventFileLabelled, ev)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}

	rep := &Report{Files: results}
	for _, r := range results {
		switch {
		case r.Err != nil:
			rep.Failed++
			metrics.LabelFiles.WithLabels("failed").Inc()
			log.Warn("capture not labelled", "file", r.File, logging.Err(r.Err))
		case r.Skipped:
			rep.Skipped++
			metrics.LabelFiles.WithLabels("skipped").Inc()
		default:
			rep.Labelled++
			metrics.LabelFiles.WithLabels("labelled").Inc()
		}
	}

	if opts.Merge {
		merged, err := merge(opts.DestDir, results)
		if err != nil {
			return rep, err
		}
		rep.Merged = merged
	}

	rep.Duration = time.Since(start)
	log.Info("labeling complete",
		logging.Count("labelled", int64(rep.Labelled)),
		logging.Count("skipped", int64(rep.Skipped)),
		logging.Count("failed", int64(rep.Failed)),
		logging.Duration("duration", rep.Duration),
	)
	return rep, nil
}

func stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func labelFile(ctx context.Context, opts Options, name string) FileResult {
	res := FileResult{File: name, Output: filepath.Join(opts.DestDir, stem(name)+".csv")}
	log := logging.LabelLogger()

	if opts.Resume {
		if _, err := os.Stat(res.Output); err == nil {
			log.Info("capture already labelled", "file", name)
			res.Skipped = true
			return res
		}
	}

	class, ok := opts.Signatures.Lookup(name)
	if !ok {
		res.Err = fmt.Errorf("%w: %s", ErrNoSignatures, name)
		return res
	}
	res.Class = class.Name

	interim := filepath.Join(opts.InterimDir, stem(name)+".csv")
	ex := extract.New(opts.BatchSize, extract.ModeRaw)
	if _, err := ex.File(ctx, filepath.Join(opts.SourceDir, name), interim); err != nil {
		res.Err = err
		return res
	}

	tbl, err := table.ReadAll(interim)
	if err != nil {
		res.Err = err
		return res
	}
	labels, err := signature.Apply(ctx, tbl, class.Rules)
	if err != nil {
		res.Err = fmt.Errorf("dataset: %s: %w", name, err)
		return res
	}

	res.Rows = len(labels)
	res.Labels = make(map[string]int)
	for _, l := range labels {
		res.Labels[l.String()]++
	}
	if opts.EncodeLabels {
		EncodeLabels(tbl)
	}

	if err := writeAtomic(res.Output, tbl); err != nil {
		res.Err = err
		return res
	}
	log.Info("capture labelled",
		"file", name,
		"class", class.Name,
		logging.Count("rows", int64(res.Rows)),
	)
	return res
}

// EncodeLabels replaces label names in t's label column with their integer
// codes. Unknown names are left untouched.
func EncodeLabels(t *models.Table) {
	idx := t.ColumnIndex(models.LabelColumn)
	if idx < 0 {
		return
	}
	for _, row := range t.Rows {
		name, ok := row[idx].(string)
		if !ok {
			continue
		}
		if l, err := models.ParseLabel(name); err == nil {
			row[idx] = int64(l)
		}
	}
}

// writeAtomic writes t next to path and renames it into place, so a Resume
// never sees a half-written file.
func writeAtomic(path string, t *models.Table) error {
	tmp := path + ".tmp"
	if err := table.WriteAll(tmp, t); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("dataset: %w", err)
	}
	return nil
}

// merge concatenates the labelled outputs in file order, writing the header
// once. Every input must share the first input's header.
func merge(dir string, results []FileResult) (string, error) {
	out := filepath.Join(dir, MergedFile)
	var (
		w    *table.Writer
		rows int64
	)
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		rd, err := table.Open(r.Output, true)
		if err != nil {
			if w != nil {
				w.Close()
			}
			return "", err
		}
		if w == nil {
			w, err = table.Create(out, rd.Columns())
			if err != nil {
				rd.Close()
				return "", err
			}
		} else if !sameColumns(w.Columns(), rd.Columns()) {
			rd.Close()
			w.Close()
			return "", fmt.Errorf("dataset: merge: %s has a different header", r.Output)
		}

		for {
			row, err := rd.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				rd.Close()
				w.Close()
				return "", err
			}
			if err := w.WriteRow(row); err != nil {
				rd.Close()
				w.Close()
				return "", err
			}
			rows++
		}
		rd.Close()
	}
	if w == nil {
		return "", nil
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	logging.LabelLogger().Info("labelled captures merged",
		"path", out,
		logging.Count("rows", rows),
	)
	return out, nil
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// LabelCounts tallies a labelled CSV's label column, by label name. Integer
// codes are translated back to names.
func LabelCounts(path string) (map[string]int, error) {
	rd, err := table.Open(path, true)
	if err != nil {
		return nil, err
	}
	defer rd.Close()

	idx := -1
	for i, c := range rd.Columns() {
		if c == models.LabelColumn {
			idx = i
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("dataset: %s has no %s column", path, models.LabelColumn)
	}

	counts := make(map[string]int)
	for {
		row, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return counts, nil
		}
		if err != nil {
			return nil, err
		}
		switch v := row[idx].(type) {
		case int64:
			counts[models.Label(v).String()]++
		case string:
			counts[v]++
		default:
			counts[fmt.Sprint(v)]++
		}
	}
}
