package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cvalentine99/nfa-ids/internal/config"
	"github.com/cvalentine99/nfa-ids/internal/dataset"
	"github.com/cvalentine99/nfa-ids/internal/events"
	"github.com/cvalentine99/nfa-ids/internal/extract"
	"github.com/cvalentine99/nfa-ids/internal/features"
	"github.com/cvalentine99/nfa-ids/internal/inference"
	"github.com/cvalentine99/nfa-ids/internal/integrity"
	"github.com/cvalentine99/nfa-ids/internal/job"
	"github.com/cvalentine99/nfa-ids/internal/logging"
	"github.com/cvalentine99/nfa-ids/internal/metrics"
	"github.com/cvalentine99/nfa-ids/internal/signature"
	"github.com/cvalentine99/nfa-ids/internal/stream"
	"github.com/cvalentine99/nfa-ids/internal/table"
)

func cmdLabel(ctx context.Context, cfg *config.Config, bus *events.EventBus, args []string) error {
	fs := flag.NewFlagSet("label", flag.ExitOnError)
	src := fs.String("src", "", "directory of .pcap/.pcapng captures (required)")
	dest := fs.String("dest", cfg.Paths.LabelledDir, "destination for labelled CSVs")
	interim := fs.String("interim", "", "directory for unlabelled extractions (default <dest>/interim)")
	resume := fs.Bool("resume", false, "skip captures that already have labelled output")
	merge := fs.Bool("merge", false, "concatenate all labelled CSVs into "+dataset.MergedFile)
	encode := fs.Bool("encode", false, "write integer label codes instead of names")
	concurrency := fs.Int("concurrency", cfg.Label.Concurrency, "captures labelled in parallel")
	sigPath := fs.String("signatures", "", "signature table (default: built-in)")
	fs.Parse(args)

	if *src == "" {
		fs.Usage()
		return errors.New("label: -src is required")
	}

	var sigs *signature.Table
	if *sigPath != "" {
		var err error
		if sigs, err = signature.LoadTable(*sigPath); err != nil {
			return err
		}
	}

	rep, err := dataset.Run(ctx, dataset.Options{
		SourceDir:    *src,
		DestDir:      *dest,
		InterimDir:   *interim,
		Resume:       *resume,
		Merge:        *merge,
		EncodeLabels: *encode,
		Concurrency:  *concurrency,
		BatchSize:    cfg.Extract.BatchSize,
		Signatures:   sigs,
		Events:       bus,
	})
	if err != nil {
		return err
	}

	type fileView struct {
		File   string         `json:"file"`
		Class  string         `json:"class,omitempty"`
		Rows   int            `json:"rows"`
		Labels map[string]int `json:"labels,omitempty"`
		Status string         `json:"status"`
		Error  string         `json:"error,omitempty"`
	}
	view := struct {
		Labelled int        `json:"labelled"`
		Skipped  int        `json:"skipped"`
		Failed   int        `json:"failed"`
		Merged   string     `json:"merged,omitempty"`
		Duration string     `json:"duration"`
		Files    []fileView `json:"files"`
	}{Labelled: rep.Labelled, Skipped: rep.Skipped, Failed: rep.Failed, Merged: rep.Merged, Duration: rep.Duration.String()}
	for _, f := range rep.Files {
		fv := fileView{File: f.File, Class: f.Class, Rows: f.Rows, Labels: f.Labels, Status: "labelled"}
		switch {
		case f.Err != nil:
			fv.Status, fv.Error = "failed", f.Err.Error()
		case f.Skipped:
			fv.Status = "skipped"
		}
		view.Files = append(view.Files, fv)
	}
	return printJSON(view)
}

func cmdExtract(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	feats := fs.Bool("features", false, "emit header-less 39-column feature rows instead of raw fields")
	batch := fs.Int("batch", cfg.Extract.BatchSize, "records per flushed batch")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: nfa-ids extract [-features] [-batch n] <capture> <out.csv>")
		fs.PrintDefaults()
	}
	fs.Parse(args)
	if fs.NArg() != 2 {
		fs.Usage()
		return errors.New("extract: expected a capture and an output path")
	}

	mode := extract.ModeRaw
	if *feats {
		mode = extract.ModeFeatures
	}
	res, err := extract.New(*batch, mode).File(ctx, fs.Arg(0), fs.Arg(1))
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"path":     res.Path,
		"mode":     mode.String(),
		"columns":  len(res.Columns),
		"rows":     res.Rows,
		"batches":  res.Batches,
		"duration": res.Duration.String(),
	})
}

func cmdJob(ctx context.Context, cfg *config.Config, bus *events.EventBus, args []string) error {
	fs := flag.NewFlagSet("job", flag.ExitOnError)
	classify := fs.Bool("classify", false, "classify the bundle after retrieval")
	report := fs.String("report", "", "write the attack report CSV here (with -classify)")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: nfa-ids job [-classify] [-report out.csv] <capture>")
		fs.PrintDefaults()
	}
	fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("job: expected one capture")
	}

	m, err := job.NewManager(job.ConfigFrom(cfg, bus))
	if err != nil {
		return err
	}
	j, err := m.Create()
	if err != nil {
		return err
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("job: %w", err)
	}
	res := m.Upload(ctx, j.ID, filepath.Base(fs.Arg(0)), f)
	f.Close()

	check := func(res job.Result) error {
		if err := printJSON(res); err != nil {
			return err
		}
		if !res.OK() {
			return fmt.Errorf("job %s: %s", j.ID, res.Message)
		}
		return nil
	}
	if err := check(res); err != nil {
		return err
	}
	for _, stage := range []func(context.Context, string) job.Result{m.Process, m.Retrieve} {
		res = stage(ctx, j.ID)
		if err := check(res); err != nil {
			return err
		}
	}

	if !*classify {
		return nil
	}
	policy, err := stream.ParsePolicy(cfg.Inference.FailurePolicy)
	if err != nil {
		return err
	}
	opts := stream.Options{Timeout: cfg.Inference.Timeout.Duration, Policy: policy}
	return classifyBundle(ctx, cfg, bus, res.Path, opts, *report)
}

func cmdClassify(ctx context.Context, cfg *config.Config, bus *events.EventBus, args []string) error {
	fs := flag.NewFlagSet("classify", flag.ExitOnError)
	policy := fs.String("policy", cfg.Inference.FailurePolicy, "failure policy: fail-fast or skip")
	timeout := fs.Duration("timeout", cfg.Inference.Timeout.Duration, "per-row inference timeout")
	report := fs.String("report", "", "write the attack report CSV here")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: nfa-ids classify [-policy p] [-timeout d] [-report out.csv] <files.zip>")
		fs.PrintDefaults()
	}
	fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("classify: expected one bundle")
	}

	p, err := stream.ParsePolicy(*policy)
	if err != nil {
		return err
	}
	return classifyBundle(ctx, cfg, bus, fs.Arg(0), stream.Options{Timeout: *timeout, Policy: p}, *report)
}

// classifyBundle runs the classifier and prints the summary. The summary and
// partial report are written even when the run ends with an error.
func classifyBundle(ctx context.Context, cfg *config.Config, bus *events.EventBus, bundle string, opts stream.Options, reportPath string) error {
	opts.Events = bus

	predictor, err := newPredictor(ctx, cfg)
	if err != nil {
		return err
	}
	defer predictor.Close()

	sum, report, runErr := stream.New(opts).RunBundle(ctx, bundle, predictor)
	if err := printJSON(sum); err != nil {
		return err
	}
	if reportPath != "" && report != nil {
		if err := stream.WriteReport(reportPath, report); err != nil {
			return err
		}
	}
	return runErr
}

func newPredictor(ctx context.Context, cfg *config.Config) (inference.Predictor, error) {
	if cfg.Inference.PredictURL != "" {
		return inference.NewHTTPPredictor(cfg.Inference.PredictURL), nil
	}
	p := inference.NewONNXPredictor(inference.ONNXConfigFrom(cfg))
	if err := p.Initialize(); err != nil {
		return nil, err
	}
	wctx, cancel := context.WithTimeout(ctx, cfg.Inference.Timeout.Duration*time.Duration(cfg.Inference.Warmup+1))
	defer cancel()
	if err := p.Warmup(wctx, cfg.Inference.Warmup); err != nil {
		p.Close()
		return nil, err
	}
	h := p.Health()
	logging.InferenceLogger().Info("onnx predictor ready",
		"sessions", h.SessionPoolSize, "available", h.AvailableSessions)
	return p, nil
}

func cmdFitScaler(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("fit-scaler", flag.ExitOnError)
	out := fs.String("out", cfg.Paths.ScalerPath, "where to write the scaler")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: nfa-ids fit-scaler [-out scaler.json] <table.csv>...")
		fs.PrintDefaults()
	}
	fs.Parse(args)
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("fit-scaler: expected at least one table")
	}

	var rows [][]float64
	for _, path := range fs.Args() {
		t, err := table.ReadAll(path)
		if err != nil {
			return err
		}
		m, err := features.ProjectTable(t, features.OptimalFeatures)
		if err != nil {
			return fmt.Errorf("fit-scaler: %s: %w", path, err)
		}
		rows = append(rows, m.Rows...)
	}

	sc, err := features.FitScaler(features.OptimalFeatures, rows)
	if err != nil {
		return err
	}
	if err := sc.Save(*out); err != nil {
		return err
	}
	return printJSON(map[string]any{"path": *out, "rows": len(rows), "features": sc.Len()})
}

func cmdVerify(args []string) error {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: nfa-ids verify <job-dir>")
		return errors.New("verify: expected a job directory")
	}
	dir := args[0]
	manifest, err := integrity.LoadManifest(filepath.Join(dir, job.ManifestName))
	if err != nil {
		return err
	}
	if err := manifest.Verify(dir); err != nil {
		return err
	}
	return printJSON(manifest)
}

func cmdServeMetrics(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("serve-metrics", flag.ExitOnError)
	addr := fs.String("addr", cfg.MetricsAddr, "listen address")
	fs.Parse(args)

	srv := metrics.NewServer(*addr)
	fmt.Fprintf(os.Stderr, "serving metrics on %s/metrics\n", *addr)
	start := time.Now()
	err := srv.Run(ctx)
	fmt.Fprintf(os.Stderr, "metrics server stopped after %s\n", time.Since(start).Round(time.Second))
	return err
}
