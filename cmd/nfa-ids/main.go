// nfa-ids labels attack captures, prepares feature bundles and classifies
// them against a trained model.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cvalentine99/nfa-ids/internal/config"
	"github.com/cvalentine99/nfa-ids/internal/events"
	"github.com/cvalentine99/nfa-ids/internal/logging"
	"github.com/cvalentine99/nfa-ids/internal/profiling"
)

var (
	configPath = flag.String("config", "", "path to config file")
	logLevel   = flag.String("log-level", "", "override the configured log level")
	showEvents = flag.Bool("events", false, "print pipeline events to stderr as JSON lines")
	profileDir = flag.String("profile", "", "write CPU and heap profiles for this run into dir")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg := loadConfig()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prof := startProfiler()

	bus := newBus()
	args := flag.Args()[1:]

	var err error
	switch cmd := flag.Arg(0); cmd {
	case "label":
		err = cmdLabel(ctx, cfg, bus, args)
	case "extract":
		err = cmdExtract(ctx, cfg, args)
	case "job":
		err = cmdJob(ctx, cfg, bus, args)
	case "classify":
		err = cmdClassify(ctx, cfg, bus, args)
	case "fit-scaler":
		err = cmdFitScaler(cfg, args)
	case "verify":
		err = cmdVerify(args)
	case "serve-metrics":
		err = cmdServeMetrics(ctx, cfg, args)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(2)
	}

	bus.Flush()
	stopProfiler(prof)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `nfa-ids - network capture labeling and intrusion classification

Usage: nfa-ids [options] <command> [args]

Commands:
  label           Label every capture in a directory by its signature class
  extract         Extract one capture into an unprocessed or feature table
  job             Upload, process and retrieve one capture into a bundle
  classify        Stream a retrieved bundle through the classifier
  fit-scaler      Fit the feature scaler on labelled or unprocessed tables
  verify          Check a job directory against its manifest
  serve-metrics   Serve Prometheus metrics
  help            Show this help message

Options:`)
	flag.PrintDefaults()
	fmt.Fprint(os.Stderr, config.PathEnvVarsDoc)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	lc := logging.DefaultConfig()
	lc.Level = logging.ParseLevel(cfg.Log.Level)
	lc.Format = cfg.Log.Format
	logging.Init(lc)
	logging.LogRuntimeInfo()
	return cfg
}

func newBus() *events.EventBus {
	if !*showEvents {
		return nil
	}
	bus := events.NewEventBus(nil)
	bus.SetGlobalHandler(func(e *events.Event) {
		if data, err := e.JSON(); err == nil {
			fmt.Fprintln(os.Stderr, string(data))
		}
	})
	return bus
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func startProfiler() *profiling.Profiler {
	if *profileDir == "" {
		return nil
	}
	p, err := profiling.New(profiling.DefaultConfig(*profileDir))
	if err == nil {
		err = p.Start()
	}
	if err != nil {
		logging.Warn("profiling disabled", logging.Err(err))
		return nil
	}
	return p
}

func stopProfiler(p *profiling.Profiler) {
	if p == nil {
		return
	}
	files, err := p.Stop()
	if err != nil {
		logging.Warn("failed to write profiles", logging.Err(err))
	}
	mem := profiling.ReadMemoryStats()
	logging.Info("profiling finished",
		"files", files,
		"heap", profiling.FormatBytes(mem.HeapAlloc),
		"gc", mem.NumGC)
}
