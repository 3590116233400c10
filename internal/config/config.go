package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Inference failure policies for the streaming classifier.
const (
	PolicyFailFast = "fail-fast"
	PolicySkip     = "skip"
)

// Duration is a time.Duration that decodes from TOML strings like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full runtime configuration.
type Config struct {
	Paths PathConfig `toml:"paths"`

	Extract struct {
		// BatchSize is the number of records buffered before a flush.
		BatchSize int `toml:"batch_size"`
	} `toml:"extract"`

	Job struct {
		// ProcessTimeout bounds the isolated extraction worker.
		ProcessTimeout Duration `toml:"process_timeout"`
		// MaxJobs is the number of job workspaces retained; 0 keeps all.
		MaxJobs int `toml:"max_jobs"`
	} `toml:"job"`

	Inference struct {
		// Timeout bounds a single predict call.
		Timeout Duration `toml:"timeout"`
		// PredictURL selects the HTTP predictor when set; otherwise ONNX is used.
		PredictURL string `toml:"predict_url"`
		// FailurePolicy is "fail-fast" or "skip".
		FailurePolicy string `toml:"failure_policy"`
		NumThreads    int    `toml:"num_threads"`
		// ONNXInput and ONNXOutput name the model's tensors. ScoresOutput
		// treats the output as per-class scores reduced by argmax instead
		// of an int64 label.
		ONNXInput    string `toml:"onnx_input"`
		ONNXOutput   string `toml:"onnx_output"`
		ScoresOutput bool   `toml:"scores_output"`
		// Warmup is the number of zero-vector runs before the first row.
		Warmup int `toml:"warmup"`
	} `toml:"inference"`

	Label struct {
		// Concurrency is the number of capture files labelled in parallel.
		Concurrency int `toml:"concurrency"`
	} `toml:"label"`

	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`

	MetricsAddr string `toml:"metrics_addr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{Paths: *DefaultPathConfig()}
	cfg.Extract.BatchSize = 1000
	cfg.Job.ProcessTimeout = Duration{30 * time.Minute}
	cfg.Job.MaxJobs = 8
	cfg.Inference.Timeout = Duration{5 * time.Second}
	cfg.Inference.FailurePolicy = PolicyFailFast
	cfg.Inference.NumThreads = 1
	cfg.Inference.ONNXInput = "input"
	cfg.Inference.ONNXOutput = "label"
	cfg.Inference.Warmup = 3
	cfg.Label.Concurrency = 2
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.MetricsAddr = ":9464"
	return cfg
}

// Load reads a TOML file over the defaults, applies environment overrides
// and validates the result. An empty path yields defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides applies NFA_IDS_* variables on top of the current values.
func (c *Config) ApplyEnvOverrides() {
	c.Paths.WorkspaceDir = getEnvOrDefault("NFA_IDS_WORKSPACE", c.Paths.WorkspaceDir)
	c.Paths.ScalerPath = getEnvOrDefault("NFA_IDS_SCALER", c.Paths.ScalerPath)
	c.Paths.ModelPath = getEnvOrDefault("NFA_IDS_MODEL", c.Paths.ModelPath)
	c.Paths.ONNXLibraryPath = getEnvOrDefault("NFA_IDS_ONNX_LIBRARY_PATH", c.Paths.ONNXLibraryPath)
	c.Paths.LabelledDir = getEnvOrDefault("NFA_IDS_LABELLED_DIR", c.Paths.LabelledDir)
	c.Paths.LogDir = getEnvOrDefault("NFA_IDS_LOG_DIR", c.Paths.LogDir)
	c.Inference.PredictURL = getEnvOrDefault("NFA_IDS_PREDICT_URL", c.Inference.PredictURL)
	c.Log.Level = getEnvOrDefault("NFA_IDS_LOG_LEVEL", c.Log.Level)

	if v := os.Getenv("NFA_IDS_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Extract.BatchSize = n
		}
	}
	if v := os.Getenv("NFA_IDS_PROCESS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Job.ProcessTimeout = Duration{d}
		}
	}
	if v := os.Getenv("NFA_IDS_INFERENCE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Inference.Timeout = Duration{d}
		}
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Paths.WorkspaceDir == "" {
		errs = append(errs, errors.New("paths.workspace_dir is required"))
	}
	if c.Extract.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("extract.batch_size must be positive, got %d", c.Extract.BatchSize))
	}
	if c.Job.ProcessTimeout.Duration <= 0 {
		errs = append(errs, errors.New("job.process_timeout must be positive"))
	}
	if c.Job.MaxJobs < 0 {
		errs = append(errs, errors.New("job.max_jobs must not be negative"))
	}
	if c.Inference.Timeout.Duration <= 0 {
		errs = append(errs, errors.New("inference.timeout must be positive"))
	}
	switch c.Inference.FailurePolicy {
	case PolicyFailFast, PolicySkip:
	default:
		errs = append(errs, fmt.Errorf("inference.failure_policy %q is not one of %s, %s",
			c.Inference.FailurePolicy, PolicyFailFast, PolicySkip))
	}
	if c.Inference.ONNXInput == "" || c.Inference.ONNXOutput == "" {
		errs = append(errs, errors.New("inference.onnx_input and inference.onnx_output are required"))
	}
	if c.Inference.Warmup < 0 {
		errs = append(errs, errors.New("inference.warmup must not be negative"))
	}
	if c.Label.Concurrency <= 0 {
		errs = append(errs, errors.New("label.concurrency must be positive"))
	}
	return errors.Join(errs...)
}
