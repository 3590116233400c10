package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/cvalentine99/nfa-ids/internal/config"
	"github.com/cvalentine99/nfa-ids/internal/features"
	"github.com/cvalentine99/nfa-ids/internal/logging"
	"github.com/cvalentine99/nfa-ids/internal/models"
)

// ONNXConfig holds configuration for the ONNX Runtime predictor
type ONNXConfig struct {
	// SharedLibraryPath is the path to the ONNX Runtime shared library
	SharedLibraryPath string
	// ModelPath is the path to the ONNX model file
	ModelPath string
	// InputName is the float32 [1, 39] input tensor
	InputName string
	// OutputName is either an int64 [1] class label or, with ScoresOutput,
	// a float32 [1, classes] score tensor reduced by argmax
	OutputName   string
	ScoresOutput bool
	// NumThreads sets intra-op threads per session
	NumThreads int
	// PoolSize is the number of sessions available for concurrent calls
	PoolSize int
}

// DefaultONNXConfig returns the layout produced by common classifier
// exporters: input "input", output "label".
func DefaultONNXConfig() *ONNXConfig {
	return &ONNXConfig{
		InputName:  "input",
		OutputName: "label",
		NumThreads: 1,
		PoolSize:   1,
	}
}

// ONNXConfigFrom builds the predictor config from the runtime config.
func ONNXConfigFrom(cfg *config.Config) *ONNXConfig {
	oc := DefaultONNXConfig()
	oc.SharedLibraryPath = cfg.Paths.ONNXLibraryPath
	oc.ModelPath = cfg.Paths.ModelPath
	oc.NumThreads = cfg.Inference.NumThreads
	if cfg.Inference.ONNXInput != "" {
		oc.InputName = cfg.Inference.ONNXInput
	}
	if cfg.Inference.ONNXOutput != "" {
		oc.OutputName = cfg.Inference.ONNXOutput
	}
	oc.ScoresOutput = cfg.Inference.ScoresOutput
	return oc
}

// ONNXPredictor runs a classifier through ONNX Runtime.
type ONNXPredictor struct {
	config      *ONNXConfig
	initialized bool
	mu          sync.RWMutex
	log         *logging.Logger

	sessionPool chan *onnxSession
}

// onnxSession wraps an ONNX Runtime session with its bound tensors
type onnxSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	label   *ort.Tensor[int64]
	scores  *ort.Tensor[float32]
}

// NewONNXPredictor creates a predictor; call Initialize before Predict.
func NewONNXPredictor(config *ONNXConfig) *ONNXPredictor {
	if config == nil {
		config = DefaultONNXConfig()
	}
	if config.PoolSize <= 0 {
		config.PoolSize = 1
	}
	return &ONNXPredictor{config: config, log: logging.InferenceLogger()}
}

// Initialize sets up the ONNX Runtime environment and loads the model
func (p *ONNXPredictor) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}
	if p.config.ModelPath == "" {
		return errors.New("inference: no model path configured")
	}

	if !ort.IsInitialized() {
		if p.config.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(p.config.SharedLibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("inference: initialize ONNX environment: %w", err)
		}
	}

	p.sessionPool = make(chan *onnxSession, p.config.PoolSize)
	for i := 0; i < p.config.PoolSize; i++ {
		s, err := p.createSession()
		if err != nil {
			p.cleanup()
			return fmt.Errorf("inference: create session %d: %w", i, err)
		}
		p.sessionPool <- s
	}

	p.initialized = true
	p.log.Info("onnx model loaded", "model", p.config.ModelPath, "sessions", p.config.PoolSize)
	return nil
}

func (p *ONNXPredictor) createSession() (*onnxSession, error) {
	s := &onnxSession{}
	var err error
	s.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, features.FeatureCount))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	var output ort.Value
	if p.config.ScoresOutput {
		s.scores, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(models.NumLabels)))
		output = s.scores
	} else {
		s.label, err = ort.NewEmptyTensor[int64](ort.NewShape(1))
		output = s.label
	}
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer options.Destroy()

	if p.config.NumThreads > 0 {
		if err := options.SetIntraOpNumThreads(p.config.NumThreads); err != nil {
			s.destroy()
			return nil, fmt.Errorf("set intra-op threads: %w", err)
		}
	}

	s.session, err = ort.NewAdvancedSession(
		p.config.ModelPath,
		[]string{p.config.InputName},
		[]string{p.config.OutputName},
		[]ort.Value{s.input},
		[]ort.Value{output},
		options,
	)
	if err != nil {
		s.destroy()
		return nil, err
	}
	return s, nil
}

func (s *onnxSession) destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	if s.label != nil {
		s.label.Destroy()
	}
	if s.scores != nil {
		s.scores.Destroy()
	}
}

// Predict classifies one vector. ctx bounds both the wait for a free session
// and the run itself; a run that outlives ctx is abandoned and its session
// rejoins the pool once ONNX Runtime returns.
func (p *ONNXPredictor) Predict(ctx context.Context, vec []float64) (models.Label, time.Duration, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.initialized {
		return 0, 0, ErrNotInitialized
	}
	if err := checkVector(vec); err != nil {
		return 0, 0, err
	}

	pool := p.sessionPool
	var s *onnxSession
	select {
	case s = <-pool:
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}

	data := s.input.GetData()
	for i, v := range vec {
		data[i] = float32(v)
	}

	start := time.Now()
	abandoned, err := runBounded(ctx, s.session.Run, func() { p.reclaim(pool, s) })
	if abandoned {
		p.log.Warn("abandoned onnx run", logging.Duration("after", time.Since(start)))
		return 0, 0, fmt.Errorf("inference: run: %w", err)
	}
	defer func() { pool <- s }()
	if err != nil {
		return 0, 0, fmt.Errorf("inference: run: %w", err)
	}
	latency := time.Since(start)

	var class int64
	if s.scores != nil {
		class = argmax(s.scores.GetData())
	} else {
		class = s.label.GetData()[0]
	}
	label, err := toLabel(class)
	return label, latency, err
}

// runBounded calls run on its own goroutine and waits for it or for ctx.
// When ctx ends first it reports abandoned with ctx.Err(), and release is
// called once run finally returns. Otherwise the caller still owns whatever
// run was using.
func runBounded(ctx context.Context, run func() error, release func()) (bool, error) {
	if ctx.Done() == nil {
		return false, run()
	}

	var (
		mu        sync.Mutex
		abandoned bool
		done      = make(chan error, 1)
	)
	go func() {
		err := run()
		mu.Lock()
		gone := abandoned
		if !gone {
			done <- err
		}
		mu.Unlock()
		if gone {
			release()
		}
	}()

	select {
	case err := <-done:
		return false, err
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	select {
	case err := <-done:
		return false, err
	default:
	}
	abandoned = true
	return true, ctx.Err()
}

// reclaim returns a session from an abandoned run. Sessions from a pool that
// has since been closed are destroyed.
func (p *ONNXPredictor) reclaim(pool chan *onnxSession, s *onnxSession) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.initialized && pool == p.sessionPool {
		pool <- s
		return
	}
	s.destroy()
}

func argmax(scores []float32) int64 {
	best := 0
	for i, v := range scores {
		if v > scores[best] {
			best = i
		}
	}
	return int64(best)
}

// Close releases all sessions. The ONNX Runtime environment is process-wide
// and is left initialized.
func (p *ONNXPredictor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil
	}
	p.cleanup()
	p.initialized = false
	return nil
}

func (p *ONNXPredictor) cleanup() {
	close(p.sessionPool)
	for s := range p.sessionPool {
		s.destroy()
	}
}

// HealthStatus represents the health of a predictor.
type HealthStatus struct {
	Initialized       bool
	SessionPoolSize   int
	AvailableSessions int
}

// Health returns the current session pool state.
func (p *ONNXPredictor) Health() HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	h := HealthStatus{Initialized: p.initialized, SessionPoolSize: p.config.PoolSize}
	if p.initialized {
		h.AvailableSessions = len(p.sessionPool)
	}
	return h
}

// Warmup runs n predictions on a zero vector so the first real call does not
// pay model loading costs.
func (p *ONNXPredictor) Warmup(ctx context.Context, n int) error {
	zero := make([]float64, features.FeatureCount)
	for i := 0; i < n; i++ {
		if _, _, err := p.Predict(ctx, zero); err != nil {
			return fmt.Errorf("inference: warmup iteration %d: %w", i, err)
		}
	}
	return nil
}
