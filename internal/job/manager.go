package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cvalentine99/nfa-ids/internal/config"
	"github.com/cvalentine99/nfa-ids/internal/events"
	"github.com/cvalentine99/nfa-ids/internal/extract"
	"github.com/cvalentine99/nfa-ids/internal/features"
	"github.com/cvalentine99/nfa-ids/internal/integrity"
	"github.com/cvalentine99/nfa-ids/internal/logging"
	"github.com/cvalentine99/nfa-ids/internal/metrics"
	"github.com/cvalentine99/nfa-ids/internal/table"
)

// Artifact names inside a job directory.
const (
	BundleName   = "files.zip"
	ManifestName = "manifest.json"

	unprocessedSuffix = "_unprocessed.csv"
	processedSuffix   = "_processed.csv"
)

// Config configures a Manager.
type Config struct {
	// WorkspaceDir is the root; each job gets WorkspaceDir/<id>.
	WorkspaceDir string
	// ScalerPath is the persisted scaler applied at Retrieve.
	ScalerPath string
	// BatchSize is passed to the raw extractor.
	BatchSize int
	// ProcessTimeout bounds the extraction worker; 0 means no bound.
	ProcessTimeout time.Duration
	// MaxJobs is the number of jobs retained; 0 keeps all.
	MaxJobs int
	// Events receives state transitions. May be nil.
	Events *events.EventBus
}

// ConfigFrom maps the runtime configuration onto a manager Config.
func ConfigFrom(c *config.Config, bus *events.EventBus) Config {
	return Config{
		WorkspaceDir:   c.Paths.WorkspaceDir,
		ScalerPath:     c.Paths.ScalerPath,
		BatchSize:      c.Extract.BatchSize,
		ProcessTimeout: c.Job.ProcessTimeout.Duration,
		MaxJobs:        c.Job.MaxJobs,
		Events:         bus,
	}
}

// Manager owns the jobs under one workspace root. Each job is confined to its
// own directory, so jobs never observe each other's artifacts.
type Manager struct {
	cfg Config
	log *logging.Logger

	mu    sync.Mutex
	jobs  map[string]*Job
	order []string

	scalerMu sync.Mutex
	scaler   *features.Scaler

	// extract produces the unprocessed table; replaced in tests.
	extract func(ctx context.Context, capturePath, outPath string) error
}

// NewManager creates the workspace root if needed.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.WorkspaceDir == "" {
		return nil, errors.New("job: workspace directory is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = extract.DefaultBatchSize
	}
	if err := os.MkdirAll(cfg.WorkspaceDir, 0o755); err != nil {
		return nil, fmt.Errorf("job: create workspace: %w", err)
	}

	m := &Manager{
		cfg:  cfg,
		log:  logging.JobLogger(),
		jobs: make(map[string]*Job),
	}
	ex := extract.New(cfg.BatchSize, extract.ModeRaw)
	m.extract = func(ctx context.Context, capturePath, outPath string) error {
		_, err := ex.File(ctx, capturePath, outPath)
		return err
	}
	return m, nil
}

// Create allocates a new idle job with an empty workspace directory. When
// more than MaxJobs are retained, the oldest idle-handed jobs are removed.
func (m *Manager) Create() (*Job, error) {
	id := uuid.NewString()
	dir := filepath.Join(m.cfg.WorkspaceDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("job: create workspace for %s: %w", id, err)
	}
	j := &Job{ID: id, Dir: dir, state: StateIdle, created: time.Now()}

	m.mu.Lock()
	m.jobs[id] = j
	m.order = append(m.order, id)
	evicted := m.evictLocked()
	active := len(m.jobs)
	m.mu.Unlock()

	for _, old := range evicted {
		if err := os.RemoveAll(old.Dir); err != nil {
			m.log.Warn("failed to remove evicted workspace", logging.Job(old.ID, old.State().String(), ""), logging.Err(err))
			continue
		}
		m.log.Debug("evicted job", logging.Job(old.ID, old.State().String(), ""))
	}
	metrics.ActiveJobs.Set(int64(active))
	m.log.Info("job created", logging.Job(id, StateIdle.String(), ""))
	return j, nil
}

// evictLocked drops the oldest jobs beyond MaxJobs, skipping busy ones.
func (m *Manager) evictLocked() []*Job {
	if m.cfg.MaxJobs <= 0 {
		return nil
	}
	var evicted []*Job
	kept := m.order[:0]
	excess := len(m.jobs) - m.cfg.MaxJobs
	for _, id := range m.order {
		j := m.jobs[id]
		if excess > 0 && !j.isBusy() {
			delete(m.jobs, id)
			evicted = append(evicted, j)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return evicted
}

// Get returns the job with id.
func (m *Manager) Get(id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j, nil
}

// Jobs lists snapshots of all retained jobs, oldest first.
func (m *Manager) Jobs() []Info {
	m.mu.Lock()
	list := make([]*Job, 0, len(m.order))
	for _, id := range m.order {
		list = append(list, m.jobs[id])
	}
	m.mu.Unlock()

	out := make([]Info, len(list))
	for i, j := range list {
		out[i] = j.Info()
	}
	return out
}

// Remove deletes a job and its workspace. A busy job cannot be removed.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if j.isBusy() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is busy", ErrInvalidTransition, id)
	}
	delete(m.jobs, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	active := len(m.jobs)
	m.mu.Unlock()

	metrics.ActiveJobs.Set(int64(active))
	if err := os.RemoveAll(j.Dir); err != nil {
		return fmt.Errorf("job: remove workspace %s: %w", id, err)
	}
	return nil
}

func (m *Manager) transition(j *Job, from, to State, err error) {
	log := m.log.WithJob(j.ID)
	ev := events.JobState{JobID: j.ID, From: from.String(), To: to.String()}
	if err != nil {
		ev.Message = err.Error()
		log.Error("job stage failed", "from", from.String(), "to", to.String(), logging.Err(err))
	} else {
		log.Info("job state changed", "from", from.String(), "to", to.String())
	}
	switch to {
	case StateProcessed, StateRetrieved, StateFailed:
		metrics.Jobs.WithLabels(to.String()).Inc()
	}
	m.cfg.Events.EmitJobState(ev)
}

func failed(id string, s State, err error) Result {
	return Result{JobID: id, Status: s.String(), Message: err.Error()}
}

// Upload clears the job's workspace and stores the capture read from r under
// the base name of filename. It is allowed in every state except while the
// job is busy. On failure the job is left Idle with an empty workspace.
func (m *Manager) Upload(ctx context.Context, id, filename string, r io.Reader) Result {
	j, err := m.Get(id)
	if err != nil {
		return failed(id, StateIdle, err)
	}
	prev, err := j.acquire(StateIdle, StateUploaded, StateProcessed, StateRetrieved, StateFailed)
	if err != nil {
		return failed(id, prev, err)
	}
	j.setState(StateIdle)

	path, err := m.store(ctx, j, filename, r)

	j.mu.Lock()
	j.capture, j.unprocessed, j.processed, j.bundle, j.digest = path, "", "", "", ""
	j.mu.Unlock()

	if err != nil {
		j.release(StateIdle, err)
		m.transition(j, prev, StateIdle, err)
		return failed(id, StateIdle, err)
	}
	j.release(StateUploaded, nil)
	m.transition(j, prev, StateUploaded, nil)
	return Result{JobID: id, Status: StateUploaded.String(), Path: path}
}

func (m *Manager) store(ctx context.Context, j *Job, filename string, r io.Reader) (string, error) {
	if err := clearDir(j.Dir); err != nil {
		return "", err
	}
	name := filepath.Base(filepath.Clean("/" + filename))
	if name == "/" || name == "." || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, filename)
	}

	tmp, err := os.CreateTemp(j.Dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("job: create upload file: %w", err)
	}
	_, err = io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("job: write upload: %w", err)
	}

	dest := filepath.Join(j.Dir, name)
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("job: store upload: %w", err)
	}
	return dest, nil
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("job: read workspace: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("job: clear workspace: %w", err)
		}
	}
	return nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Process extracts the uploaded capture in raw mode into the unprocessed
// table. Extraction runs on an isolated worker bounded by ProcessTimeout; a
// panic, timeout or extraction error leaves the job Failed. Failed jobs may be
// processed again.
func (m *Manager) Process(ctx context.Context, id string) Result {
	j, err := m.Get(id)
	if err != nil {
		return failed(id, StateIdle, err)
	}
	prev, err := j.acquire(StateUploaded, StateFailed)
	if err != nil {
		return failed(id, prev, err)
	}
	j.setState(StateProcessing)
	m.transition(j, prev, StateProcessing, nil)

	j.mu.Lock()
	capturePath := j.capture
	j.mu.Unlock()
	out := filepath.Join(j.Dir, stem(capturePath)+unprocessedSuffix)

	start := time.Now()
	err = runIsolated(ctx, m.cfg.ProcessTimeout, func(ctx context.Context) error {
		return m.extract(ctx, capturePath, out)
	})
	if err != nil {
		os.Remove(out)
		err = fmt.Errorf("job: process %s: %w", filepath.Base(capturePath), err)
		j.release(StateFailed, err)
		m.transition(j, StateProcessing, StateFailed, err)
		return failed(id, StateFailed, err)
	}

	j.mu.Lock()
	j.unprocessed = out
	j.mu.Unlock()
	j.release(StateProcessed, nil)
	m.transition(j, StateProcessing, StateProcessed, nil)
	m.log.WithJob(id).Debug("extraction finished", logging.Duration("duration", time.Since(start)))
	return Result{JobID: id, Status: StateProcessed.String(), Path: out}
}

// Retrieve projects the unprocessed table onto the classifier schema, scales
// it, and bundles both tables into files.zip. Failures are reported in the
// Result and no partial bundle is left. The job keeps its previous state,
// except that a retrieved job whose bundle was discarded drops back to
// Processed.
func (m *Manager) Retrieve(ctx context.Context, id string) Result {
	j, err := m.Get(id)
	if err != nil {
		return failed(id, StateIdle, err)
	}
	prev, err := j.acquire(StateProcessed, StateRetrieved)
	if err != nil {
		return failed(id, prev, err)
	}

	j.mu.Lock()
	unprocessed := j.unprocessed
	j.mu.Unlock()

	processed, bundle, digest, err := m.retrieve(ctx, j.Dir, unprocessed)
	if err != nil {
		err = fmt.Errorf("job: retrieve: %w", err)
		next := prev
		if prev == StateRetrieved {
			if _, serr := os.Stat(filepath.Join(j.Dir, BundleName)); serr != nil {
				// the earlier bundle was discarded with the failed one
				next = StateProcessed
				j.mu.Lock()
				j.processed, j.bundle, j.digest = "", "", ""
				j.mu.Unlock()
			}
		}
		j.release(next, err)
		if next != prev {
			m.transition(j, prev, next, err)
		}
		m.log.WithJob(id).Error("retrieve failed", logging.Err(err))
		m.cfg.Events.EmitError(err, "retrieve")
		return failed(id, next, err)
	}

	j.mu.Lock()
	j.processed, j.bundle, j.digest = processed, bundle, digest
	j.mu.Unlock()
	j.release(StateRetrieved, nil)
	m.transition(j, prev, StateRetrieved, nil)
	return Result{JobID: id, Status: StateRetrieved.String(), Path: bundle, Digest: digest}
}

func (m *Manager) retrieve(ctx context.Context, dir, unprocessed string) (processed, bundle, digest string, err error) {
	if err := ctx.Err(); err != nil {
		return "", "", "", err
	}
	t, err := table.ReadAll(unprocessed)
	if err != nil {
		return "", "", "", err
	}
	mat, err := features.ProjectTable(t, features.OptimalFeatures)
	if err != nil {
		return "", "", "", err
	}
	sc, err := m.loadScaler()
	if err != nil {
		return "", "", "", err
	}
	scaled, err := sc.TransformMatrix(mat)
	if err != nil {
		return "", "", "", err
	}

	processed = filepath.Join(dir, strings.TrimSuffix(filepath.Base(unprocessed), unprocessedSuffix)+processedSuffix)
	bundle = filepath.Join(dir, BundleName)
	manifestPath := filepath.Join(dir, ManifestName)
	discard := func() {
		os.Remove(processed)
		os.Remove(bundle)
		os.Remove(manifestPath)
	}

	if err := table.WriteMatrix(processed, scaled); err != nil {
		discard()
		return "", "", "", err
	}
	if err := writeBundle(bundle, unprocessed, processed); err != nil {
		discard()
		return "", "", "", err
	}

	manifest, err := integrity.BuildManifest(dir, filepath.Base(unprocessed), filepath.Base(processed), BundleName)
	if err != nil {
		discard()
		return "", "", "", err
	}
	if err := manifest.Save(manifestPath); err != nil {
		discard()
		return "", "", "", err
	}
	entry, _ := manifest.Lookup(BundleName)
	return processed, bundle, entry.BLAKE3, nil
}

// loadScaler loads the scaler once and checks it was fit on the classifier
// schema. Failed loads are not cached.
func (m *Manager) loadScaler() (*features.Scaler, error) {
	m.scalerMu.Lock()
	defer m.scalerMu.Unlock()
	if m.scaler != nil {
		return m.scaler, nil
	}
	if m.cfg.ScalerPath == "" {
		return nil, errors.New("no scaler configured")
	}
	sc, err := features.LoadScaler(m.cfg.ScalerPath)
	if err != nil {
		return nil, err
	}
	if sc.Len() != features.FeatureCount {
		return nil, fmt.Errorf("scaler %s has %d features, want %d", m.cfg.ScalerPath, sc.Len(), features.FeatureCount)
	}
	for i, name := range sc.Features {
		if name != features.OptimalFeatures[i] {
			return nil, fmt.Errorf("scaler feature %d is %q, want %q", i, name, features.OptimalFeatures[i])
		}
	}
	m.scaler = sc
	return sc, nil
}

// Verify rehashes a retrieved job's artifacts against its manifest.
func (m *Manager) Verify(id string) error {
	j, err := m.Get(id)
	if err != nil {
		return err
	}
	if s := j.State(); s != StateRetrieved {
		return fmt.Errorf("%w: %s has no bundle in state %s", ErrInvalidTransition, id, s)
	}
	manifest, err := integrity.LoadManifest(filepath.Join(j.Dir, ManifestName))
	if err != nil {
		return err
	}
	return manifest.Verify(j.Dir)
}
