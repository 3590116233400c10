// Package job runs the Upload, Process and Retrieve lifecycle of a single
// capture file inside its own workspace directory.
package job

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle position of a job.
type State int

const (
	StateIdle State = iota
	StateUploaded
	StateProcessing
	StateProcessed
	StateRetrieved
	StateFailed
)

var stateNames = [...]string{"idle", "uploaded", "processing", "processed", "retrieved", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var (
	// ErrInvalidTransition is returned when an operation is not allowed in
	// the job's current state.
	ErrInvalidTransition = errors.New("job: invalid state transition")
	// ErrNotFound is returned for unknown job IDs.
	ErrNotFound = errors.New("job: not found")
	// ErrWorkerTimeout is returned when the extraction worker exceeds its bound.
	ErrWorkerTimeout = errors.New("job: extraction worker timed out")
	// ErrWorkerPanic is returned when the extraction worker panicked.
	ErrWorkerPanic = errors.New("job: extraction worker panicked")
	// ErrInvalidName is returned for upload names that cannot be stored.
	ErrInvalidName = errors.New("job: invalid capture file name")
)

// Result is the user-visible outcome of a stage. Status is the job state
// after the stage; Message is set only when the stage failed.
type Result struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Path    string `json:"path,omitempty"`
	Digest  string `json:"digest,omitempty"`
}

// OK reports whether the stage succeeded.
func (r Result) OK() bool {
	return r.Message == ""
}

// Job is one capture file's lifecycle. Fields other than ID and Dir are
// guarded by mu.
type Job struct {
	ID  string
	Dir string

	mu          sync.Mutex
	state       State
	created     time.Time
	capture     string
	unprocessed string
	processed   string
	bundle      string
	digest      string
	lastErr     error
	busy        bool
}

// Info is a point-in-time copy of a job.
type Info struct {
	ID          string    `json:"id"`
	State       string    `json:"state"`
	Created     time.Time `json:"created"`
	Capture     string    `json:"capture,omitempty"`
	Unprocessed string    `json:"unprocessed,omitempty"`
	Processed   string    `json:"processed,omitempty"`
	Bundle      string    `json:"bundle,omitempty"`
	Digest      string    `json:"digest,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Info returns a snapshot of the job.
func (j *Job) Info() Info {
	j.mu.Lock()
	defer j.mu.Unlock()
	info := Info{
		ID:          j.ID,
		State:       j.state.String(),
		Created:     j.created,
		Capture:     j.capture,
		Unprocessed: j.unprocessed,
		Processed:   j.processed,
		Bundle:      j.bundle,
		Digest:      j.digest,
	}
	if j.lastErr != nil {
		info.Error = j.lastErr.Error()
	}
	return info
}

// acquire marks the job busy if it is not already busy and is in one of allowed,
// returning the state it was in.
func (j *Job) acquire(allowed ...State) (State, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.busy {
		return j.state, fmt.Errorf("%w: %s is busy in state %s", ErrInvalidTransition, j.ID, j.state)
	}
	for _, s := range allowed {
		if j.state == s {
			j.busy = true
			return j.state, nil
		}
	}
	return j.state, fmt.Errorf("%w: %s cannot leave state %s", ErrInvalidTransition, j.ID, j.state)
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// release ends a busy section in state next.
func (j *Job) release(next State, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = next
	j.lastErr = err
	j.busy = false
}

func (j *Job) isBusy() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.busy
}
