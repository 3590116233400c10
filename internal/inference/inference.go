// Package inference provides predictors that map one feature vector to a
// traffic class.
package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cvalentine99/nfa-ids/internal/features"
	"github.com/cvalentine99/nfa-ids/internal/models"
)

var (
	// ErrNotInitialized is returned by predictors used before Initialize.
	ErrNotInitialized = errors.New("inference: predictor not initialized")
	// ErrBadVector is returned for vectors of the wrong length.
	ErrBadVector = errors.New("inference: feature vector length mismatch")
	// ErrUnknownClass is returned when a model emits a class outside the label set.
	ErrUnknownClass = errors.New("inference: unknown class")
)

// Predictor classifies one feature vector. The returned duration is the
// inference latency as reported by the backend.
type Predictor interface {
	Predict(ctx context.Context, vec []float64) (models.Label, time.Duration, error)
	Close() error
}

// PredictorFunc adapts a function to the Predictor interface.
type PredictorFunc func(ctx context.Context, vec []float64) (models.Label, time.Duration, error)

// Predict calls f.
func (f PredictorFunc) Predict(ctx context.Context, vec []float64) (models.Label, time.Duration, error) {
	return f(ctx, vec)
}

// Close is a no-op.
func (f PredictorFunc) Close() error { return nil }

func checkVector(vec []float64) error {
	if len(vec) != features.FeatureCount {
		return fmt.Errorf("%w: got %d values, want %d", ErrBadVector, len(vec), features.FeatureCount)
	}
	return nil
}

func toLabel(class int64) (models.Label, error) {
	l := models.Label(class)
	if class < 0 || !l.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrUnknownClass, class)
	}
	return l, nil
}

// Timeout wraps p so each call is bounded by d. A zero d returns p unchanged.
func Timeout(p Predictor, d time.Duration) Predictor {
	if d <= 0 {
		return p
	}
	return &timeoutPredictor{Predictor: p, d: d}
}

type timeoutPredictor struct {
	Predictor
	d time.Duration
}

func (t *timeoutPredictor) Predict(ctx context.Context, vec []float64) (models.Label, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.Predictor.Predict(ctx, vec)
}
