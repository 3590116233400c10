package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvalentine99/nfa-ids/internal/config"
	"github.com/cvalentine99/nfa-ids/internal/features"
	"github.com/cvalentine99/nfa-ids/internal/models"
)

func vector() []float64 {
	vec := make([]float64, features.FeatureCount)
	for i := range vec {
		vec[i] = float64(i)
	}
	return vec
}

func TestHTTPPredictor(t *testing.T) {
	var got predictRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predict", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"result": 7.0, "time": 0.002}`))
	}))
	defer srv.Close()

	p := NewHTTPPredictor(srv.URL + "/")
	defer p.Close()

	label, latency, err := p.Predict(context.Background(), vector())
	require.NoError(t, err)
	assert.Equal(t, models.LabelMITMARPSpoofing, label)
	assert.Equal(t, 2*time.Millisecond, latency)
	assert.Len(t, got.Data, features.FeatureCount)
	assert.Equal(t, 0.0, got.Data["timestamp"])
	assert.Equal(t, 38.0, got.Data["arp_opcode"])
}

func TestHTTPPredictorRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"result": 0}`))
	}))
	defer srv.Close()

	p := NewHTTPPredictor(srv.URL + "/predict")
	p.Backoff = time.Millisecond

	label, latency, err := p.Predict(context.Background(), vector())
	require.NoError(t, err)
	assert.Equal(t, models.LabelNormal, label)
	assert.Positive(t, latency)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPPredictorErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    error
		retries int32
	}{
		{"client error", http.StatusUnprocessableEntity, `{"detail": "bad"}`, nil, 1},
		{"unknown class", http.StatusOK, `{"result": 42}`, ErrUnknownClass, 1},
		{"fractional class", http.StatusOK, `{"result": 1.5}`, ErrUnknownClass, 1},
		{"no result", http.StatusOK, `{}`, nil, 1},
		{"persistent 500", http.StatusInternalServerError, `oops`, nil, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p := NewHTTPPredictor(srv.URL)
			p.Backoff = time.Millisecond
			_, _, err := p.Predict(context.Background(), vector())
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
			assert.Equal(t, tt.retries, calls.Load())
		})
	}
}

func TestHTTPPredictorRejectsShortVector(t *testing.T) {
	p := NewHTTPPredictor("http://127.0.0.1:1")
	_, _, err := p.Predict(context.Background(), []float64{1, 2})
	assert.ErrorIs(t, err, ErrBadVector)
}

func TestTimeoutWrapper(t *testing.T) {
	slow := PredictorFunc(func(ctx context.Context, vec []float64) (models.Label, time.Duration, error) {
		<-ctx.Done()
		return 0, 0, ctx.Err()
	})

	_, _, err := Timeout(slow, 10*time.Millisecond).Predict(context.Background(), vector())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestONNXPredictorNotInitialized(t *testing.T) {
	p := NewONNXPredictor(nil)
	_, _, err := p.Predict(context.Background(), vector())
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.False(t, p.Health().Initialized)
	assert.NoError(t, p.Close())

	err = NewONNXPredictor(&ONNXConfig{}).Initialize()
	assert.Error(t, err, "a model path is required")
}

func TestONNXConfigFrom(t *testing.T) {
	cfg := config.Default()
	oc := ONNXConfigFrom(cfg)
	assert.Equal(t, "input", oc.InputName)
	assert.Equal(t, "label", oc.OutputName)
	assert.False(t, oc.ScoresOutput)
	assert.Equal(t, cfg.Paths.ModelPath, oc.ModelPath)

	cfg.Inference.ONNXInput = "float_input"
	cfg.Inference.ONNXOutput = "probabilities"
	cfg.Inference.ScoresOutput = true
	cfg.Inference.NumThreads = 4
	oc = ONNXConfigFrom(cfg)
	assert.Equal(t, "float_input", oc.InputName)
	assert.Equal(t, "probabilities", oc.OutputName)
	assert.True(t, oc.ScoresOutput)
	assert.Equal(t, 4, oc.NumThreads)
}

func TestRunBounded(t *testing.T) {
	t.Run("finishes in time", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		boom := errors.New("run failed")
		abandoned, err := runBounded(ctx, func() error { return boom }, func() {
			t.Error("release must not be called for a completed run")
		})
		assert.False(t, abandoned)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("hung run is abandoned", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		unblock := make(chan struct{})
		released := make(chan struct{})

		start := time.Now()
		abandoned, err := runBounded(ctx, func() error {
			<-unblock
			return nil
		}, func() { close(released) })
		assert.True(t, abandoned)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)

		select {
		case <-released:
			t.Fatal("released before the run returned")
		default:
		}
		close(unblock)
		select {
		case <-released:
		case <-time.After(time.Second):
			t.Fatal("session never released")
		}
	})

	t.Run("no deadline runs inline", func(t *testing.T) {
		abandoned, err := runBounded(context.Background(), func() error { return nil }, nil)
		assert.False(t, abandoned)
		assert.NoError(t, err)
	})
}

func TestArgmax(t *testing.T) {
	assert.Equal(t, int64(0), argmax([]float32{0.9, 0.05, 0.05}))
	assert.Equal(t, int64(2), argmax([]float32{0.1, 0.2, 0.7}))
	assert.Equal(t, int64(1), argmax([]float32{0.1, 0.45, 0.45}))
}

func TestToLabel(t *testing.T) {
	l, err := toLabel(10)
	require.NoError(t, err)
	assert.True(t, l.Valid())
	_, err = toLabel(-1)
	assert.ErrorIs(t, err, ErrUnknownClass)
	_, err = toLabel(11)
	assert.ErrorIs(t, err, ErrUnknownClass)
}
