package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	retry "github.com/sethvargo/go-retry"

	"github.com/cvalentine99/nfa-ids/internal/features"
	"github.com/cvalentine99/nfa-ids/internal/logging"
	"github.com/cvalentine99/nfa-ids/internal/models"
)

// HTTPPredictor calls a remote POST /predict endpoint. The request body is
// {"data": {feature: value, ...}} and the response {"result": class, "time":
// seconds}.
type HTTPPredictor struct {
	URL    string
	Client *http.Client
	// Retries is the number of extra attempts on connection errors and 5xx
	// responses.
	Retries uint64
	// Backoff is the first retry delay; later delays follow a Fibonacci series.
	Backoff time.Duration

	log *logging.Logger
}

type predictRequest struct {
	Data map[string]float64 `json:"data"`
}

type predictResponse struct {
	Result *float64 `json:"result"`
	Time   float64  `json:"time"`
}

// NewHTTPPredictor targets baseURL; "/predict" is appended unless already
// present.
func NewHTTPPredictor(baseURL string) *HTTPPredictor {
	u := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(u, "/predict") {
		u += "/predict"
	}
	return &HTTPPredictor{
		URL:     u,
		Client:  &http.Client{},
		Retries: 2,
		Backoff: 50 * time.Millisecond,
		log:     logging.InferenceLogger(),
	}
}

// Predict posts vec and returns the class. The latency is the server-reported
// model time when present, otherwise the round trip.
func (p *HTTPPredictor) Predict(ctx context.Context, vec []float64) (models.Label, time.Duration, error) {
	if err := checkVector(vec); err != nil {
		return 0, 0, err
	}
	req := predictRequest{Data: make(map[string]float64, len(vec))}
	for i, name := range features.OptimalFeatures {
		req.Data[name] = vec[i]
	}
	body, err := json.Marshal(req)
	if err != nil {
		return 0, 0, fmt.Errorf("inference: encode request: %w", err)
	}

	var resp predictResponse
	start := time.Now()
	b := retry.WithMaxRetries(p.Retries, retry.NewFibonacci(p.backoff()))
	attempt := 0
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := p.post(ctx, body, &resp)
		if err != nil {
			p.log.Debug("predict attempt failed", "attempt", attempt, logging.Err(err))
		}
		return err
	})
	rtt := time.Since(start)
	if err != nil {
		return 0, 0, err
	}

	if resp.Result == nil {
		return 0, 0, fmt.Errorf("inference: response has no result")
	}
	r := *resp.Result
	if r != math.Trunc(r) {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnknownClass, r)
	}
	label, err := toLabel(int64(r))
	if err != nil {
		return 0, 0, err
	}

	latency := rtt
	if resp.Time > 0 {
		latency = time.Duration(resp.Time * float64(time.Second))
	}
	return label, latency, nil
}

func (p *HTTPPredictor) backoff() time.Duration {
	if p.Backoff <= 0 {
		return 50 * time.Millisecond
	}
	return p.Backoff
}

func (p *HTTPPredictor) post(ctx context.Context, body []byte, out *predictResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("inference: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := p.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return retry.RetryableError(fmt.Errorf("inference: post %s: %w", p.URL, err))
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return retry.RetryableError(fmt.Errorf("inference: read response: %w", err))
	}
	if res.StatusCode >= 500 {
		return retry.RetryableError(fmt.Errorf("inference: %s returned %s", p.URL, res.Status))
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("inference: %s returned %s: %s", p.URL, res.Status, bytes.TrimSpace(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("inference: decode response: %w", err)
	}
	return nil
}

// Close releases idle connections.
func (p *HTTPPredictor) Close() error {
	p.Client.CloseIdleConnections()
	return nil
}
