package features

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// Scaler holds per-feature standardisation parameters fit once at training
// time. It is read-only after load and safe to share between jobs.
type Scaler struct {
	Features []string  `json:"features"`
	Mean     []float64 `json:"mean"`
	Scale    []float64 `json:"scale"`
}

// FitScaler computes population mean and standard deviation per column.
// Zero-variance columns get a scale of 1 so they map to 0.
func FitScaler(schema Schema, rows [][]float64) (*Scaler, error) {
	if len(rows) == 0 {
		return nil, errors.New("features: cannot fit scaler on zero rows")
	}

	n := len(schema)
	mean := make([]float64, n)
	for r, row := range rows {
		if len(row) != n {
			return nil, fmt.Errorf("features: row %d has %d values, want %d", r, len(row), n)
		}
		for i, v := range row {
			mean[i] += v
		}
	}
	count := float64(len(rows))
	for i := range mean {
		mean[i] /= count
	}

	scale := make([]float64, n)
	for _, row := range rows {
		for i, v := range row {
			d := v - mean[i]
			scale[i] += d * d
		}
	}
	for i := range scale {
		scale[i] = math.Sqrt(scale[i] / count)
		if scale[i] == 0 {
			scale[i] = 1
		}
	}

	return &Scaler{
		Features: append([]string(nil), schema...),
		Mean:     mean,
		Scale:    scale,
	}, nil
}

// LoadScaler reads and validates a persisted scaler.
func LoadScaler(path string) (*Scaler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("features: read scaler: %w", err)
	}

	var s Scaler
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("features: decode scaler %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("features: scaler %s: %w", path, err)
	}
	return &s, nil
}

// Validate checks vector lengths and that every scale is usable.
func (s *Scaler) Validate() error {
	if len(s.Mean) != len(s.Scale) {
		return fmt.Errorf("mean has %d values, scale has %d", len(s.Mean), len(s.Scale))
	}
	if len(s.Features) != 0 && len(s.Features) != len(s.Mean) {
		return fmt.Errorf("%d feature names for %d parameters", len(s.Features), len(s.Mean))
	}
	for i, sc := range s.Scale {
		if sc == 0 || math.IsNaN(sc) || math.IsInf(sc, 0) {
			return fmt.Errorf("scale[%d] = %v", i, sc)
		}
		if math.IsNaN(s.Mean[i]) || math.IsInf(s.Mean[i], 0) {
			return fmt.Errorf("mean[%d] = %v", i, s.Mean[i])
		}
	}
	return nil
}

// Len returns the number of features the scaler was fit on.
func (s *Scaler) Len() int {
	return len(s.Mean)
}

// Save writes the scaler as JSON via a temp file and rename.
func (s *Scaler) Save(path string) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("features: refusing to save scaler: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("features: encode scaler: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("features: create scaler dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("features: write scaler: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("features: write scaler: %w", err)
	}
	return nil
}

// Transform returns (v - mean) / scale for each element of vec.
func (s *Scaler) Transform(vec []float64) ([]float64, error) {
	if len(vec) != len(s.Mean) {
		return nil, fmt.Errorf("features: vector has %d values, scaler expects %d", len(vec), len(s.Mean))
	}
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = (v - s.Mean[i]) / s.Scale[i]
	}
	return out, nil
}

// TransformMatrix scales every row of m, returning a new matrix.
func (s *Scaler) TransformMatrix(m *Matrix) (*Matrix, error) {
	if len(m.Columns) != len(s.Mean) {
		return nil, fmt.Errorf("features: matrix has %d columns, scaler expects %d", len(m.Columns), len(s.Mean))
	}
	out := &Matrix{
		Columns: append([]string(nil), m.Columns...),
		Rows:    make([][]float64, len(m.Rows)),
	}
	for r, row := range m.Rows {
		scaled, err := s.Transform(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", r, err)
		}
		out.Rows[r] = scaled
	}
	return out, nil
}
