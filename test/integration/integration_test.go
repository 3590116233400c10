// Package integration runs the labeling, bundling and classification
// stages end to end against synthetic captures.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvalentine99/nfa-ids/internal/dataset"
	"github.com/cvalentine99/nfa-ids/internal/events"
	"github.com/cvalentine99/nfa-ids/internal/features"
	"github.com/cvalentine99/nfa-ids/internal/inference"
	"github.com/cvalentine99/nfa-ids/internal/job"
	"github.com/cvalentine99/nfa-ids/internal/models"
	"github.com/cvalentine99/nfa-ids/internal/stream"
	"github.com/cvalentine99/nfa-ids/internal/table"
	"github.com/cvalentine99/nfa-ids/test/fixtures"
	"github.com/cvalentine99/nfa-ids/test/mocks"
)

const arpOpcode = 38

func scanCapture() *fixtures.PacketFixture {
	return fixtures.NewPacketFixture().
		ARP(fixtures.AttackerMAC, fixtures.BroadcastMAC, "192.168.0.15", "192.168.0.1", layers.ARPRequest).
		SYN("192.168.0.15", "192.168.0.13", 51000, 554, 1024).
		UDP("192.168.0.13", "192.168.0.1", 5353, 53, []byte("query"))
}

// pipeline labels the capture, fits a scaler on the labelled rows and
// runs one job through to a verified bundle.
func pipeline(t *testing.T, bus *events.EventBus) string {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	root := t.TempDir()
	src := filepath.Join(root, "captures")
	require.NoError(t, os.MkdirAll(src, 0o755))
	capPath := filepath.Join(src, "scan-hostport-1-dec.pcap")
	require.NoError(t, scanCapture().WritePcap(capPath))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dest := filepath.Join(root, "labelled")
	rep, err := dataset.Run(ctx, dataset.Options{SourceDir: src, DestDir: dest, Merge: true, Events: bus})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Labelled)
	counts, err := dataset.LabelCounts(rep.Merged)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"scanning_host": 1, "scanning_port": 1, "normal": 1}, counts)

	labelled, err := table.ReadAll(rep.Merged)
	require.NoError(t, err)
	m, err := features.ProjectTable(labelled, features.OptimalFeatures)
	require.NoError(t, err)
	sc, err := features.FitScaler(features.OptimalFeatures, m.Rows)
	require.NoError(t, err)
	scalerPath := filepath.Join(root, "scaler.json")
	require.NoError(t, sc.Save(scalerPath))

	mgr, err := job.NewManager(job.Config{
		WorkspaceDir:   filepath.Join(root, "jobs"),
		ScalerPath:     scalerPath,
		ProcessTimeout: 10 * time.Second,
		Events:         bus,
	})
	require.NoError(t, err)
	j, err := mgr.Create()
	require.NoError(t, err)

	f, err := os.Open(capPath)
	require.NoError(t, err)
	defer f.Close()
	require.True(t, mgr.Upload(ctx, j.ID, "upload.pcap", f).OK())
	require.True(t, mgr.Process(ctx, j.ID).OK())
	res := mgr.Retrieve(ctx, j.ID)
	require.True(t, res.OK(), res.Message)
	require.NotEmpty(t, res.Digest)
	require.NoError(t, mgr.Verify(j.ID))
	return res.Path
}

func arpDetector(vec []float64) models.Label {
	if vec[arpOpcode] > 0 {
		return models.LabelMITMARPSpoofing
	}
	return models.LabelNormal
}

func TestLabelBundleClassify(t *testing.T) {
	bus := events.NewEventBus(nil)
	rec := mocks.NewEventRecorder(bus)
	bundle := pipeline(t, bus)

	p := inference.PredictorFunc(func(_ context.Context, vec []float64) (models.Label, time.Duration, error) {
		return arpDetector(vec), time.Millisecond, nil
	})
	sum, report, err := stream.New(stream.Options{Events: bus}).RunBundle(context.Background(), bundle, p)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.Normal)
	assert.Equal(t, map[string]int{"mitm_arpspoofing": 1}, sum.AttackTypes)
	require.Equal(t, 1, report.Len())

	bus.Flush()
	assert.Len(t, rec.ByType(events.EventFileLabelled), 1)
	assert.Len(t, rec.ByType(events.EventDetection), 1)
	assert.Len(t, rec.ByType(events.EventSummary), 1)
	assert.NotEmpty(t, rec.ByType(events.EventJobState))
}

func TestClassifyOverHTTP(t *testing.T) {
	bundle := pipeline(t, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Data map[string]float64 `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		vec := make([]float64, features.FeatureCount)
		for i, name := range features.OptimalFeatures {
			vec[i] = req.Data[name]
		}
		json.NewEncoder(w).Encode(map[string]float64{
			"result": float64(arpDetector(vec)),
			"time":   0.002,
		})
	}))
	defer srv.Close()

	p := inference.NewHTTPPredictor(srv.URL)
	defer p.Close()

	sum, _, err := stream.New(stream.Options{Timeout: 5 * time.Second}).RunBundle(context.Background(), bundle, p)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 1, sum.Attack)
	assert.Equal(t, 2*time.Millisecond, sum.AvgLatency)
}
