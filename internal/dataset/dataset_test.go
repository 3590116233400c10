package dataset

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvalentine99/nfa-ids/internal/events"
	"github.com/cvalentine99/nfa-ids/internal/models"
	"github.com/cvalentine99/nfa-ids/internal/table"
	"github.com/cvalentine99/nfa-ids/test/fixtures"
	"github.com/cvalentine99/nfa-ids/test/mocks"
)

func sourceDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	scan := fixtures.NewPacketFixture().
		ARP(fixtures.AttackerMAC, fixtures.BroadcastMAC, "192.168.0.15", "192.168.0.1", layers.ARPRequest).
		SYN("192.168.0.15", "192.168.0.13", 51000, 554, 1024).
		UDP("192.168.0.13", "192.168.0.1", 5353, 53, []byte("query"))
	require.NoError(t, scan.WritePcap(filepath.Join(dir, "scan-hostport-1-dec.pcap")))

	benign := fixtures.NewPacketFixture().
		UDP("192.168.0.13", "192.168.0.1", 5353, 53, []byte("a")).
		UDP("192.168.0.1", "192.168.0.13", 53, 5353, []byte("b"))
	require.NoError(t, benign.WritePcapNG(filepath.Join(dir, "benign-dec.pcapng")))

	require.NoError(t, benign.WritePcap(filepath.Join(dir, "holiday.pcap")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mirai-udpflooding-2-dec.pcap"), []byte("garbage"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))
	return dir
}

func labelColumn(t *testing.T, path string) []any {
	t.Helper()
	tbl, err := table.ReadAll(path)
	require.NoError(t, err)
	idx := tbl.ColumnIndex(models.LabelColumn)
	require.GreaterOrEqual(t, idx, 0)
	out := make([]any, tbl.Len())
	for i, row := range tbl.Rows {
		out[i] = row[idx]
	}
	return out
}

func TestScan(t *testing.T) {
	files, err := Scan(sourceDir(t))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"benign-dec.pcapng",
		"holiday.pcap",
		"mirai-udpflooding-2-dec.pcap",
		"scan-hostport-1-dec.pcap",
	}, files)

	_, err = Scan(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestRunLabelsAndCountsFailures(t *testing.T) {
	src := sourceDir(t)
	dest := t.TempDir()
	bus := events.NewEventBus(nil)
	rec := mocks.NewEventRecorder(bus)

	rep, err := Run(context.Background(), Options{
		SourceDir:   src,
		DestDir:     dest,
		Merge:       true,
		Concurrency: 2,
		BatchSize:   2,
		Events:      bus,
	})
	require.NoError(t, err)

	done := rec.ByType(events.EventFileLabelled)
	require.Len(t, done, 4)
	var withErr int
	for _, e := range done {
		if e.Data.(events.FileLabelled).Error != "" {
			withErr++
		}
	}
	assert.Equal(t, 2, withErr)

	assert.Equal(t, 2, rep.Labelled)
	assert.Equal(t, 2, rep.Failed)
	assert.Zero(t, rep.Skipped)

	failures := rep.Failures()
	require.Len(t, failures, 2)
	var unmatched int
	for _, f := range failures {
		if errors.Is(f.Err, ErrNoSignatures) {
			unmatched++
			assert.Equal(t, "holiday.pcap", f.File)
		}
	}
	assert.Equal(t, 1, unmatched)

	assert.Equal(t,
		[]any{"scanning_host", "scanning_port", "normal"},
		labelColumn(t, filepath.Join(dest, "scan-hostport-1-dec.csv")))
	assert.Equal(t,
		[]any{"normal", "normal"},
		labelColumn(t, filepath.Join(dest, "benign-dec.csv")))

	require.Equal(t, filepath.Join(dest, MergedFile), rep.Merged)
	data, err := os.ReadFile(rep.Merged)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 1+2+3, "one header and every labelled row")
	assert.Equal(t, 1, strings.Count(string(data), "timestamp,"), "header written once")

	counts, err := LabelCounts(rep.Merged)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"normal": 3, "scanning_host": 1, "scanning_port": 1}, counts)
}

func TestRunResume(t *testing.T) {
	src := sourceDir(t)
	dest := t.TempDir()
	opts := Options{SourceDir: src, DestDir: dest}

	_, err := Run(context.Background(), opts)
	require.NoError(t, err)

	opts.Resume = true
	rep, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Skipped)
	assert.Zero(t, rep.Labelled)
	assert.Equal(t, 2, rep.Failed, "failed captures are retried and fail again")
}

func TestRunEncodeLabels(t *testing.T) {
	dest := t.TempDir()
	_, err := Run(context.Background(), Options{SourceDir: sourceDir(t), DestDir: dest, EncodeLabels: true})
	require.NoError(t, err)

	assert.Equal(t,
		[]any{int64(models.LabelScanningHost), int64(models.LabelScanningPort), int64(models.LabelNormal)},
		labelColumn(t, filepath.Join(dest, "scan-hostport-1-dec.csv")))

	counts, err := LabelCounts(filepath.Join(dest, "scan-hostport-1-dec.csv"))
	require.NoError(t, err)
	assert.Equal(t, 1, counts["scanning_port"])
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, Options{SourceDir: sourceDir(t), DestDir: t.TempDir()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEncodeLabels(t *testing.T) {
	tbl := models.NewTable([]string{"a", models.LabelColumn})
	tbl.Rows = [][]any{
		{int64(1), "mitm_arpspoofing"},
		{int64(2), "unknown"},
		{int64(3), nil},
	}
	EncodeLabels(tbl)
	assert.Equal(t, int64(7), tbl.Rows[0][1])
	assert.Equal(t, "unknown", tbl.Rows[1][1])
	assert.Nil(t, tbl.Rows[2][1])
}
