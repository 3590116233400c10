// Package benchmark measures the per-packet and per-row costs of the
// labeling and classification stages.
package benchmark

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/cvalentine99/nfa-ids/internal/capture"
	"github.com/cvalentine99/nfa-ids/internal/extract"
	"github.com/cvalentine99/nfa-ids/internal/features"
	"github.com/cvalentine99/nfa-ids/internal/inference"
	"github.com/cvalentine99/nfa-ids/internal/integrity"
	"github.com/cvalentine99/nfa-ids/internal/models"
	"github.com/cvalentine99/nfa-ids/internal/signature"
	"github.com/cvalentine99/nfa-ids/internal/stream"
	"github.com/cvalentine99/nfa-ids/test/fixtures"
)

func mixedTraffic(n int) *fixtures.PacketFixture {
	pf := fixtures.NewPacketFixture()
	for i := 0; i < n; i++ {
		port := uint16(50000 + i%1000)
		switch i % 4 {
		case 0:
			pf.ARP(fixtures.AttackerMAC, fixtures.BroadcastMAC, "192.168.0.15", "192.168.0.1", layers.ARPRequest)
		case 1:
			pf.SYN("192.168.0.15", "192.168.0.13", port, 554, 1024)
		case 2:
			pf.UDP("192.168.0.13", "192.168.0.1", port, 53, []byte("query"))
		default:
			pf.ICMPEcho("192.168.0.15", "192.168.0.13", 8, uint16(i), uint16(i))
		}
	}
	return pf
}

func loadTable(b *testing.B, path string) *models.Table {
	b.Helper()
	src, err := capture.OpenFile(path)
	if err != nil {
		b.Fatal(err)
	}
	defer src.Close()

	tbl := models.NewTable(src.Columns())
	for {
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			return tbl
		}
		if err != nil {
			b.Fatal(err)
		}
		tbl.Append(rec)
	}
}

// =============================================================================
// Decode and Extract Benchmarks
// =============================================================================

func BenchmarkDecode(b *testing.B) {
	frames := mixedTraffic(256).Frames()
	dec, err := capture.NewDecoder(layers.LinkTypeEthernet)
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fr := frames[i%len(frames)]
		ci := gopacket.CaptureInfo{Timestamp: fr.Timestamp, CaptureLength: len(fr.Data), Length: len(fr.Data)}
		if _, err := dec.Decode(fr.Data, ci); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkExtract(b *testing.B) {
	dir := b.TempDir()
	in := filepath.Join(dir, "in.pcap")
	if err := mixedTraffic(2000).WritePcap(in); err != nil {
		b.Fatal(err)
	}

	for _, mode := range []extract.Mode{extract.ModeRaw, extract.ModeFeatures} {
		for _, batch := range []int{100, 1000} {
			b.Run(fmt.Sprintf("%s/batch-%d", mode, batch), func(b *testing.B) {
				e := extract.New(batch, mode)
				out := filepath.Join(dir, "out.csv")
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					if _, err := e.File(context.Background(), in, out); err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}

// =============================================================================
// Feature Benchmarks
// =============================================================================

func BenchmarkCoerce(b *testing.B) {
	values := []any{"0x00000012", "192.168.0.13", "f0:18:98:5e:ff:9f", "64", int64(1500), nil, "1,2"}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		features.Coerce(values[i%len(values)])
	}
}

func BenchmarkScaleMatrix(b *testing.B) {
	rows := make([][]float64, 1000)
	for i := range rows {
		rows[i] = make([]float64, features.FeatureCount)
		for j := range rows[i] {
			rows[i][j] = float64(i*j%97) - 3
		}
	}
	sc, err := features.FitScaler(features.OptimalFeatures, rows)
	if err != nil {
		b.Fatal(err)
	}
	m := &features.Matrix{Columns: features.OptimalFeatures, Rows: rows}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := sc.TransformMatrix(m); err != nil {
			b.Fatal(err)
		}
	}
}

// =============================================================================
// Signature Benchmarks
// =============================================================================

func BenchmarkSignatureApply(b *testing.B) {
	path := filepath.Join(b.TempDir(), "in.pcap")
	if err := mixedTraffic(1000).WritePcap(path); err != nil {
		b.Fatal(err)
	}
	tbl := loadTable(b, path)
	rules := []signature.Rule{
		{Label: "scanning_host", When: `eth_src == "f0:18:98:5e:ff:9f" && present(arp_opcode)`},
		{Label: "scanning_port", When: `present(tcp_srcport) && in_cidr(ip_dst, "192.168.0.0/24")`},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := signature.Apply(context.Background(), tbl, rules); err != nil {
			b.Fatal(err)
		}
	}
	b.ReportMetric(float64(tbl.Len()*b.N)/b.Elapsed().Seconds(), "rows/s")
}

// =============================================================================
// Classification Benchmarks
// =============================================================================

func BenchmarkClassify(b *testing.B) {
	const n = 1000
	feats := &features.Matrix{Columns: features.OptimalFeatures, Rows: make([][]float64, n)}
	unprocessed := models.NewTable([]string{"frame_number"})
	for i := 0; i < n; i++ {
		feats.Rows[i] = make([]float64, features.FeatureCount)
		unprocessed.Rows = append(unprocessed.Rows, []any{int64(i + 1)})
	}
	p := inference.PredictorFunc(func(context.Context, []float64) (models.Label, time.Duration, error) {
		return models.LabelNormal, time.Microsecond, nil
	})
	c := stream.New(stream.Options{})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := c.Run(context.Background(), feats, unprocessed, p); err != nil {
			b.Fatal(err)
		}
	}
}

// =============================================================================
// Integrity Benchmarks
// =============================================================================

func BenchmarkBLAKE3(b *testing.B) {
	for _, size := range []int{1 << 10, 1 << 16, 1 << 20} {
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(i)
		}
		b.Run(fmt.Sprintf("%dKB", size>>10), func(b *testing.B) {
			b.SetBytes(int64(size))
			for i := 0; i < b.N; i++ {
				integrity.Hash(data)
			}
		})
	}
}
