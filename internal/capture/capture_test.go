package capture

import (
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gopacket/gopacket/layers"

	"github.com/cvalentine99/nfa-ids/internal/models"
	"github.com/cvalentine99/nfa-ids/test/fixtures"
)

func readAll(t *testing.T, src Source) []models.RawRecord {
	t.Helper()
	var out []models.RawRecord
	for {
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, rec)
	}
}

func writeCapture(t *testing.T, pf *fixtures.PacketFixture, ng bool) string {
	t.Helper()
	dir := t.TempDir()
	if ng {
		path := filepath.Join(dir, "capture.pcapng")
		if err := pf.WritePcapNG(path); err != nil {
			t.Fatalf("WritePcapNG: %v", err)
		}
		return path
	}
	path := filepath.Join(dir, "capture.pcap")
	if err := pf.WritePcap(path); err != nil {
		t.Fatalf("WritePcap: %v", err)
	}
	return path
}

func scanFixture() *fixtures.PacketFixture {
	return fixtures.NewPacketFixture().
		ARP(fixtures.AttackerMAC, fixtures.BroadcastMAC, "192.168.0.15", "192.168.0.1", layers.ARPRequest).
		SYN("192.168.0.15", "192.168.0.13", 51000, 554, 1024).
		UDP("192.168.0.13", "192.168.0.1", 5353, 53, []byte("query"))
}

func TestRawColumns(t *testing.T) {
	cols := RawColumns()

	if cols[0] != TimestampColumn {
		t.Errorf("first column = %q, want timestamp", cols[0])
	}

	want := 1
	for _, l := range Layers {
		want += len(l.Fields)
	}
	if len(cols) != want {
		t.Errorf("expected %d columns, got %d", want, len(cols))
	}

	seen := make(map[string]bool)
	for _, c := range cols {
		if seen[c] {
			t.Errorf("duplicate column %q", c)
		}
		seen[c] = true
	}
	for _, c := range []string{"tcp_flags_syn", "eth_src", "arp_hw_type", "icmp_type", "udp_time_delta"} {
		if !seen[c] {
			t.Errorf("missing column %q", c)
		}
	}
}

func TestFileSourceFormats(t *testing.T) {
	for _, ng := range []bool{false, true} {
		name := "pcap"
		if ng {
			name = "pcapng"
		}
		t.Run(name, func(t *testing.T) {
			src, err := OpenFile(writeCapture(t, scanFixture(), ng))
			if err != nil {
				t.Fatalf("OpenFile: %v", err)
			}
			defer src.Close()

			recs := readAll(t, src)
			if len(recs) != 3 {
				t.Fatalf("expected 3 records, got %d", len(recs))
			}

			arp := recs[0]
			if arp["eth_src"] != fixtures.AttackerMAC || arp["eth_dst"] != fixtures.BroadcastMAC {
				t.Errorf("eth addresses = %v -> %v", arp["eth_src"], arp["eth_dst"])
			}
			if arp["arp_hw_type"] != int64(1) {
				t.Errorf("arp_hw_type = %v, want 1", arp["arp_hw_type"])
			}
			if arp["arp_src_proto_ipv4"] != "192.168.0.15" {
				t.Errorf("arp_src_proto_ipv4 = %v", arp["arp_src_proto_ipv4"])
			}
			if arp["ip_src"] != nil || arp["tcp_flags_syn"] != nil {
				t.Error("absent IP/TCP layers should leave fields nil")
			}

			syn := recs[1]
			if syn["ip_src"] != "192.168.0.15" || syn["ip_dst"] != "192.168.0.13" {
				t.Errorf("ip = %v -> %v", syn["ip_src"], syn["ip_dst"])
			}
			if syn["tcp_flags_syn"] != int64(1) || syn["tcp_flags_ack"] != int64(0) {
				t.Errorf("flags syn=%v ack=%v", syn["tcp_flags_syn"], syn["tcp_flags_ack"])
			}
			if syn["tcp_window_size"] != int64(1024) {
				t.Errorf("tcp_window_size = %v, want 1024", syn["tcp_window_size"])
			}
			if syn["tcp_flags"] != "0x002" {
				t.Errorf("tcp_flags = %v, want 0x002", syn["tcp_flags"])
			}
			if syn["eth_type"] != "0x0800" {
				t.Errorf("eth_type = %v", syn["eth_type"])
			}
			if syn["udp_srcport"] != nil || syn["arp_opcode"] != nil {
				t.Error("absent UDP/ARP layers should leave fields nil")
			}

			udp := recs[2]
			if udp["udp_dstport"] != int64(53) || udp["udp_stream"] != int64(0) {
				t.Errorf("udp dstport=%v stream=%v", udp["udp_dstport"], udp["udp_stream"])
			}
			if udp["tcp_srcport"] != nil {
				t.Error("absent TCP layer should leave fields nil")
			}

			if st := src.Stats(); st.PacketsRead != 3 || st.ParseErrors != 0 {
				t.Errorf("stats = %+v", st)
			}
		})
	}
}

func TestTruncatedCapture(t *testing.T) {
	path := writeCapture(t, scanFixture(), false)

	intact, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	readAll(t, intact)
	base := intact.Stats()
	intact.Close()
	if base.Truncated {
		t.Fatal("intact capture reported as truncated")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, info.Size()-10); err != nil {
		t.Fatal(err)
	}

	src, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer src.Close()

	recs := readAll(t, src)
	if len(recs) != 2 {
		t.Fatalf("expected the 2 complete records, got %d", len(recs))
	}
	st := src.Stats()
	if !st.Truncated {
		t.Error("truncation not reported")
	}
	if st.ParseErrors != base.ParseErrors+1 {
		t.Errorf("parse errors = %d, want %d", st.ParseErrors, base.ParseErrors+1)
	}
	if _, err := src.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("after truncation Next = %v, want io.EOF", err)
	}
}

func TestRecordsAreRectangular(t *testing.T) {
	pf := scanFixture().ICMPEcho("192.168.0.15", "192.168.0.13", 8, 7, 1)
	src, err := OpenFile(writeCapture(t, pf, false))
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer src.Close()

	cols := src.Columns()
	for i, rec := range readAll(t, src) {
		if len(rec) != len(cols) {
			t.Errorf("record %d has %d fields, want %d", i, len(rec), len(cols))
		}
		for _, c := range cols {
			if _, ok := rec[c]; !ok {
				t.Errorf("record %d missing column %q", i, c)
			}
		}
	}
}

func TestTimestamps(t *testing.T) {
	src, err := OpenFile(writeCapture(t, scanFixture(), false))
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer src.Close()

	base := float64(fixtures.BaseTime.Unix())
	for i, rec := range readAll(t, src) {
		ts, ok := rec[TimestampColumn].(float64)
		if !ok {
			t.Fatalf("timestamp type %T", rec[TimestampColumn])
		}
		if want := base + float64(i)*0.001; math.Abs(ts-want) > 1e-5 {
			t.Errorf("record %d timestamp = %f, want %f", i, ts, want)
		}
	}
}

func TestTCPStreamState(t *testing.T) {
	client, server := "192.168.0.13", "192.168.0.24"
	pf := fixtures.NewPacketFixture().
		TCP(fixtures.TCPSegment{SrcIP: client, DstIP: server, SrcPort: 40000, DstPort: 80,
			Seq: 1000, SYN: true, Window: 64240, WindowScale: 7}).
		TCP(fixtures.TCPSegment{SrcIP: server, DstIP: client, SrcPort: 80, DstPort: 40000,
			Seq: 5000, Ack: 1001, SYN: true, ACK: true, Window: 65160, WindowScale: 7}).
		TCP(fixtures.TCPSegment{SrcIP: client, DstIP: server, SrcPort: 40000, DstPort: 80,
			Seq: 1001, Ack: 5001, ACK: true, Window: 502, WindowScale: -1}).
		TCP(fixtures.TCPSegment{SrcIP: client, DstIP: server, SrcPort: 40000, DstPort: 80,
			Seq: 1001, Ack: 5001, ACK: true, PSH: true, Window: 502, WindowScale: -1,
			Payload: []byte("hello")}).
		TCP(fixtures.TCPSegment{SrcIP: client, DstIP: server, SrcPort: 40001, DstPort: 80,
			Seq: 9, SYN: true, Window: 1024, WindowScale: -1})

	src, err := OpenFile(writeCapture(t, pf, false))
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer src.Close()
	recs := readAll(t, src)

	tests := []struct {
		name  string
		index int
		field string
		want  any
	}{
		{"syn scale unknown", 0, "tcp_window_size_scalefactor", int64(scaleUnknown)},
		{"syn ack relative", 1, "tcp_ack", int64(1)},
		{"syn ack unscaled window", 1, "tcp_window_size", int64(65160)},
		{"ack relative seq", 2, "tcp_seq", int64(1)},
		{"ack relative ack", 2, "tcp_ack", int64(1)},
		{"ack raw ack", 2, "tcp_ack_raw", int64(5001)},
		{"ack scale factor", 2, "tcp_window_size_scalefactor", int64(128)},
		{"ack scaled window", 2, "tcp_window_size", int64(502 * 128)},
		{"ack completeness", 2, "tcp_completeness", int64(completeSYN | completeSYNACK | completeACK)},
		{"data length", 3, "tcp_len", int64(5)},
		{"data next seq", 3, "tcp_nxtseq", int64(6)},
		{"data completeness", 3, "tcp_completeness", int64(completeSYN | completeSYNACK | completeACK | completeData)},
		{"data flags", 3, "tcp_flags", "0x018"},
		{"data flag string", 3, "tcp_flags_str", "·······AP···"},
		{"same stream", 3, "tcp_stream", int64(0)},
		{"new stream", 4, "tcp_stream", int64(1)},
		{"syn has no ack", 0, "tcp_ack", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := recs[tt.index][tt.field]; got != tt.want {
				t.Errorf("%s = %v (%T), want %v (%T)", tt.field, got, got, tt.want, tt.want)
			}
		})
	}

	delta, _ := recs[2]["tcp_time_delta"].(float64)
	if math.Abs(delta-0.001) > 1e-5 {
		t.Errorf("tcp_time_delta = %v, want 0.001", delta)
	}
	rel, _ := recs[3]["tcp_time_relative"].(float64)
	if math.Abs(rel-0.003) > 1e-5 {
		t.Errorf("tcp_time_relative = %v, want 0.003", rel)
	}
}

func TestWindowScalingDeclined(t *testing.T) {
	a, b := "10.0.0.1", "10.0.0.2"
	pf := fixtures.NewPacketFixture().
		TCP(fixtures.TCPSegment{SrcIP: a, DstIP: b, SrcPort: 1234, DstPort: 22, Seq: 1, SYN: true, Window: 1000, WindowScale: 2}).
		TCP(fixtures.TCPSegment{SrcIP: b, DstIP: a, SrcPort: 22, DstPort: 1234, Seq: 1, Ack: 2, SYN: true, ACK: true, Window: 1000, WindowScale: -1}).
		TCP(fixtures.TCPSegment{SrcIP: a, DstIP: b, SrcPort: 1234, DstPort: 22, Seq: 2, Ack: 2, ACK: true, Window: 1000, WindowScale: -1})

	src, err := OpenFile(writeCapture(t, pf, true))
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer src.Close()
	recs := readAll(t, src)

	if got := recs[2]["tcp_window_size_scalefactor"]; got != int64(scaleNone) {
		t.Errorf("scalefactor = %v, want %d", got, scaleNone)
	}
	if got := recs[2]["tcp_window_size"]; got != int64(1000) {
		t.Errorf("window_size = %v, want 1000", got)
	}
}

func TestICMPFields(t *testing.T) {
	pf := fixtures.NewPacketFixture().ICMPEcho("192.168.0.15", "192.168.0.13", 8, 0x0102, 3)
	src, err := OpenFile(writeCapture(t, pf, false))
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer src.Close()
	rec := readAll(t, src)[0]

	want := map[string]any{
		"icmp_type":            int64(8),
		"icmp_code":            int64(0),
		"icmp_ident":           int64(0x0102),
		"icmp_ident_le":        int64(0x0201),
		"icmp_seq":             int64(3),
		"icmp_data_len":        int64(8),
		"ip_proto":             int64(1),
		"ip_flags":             "0x40",
		"ip_flags_df":          int64(1),
		"ip_hdr_len":           int64(20),
		"eth_dst_oui":          int64(0x88366c),
		"tcp_srcport":          nil,
		"udp_srcport":          nil,
		"arp_hw_type":          nil,
		"icmp_checksum_status": int64(checksumUnverified),
	}
	for field, w := range want {
		if got := rec[field]; got != w {
			t.Errorf("%s = %v (%T), want %v", field, got, got, w)
		}
	}
}

func TestEthernetAddressBits(t *testing.T) {
	pf := fixtures.NewPacketFixture().
		ARP(fixtures.AttackerMAC, fixtures.BroadcastMAC, "192.168.0.15", "192.168.0.1", layers.ARPRequest)
	src, err := OpenFile(writeCapture(t, pf, false))
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer src.Close()
	rec := readAll(t, src)[0]

	if rec["eth_dst_ig"] != int64(1) || rec["eth_ig"] != int64(1) {
		t.Errorf("broadcast ig bits = %v/%v, want 1", rec["eth_dst_ig"], rec["eth_ig"])
	}
	if rec["eth_src_ig"] != int64(0) {
		t.Errorf("eth_src_ig = %v, want 0", rec["eth_src_ig"])
	}
	if rec["eth_type"] != "0x0806" {
		t.Errorf("eth_type = %v, want 0x0806", rec["eth_type"])
	}
	if v, ok := rec["eth_src_oui_resolved"]; !ok || v != nil {
		t.Errorf("unresolvable field = %v (present %v), want nil", v, ok)
	}
}

func TestOpenFileErrors(t *testing.T) {
	if _, err := OpenFile(filepath.Join(t.TempDir(), "missing.pcap")); err == nil {
		t.Error("expected error for missing file")
	}

	bogus := filepath.Join(t.TempDir(), "bogus.pcap")
	if err := os.WriteFile(bogus, []byte("this is not a capture"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFile(bogus); err == nil {
		t.Error("expected error for non-capture file")
	}
}

func TestNewDecoderLinkTypes(t *testing.T) {
	if _, err := NewDecoder(layers.LinkTypeEthernet); err != nil {
		t.Errorf("ethernet: %v", err)
	}
	if _, err := NewDecoder(layers.LinkTypeNull); err == nil {
		t.Error("expected error for BSD loopback link type")
	}
}

func TestSliceSource(t *testing.T) {
	recs := []models.RawRecord{{"a": int64(1)}, {"a": nil}}
	src := NewSliceSource([]string{"a"}, recs)

	got := readAll(t, src)
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if _, err := src.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("exhausted source returned %v", err)
	}
}
