package signature

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/gopacket/gopacket/layers"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvalentine99/nfa-ids/internal/capture"
	"github.com/cvalentine99/nfa-ids/internal/models"
	"github.com/cvalentine99/nfa-ids/test/fixtures"
)

func captureTable(t *testing.T, pf *fixtures.PacketFixture) *models.Table {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.pcap")
	require.NoError(t, pf.WritePcap(path))

	src, err := capture.OpenFile(path)
	require.NoError(t, err)
	defer src.Close()

	tbl := models.NewTable(src.Columns())
	for {
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			return tbl
		}
		require.NoError(t, err)
		tbl.Append(rec)
	}
}

func labelNames(labels []models.Label) []string {
	out := make([]string, len(labels))
	for i, l := range labels {
		out[i] = l.String()
	}
	return out
}

func TestHostThenPortScan(t *testing.T) {
	tbl := captureTable(t, fixtures.NewPacketFixture().
		ARP(fixtures.AttackerMAC, fixtures.BroadcastMAC, "192.168.0.15", "192.168.0.1", layers.ARPRequest).
		SYN("192.168.0.15", "192.168.0.13", 51000, 554, 1024).
		UDP("192.168.0.13", "192.168.0.1", 5353, 53, []byte("query")))

	table, err := DefaultTable()
	require.NoError(t, err)
	class, ok := table.Lookup("scan-hostport-1-dec.pcap")
	require.True(t, ok)

	labels, err := Apply(context.Background(), tbl, class.Rules)
	require.NoError(t, err)
	assert.Equal(t, []string{"scanning_host", "scanning_port", "normal"}, labelNames(labels))

	idx := tbl.ColumnIndex(models.LabelColumn)
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, "scanning_host", tbl.Rows[0][idx])
	assert.Equal(t, "normal", tbl.Rows[2][idx])
}

func TestHostDiscoveryTestsHardwareTypeTruthiness(t *testing.T) {
	tbl := captureTable(t, fixtures.NewPacketFixture().
		ARP(fixtures.AttackerMAC, fixtures.BroadcastMAC, "192.168.0.15", "192.168.0.1", layers.ARPRequest))
	hw := tbl.ColumnIndex("arp_hw_type")
	require.GreaterOrEqual(t, hw, 0)

	base := tbl.Rows[0]
	tbl.Rows = nil
	for _, v := range []any{int64(6), int64(1), int64(0), nil} {
		row := append([]any(nil), base...)
		row[hw] = v
		tbl.Rows = append(tbl.Rows, row)
	}

	table, err := DefaultTable()
	require.NoError(t, err)
	class, ok := table.Lookup("scan-hostport-1-dec.pcap")
	require.True(t, ok)

	labels, err := Apply(context.Background(), tbl, class.Rules)
	require.NoError(t, err)
	assert.Equal(t, []string{"scanning_host", "scanning_host", "normal", "normal"}, labelNames(labels))
}

func intTable(values ...any) *models.Table {
	tbl := models.NewTable([]string{"a", "b"})
	for _, v := range values {
		tbl.Rows = append(tbl.Rows, []any{v, int64(2)})
	}
	return tbl
}

func TestLaterRuleWins(t *testing.T) {
	tbl := intTable(int64(1), int64(1), int64(0))
	rules := []Rule{
		{Label: "scanning_host", When: "a == 1"},
		{Label: "scanning_port", When: "a == 1 && b == 2"},
	}

	labels, err := Apply(context.Background(), tbl, rules)
	require.NoError(t, err)
	assert.Equal(t, []string{"scanning_port", "scanning_port", "normal"}, labelNames(labels))
}

func TestScopeLimitsRows(t *testing.T) {
	tests := []struct {
		name  string
		scope int
		want  []string
	}{
		{"unset", 0, []string{"dos_synflooding", "dos_synflooding", "dos_synflooding", "dos_synflooding"}},
		{"two", 2, []string{"dos_synflooding", "dos_synflooding", "normal", "normal"}},
		{"beyond", 10, []string{"dos_synflooding", "dos_synflooding", "dos_synflooding", "dos_synflooding"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := intTable(int64(1), int64(1), int64(1), int64(1))
			labels, err := Apply(context.Background(), tbl, []Rule{
				{Label: "dos_synflooding", Scope: tt.scope, When: "a == 1"},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, labelNames(labels))
		})
	}
}

func TestPredicateFunctions(t *testing.T) {
	tbl := models.NewTable([]string{"ip", "icmp_type"})
	tbl.Rows = [][]any{
		{"222.1.2.3", nil},
		{"10.0.0.1", int64(0)},
		{nil, ""},
		{int64(42), nil},
		{"not-an-address", nil},
		{"2001:db8::1", nil},
	}

	tests := []struct {
		name string
		when string
		want []bool
	}{
		{"cidr", `in_cidr(ip, "222.0.0.0/8")`, []bool{true, false, false, false, false, false}},
		{"present", `present(icmp_type)`, []bool{false, true, false, false, false, false}},
		{"absent", `!present(icmp_type)`, []bool{true, false, true, true, true, true}},
		{"null equality", `ip == "10.0.0.1"`, []bool{false, true, false, false, false, false}},
		{"membership", `ip in ["222.1.2.3", "10.0.0.1"]`, []bool{true, true, false, false, false, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, err := NewEngine(tbl.Columns)
			require.NoError(t, err)
			prog, err := eng.Compile([]Rule{{Label: "mitm_arpspoofing", When: tt.when}})
			require.NoError(t, err)

			labels, err := prog.Labels(context.Background(), tbl.Rows)
			require.NoError(t, err)
			for i, l := range labels {
				assert.Equal(t, tt.want[i], l == models.LabelMITMARPSpoofing, "row %d", i)
			}
		})
	}
}

func TestEvaluationErrorIsNoMatch(t *testing.T) {
	tbl := intTable(int64(1), "one", int64(1))
	labels, err := Apply(context.Background(), tbl, []Rule{
		{Label: "scanning_os", When: "a + 1 == 2"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"scanning_os", "normal", "scanning_os"}, labelNames(labels))
}

func TestCompileErrors(t *testing.T) {
	eng, err := NewEngine([]string{"a", "b"})
	require.NoError(t, err)

	tests := []struct {
		name string
		rule Rule
	}{
		{"unknown column", Rule{Label: "scanning_os", When: "tcp_dstport == 23"}},
		{"syntax", Rule{Label: "scanning_os", When: "a == "}},
		{"not boolean", Rule{Label: "scanning_os", When: `"text"`}},
		{"unknown label", Rule{Label: "exfiltration", When: "a == 1"}},
		{"negative scope", Rule{Label: "scanning_os", Scope: -1, When: "a == 1"}},
		{"empty predicate", Rule{Label: "scanning_os"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.Compile([]Rule{tt.rule})
			assert.Error(t, err)
		})
	}
}

func TestLabelsHonourCancellation(t *testing.T) {
	eng, err := NewEngine([]string{"a", "b"})
	require.NoError(t, err)
	prog, err := eng.Compile([]Rule{{Label: "scanning_os", When: "a == 1"}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = prog.Labels(ctx, intTable(int64(1)).Rows)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOrderedRuleProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("final label follows the last matching in-scope rule", prop.ForAll(
		func(values []int64, scope int) bool {
			tbl := models.NewTable([]string{"a"})
			for _, v := range values {
				tbl.Rows = append(tbl.Rows, []any{v})
			}
			labels, err := Apply(context.Background(), tbl, []Rule{
				{Label: "scanning_host", Scope: scope, When: "a >= 1"},
				{Label: "scanning_port", When: "a >= 2"},
			})
			if err != nil {
				return false
			}
			for i, v := range values {
				want := models.LabelNormal
				if v >= 1 && (scope == 0 || i < scope) {
					want = models.LabelScanningHost
				}
				if v >= 2 {
					want = models.LabelScanningPort
				}
				if labels[i] != want {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(0, 3)),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
