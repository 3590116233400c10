package capture

// Per-layer field names, without the layer prefix. Order is the column
// order of unprocessed tables.
var (
	ipFields = []string{
		"version", "hdr_len", "dsfield", "dsfield_dscp", "dsfield_ecn", "len", "id", "flags",
		"flags_rb", "flags_df", "flags_mf", "frag_offset", "ttl", "proto", "checksum",
		"checksum_status", "src", "addr", "src_host", "host", "dst", "dst_host",
	}

	tcpFields = []string{
		"srcport", "dstport", "port", "stream", "completeness", "len", "seq", "seq_raw",
		"nxtseq", "ack", "ack_raw", "hdr_len", "flags", "flags_res", "flags_ae", "flags_cwr",
		"flags_ece", "flags_urg", "flags_ack", "flags_push", "flags_reset", "flags_syn",
		"flags_fin", "flags_str", "window_size_value", "window_size", "window_size_scalefactor",
		"checksum", "checksum_status", "urgent_pointer", "time_relative", "time_delta",
		"analysis", "analysis_bytes_in_flight", "analysis_push_bytes_sent",
	}

	udpFields = []string{
		"srcport", "dstport", "port", "length", "checksum", "checksum_status", "stream",
		"time_relative", "time_delta",
	}

	ethFields = []string{
		"dst", "dst_resolved", "dst_oui", "dst_oui_resolved", "addr", "addr_resolved", "addr_oui",
		"addr_oui_resolved", "dst_lg", "lg", "dst_ig", "ig", "src", "src_resolved", "src_oui",
		"src_oui_resolved", "src_lg", "src_ig", "type",
	}

	icmpFields = []string{
		"type", "code", "checksum", "checksum_status", "ident", "ident_le", "seq",
		"seq_le", "data_len",
	}

	arpFields = []string{
		"hw_type", "proto_type", "hw_size", "proto_size", "opcode", "src_hw_mac",
		"src_proto_ipv4", "dst_hw_mac", "dst_proto_ipv4",
	}
)

// Layer is a protocol layer that contributes a block of prefixed columns.
type Layer struct {
	Prefix string
	Fields []string
}

// Layers lists the layers in column order.
var Layers = []Layer{
	{"ip", ipFields},
	{"tcp", tcpFields},
	{"udp", udpFields},
	{"eth", ethFields},
	{"icmp", icmpFields},
	{"arp", arpFields},
}

// TimestampColumn holds the capture time in fractional epoch seconds.
const TimestampColumn = "timestamp"

// Columns returns prefixed names for the layer, e.g. "tcp_flags_syn".
func (l Layer) Columns() []string {
	out := make([]string, len(l.Fields))
	for i, f := range l.Fields {
		out[i] = l.Prefix + "_" + f
	}
	return out
}

// RawColumns returns the full, fixed header of an unprocessed table.
func RawColumns() []string {
	cols := []string{TimestampColumn}
	for _, l := range Layers {
		cols = append(cols, l.Columns()...)
	}
	return cols
}
