package features

// Schema is an ordered list of field names projected into a feature vector.
type Schema []string

// OptimalFeatures is the fixed classifier input schema, selected during
// feature-selection experiments. Order is significant.
var OptimalFeatures = Schema{
	"timestamp", "ip_len", "ip_id", "ip_flags", "ip_ttl", "ip_proto",
	"ip_checksum", "ip_dst", "ip_dst_host", "tcp_srcport", "tcp_dstport",
	"tcp_port", "tcp_stream", "tcp_completeness", "tcp_seq_raw", "tcp_ack",
	"tcp_ack_raw", "tcp_flags_reset", "tcp_flags_syn", "tcp_window_size_value",
	"tcp_window_size", "tcp_window_size_scalefactor", "udp_srcport",
	"udp_dstport", "udp_port", "udp_length", "udp_time_delta", "eth_dst_oui",
	"eth_addr_oui", "eth_dst_lg", "eth_lg", "eth_ig", "eth_src_oui", "eth_type",
	"icmp_type", "icmp_code", "icmp_checksum", "icmp_checksum_status", "arp_opcode",
}

// FeatureCount is the length of every feature vector.
const FeatureCount = 39

// TextColumns hold free-text TCP flag summaries and are dropped before a
// whole table is coerced.
var TextColumns = []string{"tcp_flags_str", "tcp_flags_fin"}

// Index returns the position of name in the schema, or -1.
func (s Schema) Index(name string) int {
	for i, n := range s {
		if n == name {
			return i
		}
	}
	return -1
}
