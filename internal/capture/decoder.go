package capture

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/cvalentine99/nfa-ids/internal/models"
)

// checksumUnverified is the dissector status for checksums that were not
// validated.
const checksumUnverified = 2

// Decoder turns raw frames into RawRecords with a fixed column set. It keeps
// per-stream state, so one Decoder must see the packets of a capture in
// order and must not be shared between captures.
type Decoder struct {
	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	arp     layers.ARP
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	icmp    layers.ICMPv4
	payload gopacket.Payload
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType

	streams *streamTracker
	columns []string
}

// NewDecoder creates a decoder for frames of the given link type. Ethernet
// and raw IPv4 links are supported.
func NewDecoder(link layers.LinkType) (*Decoder, error) {
	var first gopacket.LayerType
	switch link {
	case layers.LinkTypeEthernet:
		first = layers.LayerTypeEthernet
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		first = layers.LayerTypeIPv4
	default:
		return nil, fmt.Errorf("capture: unsupported link type %s", link)
	}

	d := &Decoder{
		streams: newStreamTracker(),
		columns: RawColumns(),
		decoded: make([]gopacket.LayerType, 0, 8),
	}
	d.parser = gopacket.NewDecodingLayerParser(first,
		&d.eth, &d.dot1q, &d.arp, &d.ip4, &d.ip6, &d.tcp, &d.udp, &d.icmp, &d.payload,
	)
	d.parser.IgnoreUnsupported = true
	return d, nil
}

// Columns returns the header every decoded record conforms to.
func (d *Decoder) Columns() []string {
	return d.columns
}

// Decode converts one frame. The returned record is always complete: every
// field a frame does not carry is nil, whether its layer is absent or the
// value cannot be derived, so it reads back from CSV the same way. A non-nil error reports that
// decoding stopped early; the record then holds whatever was decoded.
func (d *Decoder) Decode(data []byte, ci gopacket.CaptureInfo) (models.RawRecord, error) {
	rec := make(models.RawRecord, len(d.columns))
	for _, c := range d.columns {
		rec[c] = nil
	}
	rec[TimestampColumn] = epochSeconds(ci.Timestamp)

	err := d.parser.DecodeLayers(data, &d.decoded)

	var (
		src, dst       netip.Addr
		hasTCP, hasUDP bool
	)
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeEthernet:
			putEthernet(rec, &d.eth)
		case layers.LayerTypeARP:
			putARP(rec, &d.arp)
		case layers.LayerTypeIPv4:
			putIPv4(rec, &d.ip4)
			src, _ = netip.AddrFromSlice(d.ip4.SrcIP.To4())
			dst, _ = netip.AddrFromSlice(d.ip4.DstIP.To4())
		case layers.LayerTypeIPv6:
			src, _ = netip.AddrFromSlice(d.ip6.SrcIP)
			dst, _ = netip.AddrFromSlice(d.ip6.DstIP)
		case layers.LayerTypeTCP:
			hasTCP = true
		case layers.LayerTypeUDP:
			hasUDP = true
		case layers.LayerTypeICMPv4:
			putICMP(rec, &d.icmp)
		}
	}
	if hasTCP {
		d.putTCP(rec, src, dst, ci.Timestamp)
	}
	if hasUDP {
		d.putUDP(rec, src, dst, ci.Timestamp)
	}

	if err != nil {
		return rec, fmt.Errorf("capture: decode: %w", err)
	}
	return rec, nil
}

// lastLayers names the layers decoded from the most recent frame.
func (d *Decoder) lastLayers() []string {
	names := make([]string, len(d.decoded))
	for i, lt := range d.decoded {
		names[i] = lt.String()
	}
	return names
}

func epochSeconds(ts time.Time) float64 {
	return float64(ts.UnixNano()) / 1e9
}

// blank resets every field of a present layer to missing.
func blank(rec models.RawRecord, prefix string, fields []string) {
	for _, f := range fields {
		rec[prefix+"_"+f] = nil
	}
}

func hex8(v uint8) string   { return fmt.Sprintf("0x%02x", v) }
func hex16(v uint16) string { return fmt.Sprintf("0x%04x", v) }

func bit(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func putEthernet(rec models.RawRecord, eth *layers.Ethernet) {
	blank(rec, "eth", ethFields)

	dst, src := eth.DstMAC, eth.SrcMAC
	rec["eth_dst"] = dst.String()
	rec["eth_dst_resolved"] = dst.String()
	rec["eth_src"] = src.String()
	rec["eth_src_resolved"] = src.String()
	// The first address occurrence in the frame is the destination.
	rec["eth_addr"] = dst.String()
	rec["eth_addr_resolved"] = dst.String()
	if len(dst) == 6 {
		rec["eth_dst_oui"] = oui(dst)
		rec["eth_addr_oui"] = oui(dst)
		rec["eth_dst_lg"] = int64(dst[0]>>1) & 1
		rec["eth_lg"] = int64(dst[0]>>1) & 1
		rec["eth_dst_ig"] = int64(dst[0]) & 1
		rec["eth_ig"] = int64(dst[0]) & 1
	}
	if len(src) == 6 {
		rec["eth_src_oui"] = oui(src)
		rec["eth_src_lg"] = int64(src[0]>>1) & 1
		rec["eth_src_ig"] = int64(src[0]) & 1
	}
	rec["eth_type"] = hex16(uint16(eth.EthernetType))
}

func oui(mac net.HardwareAddr) int64 {
	return int64(mac[0])<<16 | int64(mac[1])<<8 | int64(mac[2])
}

func putARP(rec models.RawRecord, arp *layers.ARP) {
	blank(rec, "arp", arpFields)

	rec["arp_hw_type"] = int64(arp.AddrType)
	rec["arp_proto_type"] = hex16(uint16(arp.Protocol))
	rec["arp_hw_size"] = int64(arp.HwAddressSize)
	rec["arp_proto_size"] = int64(arp.ProtAddressSize)
	rec["arp_opcode"] = int64(arp.Operation)
	rec["arp_src_hw_mac"] = net.HardwareAddr(arp.SourceHwAddress).String()
	rec["arp_dst_hw_mac"] = net.HardwareAddr(arp.DstHwAddress).String()
	if len(arp.SourceProtAddress) == 4 {
		rec["arp_src_proto_ipv4"] = net.IP(arp.SourceProtAddress).String()
	}
	if len(arp.DstProtAddress) == 4 {
		rec["arp_dst_proto_ipv4"] = net.IP(arp.DstProtAddress).String()
	}
}

func putIPv4(rec models.RawRecord, ip *layers.IPv4) {
	blank(rec, "ip", ipFields)

	src, dst := ip.SrcIP.String(), ip.DstIP.String()
	rec["ip_version"] = int64(ip.Version)
	rec["ip_hdr_len"] = int64(ip.IHL) * 4
	rec["ip_dsfield"] = hex8(ip.TOS)
	rec["ip_dsfield_dscp"] = int64(ip.TOS >> 2)
	rec["ip_dsfield_ecn"] = int64(ip.TOS & 0x03)
	rec["ip_len"] = int64(ip.Length)
	rec["ip_id"] = hex16(ip.Id)
	rec["ip_flags"] = hex8(uint8(ip.Flags) << 5)
	rec["ip_flags_rb"] = bit(ip.Flags&layers.IPv4EvilBit != 0)
	rec["ip_flags_df"] = bit(ip.Flags&layers.IPv4DontFragment != 0)
	rec["ip_flags_mf"] = bit(ip.Flags&layers.IPv4MoreFragments != 0)
	rec["ip_frag_offset"] = int64(ip.FragOffset) * 8
	rec["ip_ttl"] = int64(ip.TTL)
	rec["ip_proto"] = int64(ip.Protocol)
	rec["ip_checksum"] = hex16(ip.Checksum)
	rec["ip_checksum_status"] = int64(checksumUnverified)
	rec["ip_src"] = src
	rec["ip_addr"] = src
	rec["ip_src_host"] = src
	rec["ip_host"] = src
	rec["ip_dst"] = dst
	rec["ip_dst_host"] = dst
}

func putICMP(rec models.RawRecord, icmp *layers.ICMPv4) {
	blank(rec, "icmp", icmpFields)

	rec["icmp_type"] = int64(icmp.TypeCode.Type())
	rec["icmp_code"] = int64(icmp.TypeCode.Code())
	rec["icmp_checksum"] = hex16(icmp.Checksum)
	rec["icmp_checksum_status"] = int64(checksumUnverified)
	switch icmp.TypeCode.Type() {
	case layers.ICMPv4TypeEchoReply, layers.ICMPv4TypeEchoRequest,
		layers.ICMPv4TypeTimestampRequest, layers.ICMPv4TypeTimestampReply:
		rec["icmp_ident"] = int64(icmp.Id)
		rec["icmp_ident_le"] = int64(swap16(icmp.Id))
		rec["icmp_seq"] = int64(icmp.Seq)
		rec["icmp_seq_le"] = int64(swap16(icmp.Seq))
		rec["icmp_data_len"] = int64(len(icmp.Payload))
	}
}

func swap16(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.LittleEndian.Uint16(b[:])
}

func (d *Decoder) putTCP(rec models.RawRecord, src, dst netip.Addr, ts time.Time) {
	tcp := &d.tcp
	blank(rec, "tcp", tcpFields)

	key, dir := newFlowKey(endpoint{src, uint16(tcp.SrcPort)}, endpoint{dst, uint16(tcp.DstPort)})
	s, _ := d.streams.lookup(d.streams.tcp, &d.streams.nextTCP, key, ts)
	s.observeTCP(tcp, dir)
	rel, delta := s.timing(ts)

	payloadLen := uint32(len(tcp.Payload))
	seq := tcp.Seq - s.isn[dir]
	nxt := seq + payloadLen
	if tcp.SYN {
		nxt++
	}
	if tcp.FIN {
		nxt++
	}

	rec["tcp_srcport"] = int64(tcp.SrcPort)
	rec["tcp_dstport"] = int64(tcp.DstPort)
	rec["tcp_port"] = int64(tcp.SrcPort)
	rec["tcp_stream"] = s.index
	rec["tcp_completeness"] = s.completeness
	rec["tcp_len"] = int64(payloadLen)
	rec["tcp_seq"] = int64(seq)
	rec["tcp_seq_raw"] = int64(tcp.Seq)
	rec["tcp_nxtseq"] = int64(nxt)
	if tcp.ACK {
		ack := tcp.Ack
		if s.seen[1-dir] {
			ack -= s.isn[1-dir]
		}
		rec["tcp_ack"] = int64(ack)
		rec["tcp_ack_raw"] = int64(tcp.Ack)
	}
	rec["tcp_hdr_len"] = int64(tcp.DataOffset) * 4
	rec["tcp_flags"] = fmt.Sprintf("0x%03x", tcpFlagBits(tcp))
	rec["tcp_flags_res"] = int64(0)
	rec["tcp_flags_ae"] = bit(tcp.NS)
	rec["tcp_flags_cwr"] = bit(tcp.CWR)
	rec["tcp_flags_ece"] = bit(tcp.ECE)
	rec["tcp_flags_urg"] = bit(tcp.URG)
	rec["tcp_flags_ack"] = bit(tcp.ACK)
	rec["tcp_flags_push"] = bit(tcp.PSH)
	rec["tcp_flags_reset"] = bit(tcp.RST)
	rec["tcp_flags_syn"] = bit(tcp.SYN)
	rec["tcp_flags_fin"] = bit(tcp.FIN)
	rec["tcp_flags_str"] = tcpFlagString(tcp)

	window := int64(tcp.Window)
	factor := s.scaleFactor(dir)
	size := window
	if !tcp.SYN && factor > 0 {
		size = window * int64(factor)
	}
	rec["tcp_window_size_value"] = window
	rec["tcp_window_size"] = size
	rec["tcp_window_size_scalefactor"] = int64(factor)

	rec["tcp_checksum"] = hex16(tcp.Checksum)
	rec["tcp_checksum_status"] = int64(checksumUnverified)
	rec["tcp_urgent_pointer"] = int64(tcp.Urgent)
	rec["tcp_time_relative"] = rel
	rec["tcp_time_delta"] = delta
}

func (d *Decoder) putUDP(rec models.RawRecord, src, dst netip.Addr, ts time.Time) {
	udp := &d.udp
	blank(rec, "udp", udpFields)

	key, _ := newFlowKey(endpoint{src, uint16(udp.SrcPort)}, endpoint{dst, uint16(udp.DstPort)})
	s, _ := d.streams.lookup(d.streams.udp, &d.streams.nextUDP, key, ts)
	rel, delta := s.timing(ts)

	rec["udp_srcport"] = int64(udp.SrcPort)
	rec["udp_dstport"] = int64(udp.DstPort)
	rec["udp_port"] = int64(udp.SrcPort)
	rec["udp_length"] = int64(udp.Length)
	rec["udp_checksum"] = hex16(udp.Checksum)
	rec["udp_checksum_status"] = int64(checksumUnverified)
	rec["udp_stream"] = s.index
	rec["udp_time_relative"] = rel
	rec["udp_time_delta"] = delta
}

func tcpFlagBits(tcp *layers.TCP) uint16 {
	var v uint16
	for i, set := range []bool{tcp.FIN, tcp.SYN, tcp.RST, tcp.PSH, tcp.ACK, tcp.URG, tcp.ECE, tcp.CWR, tcp.NS} {
		if set {
			v |= 1 << i
		}
	}
	return v
}

// tcpFlagString renders the flags most-significant first, e.g.
// "·······A··S·" for a SYN-ACK.
func tcpFlagString(tcp *layers.TCP) string {
	var b strings.Builder
	b.WriteString("···")
	for _, f := range []struct {
		set bool
		c   byte
	}{
		{tcp.NS, 'N'}, {tcp.CWR, 'C'}, {tcp.ECE, 'E'}, {tcp.URG, 'U'}, {tcp.ACK, 'A'},
		{tcp.PSH, 'P'}, {tcp.RST, 'R'}, {tcp.SYN, 'S'}, {tcp.FIN, 'F'},
	} {
		if f.set {
			b.WriteByte(f.c)
		} else {
			b.WriteString("·")
		}
	}
	return b.String()
}
