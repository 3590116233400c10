// Package fixtures builds synthetic captures for tests: serialized frames
// written as pcap or pcapng files.
package fixtures

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
)

// Well-known addresses used by the fixtures.
const (
	BroadcastMAC = "ff:ff:ff:ff:ff:ff"
	AttackerMAC  = "f0:18:98:5e:ff:9f"
	GatewayMAC   = "88:36:6c:d7:1c:56"
	CameraMAC    = "bc:1c:81:4b:ae:ba"
)

// BaseTime is the timestamp of the first fixture frame.
var BaseTime = time.Unix(1_560_000_000, 0).UTC()

// Frame is one serialized packet with its capture time.
type Frame struct {
	Data      []byte
	Timestamp time.Time
}

// =============================================================================
// Packet Fixtures
// =============================================================================

// PacketFixture accumulates frames, 1ms apart.
type PacketFixture struct {
	baseTime time.Time
	counter  int
	frames   []Frame
}

// NewPacketFixture creates a new packet fixture generator
func NewPacketFixture() *PacketFixture {
	return &PacketFixture{
		baseTime: BaseTime,
	}
}

// TCPSegment describes a TCP/IPv4 frame.
type TCPSegment struct {
	SrcMAC, DstMAC   string
	SrcIP, DstIP     string
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	SYN, ACK, RST    bool
	FIN, PSH         bool
	Window           uint16
	WindowScale      int // shift count; negative omits the option
	Payload          []byte
}

// TCP appends a TCP segment.
func (pf *PacketFixture) TCP(s TCPSegment) *PacketFixture {
	eth, ip := pf.ipv4(s.SrcMAC, s.DstMAC, s.SrcIP, s.DstIP, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(s.SrcPort),
		DstPort: layers.TCPPort(s.DstPort),
		Seq:     s.Seq,
		Ack:     s.Ack,
		SYN:     s.SYN,
		ACK:     s.ACK,
		RST:     s.RST,
		FIN:     s.FIN,
		PSH:     s.PSH,
		Window:  s.Window,
	}
	if s.WindowScale >= 0 {
		tcp.Options = append(tcp.Options, layers.TCPOption{
			OptionType:   layers.TCPOptionKindWindowScale,
			OptionLength: 3,
			OptionData:   []byte{byte(s.WindowScale)},
		})
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		panic(fmt.Sprintf("fixtures: %v", err))
	}
	return pf.add(eth, ip, tcp, gopacket.Payload(s.Payload))
}

// SYN appends a bare SYN without window scaling.
func (pf *PacketFixture) SYN(srcIP, dstIP string, srcPort, dstPort uint16, window uint16) *PacketFixture {
	return pf.TCP(TCPSegment{
		SrcIP: srcIP, DstIP: dstIP,
		SrcPort: srcPort, DstPort: dstPort,
		Seq: 1000, SYN: true, Window: window, WindowScale: -1,
	})
}

// UDP appends a UDP datagram.
func (pf *PacketFixture) UDP(srcIP, dstIP string, srcPort, dstPort uint16, payload []byte) *PacketFixture {
	eth, ip := pf.ipv4("", "", srcIP, dstIP, layers.IPProtocolUDP)
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		panic(fmt.Sprintf("fixtures: %v", err))
	}
	return pf.add(eth, ip, udp, gopacket.Payload(payload))
}

// ICMPEcho appends an ICMP echo request (typ 8) or reply (typ 0).
func (pf *PacketFixture) ICMPEcho(srcIP, dstIP string, typ uint8, id, seq uint16) *PacketFixture {
	eth, ip := pf.ipv4("", "", srcIP, dstIP, layers.IPProtocolICMPv4)
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(typ, 0),
		Id:       id,
		Seq:      seq,
	}
	return pf.add(eth, ip, icmp, gopacket.Payload([]byte("abcdefgh")))
}

// ARP appends an ARP frame. A request (op 1) leaves the target hardware
// address zeroed.
func (pf *PacketFixture) ARP(srcMAC, dstMAC, senderIP, targetIP string, op uint16) *PacketFixture {
	eth := &layers.Ethernet{
		SrcMAC:       mustMAC(srcMAC),
		DstMAC:       mustMAC(dstMAC),
		EthernetType: layers.EthernetTypeARP,
	}
	targetHW := make(net.HardwareAddr, 6)
	if op != layers.ARPRequest {
		targetHW = mustMAC(dstMAC)
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   mustMAC(srcMAC),
		SourceProtAddress: mustIPv4(senderIP),
		DstHwAddress:      targetHW,
		DstProtAddress:    mustIPv4(targetIP),
	}
	return pf.add(eth, arp)
}

// Frames returns the accumulated frames.
func (pf *PacketFixture) Frames() []Frame {
	return pf.frames
}

// Len returns the number of frames.
func (pf *PacketFixture) Len() int {
	return len(pf.frames)
}

// WritePcap writes the frames as a classic pcap file.
func (pf *PacketFixture) WritePcap(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		return err
	}
	for _, fr := range pf.frames {
		if err := w.WritePacket(captureInfo(fr), fr.Data); err != nil {
			return err
		}
	}
	return f.Close()
}

// WritePcapNG writes the frames as a pcapng file.
func (pf *PacketFixture) WritePcapNG(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := pcapgo.NewNgWriter(f, layers.LinkTypeEthernet)
	if err != nil {
		return err
	}
	for _, fr := range pf.frames {
		if err := w.WritePacket(captureInfo(fr), fr.Data); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}

// =============================================================================
// Helpers
// =============================================================================

func (pf *PacketFixture) ipv4(srcMAC, dstMAC, srcIP, dstIP string, proto layers.IPProtocol) (*layers.Ethernet, *layers.IPv4) {
	if srcMAC == "" {
		srcMAC = CameraMAC
	}
	if dstMAC == "" {
		dstMAC = GatewayMAC
	}
	eth := &layers.Ethernet{
		SrcMAC:       mustMAC(srcMAC),
		DstMAC:       mustMAC(dstMAC),
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       uint16(pf.counter + 1),
		Flags:    layers.IPv4DontFragment,
		Protocol: proto,
		SrcIP:    mustIPv4(srcIP),
		DstIP:    mustIPv4(dstIP),
	}
	return eth, ip
}

func (pf *PacketFixture) add(ls ...gopacket.SerializableLayer) *PacketFixture {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		panic(fmt.Sprintf("fixtures: serialize: %v", err))
	}
	data := make([]byte, len(buf.Bytes()))
	copy(data, buf.Bytes())

	pf.frames = append(pf.frames, Frame{
		Data:      data,
		Timestamp: pf.baseTime.Add(time.Duration(pf.counter) * time.Millisecond),
	})
	pf.counter++
	return pf
}

func captureInfo(fr Frame) gopacket.CaptureInfo {
	return gopacket.CaptureInfo{
		Timestamp:     fr.Timestamp,
		CaptureLength: len(fr.Data),
		Length:        len(fr.Data),
	}
}

func mustMAC(s string) net.HardwareAddr {
	mac, err := net.ParseMAC(s)
	if err != nil {
		panic(fmt.Sprintf("fixtures: bad MAC %q", s))
	}
	return mac
}

func mustIPv4(s string) net.IP {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		panic(fmt.Sprintf("fixtures: bad IPv4 %q", s))
	}
	return ip
}
