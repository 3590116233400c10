package capture

import (
	"net/netip"
	"time"

	"github.com/gopacket/gopacket/layers"
)

// TCP conversation completeness bits.
const (
	completeSYN    = 1
	completeSYNACK = 2
	completeACK    = 4
	completeData   = 8
	completeFIN    = 16
	completeRST    = 32
)

// Window scale factor sentinels.
const (
	scaleUnknown = -1
	scaleNone    = -2
)

type endpoint struct {
	addr netip.Addr
	port uint16
}

func (e endpoint) less(o endpoint) bool {
	if c := e.addr.Compare(o.addr); c != 0 {
		return c < 0
	}
	return e.port < o.port
}

// flowKey identifies a conversation independent of direction.
type flowKey struct {
	a, b endpoint
}

// newFlowKey returns the canonical key and the direction (0 = a→b) of
// a packet travelling from src to dst.
func newFlowKey(src, dst endpoint) (flowKey, int) {
	if dst.less(src) {
		return flowKey{a: dst, b: src}, 1
	}
	return flowKey{a: src, b: dst}, 0
}

// streamState holds per-conversation state needed to derive relative and
// stateful fields.
type streamState struct {
	index int64
	first time.Time
	last  time.Time

	// TCP only
	isn          [2]uint32
	seen         [2]bool
	synSeen      [2]bool
	wscale       [2]int // shift count, -1 when the SYN carried no option
	completeness int64
}

// streamTracker assigns stream indexes in order of first appearance and
// keeps the per-conversation timing state.
type streamTracker struct {
	tcp     map[flowKey]*streamState
	udp     map[flowKey]*streamState
	nextTCP int64
	nextUDP int64
}

func newStreamTracker() *streamTracker {
	return &streamTracker{
		tcp: make(map[flowKey]*streamState),
		udp: make(map[flowKey]*streamState),
	}
}

func (t *streamTracker) lookup(m map[flowKey]*streamState, next *int64, key flowKey, ts time.Time) (*streamState, bool) {
	s, ok := m[key]
	if !ok {
		s = &streamState{index: *next, first: ts, last: ts, wscale: [2]int{-1, -1}}
		*next++
		m[key] = s
	}
	return s, !ok
}

// timing returns seconds since the stream's first packet and since its
// previous packet, then records ts as the latest.
func (s *streamState) timing(ts time.Time) (relative, delta float64) {
	relative = ts.Sub(s.first).Seconds()
	delta = ts.Sub(s.last).Seconds()
	if delta < 0 {
		delta = 0
	}
	s.last = ts
	return relative, delta
}

// observeTCP updates sequence and handshake state for one segment sent in
// direction dir.
func (s *streamState) observeTCP(tcp *layers.TCP, dir int) {
	if !s.seen[dir] {
		s.isn[dir] = tcp.Seq
		s.seen[dir] = true
	}
	if tcp.SYN {
		s.isn[dir] = tcp.Seq
		s.synSeen[dir] = true
		s.wscale[dir] = windowShift(tcp)
		if tcp.ACK {
			s.completeness |= completeSYNACK
		} else {
			s.completeness |= completeSYN
		}
	} else if tcp.ACK {
		s.completeness |= completeACK
	}
	if len(tcp.Payload) > 0 {
		s.completeness |= completeData
	}
	if tcp.FIN {
		s.completeness |= completeFIN
	}
	if tcp.RST {
		s.completeness |= completeRST
	}
}

// scaleFactor returns the multiplier for windows advertised in direction
// dir, or one of the sentinels when it is not yet known.
func (s *streamState) scaleFactor(dir int) int {
	if !s.synSeen[0] || !s.synSeen[1] {
		return scaleUnknown
	}
	if s.wscale[0] < 0 || s.wscale[1] < 0 {
		return scaleNone
	}
	return 1 << s.wscale[dir]
}

func windowShift(tcp *layers.TCP) int {
	for _, opt := range tcp.Options {
		if opt.OptionType == layers.TCPOptionKindWindowScale && len(opt.OptionData) == 1 {
			shift := int(opt.OptionData[0])
			if shift > 14 {
				shift = 14
			}
			return shift
		}
	}
	return -1
}
