package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/cvalentine99/nfa-ids/internal/logging"
	"github.com/cvalentine99/nfa-ids/internal/metrics"
	"github.com/cvalentine99/nfa-ids/internal/models"
)

// pcapngMagic is the block type of a pcapng section header.
const pcapngMagic = 0x0A0D0D0A

// packetReader is satisfied by both pcapgo.Reader and pcapgo.NgReader.
type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// FileSource reads packets from a pcap or pcapng file.
type FileSource struct {
	path    string
	f       *os.File
	reader  packetReader
	decoder *Decoder
	stats   Stats

	truncated atomic.Bool
}

// OpenFile opens a capture file. The format is detected from its magic.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("capture: failed to open capture file: %w", err)
	}

	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("capture: %s: not a capture file: %w", path, err)
	}

	var reader packetReader
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		reader, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		reader, err = pcapgo.NewReader(br)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("capture: %s: %w", path, err)
	}

	decoder, err := NewDecoder(reader.LinkType())
	if err != nil {
		f.Close()
		return nil, err
	}

	logging.CaptureLogger().Debug("capture file opened",
		"path", path,
		"link_type", reader.LinkType().String(),
	)

	return &FileSource{path: path, f: f, reader: reader, decoder: decoder}, nil
}

// Next decodes the next packet. Partially decodable packets still yield a
// record; the failure is counted in Stats.
func (s *FileSource) Next() (models.RawRecord, error) {
	data, ci, err := s.reader.ReadPacketData()
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			// keep the packets before the cut, like a capture that was
			// still being written
			if !s.truncated.Swap(true) {
				atomic.AddUint64(&s.stats.ParseErrors, 1)
				metrics.DecodeErrors.Inc()
				logging.CaptureLogger().Warn("capture truncated inside a packet record",
					"file", s.path,
					logging.Count("packets", int64(atomic.LoadUint64(&s.stats.PacketsRead))),
				)
			}
			return nil, io.EOF
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("capture: %s: read packet: %w", s.path, err)
	}

	atomic.AddUint64(&s.stats.PacketsRead, 1)
	atomic.AddUint64(&s.stats.BytesRead, uint64(len(data)))

	rec, derr := s.decoder.Decode(data, ci)
	if derr != nil {
		atomic.AddUint64(&s.stats.ParseErrors, 1)
		metrics.DecodeErrors.Inc()
		logging.CaptureLogger().Debug("partial decode",
			logging.Packet(int64(s.stats.PacketsRead), s.decoder.lastLayers()),
			logging.Err(derr),
		)
	}
	return rec, nil
}

// Columns returns the header every record conforms to.
func (s *FileSource) Columns() []string {
	return s.decoder.Columns()
}

// Stats returns current reading statistics.
func (s *FileSource) Stats() Stats {
	return Stats{
		PacketsRead: atomic.LoadUint64(&s.stats.PacketsRead),
		BytesRead:   atomic.LoadUint64(&s.stats.BytesRead),
		ParseErrors: atomic.LoadUint64(&s.stats.ParseErrors),
		Truncated:   s.truncated.Load(),
	}
}

// Close releases the underlying file.
func (s *FileSource) Close() error {
	return s.f.Close()
}

var (
	_ Source = (*FileSource)(nil)
	_ Source = (*SliceSource)(nil)
)
