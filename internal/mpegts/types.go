// Package mpegts parses MPEG transport streams into program tables and
// reassembled PES packets. It handles PAT/PMT discovery, continuity
// checking, and 188, 192 (M2TS) and 204 byte packet framing.
package mpegts

import "time"

// PacketSize is the size of a plain transport stream packet.
const PacketSize = 188

const (
	syncByte = 0x47
	pidPAT   = 0x0000
	pidNull  = 0x1FFF
)

// Stream types (ISO/IEC 13818-1 table 2-34 and common private values).
const (
	StreamTypeMPEG1Audio uint8 = 0x03
	StreamTypeMPEG2Audio uint8 = 0x04
	StreamTypeAAC        uint8 = 0x0F // ADTS
	StreamTypeH264       uint8 = 0x1B
	StreamTypeH265       uint8 = 0x24
	StreamTypeAC3        uint8 = 0x81
	StreamTypeSCTE35     uint8 = 0x86
)

// NoTimestamp marks an absent PTS or DTS.
const NoTimestamp Timestamp = -1

// Timestamp is a 33-bit value on the 90 kHz system clock.
type Timestamp int64

// Duration converts t to a duration from the clock origin.
func (t Timestamp) Duration() time.Duration {
	return time.Duration(int64(t) * int64(time.Second) / 90000)
}

// Unit is one logical unit read from the stream. Exactly one of PAT, PMT,
// PES or Splice is set.
type Unit struct {
	PID uint16
	PAT *PAT
	PMT *PMT
	PES *PES
	// Splice is a raw SCTE-35 splice_info_section from a PID the PMT
	// declared with StreamTypeSCTE35. Its CRC has not been checked.
	Splice []byte
	// Discontinuity is set when packets of this PID were lost before the
	// unit started.
	Discontinuity bool
}

// PAT is a Program Association Table.
type PAT struct {
	TransportStreamID uint16
	Programs          []Program
}

// Program maps a program number to the PID carrying its PMT.
type Program struct {
	Number uint16
	PMTPID uint16
}

// PMT is a Program Map Table.
type PMT struct {
	ProgramNumber uint16
	Version       uint8
	PCRPID        uint16
	Streams       []ElementaryStream
}

// ElementaryStream is one entry of a PMT.
type ElementaryStream struct {
	PID        uint16
	StreamType uint8
	// Language is the ISO 639 code from the stream's language descriptor.
	Language string
}

// PES is a reassembled Packetized Elementary Stream packet.
type PES struct {
	StreamID uint8
	PTS      Timestamp
	DTS      Timestamp
	// RandomAccess reflects the adaptation field random_access_indicator of
	// the packet that started this PES.
	RandomAccess bool
	Data         []byte
}
