package mpegts

import (
	"errors"
	"fmt"
)

var errShortPES = errors.New("mpegts: PES packet too short")

// isPESPayload checks for the PES start code prefix (0x000001).
func isPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// hasOptionalHeader reports whether a stream id carries the optional PES
// header. Padding, private_stream_2, ECM, EMM, DSMCC, H.222.1 type E and the
// program stream directory do not.
func hasOptionalHeader(streamID uint8) bool {
	switch streamID {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

// pesLength returns the total size of a PES packet from its header, or 0
// when the packet is unbounded (video) or the header is not yet complete.
func pesLength(buf []byte) int {
	if len(buf) < 6 || !isPESPayload(buf) {
		return 0
	}
	n := int(buf[4])<<8 | int(buf[5])
	if n == 0 {
		return 0
	}
	return 6 + n
}

func parsePES(payload []byte) (*PES, error) {
	if len(payload) < 6 {
		return nil, errShortPES
	}
	if !isPESPayload(payload) {
		return nil, errors.New("mpegts: invalid PES start code")
	}

	pes := &PES{
		StreamID: payload[3],
		PTS:      NoTimestamp,
		DTS:      NoTimestamp,
	}
	end := len(payload)
	if n := pesLength(payload); n > 0 && n <= end {
		end = n
	}

	if !hasOptionalHeader(pes.StreamID) {
		pes.Data = payload[6:end]
		return pes, nil
	}

	if len(payload) < 9 {
		return nil, fmt.Errorf("%w: optional header truncated", errShortPES)
	}
	// payload[7] top two bits: PTS_DTS_flags; payload[8]: PES_header_data_length
	flags := payload[7] >> 6
	dataStart := 9 + int(payload[8])
	if dataStart > end {
		return nil, fmt.Errorf("%w: header length %d exceeds packet", errShortPES, payload[8])
	}

	switch flags {
	case 2:
		if dataStart >= 14 {
			pes.PTS = parseTimestamp(payload[9:14])
		}
	case 3:
		if dataStart >= 19 {
			pes.PTS = parseTimestamp(payload[9:14])
			pes.DTS = parseTimestamp(payload[14:19])
		}
	}

	pes.Data = payload[dataStart:end]
	return pes, nil
}

// parseTimestamp extracts a 33-bit timestamp from 5 PES header bytes.
func parseTimestamp(bs []byte) Timestamp {
	return Timestamp(int64(bs[0]>>1&0x07)<<30 |
		int64(bs[1])<<22 |
		int64(bs[2]>>1&0x7F)<<15 |
		int64(bs[3])<<7 |
		int64(bs[4]>>1&0x7F))
}
