package mpegts

import (
	"encoding/binary"
	"testing"
)

// buildPAT constructs a valid PAT section with CRC32.
func buildPAT(tsID uint16, programs []Program) []byte {
	sectionLength := 5 + len(programs)*4 + 4 // fixed header after section_length + entries + CRC

	data := make([]byte, 3+sectionLength)
	data[0] = tableIDPAT
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F // section_syntax_indicator=1
	data[2] = byte(sectionLength)
	data[3] = byte(tsID >> 8)
	data[4] = byte(tsID)
	data[5] = 0xC1 // reserved(2) + version(0) + current_next(1)

	offset := 8
	for _, p := range programs {
		data[offset] = byte(p.Number >> 8)
		data[offset+1] = byte(p.Number)
		data[offset+2] = 0xE0 | byte(p.PMTPID>>8)&0x1F
		data[offset+3] = byte(p.PMTPID)
		offset += 4
	}

	binary.BigEndian.PutUint32(data[offset:], CRC32(data[:offset]))
	return data
}

// buildPMT constructs a valid PMT section with CRC32. Streams with a
// Language get an ISO 639 descriptor.
func buildPMT(programNum, pcrPID uint16, version uint8, streams []ElementaryStream) []byte {
	var es []byte
	for _, s := range streams {
		var desc []byte
		if s.Language != "" {
			desc = append([]byte{descriptorISO639, 4}, s.Language...)
			desc = append(desc, 0x00) // audio_type
		}
		es = append(es,
			s.StreamType,
			0xE0|byte(s.PID>>8)&0x1F, byte(s.PID),
			0xF0|byte(len(desc)>>8)&0x0F, byte(len(desc)),
		)
		es = append(es, desc...)
	}
	sectionLength := 9 + len(es) + 4

	data := make([]byte, 3+sectionLength)
	data[0] = tableIDPMT
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	data[3] = byte(programNum >> 8)
	data[4] = byte(programNum)
	data[5] = 0xC1 | (version&0x1F)<<1
	data[8] = 0xE0 | byte(pcrPID>>8)&0x1F
	data[9] = byte(pcrPID)
	data[10] = 0xF0 // program_info_length = 0
	data[11] = 0x00

	offset := 12 + copy(data[12:], es)
	binary.BigEndian.PutUint32(data[offset:], CRC32(data[:offset]))
	return data
}

// psiPayload prefixes sections with a zero pointer field.
func psiPayload(sections ...[]byte) []byte {
	out := []byte{0x00}
	for _, s := range sections {
		out = append(out, s...)
	}
	return out
}

// encodeTimestamp encodes a 33-bit timestamp with the given 4-bit prefix.
func encodeTimestamp(prefix byte, value int64) []byte {
	return []byte{
		prefix<<4 | byte(value>>29)&0x0E | 0x01,
		byte(value >> 22),
		byte(value>>14)&0xFE | 0x01,
		byte(value >> 7),
		byte(value<<1) | 0x01,
	}
}

// buildPES builds a PES packet. A negative pts or dts is omitted. Unbounded
// packets leave PES_packet_length at zero, as video streams do.
func buildPES(streamID byte, pts, dts int64, data []byte, bounded bool) []byte {
	var hdr []byte
	flags := byte(0)
	switch {
	case pts >= 0 && dts >= 0:
		flags = 0xC0
		hdr = append(encodeTimestamp(0x3, pts), encodeTimestamp(0x1, dts)...)
	case pts >= 0:
		flags = 0x80
		hdr = encodeTimestamp(0x2, pts)
	}

	out := []byte{0x00, 0x00, 0x01, streamID, 0, 0, 0x80, flags, byte(len(hdr))}
	out = append(out, hdr...)
	out = append(out, data...)
	if bounded {
		binary.BigEndian.PutUint16(out[4:], uint16(len(out)-6))
	}
	return out
}

// packetize splits payload into 188-byte packets on pid, stuffing the last
// one through its adaptation field. cc is advanced per packet.
func packetize(pid uint16, cc *uint8, randomAccess bool, payload []byte) []byte {
	var out []byte
	first := true
	for first || len(payload) > 0 {
		room := 184
		if first && randomAccess {
			room -= 2
		}
		n := min(room, len(payload))
		af := 184 - n

		pkt := make([]byte, PacketSize)
		pkt[0] = syncByte
		pkt[1] = byte(pid>>8) & 0x1F
		if first {
			pkt[1] |= 0x40
		}
		pkt[2] = byte(pid)
		pkt[3] = 0x10 | *cc&0x0F
		if af > 0 {
			pkt[3] |= 0x20
			pkt[4] = byte(af - 1)
			if af > 1 {
				if first && randomAccess {
					pkt[5] = 0x40
				}
				for i := 6; i < 4+af; i++ {
					pkt[i] = 0xFF
				}
			}
		}
		copy(pkt[4+af:], payload[:n])

		out = append(out, pkt...)
		payload = payload[n:]
		*cc = (*cc + 1) & 0x0F
		first = false
	}
	return out
}

// filler returns n bytes that never contain a sync byte.
func filler(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xAB
	}
	return b
}

const (
	testPMTPID   = 0x1000
	testVideoPID = 0x100
	testAudioPID = 0x101
)

// testStream builds PAT, PMT, one video PES with a random access point, one
// audio PES and a second video PES.
func testStream(t *testing.T) []byte {
	t.Helper()
	var ccPAT, ccPMT, ccVideo, ccAudio uint8
	var out []byte
	out = append(out, packetize(pidPAT, &ccPAT, false,
		psiPayload(buildPAT(1, []Program{{Number: 1, PMTPID: testPMTPID}})))...)
	out = append(out, packetize(testPMTPID, &ccPMT, false,
		psiPayload(buildPMT(1, testVideoPID, 0, []ElementaryStream{
			{PID: testVideoPID, StreamType: StreamTypeH264},
			{PID: testAudioPID, StreamType: StreamTypeAAC, Language: "eng"},
		})))...)
	out = append(out, packetize(testVideoPID, &ccVideo, true,
		buildPES(0xE0, 93003, 90000, filler(400), false))...)
	out = append(out, packetize(testAudioPID, &ccAudio, false,
		buildPES(0xC0, 90000, -1, filler(300), true))...)
	out = append(out, packetize(testVideoPID, &ccVideo, false,
		buildPES(0xE0, 96006, 93003, filler(250), false))...)
	return out
}
