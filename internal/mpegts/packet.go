package mpegts

import "fmt"

// header holds the transport packet fields the reader acts on.
type header struct {
	pid           uint16
	cc            uint8
	hasPayload    bool
	pusi          bool
	tei           bool
	discontinuity bool
	randomAccess  bool
}

// parsePacket decodes a 188-byte packet. The returned payload aliases buf.
func parsePacket(buf []byte) (header, []byte, error) {
	var h header
	if len(buf) != PacketSize {
		return h, nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != syncByte {
		return h, nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	h.tei = buf[1]&0x80 != 0
	h.pusi = buf[1]&0x40 != 0
	h.pid = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	hasAF := buf[3]&0x20 != 0
	h.hasPayload = buf[3]&0x10 != 0
	h.cc = buf[3] & 0x0F

	offset := 4
	if hasAF {
		afLen := int(buf[offset])
		if afLen > 0 {
			flags := buf[offset+1]
			h.discontinuity = flags&0x80 != 0
			h.randomAccess = flags&0x40 != 0
		}
		offset += 1 + afLen
		if offset > PacketSize {
			offset = PacketSize
		}
	}

	if !h.hasPayload || offset >= PacketSize {
		h.hasPayload = false
		return h, nil, nil
	}
	return h, buf[offset:], nil
}

// framing describes how 188-byte packets sit in the byte stream: M2TS adds
// a 4-byte timecode before each packet, and some broadcast captures append
// 16 bytes of Reed-Solomon parity after it.
type framing struct {
	size   int // bytes per packet on the wire
	offset int // position of the sync byte within a wire packet
}

var framings = []framing{
	{size: 188, offset: 0},
	{size: 192, offset: 4},
	{size: 204, offset: 0},
}

// syncRun is how many consecutive sync bytes must line up before a framing
// is trusted.
const syncRun = 3

// detectFraming finds the framing and start position whose sync bytes line
// up syncRun times in buf. At end of input a shorter run that reaches the end
// of buf is accepted.
func detectFraming(buf []byte, atEOF bool) (framing, int, bool) {
	for start := 0; start < len(buf); start++ {
		if buf[start] != syncByte {
			continue
		}
		for _, f := range framings {
			if start < f.offset {
				continue
			}
			if alignedSyncs(buf, start, f.size, atEOF) {
				return f, start - f.offset, true
			}
		}
	}
	return framing{}, 0, false
}

func alignedSyncs(buf []byte, pos, stride int, atEOF bool) bool {
	for i := range syncRun {
		p := pos + i*stride
		if p >= len(buf) {
			return atEOF
		}
		if buf[p] != syncByte {
			return false
		}
	}
	return true
}
