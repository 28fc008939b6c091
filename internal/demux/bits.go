package demux

import "errors"

var errTruncated = errors.New("demux: bitstream truncated")

// bitReader reads MSB-first bit fields. The first read past the end sets err
// and every later read returns zero, so callers check err once at the end.
type bitReader struct {
	data []byte
	off  int // bit offset
	err  error
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (br *bitReader) bit() uint {
	if br.err != nil {
		return 0
	}
	if br.off>>3 >= len(br.data) {
		br.err = errTruncated
		return 0
	}
	v := uint(br.data[br.off>>3]>>(7-br.off&7)) & 1
	br.off++
	return v
}

func (br *bitReader) flag() bool { return br.bit() == 1 }

func (br *bitReader) bits(n int) uint {
	var v uint
	for range n {
		v = v<<1 | br.bit()
	}
	return v
}

func (br *bitReader) skip(n int) { br.bits(n) }

// ue reads an unsigned Exp-Golomb code.
func (br *bitReader) ue() uint {
	zeros := 0
	for br.bit() == 0 {
		if br.err != nil {
			return 0
		}
		zeros++
		if zeros > 31 {
			br.err = errTruncated
			return 0
		}
	}
	return 1<<zeros - 1 + br.bits(zeros)
}

// se reads a signed Exp-Golomb code.
func (br *bitReader) se() int {
	v := br.ue()
	if v%2 == 0 {
		return -int(v / 2)
	}
	return int((v + 1) / 2)
}

func (br *bitReader) skipScalingList(size int) {
	last, next := 8, 8
	for range size {
		if next != 0 {
			next = (last + br.se() + 256) % 256
		}
		if next != 0 {
			last = next
		}
		if br.err != nil {
			return
		}
	}
}

// unescapeRBSP removes emulation prevention bytes (00 00 03).
func unescapeRBSP(data []byte) []byte {
	out := make([]byte, 0, len(data))
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b == 0x03 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}
