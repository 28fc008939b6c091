package scte35

// bitReader reads bits MSB-first from a byte slice. Reading past the end
// yields zeros and sets overflow.
type bitReader struct {
	data     []byte
	pos      int
	overflow bool
}

func (r *bitReader) bitsLeft() int {
	if n := len(r.data)*8 - r.pos; n > 0 {
		return n
	}
	return 0
}

func (r *bitReader) flag() bool {
	return r.uint(1) == 1
}

func (r *bitReader) uint(n int) uint64 {
	var v uint64
	for range n {
		v <<= 1
		if r.pos >= len(r.data)*8 {
			r.overflow = true
			r.pos++
			continue
		}
		v |= uint64(r.data[r.pos/8]>>(7-r.pos%8)) & 1
		r.pos++
	}
	return v
}

func (r *bitReader) skip(n int) {
	r.pos += n
	if r.pos > len(r.data)*8 {
		r.overflow = true
	}
}

// bytes returns the next n whole bytes. The reader must be byte aligned.
func (r *bitReader) bytes(n int) []byte {
	start := r.pos / 8
	r.skip(n * 8)
	if r.overflow {
		return nil
	}
	return r.data[start : start+n]
}
