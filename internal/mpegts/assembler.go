package mpegts

// assembler reassembles the payload units of one PID.
type assembler struct {
	pid     uint16
	psi     bool
	lastCC  int // -1 until the first packet
	buf     []byte
	started bool

	randomAccess  bool
	discontinuity bool // carried into the unit being assembled
	lost          bool // a gap was seen since the last completed unit
}

func newAssembler(pid uint16, psi bool) *assembler {
	return &assembler{pid: pid, psi: psi, lastCC: -1}
}

// completed is a fully reassembled payload unit.
type completed struct {
	data          []byte
	randomAccess  bool
	discontinuity bool
}

// add feeds one packet, passing every unit it completes to emit. It reports
// whether a continuity error was detected.
func (a *assembler) add(h header, payload []byte, emit func(*completed)) (ccError bool) {
	if h.tei {
		a.reset(true)
		return false
	}
	if !h.hasPayload {
		return false
	}

	if a.lastCC >= 0 && !h.discontinuity {
		expected := (a.lastCC + 1) & 0x0F
		switch int(h.cc) {
		case expected:
		case a.lastCC:
			return false // duplicate
		default:
			ccError = true
			a.reset(true)
		}
	}
	a.lastCC = int(h.cc)

	if h.pusi {
		if a.started && len(a.buf) > 0 {
			emit(a.take())
		}
		a.started = true
		a.randomAccess = h.randomAccess
		a.discontinuity = a.lost
		a.lost = false
	} else if !a.started {
		return ccError
	}

	a.buf = append(a.buf, payload...)
	if a.done() {
		emit(a.take())
		a.started = false
	}
	return ccError
}

// done reports whether the unit under assembly is known to be complete
// without waiting for the next payload unit start.
func (a *assembler) done() bool {
	if a.psi {
		return sectionComplete(a.buf)
	}
	n := pesLength(a.buf)
	return n > 0 && len(a.buf) >= n
}

func (a *assembler) take() *completed {
	c := &completed{data: a.buf, randomAccess: a.randomAccess, discontinuity: a.discontinuity}
	a.buf = nil
	return c
}

// flush returns whatever is buffered, for end of stream.
func (a *assembler) flush() *completed {
	if !a.started || len(a.buf) == 0 {
		return nil
	}
	a.started = false
	return a.take()
}

func (a *assembler) reset(lost bool) {
	a.buf = nil
	a.started = false
	if lost {
		a.lost = true
	}
}
