package mpegts

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
)

// ErrNoSync is returned when no transport stream framing can be found.
var ErrNoSync = errors.New("mpegts: no transport stream sync found")

// detectWindow is how much data the reader inspects to find packet framing.
const detectWindow = 204 * (syncRun + 2)

// UnitError reports a unit that could not be parsed. Reading can continue
// after it.
type UnitError struct {
	PID uint16
	Err error
}

func (e *UnitError) Error() string { return fmt.Sprintf("mpegts: PID %d: %v", e.PID, e.Err) }
func (e *UnitError) Unwrap() error { return e.Err }

// Stats counts what the reader has seen.
type Stats struct {
	Packets    int64 `json:"packets"`
	Resyncs    int64 `json:"resyncs"`
	CCErrors   int64 `json:"cc_errors"`
	TEIPackets int64 `json:"tei_packets"`
	BadUnits   int64 `json:"bad_units"`
}

// Reader pulls units from a transport stream. It is not safe for concurrent
// use.
type Reader struct {
	r       *bufio.Reader
	framing framing
	framed  bool
	wire    []byte

	asm        map[uint16]*assembler
	pmtPIDs    map[uint16]bool
	splicePIDs map[uint16]bool
	pending []*Unit
	errs    []error
	eof     bool
	stats   Stats
}

// NewReader returns a reader over r. Packet framing is detected from the
// first bytes read.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:       bufio.NewReaderSize(r, 64*1024),
		asm:        make(map[uint16]*assembler),
		pmtPIDs:    make(map[uint16]bool),
		splicePIDs: make(map[uint16]bool),
	}
}

// Stats returns the reader counters.
func (r *Reader) Stats() Stats { return r.stats }

// Next returns the next unit. It returns io.EOF after the last buffered
// unit, a *UnitError for a unit that failed to parse, and ErrNoSync when the
// input never contained a transport stream.
func (r *Reader) Next() (*Unit, error) {
	for {
		if len(r.errs) > 0 {
			err := r.errs[0]
			r.errs = r.errs[1:]
			return nil, err
		}
		if len(r.pending) > 0 {
			u := r.pending[0]
			r.pending = r.pending[1:]
			return u, nil
		}
		if r.eof {
			return nil, io.EOF
		}

		pkt, err := r.readPacket()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				r.eof = true
				r.flushAll()
				continue
			}
			return nil, err
		}
		r.handle(pkt)
	}
}

// readPacket returns the next 188-byte packet, re-establishing framing when
// sync is lost.
func (r *Reader) readPacket() ([]byte, error) {
	if !r.framed {
		if err := r.sync(); err != nil {
			return nil, err
		}
	}
	buf, err := r.r.Peek(r.framing.size)
	if err != nil {
		return nil, err
	}
	if buf[r.framing.offset] != syncByte {
		r.framed = false
		r.stats.Resyncs++
		r.r.Discard(1)
		return r.readPacket()
	}
	copy(r.wire, buf)
	r.r.Discard(r.framing.size)
	r.stats.Packets++
	return r.wire[r.framing.offset : r.framing.offset+PacketSize], nil
}

// sync discards bytes until packet framing lines up.
func (r *Reader) sync() error {
	for {
		buf, err := r.r.Peek(detectWindow)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if len(buf) == 0 {
			return io.EOF
		}
		atEOF := err != nil
		if f, start, ok := detectFraming(buf, atEOF); ok {
			r.r.Discard(start)
			r.framing = f
			r.framed = true
			if len(r.wire) != f.size {
				r.wire = make([]byte, f.size)
			}
			return nil
		}
		if atEOF {
			if r.stats.Packets == 0 {
				return ErrNoSync
			}
			return io.EOF
		}
		// Keep the tail: a sync run may straddle the window.
		r.r.Discard(len(buf) - 204*syncRun)
	}
}

func (r *Reader) handle(pkt []byte) {
	h, payload, err := parsePacket(pkt)
	if err != nil || h.pid == pidNull {
		return
	}
	if h.tei {
		r.stats.TEIPackets++
	}

	a, ok := r.asm[h.pid]
	if !ok {
		a = newAssembler(h.pid, r.isPSI(h.pid))
		r.asm[h.pid] = a
	}
	if a.add(h, payload, func(c *completed) { r.parse(h.pid, c) }) {
		r.stats.CCErrors++
	}
}

func (r *Reader) isPSI(pid uint16) bool {
	return pid == pidPAT || r.pmtPIDs[pid] || r.splicePIDs[pid]
}

func (r *Reader) parse(pid uint16, c *completed) {
	if r.isPSI(pid) {
		units, err := parsePSI(pid, c.data)
		if err != nil {
			r.fail(pid, err)
		}
		for _, u := range units {
			if u.PAT != nil {
				r.learnPAT(u.PAT)
			}
			if u.PMT != nil {
				r.learnPMT(u.PMT)
			}
			u.Discontinuity = c.discontinuity
			r.pending = append(r.pending, u)
		}
		return
	}

	if !isPESPayload(c.data) {
		return
	}
	pes, err := parsePES(c.data)
	if err != nil {
		r.fail(pid, err)
		return
	}
	pes.RandomAccess = c.randomAccess
	r.pending = append(r.pending, &Unit{PID: pid, PES: pes, Discontinuity: c.discontinuity})
}

func (r *Reader) learnPAT(pat *PAT) {
	for _, p := range pat.Programs {
		r.pmtPIDs[p.PMTPID] = true
		if a, ok := r.asm[p.PMTPID]; ok {
			a.psi = true
		}
	}
}

// learnPMT switches SCTE-35 PIDs to section reassembly.
func (r *Reader) learnPMT(pmt *PMT) {
	for _, es := range pmt.Streams {
		if es.StreamType != StreamTypeSCTE35 {
			continue
		}
		r.splicePIDs[es.PID] = true
		if a, ok := r.asm[es.PID]; ok {
			a.psi = true
		}
	}
}

func (r *Reader) fail(pid uint16, err error) {
	r.stats.BadUnits++
	r.errs = append(r.errs, &UnitError{PID: pid, Err: err})
}

// flushAll emits whatever is still being assembled, PAT first so PMT PIDs
// are known before their sections are parsed.
func (r *Reader) flushAll() {
	pids := make([]int, 0, len(r.asm))
	for pid := range r.asm {
		pids = append(pids, int(pid))
	}
	sort.Ints(pids)
	for _, pid := range pids {
		a := r.asm[uint16(pid)]
		a.psi = r.isPSI(a.pid)
		if c := a.flush(); c != nil {
			r.parse(a.pid, c)
		}
	}
}
