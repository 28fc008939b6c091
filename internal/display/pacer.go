package display

import (
	"time"

	"github.com/zsiec/flicker/internal/media"
)

// DefaultMaxGap is the timestamp jump beyond which the pacer treats the
// stream as discontinuous and rebases its clock.
const DefaultMaxGap = time.Second

// Pacer maps presentation timestamps onto the wall clock. The first
// timestamp it sees is presented immediately and anchors the clock; later
// ones are scheduled relative to it. Pacer is not safe for concurrent use.
type Pacer struct {
	now    func() time.Time
	maxGap time.Duration

	started bool
	base    time.Time
	basePTS time.Duration
	rebases int64
}

// NewPacer returns a pacer that rebases on gaps larger than maxGap.
func NewPacer(maxGap time.Duration) *Pacer {
	if maxGap <= 0 {
		maxGap = DefaultMaxGap
	}
	return &Pacer{now: time.Now, maxGap: maxGap}
}

// Delay returns how long to wait before presenting a frame stamped pts.
// Frames without a timestamp, and late frames, are due immediately.
func (p *Pacer) Delay(pts time.Duration) time.Duration {
	if pts == media.NoPTS {
		return 0
	}
	now := p.now()
	if !p.started {
		p.anchor(now, pts)
		return 0
	}

	d := p.base.Add(pts - p.basePTS).Sub(now)
	if d > p.maxGap || d < -p.maxGap {
		p.rebases++
		p.anchor(now, pts)
		return 0
	}
	return max(d, 0)
}

func (p *Pacer) anchor(now time.Time, pts time.Duration) {
	p.started = true
	p.base = now
	p.basePTS = pts
}

// Rebases returns how many discontinuities the pacer has absorbed.
func (p *Pacer) Rebases() int64 { return p.rebases }
