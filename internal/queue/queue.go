// Package queue implements the per-stream packet FIFO that sits between the
// demuxer goroutine and a stream's consumer.
package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/flicker/internal/media"
)

const minSlots = 64

// PacketQueue is an unbounded-count, byte-accounted FIFO with a single
// producer and a single consumer. Producers throttle themselves against the
// watermark using Full and SpaceFreed; Push itself never fails.
//
// Size always equals the summed payload size of the queued packets and is
// readable without taking the lock.
type PacketQueue struct {
	mu       sync.Mutex
	slots    []*media.Packet // len is a power of two
	head     uint64          // free-running; index with &(len-1)
	tail     uint64
	finished bool

	bytes     atomic.Int64
	count     atomic.Int64
	watermark int64

	done  <-chan struct{}
	ready chan struct{}
	space chan struct{}

	pushed atomic.Int64
	popped atomic.Int64
}

// New returns an empty queue whose Full reports true once the queued bytes
// reach watermark. A watermark <= 0 disables the limit. Blocking pops return
// media.ErrCancelled once done is closed.
func New(watermark int64, done <-chan struct{}) *PacketQueue {
	return &PacketQueue{
		slots:     make([]*media.Packet, minSlots),
		watermark: watermark,
		done:      done,
		ready:     make(chan struct{}, 1),
		space:     make(chan struct{}, 1),
	}
}

// Push appends pkt at the tail and wakes a waiting consumer.
func (q *PacketQueue) Push(pkt *media.Packet) {
	q.mu.Lock()
	if q.tail-q.head == uint64(len(q.slots)) {
		q.grow()
	}
	q.slots[q.tail&uint64(len(q.slots)-1)] = pkt
	q.tail++
	q.bytes.Add(pkt.Size())
	q.count.Add(1)
	q.mu.Unlock()

	q.pushed.Add(1)
	notify(q.ready)
}

// grow doubles the ring, preserving order. Called with mu held.
func (q *PacketQueue) grow() {
	n := uint64(len(q.slots))
	next := make([]*media.Packet, n*2)
	for i := uint64(0); i < n; i++ {
		next[i] = q.slots[(q.head+i)&(n-1)]
	}
	q.slots = next
	q.head, q.tail = 0, n
}

// Pop removes the packet at the head. Without block it returns
// media.ErrEmpty when nothing is queued. With block it waits for a push.
// In both modes it returns media.ErrCancelled once cancellation is signaled
// and media.ErrEndOfStream when the queue has been finished and drained.
func (q *PacketQueue) Pop(block bool) (*media.Packet, error) {
	return q.pop(block, nil)
}

// PopTimeout is a blocking Pop that gives up with media.ErrTimeout after d.
func (q *PacketQueue) PopTimeout(d time.Duration) (*media.Packet, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	return q.pop(true, timer.C)
}

func (q *PacketQueue) pop(block bool, timeout <-chan time.Time) (*media.Packet, error) {
	for {
		if q.cancelled() {
			return nil, media.ErrCancelled
		}

		q.mu.Lock()
		if q.tail != q.head {
			i := q.head & uint64(len(q.slots)-1)
			pkt := q.slots[i]
			q.slots[i] = nil
			q.head++
			q.bytes.Add(-pkt.Size())
			q.count.Add(-1)
			q.mu.Unlock()

			q.popped.Add(1)
			notify(q.space)
			return pkt, nil
		}
		finished := q.finished
		q.mu.Unlock()

		if finished {
			return nil, media.ErrEndOfStream
		}
		if !block {
			return nil, media.ErrEmpty
		}

		select {
		case <-q.ready:
		case <-q.done:
			return nil, media.ErrCancelled
		case <-timeout:
			return nil, media.ErrTimeout
		}
	}
}

// Finish records that no further packets will be pushed. Pops drain what
// is queued and then return media.ErrEndOfStream.
func (q *PacketQueue) Finish() {
	q.mu.Lock()
	q.finished = true
	q.mu.Unlock()
	notify(q.ready)
}

// Size returns the queued payload bytes.
func (q *PacketQueue) Size() int64 { return q.bytes.Load() }

// Len returns the number of queued packets.
func (q *PacketQueue) Len() int { return int(q.count.Load()) }

// Full reports whether the queued bytes have reached the watermark.
func (q *PacketQueue) Full() bool {
	return q.watermark > 0 && q.bytes.Load() >= q.watermark
}

// Watermark returns the configured byte limit.
func (q *PacketQueue) Watermark() int64 { return q.watermark }

// SpaceFreed returns a channel that receives after a pop. A receive is a
// hint to re-check Full, not a guarantee that space is available.
func (q *PacketQueue) SpaceFreed() <-chan struct{} { return q.space }

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Packets   int   `json:"packets"`
	Bytes     int64 `json:"bytes"`
	Watermark int64 `json:"watermark"`
	Pushed    int64 `json:"pushed"`
	Popped    int64 `json:"popped"`
}

// Stats returns the current counters.
func (q *PacketQueue) Stats() Stats {
	return Stats{
		Packets:   q.Len(),
		Bytes:     q.Size(),
		Watermark: q.watermark,
		Pushed:    q.pushed.Load(),
		Popped:    q.popped.Load(),
	}
}

func (q *PacketQueue) cancelled() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
