package pipeline

import (
	"errors"
	"log/slog"
	"time"

	"github.com/zsiec/flicker/internal/events"
	"github.com/zsiec/flicker/internal/media"
	"github.com/zsiec/flicker/internal/queue"
	"github.com/zsiec/flicker/internal/shutdown"
)

// Producer reads packets from a Demuxer and routes them into per-stream
// queues. It stops reading while any queue is at its watermark and resumes
// once that queue's consumer frees space.
type Producer struct {
	log     *slog.Logger
	demuxer media.Demuxer
	routes  map[int]*queue.PacketQueue
	queues  []*queue.PacketQueue
	coord   *shutdown.Coordinator
	notify  events.Notifier
	stats   *Stats
}

// NewProducer creates a producer that routes packets of stream index i to
// routes[i] and discards everything else. Terminal conditions are reported
// through notify.
func NewProducer(d media.Demuxer, routes map[int]*queue.PacketQueue, coord *shutdown.Coordinator, notify events.Notifier, stats *Stats, log *slog.Logger) *Producer {
	if log == nil {
		log = slog.Default()
	}
	if stats == nil {
		stats = &Stats{}
	}
	p := &Producer{
		log:     log.With("component", "producer"),
		demuxer: d,
		routes:  routes,
		coord:   coord,
		notify:  notify,
		stats:   stats,
	}
	for _, q := range routes {
		p.queues = append(p.queues, q)
	}
	return p
}

// Run reads until the source ends, fails, or the session is cancelled.
// After the source ends it posts a single notification and then only waits
// for cancellation, so the owner's regular quit path tears it down.
func (p *Producer) Run() error {
	start := time.Now()
	paused := false
	for {
		if p.coord.Cancelled() {
			p.log.Debug("cancelled while reading")
			return nil
		}

		// SpaceFreed may hold a stale wakeup, so a pause can loop here
		// more than once before space is really free.
		if q := p.fullQueue(); q != nil {
			if !paused {
				paused = true
				p.stats.ProducerPauses.Add(1)
			}
			select {
			case <-q.SpaceFreed():
			case <-p.coord.Done():
			}
			continue
		}
		paused = false

		pkt, err := p.demuxer.NextPacket()
		if err != nil {
			if media.IsRecoverable(err) {
				p.stats.DemuxErrors.Add(1)
				p.log.Warn("skipping unreadable packet", "error", err)
				continue
			}
			p.finish()
			if errors.Is(err, media.ErrEndOfStream) {
				p.log.Info("source ended",
					"packets", p.stats.PacketsRead.Load(),
					"elapsed", time.Since(start).Round(time.Millisecond))
				p.post(events.Event{Kind: events.Ended})
			} else {
				p.log.Error("demux failed", "error", err)
				p.post(events.Event{Kind: events.Fatal, Err: err})
			}
			break
		}

		p.stats.PacketsRead.Add(1)
		p.route(pkt)
	}

	<-p.coord.Done()
	return nil
}

func (p *Producer) route(pkt *media.Packet) {
	q, ok := p.routes[pkt.Stream]
	if !ok {
		p.stats.PacketsDiscarded.Add(1)
		return
	}
	q.Push(pkt)
	p.stats.PacketsRouted.Add(1)
}

// fullQueue returns a queue that is at its watermark, or nil.
func (p *Producer) fullQueue() *queue.PacketQueue {
	for _, q := range p.queues {
		if q.Full() {
			return q
		}
	}
	return nil
}

func (p *Producer) finish() {
	for _, q := range p.queues {
		q.Finish()
	}
}

func (p *Producer) post(ev events.Event) {
	if p.notify != nil {
		p.notify.Notify(ev)
	}
}
