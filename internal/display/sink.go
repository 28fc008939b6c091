// Package display implements the video sinks: an SDL window that owns the UI
// event loop, and a headless sink for runs without a screen. Both pace
// presentation against the wall clock; the pipeline hands pictures over as
// fast as it decodes them.
package display

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/flicker/internal/media"
	"github.com/zsiec/flicker/internal/shutdown"
)

// Stats counts what a sink did with the pictures it received.
type Stats struct {
	Received  int64 `json:"received"`
	Presented int64 `json:"presented"`
	Dropped   int64 `json:"dropped"`
	Rebases   int64 `json:"rebases"`
}

type counters struct {
	received  atomic.Int64
	presented atomic.Int64
	dropped   atomic.Int64
	rebases   atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Received:  c.received.Load(),
		Presented: c.presented.Load(),
		Dropped:   c.dropped.Load(),
		Rebases:   c.rebases.Load(),
	}
}

// sleep waits for d and reports false if done closed first.
func sleep(d time.Duration, done <-chan struct{}) bool {
	if d <= 0 {
		select {
		case <-done:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-done:
		return false
	}
}

// Headless is a VideoSink that paces and counts pictures without showing
// them.
type Headless struct {
	log   *slog.Logger
	coord *shutdown.Coordinator
	pacer *Pacer
	stats counters
}

// NewHeadless returns a headless sink. Waits end early when coord is
// cancelled.
func NewHeadless(coord *shutdown.Coordinator, maxGap time.Duration, log *slog.Logger) *Headless {
	if log == nil {
		log = slog.Default()
	}
	return &Headless{
		log:   log.With("component", "display"),
		coord: coord,
		pacer: NewPacer(maxGap),
	}
}

// Present implements media.VideoSink.
func (h *Headless) Present(pic *media.Picture, pts time.Duration) {
	h.stats.received.Add(1)
	wait := h.pacer.Delay(pts)
	h.stats.rebases.Store(h.pacer.Rebases())
	if !sleep(wait, h.coord.Done()) {
		h.stats.dropped.Add(1)
		return
	}
	if h.stats.presented.Add(1) == 1 {
		h.log.Info("first picture", "format", pic.Format, "pts", pts)
	}
}

// Stats returns the sink counters.
func (h *Headless) Stats() Stats { return h.stats.snapshot() }
