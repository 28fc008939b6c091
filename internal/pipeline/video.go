package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zsiec/flicker/internal/events"
	"github.com/zsiec/flicker/internal/media"
	"github.com/zsiec/flicker/internal/queue"
)

// VideoConsumer decodes video packets, converts each frame to the sink's
// presentation format and hands it to the sink. It does not pace: timing
// and dropping are the sink's business.
//
// The consumer owns its decoder and scaler and releases both when Run
// returns.
type VideoConsumer struct {
	log    *slog.Logger
	q      *queue.PacketQueue
	dec    media.Decoder
	scaler media.Scaler
	sink   media.VideoSink
	stats  *Stats
	onEnd  func()
	notify events.Notifier

	cfg        media.StreamConfig
	configured bool
	state      streamState
	closeOnce  sync.Once
}

// VideoConsumerConfig collects the dependencies of a VideoConsumer.
type VideoConsumerConfig struct {
	Queue   *queue.PacketQueue
	Decoder media.Decoder
	Scaler  media.Scaler
	Sink    media.VideoSink
	Stream  media.StreamConfig
	Stats   *Stats
	// OnEnd runs once when the stream drains or fails.
	OnEnd func()
	// Notifier receives a Fatal event when the stream fails.
	Notifier events.Notifier
	Logger   *slog.Logger
}

// NewVideoConsumer creates the consumer, configuring the scaler up front
// when the stream's input format is already known.
func NewVideoConsumer(cfg VideoConsumerConfig) (*VideoConsumer, error) {
	if cfg.Stream.VideoOut.PixelFormat == media.PixelFormatUnknown {
		return nil, errors.New("video output pixel format not set")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	v := &VideoConsumer{
		log:    log.With("component", "video", "stream", cfg.Stream.Stream.Index),
		q:      cfg.Queue,
		dec:    cfg.Decoder,
		scaler: cfg.Scaler,
		sink:   cfg.Sink,
		stats:  cfg.Stats,
		onEnd:  cfg.OnEnd,
		notify: cfg.Notifier,
		cfg:    cfg.Stream,
	}
	if v.stats == nil {
		v.stats = &Stats{}
	}
	if v.onEnd == nil {
		v.onEnd = func() {}
	}
	if v.cfg.VideoIn.Complete() {
		// VideoOut stays unsized here so the first frame can still resize it.
		out := v.cfg.VideoOut
		if out.Width == 0 || out.Height == 0 {
			out.Width, out.Height = v.cfg.VideoIn.Width, v.cfg.VideoIn.Height
		}
		if err := v.scaler.Configure(v.cfg.VideoIn, out); err != nil {
			return nil, fmt.Errorf("configuring scaler: %w", err)
		}
		v.configured = true
	}
	return v, nil
}

// Run consumes packets until cancellation or until the stream has been
// decoded to the end.
func (v *VideoConsumer) Run() error {
	defer v.close()

	for {
		pkt, err := v.q.Pop(true)
		switch {
		case err == nil:
			if v.state != streamRunning {
				continue
			}
			if err := v.dec.Submit(pkt); err != nil {
				v.stats.DecodeErrors.Add(1)
				v.log.Warn("skipping undecodable packet", "pts", pkt.PTS, "error", err)
				continue
			}
			v.drain()
		case errors.Is(err, media.ErrEndOfStream):
			if v.state == streamRunning {
				if err := v.dec.Submit(nil); err == nil {
					v.drain()
				}
				v.terminate(streamDrained, nil)
			}
			return nil
		case errors.Is(err, media.ErrCancelled):
			v.log.Debug("cancelled")
			return nil
		default:
			return err
		}
	}
}

func (v *VideoConsumer) drain() {
	for v.state == streamRunning {
		f, err := v.dec.Receive()
		switch {
		case err == nil:
			v.present(f)
		case errors.Is(err, media.ErrWouldBlock):
			return
		case errors.Is(err, media.ErrEndOfStream):
			v.terminate(streamDrained, nil)
			return
		default:
			v.stats.DecodeErrors.Add(1)
			v.log.Warn("decode failed", "error", err)
			return
		}
	}
}

func (v *VideoConsumer) present(f media.Frame) {
	defer f.Release()

	vf, ok := f.(media.VideoFrame)
	if !ok {
		v.terminate(streamFailed, fmt.Errorf("%w: decoder returned %T for a video stream", media.ErrUnsupported, f))
		return
	}
	v.stats.VideoFrames.Add(1)

	hint := v.cfg.VideoIn
	changed, err := v.cfg.PinVideo(vf.VideoFormat())
	if err != nil {
		v.terminate(streamFailed, err)
		return
	}
	if changed && hint.Merge(v.cfg.VideoIn) != v.cfg.VideoIn {
		v.log.Warn("decoder output differs from container, following decoder", "container", hint, "decoder", v.cfg.VideoIn)
	}
	if changed || !v.configured {
		if err := v.scaler.Configure(v.cfg.VideoIn, v.cfg.VideoOut); err != nil {
			v.terminate(streamFailed, fmt.Errorf("configuring scaler: %w", err))
			return
		}
		v.configured = true
		v.log.Info("video format pinned", "in", v.cfg.VideoIn, "out", v.cfg.VideoOut)
	}

	pic, err := v.scaler.Convert(vf)
	if err != nil {
		v.stats.DecodeErrors.Add(1)
		v.log.Warn("scale failed", "error", err)
		return
	}
	pts := vf.PTS()
	v.sink.Present(pic, pts)
	v.stats.Presented.Add(1)
	if pts != media.NoPTS {
		v.stats.LastVideoPTS.Store(int64(pts))
	}
}

// terminate moves the stream to a terminal state exactly once. A failed
// stream keeps draining its queue so the producer is never held at the
// watermark.
func (v *VideoConsumer) terminate(state streamState, err error) {
	if v.state != streamRunning {
		return
	}
	v.state = state
	if state == streamFailed {
		v.stats.StreamFailures.Add(1)
		v.log.Error("video stream failed", "error", err)
		if v.notify != nil {
			v.notify.Notify(events.Event{Kind: events.Fatal, Err: err})
		}
	} else {
		v.log.Info("video stream drained", "presented", v.stats.Presented.Load())
	}
	v.onEnd()
}

func (v *VideoConsumer) close() {
	v.closeOnce.Do(func() {
		if err := errors.Join(v.dec.Close(), v.scaler.Close()); err != nil {
			v.log.Warn("closing video codec", "error", err)
		}
	})
}
