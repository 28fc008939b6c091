package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/flicker/internal/events"
	"github.com/zsiec/flicker/internal/media"
	"github.com/zsiec/flicker/internal/queue"
)

// DefaultRefillTimeout bounds how long one device callback waits for the
// next audio packet before padding with silence.
const DefaultRefillTimeout = 20 * time.Millisecond

type streamState int

const (
	streamRunning streamState = iota
	streamDrained
	streamFailed
)

// AudioBridge adapts the pull-driven audio device to the packet queue. The
// device calls Read from its own real-time context; every call fills the
// whole buffer, with decoded samples while they last and silence after.
//
// Read never waits on the queue for longer than the refill timeout, and never
// at all once the session is cancelled or the stream has ended.
type AudioBridge struct {
	log     *slog.Logger
	q       *queue.PacketQueue
	dec     media.Decoder
	res     media.Resampler
	timeout time.Duration
	stats   *Stats
	onEnd   func()
	notify  events.Notifier

	mu         sync.Mutex
	cfg        media.StreamConfig
	configured bool
	state      streamState
	flushed    bool
	silence    byte

	// staging buffer: stage[start:end] has not been handed to the device yet
	stage      []byte
	start, end int
	starved    bool
}

// AudioBridgeConfig collects the dependencies of an AudioBridge.
type AudioBridgeConfig struct {
	Queue     *queue.PacketQueue
	Decoder   media.Decoder
	Resampler media.Resampler
	Stream    media.StreamConfig
	// RefillTimeout defaults to DefaultRefillTimeout.
	RefillTimeout time.Duration
	Stats         *Stats
	// OnEnd runs once when the stream drains or fails.
	OnEnd func()
	// Notifier receives a Fatal event when the stream fails. It is called
	// from the device callback and must not block.
	Notifier events.Notifier
	Logger   *slog.Logger
}

// NewAudioBridge creates the bridge. When the stream's input format is
// already fully known the resampler is configured here, so configuration
// errors surface before playback starts.
func NewAudioBridge(cfg AudioBridgeConfig) (*AudioBridge, error) {
	if !cfg.Stream.AudioOut.Complete() {
		return nil, fmt.Errorf("audio output format incomplete: %s", cfg.Stream.AudioOut)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	b := &AudioBridge{
		log:     log.With("component", "audio", "stream", cfg.Stream.Stream.Index),
		q:       cfg.Queue,
		dec:     cfg.Decoder,
		res:     cfg.Resampler,
		timeout: cfg.RefillTimeout,
		stats:   cfg.Stats,
		onEnd:   cfg.OnEnd,
		notify:  cfg.Notifier,
		cfg:     cfg.Stream,
	}
	if b.timeout <= 0 {
		b.timeout = DefaultRefillTimeout
	}
	if b.stats == nil {
		b.stats = &Stats{}
	}
	if b.onEnd == nil {
		b.onEnd = func() {}
	}
	if cfg.Stream.AudioOut.SampleFormat == media.SampleFormatU8 {
		b.silence = 0x80
	}
	if b.cfg.AudioIn.Complete() {
		if err := b.res.Configure(b.cfg.AudioIn, b.cfg.AudioOut); err != nil {
			return nil, fmt.Errorf("configuring resampler: %w", err)
		}
		b.configured = true
	}
	return b, nil
}

// Format returns the fixed device format.
func (b *AudioBridge) Format() media.AudioFormat {
	return b.cfg.AudioOut
}

// Read fills p completely and never returns an error.
func (b *AudioBridge) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	deadline := time.Now().Add(b.timeout)
	n := 0
	for n < len(p) {
		if b.start == b.end && !b.refill(deadline) {
			break
		}
		c := copy(p[n:], b.stage[b.start:b.end])
		b.start += c
		n += c
	}

	if n > 0 {
		b.stats.AudioBytes.Add(int64(n))
	}
	if n < len(p) {
		fill(p[n:], b.silence)
		b.stats.SilenceBytes.Add(int64(len(p) - n))
	}
	if n == 0 && !b.starved && b.state == streamRunning {
		b.log.Debug("audio starved, playing silence")
	}
	b.starved = n == 0
	return len(p), nil
}

// refill pulls packets until at least one frame is staged. It returns false
// when the session is cancelled, the stream is over, or deadline passed
// before a frame could be staged.
func (b *AudioBridge) refill(deadline time.Time) bool {
	b.start, b.end = 0, 0
	if b.state != streamRunning {
		b.discard()
		return false
	}

	for b.state == streamRunning {
		pkt, err := b.pop(deadline)
		switch {
		case err == nil:
			if err := b.dec.Submit(pkt); err != nil {
				b.stats.DecodeErrors.Add(1)
				continue
			}
		case errors.Is(err, media.ErrEndOfStream):
			if b.flushed {
				b.terminate(streamDrained, nil)
				return false
			}
			b.flushed = true
			if err := b.dec.Submit(nil); err != nil {
				b.terminate(streamDrained, nil)
				return false
			}
		case errors.Is(err, media.ErrTimeout):
			b.stats.Underruns.Add(1)
			return false
		default:
			return false
		}

		b.drain()
		if b.end > 0 {
			return true
		}
		if b.flushed && b.state == streamRunning {
			b.terminate(streamDrained, nil)
		}
	}
	return false
}

// pop waits for the next packet until deadline. Past the deadline it only
// takes what is already queued.
func (b *AudioBridge) pop(deadline time.Time) (*media.Packet, error) {
	wait := time.Until(deadline)
	if wait > 0 {
		return b.q.PopTimeout(wait)
	}
	pkt, err := b.q.Pop(false)
	if errors.Is(err, media.ErrEmpty) {
		return nil, media.ErrTimeout
	}
	return pkt, err
}

// drain receives every frame the decoder has ready and stages it.
func (b *AudioBridge) drain() {
	for b.state == streamRunning {
		f, err := b.dec.Receive()
		switch {
		case err == nil:
			b.stageFrame(f)
		case errors.Is(err, media.ErrWouldBlock):
			return
		case errors.Is(err, media.ErrEndOfStream):
			b.terminate(streamDrained, nil)
			return
		default:
			b.stats.DecodeErrors.Add(1)
			return
		}
	}
}

func (b *AudioBridge) stageFrame(f media.Frame) {
	defer f.Release()

	af, ok := f.(media.AudioFrame)
	if !ok {
		b.terminate(streamFailed, fmt.Errorf("%w: decoder returned %T for an audio stream", media.ErrUnsupported, f))
		return
	}
	hint := b.cfg.AudioIn
	changed, err := b.cfg.PinAudio(af.AudioFormat())
	if err != nil {
		b.terminate(streamFailed, err)
		return
	}
	if changed && hint.Merge(b.cfg.AudioIn) != b.cfg.AudioIn {
		b.log.Warn("decoder output differs from container, following decoder", "container", hint, "decoder", b.cfg.AudioIn)
	}
	if changed || !b.configured {
		if err := b.res.Configure(b.cfg.AudioIn, b.cfg.AudioOut); err != nil {
			b.terminate(streamFailed, fmt.Errorf("configuring resampler: %w", err))
			return
		}
		b.configured = true
		b.log.Info("audio format pinned", "in", b.cfg.AudioIn, "out", b.cfg.AudioOut)
	}

	need := media.MaxResampledBytes(b.cfg.AudioIn, b.cfg.AudioOut, af.Samples())
	if len(b.stage)-b.end < need {
		grown := make([]byte, b.end+need)
		copy(grown, b.stage[:b.end])
		b.stage = grown
	}
	n, err := b.res.Convert(af, b.stage[b.end:b.end+need])
	if err != nil {
		b.stats.DecodeErrors.Add(1)
		return
	}
	b.end += n
	b.stats.AudioFrames.Add(1)
	if pts := af.PTS(); pts != media.NoPTS {
		b.stats.LastAudioPTS.Store(int64(pts))
	}
}

// terminate moves the stream to a terminal state exactly once.
func (b *AudioBridge) terminate(state streamState, err error) {
	if b.state != streamRunning {
		return
	}
	b.state = state
	if state == streamFailed {
		b.stats.StreamFailures.Add(1)
		b.log.Error("audio stream failed, continuing with silence", "error", err)
		if b.notify != nil {
			b.notify.Notify(events.Event{Kind: events.Fatal, Err: err})
		}
	} else {
		b.log.Info("audio stream drained")
	}
	b.onEnd()
}

// discard drops whatever is queued so a dead stream never holds the
// producer at its watermark.
func (b *AudioBridge) discard() {
	for {
		if _, err := b.q.Pop(false); err != nil {
			return
		}
	}
}

// Close releases the decoder and resampler. The device must already be
// stopped.
func (b *AudioBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return errors.Join(b.dec.Close(), b.res.Close())
}

func fill(p []byte, v byte) {
	if v == 0 {
		clear(p)
		return
	}
	for i := range p {
		p[i] = v
	}
}
