// Package audio plays a pull-driven PCM stream on the platform audio device
// through oto. The device calls Read on the supplied reader from its own
// goroutine whenever it needs samples.
package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hajimehoshi/oto/v2"

	"github.com/zsiec/flicker/internal/media"
)

// DefaultBuffer is the device-side buffer used when Options.Buffer is zero.
const DefaultBuffer = 50 * time.Millisecond

const readyTimeout = 5 * time.Second

// Options configures a Device.
type Options struct {
	// Buffer is how much audio the device keeps queued ahead of playback.
	Buffer time.Duration
	Logger *slog.Logger
}

// oto allows a single context per process.
var (
	ctxMu     sync.Mutex
	ctx       *oto.Context
	ctxFormat media.AudioFormat
)

func sharedContext(format media.AudioFormat) (*oto.Context, error) {
	ctxMu.Lock()
	defer ctxMu.Unlock()
	if ctx != nil {
		if ctxFormat != format {
			return nil, fmt.Errorf("audio: device already open as %s, want %s", ctxFormat, format)
		}
		return ctx, nil
	}

	otoFmt, err := otoFormat(format.SampleFormat)
	if err != nil {
		return nil, err
	}
	c, ready, err := oto.NewContext(format.SampleRate, format.Channels, otoFmt)
	if err != nil {
		return nil, fmt.Errorf("audio: open device: %w", err)
	}
	select {
	case <-ready:
	case <-time.After(readyTimeout):
		return nil, errors.New("audio: device not ready")
	}
	ctx, ctxFormat = c, format
	return c, nil
}

func otoFormat(f media.SampleFormat) (int, error) {
	switch f {
	case media.SampleFormatS16:
		return oto.FormatSignedInt16LE, nil
	case media.SampleFormatF32:
		return oto.FormatFloat32LE, nil
	case media.SampleFormatU8:
		return oto.FormatUnsignedInt8, nil
	default:
		return 0, fmt.Errorf("%w: device sample format %s", media.ErrUnsupported, f)
	}
}

func bufferBytes(format media.AudioFormat, d time.Duration) int {
	frames := int64(format.SampleRate) * int64(d) / int64(time.Second)
	return max(int(frames), 1) * format.BytesPerFrame()
}

// Device is an open audio output pulling from a reader.
type Device struct {
	log    *slog.Logger
	ctx    *oto.Context
	format media.AudioFormat

	mu      sync.Mutex
	player  oto.Player
	stopped bool
}

// Open opens the device for format and attaches r as its sample source.
// Playback does not begin until Start.
func Open(format media.AudioFormat, r io.Reader, opts Options) (*Device, error) {
	if !format.Complete() || format.SampleFormat.Planar() {
		return nil, fmt.Errorf("%w: device format %s", media.ErrUnsupported, format)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}

	c, err := sharedContext(format)
	if err != nil {
		return nil, err
	}
	p := c.NewPlayer(r)
	if bs, ok := p.(oto.BufferSizeSetter); ok {
		bs.SetBufferSize(bufferBytes(format, opts.Buffer))
	}

	d := &Device{
		log:    log.With("component", "audio"),
		ctx:    c,
		format: format,
		player: p,
	}
	d.log.Info("device open", "format", format, "buffer", opts.Buffer)
	return d, nil
}

// Format returns the device sample format.
func (d *Device) Format() media.AudioFormat { return d.format }

// Start begins pulling samples.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return errors.New("audio: device stopped")
	}
	if err := d.ctx.Resume(); err != nil {
		return fmt.Errorf("audio: resume: %w", err)
	}
	d.player.Play()
	return nil
}

// Stop halts playback and detaches the reader. Once Stop returns the device
// no longer calls Read. Stop is idempotent.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return nil
	}
	d.stopped = true

	d.player.Pause()
	err := d.player.Close()
	if serr := d.ctx.Suspend(); serr != nil {
		err = errors.Join(err, fmt.Errorf("audio: suspend: %w", serr))
	}
	d.log.Debug("device stopped")
	return err
}

// Err reports an asynchronous playback error, if any.
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.player.Err(); err != nil {
		return err
	}
	return d.ctx.Err()
}
