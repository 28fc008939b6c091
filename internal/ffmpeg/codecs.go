// Package ffmpeg implements the media collaborators on top of the FFmpeg
// libraries through go-astiav: a libavformat demuxer, libavcodec decoders,
// a libswresample resampler and a libswscale scaler.
package ffmpeg

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/flicker/internal/media"
)

// Codecs implements media.Codecs.
type Codecs struct {
	// Threads is passed to video decoders; zero lets FFmpeg choose.
	Threads int
	Logger  *slog.Logger
}

// OpenDecoder opens a decoder for info. Streams from the ffmpeg Demuxer
// carry their codec parameters; others are looked up by codec name and
// rely on in-band configuration such as ADTS headers or Annex B parameter
// sets.
func (c Codecs) OpenDecoder(info media.StreamInfo) (media.Decoder, error) {
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}

	par, _ := info.Params.(*astiav.CodecParameters)
	var codec *astiav.Codec
	if par != nil {
		codec = astiav.FindDecoder(par.CodecID())
	} else {
		codec = astiav.FindDecoderByName(info.Codec)
	}
	if codec == nil {
		return nil, fmt.Errorf("%w: no decoder for %q", media.ErrUnsupported, info.Codec)
	}

	ctx := astiav.AllocCodecContext(codec)
	if ctx == nil {
		return nil, fmt.Errorf("ffmpeg: alloc codec context for %s", codec.Name())
	}
	if par != nil {
		if err := par.ToCodecContext(ctx); err != nil {
			ctx.Free()
			return nil, fmt.Errorf("ffmpeg: codec parameters for %s: %w", codec.Name(), err)
		}
	}

	dict := astiav.NewDictionary()
	defer dict.Free()
	if info.Kind == media.KindVideo {
		threads := "auto"
		if c.Threads > 0 {
			threads = fmt.Sprint(c.Threads)
		}
		dict.Set("threads", threads, 0)
	}
	if err := ctx.Open(codec, dict); err != nil {
		ctx.Free()
		return nil, fmt.Errorf("ffmpeg: open decoder %s: %w", codec.Name(), err)
	}

	log.Debug("decoder opened", "component", "ffmpeg", "stream", info.Index, "decoder", codec.Name())
	return &decoder{
		name: codec.Name(),
		kind: info.Kind,
		ctx:  ctx,
		pkt:  astiav.AllocPacket(),
	}, nil
}

// NewResampler returns a libswresample converter.
func (Codecs) NewResampler() (media.Resampler, error) {
	return newResampler()
}

// NewScaler returns a libswscale converter.
func (Codecs) NewScaler() (media.Scaler, error) {
	return &scaler{}, nil
}

type decoder struct {
	name string
	kind media.StreamKind
	ctx  *astiav.CodecContext
	pkt  *astiav.Packet
	// pending is set while pkt holds a packet the decoder refused with
	// EAGAIN. It is resubmitted once Receive has made room.
	pending bool
	flush   bool
}

func (d *decoder) Submit(p *media.Packet) error {
	if p == nil {
		return d.send(nil)
	}
	if d.pending {
		return fmt.Errorf("ffmpeg: %s: submit with a packet pending", d.name)
	}
	if err := d.pkt.FromData(p.Data); err != nil {
		return media.Recoverable(fmt.Errorf("ffmpeg: %s: packet: %w", d.name, err))
	}
	d.pkt.SetPts(ticks(p.PTS))
	d.pkt.SetDts(ticks(p.DTS))
	if p.Keyframe {
		d.pkt.SetFlags(d.pkt.Flags().Add(astiav.PacketFlagKey))
	}
	return d.send(d.pkt)
}

func (d *decoder) send(pkt *astiav.Packet) error {
	err := d.ctx.SendPacket(pkt)
	switch {
	case err == nil:
	case errors.Is(err, astiav.ErrEagain):
		if pkt == nil {
			d.flush = true
		} else {
			d.pending = true
		}
		return nil
	case errors.Is(err, astiav.ErrEof):
		err = media.ErrEndOfStream
	default:
		err = media.Recoverable(fmt.Errorf("ffmpeg: %s: send packet: %w", d.name, err))
	}
	if pkt != nil {
		pkt.Unref()
	}
	return err
}

// retry resubmits a refused packet or flush and reports whether the decoder
// accepted it.
func (d *decoder) retry() (bool, error) {
	switch {
	case d.pending:
		d.pending = false
		err := d.send(d.pkt)
		return err == nil && !d.pending, err
	case d.flush:
		d.flush = false
		err := d.send(nil)
		return err == nil && !d.flush, err
	}
	return false, nil
}

func (d *decoder) Receive() (media.Frame, error) {
	f := astiav.AllocFrame()
	for {
		err := d.ctx.ReceiveFrame(f)
		switch {
		case err == nil:
			return d.wrap(f), nil
		case errors.Is(err, astiav.ErrEagain):
			ok, rerr := d.retry()
			if ok {
				continue
			}
			f.Free()
			if rerr != nil {
				return nil, rerr
			}
			return nil, media.ErrWouldBlock
		case errors.Is(err, astiav.ErrEof):
			f.Free()
			return nil, media.ErrEndOfStream
		default:
			f.Free()
			return nil, fmt.Errorf("ffmpeg: %s: receive frame: %w", d.name, err)
		}
	}
}

func (d *decoder) wrap(f *astiav.Frame) media.Frame {
	fr := frame{f: f, pts: duration(f.Pts(), decoderTimeBase)}
	if d.kind == media.KindAudio {
		return &audioFrame{fr}
	}
	return &videoFrame{fr}
}

func (d *decoder) Close() error {
	if d.pkt != nil {
		d.pkt.Free()
		d.pkt = nil
	}
	if d.ctx != nil {
		d.ctx.Free()
		d.ctx = nil
	}
	return nil
}

type frame struct {
	f   *astiav.Frame
	pts time.Duration
}

func (fr *frame) PTS() time.Duration { return fr.pts }

func (fr *frame) Release() {
	if fr.f != nil {
		fr.f.Free()
		fr.f = nil
	}
}

type audioFrame struct{ frame }

func (a *audioFrame) AudioFormat() media.AudioFormat {
	return media.AudioFormat{
		SampleFormat: sampleFormatFrom(a.f.SampleFormat()),
		Channels:     a.f.ChannelLayout().Channels(),
		SampleRate:   a.f.SampleRate(),
	}
}

func (a *audioFrame) Samples() int { return a.f.NbSamples() }

type videoFrame struct{ frame }

func (v *videoFrame) VideoFormat() media.VideoFormat {
	return media.VideoFormat{
		PixelFormat: pixelFormatFrom(v.f.PixelFormat()),
		Width:       v.f.Width(),
		Height:      v.f.Height(),
	}
}
