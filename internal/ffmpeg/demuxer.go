package ffmpeg

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/flicker/internal/media"
)

// DemuxerOptions configures OpenDemuxer.
type DemuxerOptions struct {
	// Format forces an input format by name, e.g. "mpegts".
	Format string
	// Options are passed to avformat_open_input, e.g. "rw_timeout".
	Options map[string]string
	Logger  *slog.Logger
}

// Demuxer is a media.Demuxer backed by libavformat. It accepts anything
// libavformat can open, including "pipe:0" and srt:// URLs when the linked
// FFmpeg was built with libsrt.
type Demuxer struct {
	log     *slog.Logger
	fc      *astiav.FormatContext
	ii      astiav.IOInterrupter
	pkt     *astiav.Packet
	streams media.StreamSet
	bases   []astiav.Rational
	closed  atomic.Bool
}

// OpenDemuxer opens url and reads enough of it to enumerate its streams.
func OpenDemuxer(url string, opts DemuxerOptions) (*Demuxer, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, errors.New("ffmpeg: alloc format context failed")
	}
	d := &Demuxer{log: log.With("component", "ffmpeg-demux"), fc: fc}
	d.ii = fc.SetInterruptCallback()

	var format *astiav.InputFormat
	if opts.Format != "" {
		if format = astiav.FindInputFormat(opts.Format); format == nil {
			fc.Free()
			return nil, fmt.Errorf("%w: input format %q", media.ErrUnsupported, opts.Format)
		}
	}
	dict := astiav.NewDictionary()
	defer dict.Free()
	for k, v := range opts.Options {
		if err := dict.Set(k, v, 0); err != nil {
			fc.Free()
			return nil, fmt.Errorf("ffmpeg: set option %s: %w", k, err)
		}
	}

	if err := fc.OpenInput(url, format, dict); err != nil {
		fc.Free()
		return nil, fmt.Errorf("ffmpeg: open %s: %w", url, err)
	}
	if err := fc.FindStreamInfo(nil); err != nil {
		fc.CloseInput()
		fc.Free()
		return nil, fmt.Errorf("ffmpeg: find stream info: %w", err)
	}

	for i, s := range fc.Streams() {
		info := streamInfo(i, s)
		d.streams = append(d.streams, info)
		d.bases = append(d.bases, s.TimeBase())
		d.log.Info("stream", "index", i, "kind", info.Kind, "codec", info.Codec,
			"language", info.Language, "audio", info.Audio, "video", info.Video)
	}
	d.pkt = astiav.AllocPacket()
	return d, nil
}

func streamInfo(index int, s *astiav.Stream) media.StreamInfo {
	par := s.CodecParameters()
	info := media.StreamInfo{
		Index:  index,
		Codec:  par.CodecID().Name(),
		Params: par,
	}
	switch par.MediaType() {
	case astiav.MediaTypeAudio:
		info.Kind = media.KindAudio
		info.Audio = media.AudioFormat{
			SampleFormat: sampleFormatFrom(par.SampleFormat()),
			Channels:     par.ChannelLayout().Channels(),
			SampleRate:   par.SampleRate(),
		}
	case astiav.MediaTypeVideo:
		info.Kind = media.KindVideo
		info.Video = media.VideoFormat{
			PixelFormat: pixelFormatFrom(par.PixelFormat()),
			Width:       par.Width(),
			Height:      par.Height(),
		}
	}
	if md := s.Metadata(); md != nil {
		if e := md.Get("language", nil, astiav.NewDictionaryFlags()); e != nil {
			info.Language = e.Value()
		}
	}
	return info
}

// Streams returns the streams found at open.
func (d *Demuxer) Streams() media.StreamSet { return d.streams }

// NextPacket reads the next packet. Packets of streams that appeared after
// open are skipped.
func (d *Demuxer) NextPacket() (*media.Packet, error) {
	for {
		if d.closed.Load() {
			return nil, media.ErrEndOfStream
		}
		if err := d.fc.ReadFrame(d.pkt); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				return nil, media.ErrEndOfStream
			}
			if d.closed.Load() {
				return nil, media.ErrEndOfStream
			}
			return nil, fmt.Errorf("ffmpeg: read frame: %w", err)
		}
		idx := d.pkt.StreamIndex()
		if idx >= len(d.streams) {
			d.pkt.Unref()
			continue
		}
		tb := d.bases[idx]
		p := &media.Packet{
			Stream:   idx,
			Data:     d.pkt.Data(),
			PTS:      duration(d.pkt.Pts(), tb),
			DTS:      duration(d.pkt.Dts(), tb),
			Keyframe: d.pkt.Flags().Has(astiav.PacketFlagKey),
		}
		d.pkt.Unref()
		return p, nil
	}
}

// Interrupt aborts a blocked NextPacket. Close must still be called.
func (d *Demuxer) Interrupt() {
	d.closed.Store(true)
	d.ii.Interrupt()
}

// Close releases the format context. Codec parameters handed out through
// StreamInfo.Params become invalid, so decoders opened from them must be
// closed first.
func (d *Demuxer) Close() error {
	d.Interrupt()
	if d.pkt != nil {
		d.pkt.Free()
		d.pkt = nil
	}
	if d.fc != nil {
		d.fc.CloseInput()
		d.fc.Free()
		d.fc = nil
	}
	return nil
}
