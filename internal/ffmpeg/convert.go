package ffmpeg

import (
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/flicker/internal/media"
)

var errConfigure = errors.New("ffmpeg: converter used before Configure")

type resampler struct {
	swr    *astiav.SoftwareResampleContext
	dst    *astiav.Frame
	format astiav.SampleFormat
	layout astiav.ChannelLayout
	rate   int
	ready  bool
}

func newResampler() (*resampler, error) {
	swr := astiav.AllocSoftwareResampleContext()
	if swr == nil {
		return nil, errors.New("ffmpeg: alloc resample context failed")
	}
	return &resampler{swr: swr, dst: astiav.AllocFrame()}, nil
}

// Configure fixes the output format. The input side is taken from each
// frame by swr_convert_frame.
func (r *resampler) Configure(_, out media.AudioFormat) error {
	format, err := sampleFormatTo(out.SampleFormat)
	if err != nil {
		return err
	}
	layout, err := channelLayout(out.Channels)
	if err != nil {
		return err
	}
	r.format, r.layout, r.rate = format, layout, out.SampleRate
	r.ready = true
	return nil
}

func (r *resampler) Convert(f media.AudioFrame, dst []byte) (int, error) {
	if !r.ready {
		return 0, errConfigure
	}
	af, ok := f.(*audioFrame)
	if !ok || af.f == nil {
		return 0, fmt.Errorf("%w: resample %T", media.ErrUnsupported, f)
	}

	r.dst.Unref()
	r.dst.SetSampleFormat(r.format)
	r.dst.SetChannelLayout(r.layout)
	r.dst.SetSampleRate(r.rate)
	if err := r.swr.ConvertFrame(af.f, r.dst); err != nil {
		return 0, fmt.Errorf("ffmpeg: resample: %w", err)
	}
	if r.dst.NbSamples() == 0 {
		return 0, nil
	}
	b, err := r.dst.Data().Bytes(1)
	if err != nil {
		return 0, fmt.Errorf("ffmpeg: resampled data: %w", err)
	}
	if len(b) > len(dst) {
		return 0, fmt.Errorf("ffmpeg: resampled %d bytes into a %d byte buffer", len(b), len(dst))
	}
	return copy(dst, b), nil
}

func (r *resampler) Close() error {
	if r.dst != nil {
		r.dst.Free()
		r.dst = nil
	}
	if r.swr != nil {
		r.swr.Free()
		r.swr = nil
	}
	return nil
}

type scaler struct {
	out    media.VideoFormat
	format astiav.PixelFormat
	ready  bool

	ssc *astiav.SoftwareScaleContext
	dst *astiav.Frame
	// source geometry the context was built for
	srcW, srcH int
	srcPix     astiav.PixelFormat
}

// Configure fixes the output format. The scale context itself is built from
// the first frame, whose decoder pixel format may have no media name.
func (s *scaler) Configure(in, out media.VideoFormat) error {
	format, err := pixelFormatTo(out.PixelFormat)
	if err != nil {
		return err
	}
	if format == astiav.PixelFormatYuv420P || format == astiav.PixelFormatNv12 {
		return fmt.Errorf("%w: planar output %s", media.ErrUnsupported, out.PixelFormat)
	}
	if out.Width == 0 || out.Height == 0 {
		out.Width, out.Height = in.Width, in.Height
	}
	s.close()
	s.out, s.format = out, format
	s.ready = true
	return nil
}

func (s *scaler) ensure(src *astiav.Frame) error {
	sw, sh, sp := src.Width(), src.Height(), src.PixelFormat()
	if s.ssc != nil && sw == s.srcW && sh == s.srcH && sp == s.srcPix {
		return nil
	}
	s.close()

	w, h := s.out.Width, s.out.Height
	if w == 0 || h == 0 {
		w, h = sw, sh
		s.out.Width, s.out.Height = w, h
	}
	ssc, err := astiav.CreateSoftwareScaleContext(sw, sh, sp, w, h, s.format,
		astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear))
	if err != nil {
		return fmt.Errorf("ffmpeg: scale %dx%d %s -> %s: %w", sw, sh, sp, s.out, err)
	}
	dst := astiav.AllocFrame()
	dst.SetWidth(w)
	dst.SetHeight(h)
	dst.SetPixelFormat(s.format)
	if err := dst.AllocBuffer(1); err != nil {
		dst.Free()
		ssc.Free()
		return fmt.Errorf("ffmpeg: scaler buffer: %w", err)
	}
	s.ssc, s.dst = ssc, dst
	s.srcW, s.srcH, s.srcPix = sw, sh, sp
	return nil
}

func (s *scaler) Convert(f media.VideoFrame) (*media.Picture, error) {
	if !s.ready {
		return nil, errConfigure
	}
	vf, ok := f.(*videoFrame)
	if !ok || vf.f == nil {
		return nil, fmt.Errorf("%w: scale %T", media.ErrUnsupported, f)
	}
	if err := s.ensure(vf.f); err != nil {
		return nil, err
	}
	if err := s.ssc.ScaleFrame(vf.f, s.dst); err != nil {
		return nil, fmt.Errorf("ffmpeg: scale: %w", err)
	}
	n, err := s.dst.ImageBufferSize(1)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: image size: %w", err)
	}
	buf := make([]byte, n)
	if _, err := s.dst.ImageCopyToBuffer(buf, 1); err != nil {
		return nil, fmt.Errorf("ffmpeg: image copy: %w", err)
	}
	return &media.Picture{
		Format: s.out,
		Stride: s.out.Width * s.out.PixelFormat.BytesPerPixel(),
		Data:   buf,
	}, nil
}

func (s *scaler) close() {
	if s.dst != nil {
		s.dst.Free()
		s.dst = nil
	}
	if s.ssc != nil {
		s.ssc.Free()
		s.ssc = nil
	}
}

func (s *scaler) Close() error {
	s.close()
	s.ready = false
	return nil
}
