package media

import "fmt"

// SampleFormat is the in-memory layout of a single audio sample.
type SampleFormat int

const (
	SampleFormatUnknown SampleFormat = iota
	SampleFormatU8
	SampleFormatS16
	SampleFormatS32
	SampleFormatF32
	SampleFormatF64
	SampleFormatU8P
	SampleFormatS16P
	SampleFormatS32P
	SampleFormatF32P
	SampleFormatF64P
)

func (f SampleFormat) String() string {
	switch f {
	case SampleFormatU8:
		return "u8"
	case SampleFormatS16:
		return "s16"
	case SampleFormatS32:
		return "s32"
	case SampleFormatF32:
		return "flt"
	case SampleFormatF64:
		return "dbl"
	case SampleFormatU8P:
		return "u8p"
	case SampleFormatS16P:
		return "s16p"
	case SampleFormatS32P:
		return "s32p"
	case SampleFormatF32P:
		return "fltp"
	case SampleFormatF64P:
		return "dblp"
	default:
		return "unknown"
	}
}

// BytesPerSample returns the size of one sample of one channel.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case SampleFormatU8, SampleFormatU8P:
		return 1
	case SampleFormatS16, SampleFormatS16P:
		return 2
	case SampleFormatS32, SampleFormatS32P, SampleFormatF32, SampleFormatF32P:
		return 4
	case SampleFormatF64, SampleFormatF64P:
		return 8
	default:
		return 0
	}
}

// Planar reports whether each channel is stored in its own plane.
func (f SampleFormat) Planar() bool {
	return f >= SampleFormatU8P
}

// AudioFormat is a sample format, channel count and sample rate triple.
// Zero fields mean "not yet known".
type AudioFormat struct {
	SampleFormat SampleFormat
	Channels     int
	SampleRate   int
}

func (a AudioFormat) String() string {
	return fmt.Sprintf("%s/%dch/%dHz", a.SampleFormat, a.Channels, a.SampleRate)
}

// Complete reports whether every field is known.
func (a AudioFormat) Complete() bool {
	return a.SampleFormat != SampleFormatUnknown && a.Channels > 0 && a.SampleRate > 0
}

// BytesPerFrame returns the size of one interleaved sample frame (one sample
// for every channel).
func (a AudioFormat) BytesPerFrame() int {
	return a.SampleFormat.BytesPerSample() * a.Channels
}

// Merge fills the unknown fields of a from b and returns the result.
func (a AudioFormat) Merge(b AudioFormat) AudioFormat {
	if a.SampleFormat == SampleFormatUnknown {
		a.SampleFormat = b.SampleFormat
	}
	if a.Channels == 0 {
		a.Channels = b.Channels
	}
	if a.SampleRate == 0 {
		a.SampleRate = b.SampleRate
	}
	return a
}

// MaxResampledBytes returns an upper bound for the size of samples input
// frames converted from in to out, including the resampler's internal delay.
func MaxResampledBytes(in, out AudioFormat, samples int) int {
	if in.SampleRate <= 0 || out.SampleRate <= 0 {
		return 0
	}
	n := (samples*out.SampleRate + in.SampleRate - 1) / in.SampleRate
	// Resamplers buffer a few filter taps between calls.
	n += 32
	return n * out.BytesPerFrame()
}

// PixelFormat is the layout of a decoded or converted picture.
type PixelFormat int

const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatYUV420P
	PixelFormatNV12
	PixelFormatRGB24
	PixelFormatRGBA
	PixelFormatBGRA
	// PixelFormatOther is a decoder format the pipeline has no name for.
	PixelFormatOther
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatYUV420P:
		return "yuv420p"
	case PixelFormatNV12:
		return "nv12"
	case PixelFormatRGB24:
		return "rgb24"
	case PixelFormatRGBA:
		return "rgba"
	case PixelFormatBGRA:
		return "bgra"
	case PixelFormatOther:
		return "other"
	default:
		return "unknown"
	}
}

// BytesPerPixel returns the packed pixel size, or 0 for planar formats.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case PixelFormatRGB24:
		return 3
	case PixelFormatRGBA, PixelFormatBGRA:
		return 4
	default:
		return 0
	}
}

// VideoFormat is a pixel format with picture dimensions. Zero fields mean
// "not yet known".
type VideoFormat struct {
	PixelFormat PixelFormat
	Width       int
	Height      int
}

func (v VideoFormat) String() string {
	return fmt.Sprintf("%s/%dx%d", v.PixelFormat, v.Width, v.Height)
}

// Complete reports whether every field is known.
func (v VideoFormat) Complete() bool {
	return v.PixelFormat != PixelFormatUnknown && v.Width > 0 && v.Height > 0
}

// Merge fills the unknown fields of v from o and returns the result.
func (v VideoFormat) Merge(o VideoFormat) VideoFormat {
	if v.PixelFormat == PixelFormatUnknown {
		v.PixelFormat = o.PixelFormat
	}
	if v.Width == 0 {
		v.Width = o.Width
	}
	if v.Height == 0 {
		v.Height = o.Height
	}
	return v
}

// StreamConfig is the per-stream conversion contract fixed at stream open:
// decoder output format in, sink format out. What the container reports for
// In at open is a hint; the first decoded frame pins In exactly once (see
// Pin*) and after that the config never changes. Renegotiation mid-stream is
// unsupported.
type StreamConfig struct {
	Stream StreamInfo

	AudioIn  AudioFormat
	AudioOut AudioFormat
	VideoIn  VideoFormat
	VideoOut VideoFormat

	audioPinned bool
	videoPinned bool
}

// PinAudio fixes AudioIn to the format of a decoded frame. The first call
// pins: the frame's fields win over the container's hints, and hints only
// fill what the frame leaves unknown. It returns true when AudioIn changed.
// Once pinned, any frame with a different format yields ErrFormatChanged.
func (c *StreamConfig) PinAudio(got AudioFormat) (bool, error) {
	if c.audioPinned {
		if got != c.AudioIn {
			return false, fmt.Errorf("%w: audio %s -> %s", ErrFormatChanged, c.AudioIn, got)
		}
		return false, nil
	}
	pinned := got.Merge(c.AudioIn)
	changed := pinned != c.AudioIn
	c.AudioIn = pinned
	c.audioPinned = true
	return changed, nil
}

// PinVideo fixes VideoIn from a decoded frame with the same contract as
// PinAudio. Output dimensions that were unset when VideoIn was pinned follow
// the input.
func (c *StreamConfig) PinVideo(got VideoFormat) (bool, error) {
	if c.videoPinned {
		if got != c.VideoIn {
			return false, fmt.Errorf("%w: video %s -> %s", ErrFormatChanged, c.VideoIn, got)
		}
		return false, nil
	}
	pinned := got.Merge(c.VideoIn)
	changed := pinned != c.VideoIn
	c.VideoIn = pinned
	c.videoPinned = true
	if c.VideoOut.Width == 0 || c.VideoOut.Height == 0 {
		c.VideoOut.Width, c.VideoOut.Height = pinned.Width, pinned.Height
	}
	return changed, nil
}
