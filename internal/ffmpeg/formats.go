package ffmpeg

import (
	"fmt"
	"time"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/flicker/internal/media"
)

// Decoders see timestamps in microseconds regardless of the container's
// time base. Frames carry the packet timestamp through unchanged.
var (
	decoderTimeBase    = astiav.NewRational(1, 1_000_000)
	nanosecondTimeBase = astiav.NewRational(1, 1_000_000_000)
)

var sampleFormats = map[astiav.SampleFormat]media.SampleFormat{
	astiav.SampleFormatU8:   media.SampleFormatU8,
	astiav.SampleFormatS16:  media.SampleFormatS16,
	astiav.SampleFormatS32:  media.SampleFormatS32,
	astiav.SampleFormatFlt:  media.SampleFormatF32,
	astiav.SampleFormatDbl:  media.SampleFormatF64,
	astiav.SampleFormatU8P:  media.SampleFormatU8P,
	astiav.SampleFormatS16P: media.SampleFormatS16P,
	astiav.SampleFormatS32P: media.SampleFormatS32P,
	astiav.SampleFormatFltp: media.SampleFormatF32P,
	astiav.SampleFormatDblp: media.SampleFormatF64P,
}

var pixelFormats = map[astiav.PixelFormat]media.PixelFormat{
	astiav.PixelFormatYuv420P: media.PixelFormatYUV420P,
	astiav.PixelFormatNv12:    media.PixelFormatNV12,
	astiav.PixelFormatRgb24:   media.PixelFormatRGB24,
	astiav.PixelFormatRgba:    media.PixelFormatRGBA,
	astiav.PixelFormatBgra:    media.PixelFormatBGRA,
}

func sampleFormatFrom(f astiav.SampleFormat) media.SampleFormat {
	return sampleFormats[f]
}

func sampleFormatTo(f media.SampleFormat) (astiav.SampleFormat, error) {
	for af, mf := range sampleFormats {
		if mf == f {
			return af, nil
		}
	}
	return astiav.SampleFormatNone, fmt.Errorf("%w: sample format %s", media.ErrUnsupported, f)
}

// pixelFormatFrom maps decoder pixel formats. Formats without a media name
// are still valid scaler inputs, so they map to PixelFormatOther rather
// than unknown.
func pixelFormatFrom(f astiav.PixelFormat) media.PixelFormat {
	if f == astiav.PixelFormatNone {
		return media.PixelFormatUnknown
	}
	if mf, ok := pixelFormats[f]; ok {
		return mf
	}
	return media.PixelFormatOther
}

func pixelFormatTo(f media.PixelFormat) (astiav.PixelFormat, error) {
	for af, mf := range pixelFormats {
		if mf == f {
			return af, nil
		}
	}
	return astiav.PixelFormatNone, fmt.Errorf("%w: pixel format %s", media.ErrUnsupported, f)
}

func channelLayout(channels int) (astiav.ChannelLayout, error) {
	switch channels {
	case 1:
		return astiav.ChannelLayoutMono, nil
	case 2:
		return astiav.ChannelLayoutStereo, nil
	default:
		return astiav.ChannelLayout{}, fmt.Errorf("%w: %d output channels", media.ErrUnsupported, channels)
	}
}

// duration converts a timestamp in tb to a media timestamp.
func duration(v int64, tb astiav.Rational) time.Duration {
	if v == astiav.NoPtsValue {
		return media.NoPTS
	}
	return time.Duration(astiav.RescaleQ(v, tb, nanosecondTimeBase))
}

// ticks converts a media timestamp to the decoder time base.
func ticks(d time.Duration) int64 {
	if d == media.NoPTS {
		return astiav.NoPtsValue
	}
	return int64(d / time.Microsecond)
}
