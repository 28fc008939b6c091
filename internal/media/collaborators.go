package media

import "time"

// Demuxer splits a container into per-stream compressed packets. The stream
// set, including whatever codec parameters the container provides, is fixed
// once the demuxer has been opened.
//
// NextPacket may block on I/O. It returns ErrEndOfStream once the source is
// exhausted and wraps non-fatal parse problems with Recoverable.
type Demuxer interface {
	Streams() StreamSet
	NextPacket() (*Packet, error)
	Close() error
}

// Decoder turns compressed packets into frames. A single Submit may yield
// zero, one or many frames; callers drain with Receive until it returns
// ErrWouldBlock. Submit(nil) flushes the decoder, after which Receive
// returns the buffered frames followed by ErrEndOfStream.
type Decoder interface {
	Submit(pkt *Packet) error
	Receive() (Frame, error)
	Close() error
}

// Resampler converts decoded audio to a fixed output format. Configure is
// called once per stream; Convert writes interleaved output into dst, which
// the caller sizes with MaxResampledBytes, and returns the number of bytes
// written.
type Resampler interface {
	Configure(in, out AudioFormat) error
	Convert(f AudioFrame, dst []byte) (int, error)
	Close() error
}

// Scaler converts decoded pictures to a fixed presentation format.
type Scaler interface {
	Configure(in, out VideoFormat) error
	Convert(f VideoFrame) (*Picture, error)
	Close() error
}

// Codecs opens the codec-side collaborators for a stream.
type Codecs interface {
	OpenDecoder(info StreamInfo) (Decoder, error)
	NewResampler() (Resampler, error)
	NewScaler() (Scaler, error)
}

// VideoSink receives converted pictures with their presentation timestamp.
// The sink owns display timing: it may wait, present, or drop.
type VideoSink interface {
	Present(pic *Picture, pts time.Duration)
}

// CaptionHandler receives decoded closed captions.
type CaptionHandler func(Caption)
