package media

import "time"

// Frame is one decoded unit produced by a Decoder. Frames may reference
// memory owned by the decoder backend; Release returns it and must be called
// exactly once when the consumer is done with the frame.
type Frame interface {
	PTS() time.Duration
	Release()
}

// AudioFrame is a decoded block of raw samples.
type AudioFrame interface {
	Frame
	AudioFormat() AudioFormat
	Samples() int // samples per channel
}

// VideoFrame is a decoded raw image.
type VideoFrame interface {
	Frame
	VideoFormat() VideoFormat
}

// Picture is a frame converted to the presentation format of a VideoSink.
// Data holds Height rows of Stride bytes each. A Picture returned by a Scaler
// belongs to the caller.
type Picture struct {
	Format VideoFormat
	Stride int
	Data   []byte
}

// Caption is a line of closed-caption text decoded from the video stream.
type Caption struct {
	PTS     time.Duration
	Channel int
	Text    string
}
