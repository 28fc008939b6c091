// Package media defines the types that flow through the flicker playback
// pipeline, from demuxing through decoding to the audio and video sinks, and
// the collaborator contracts the pipeline consumes.
package media

import (
	"math"
	"time"
)

// NoPTS marks a packet or frame whose timestamp is unknown.
const NoPTS = time.Duration(math.MinInt64)

// StreamKind identifies the media type carried by a stream.
type StreamKind int

// Stream kinds understood by the pipeline. Other kinds are enumerated by
// demuxers but never selected.
const (
	KindUnknown StreamKind = iota
	KindAudio
	KindVideo
)

func (k StreamKind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Packet is one compressed, timestamped unit of a single stream as produced
// by a Demuxer. A Packet is immutable once it has been queued: producers must
// not retain or modify Data after handing the packet on.
type Packet struct {
	Stream   int // index into the StreamSet returned by the demuxer
	Data     []byte
	PTS      time.Duration
	DTS      time.Duration
	Keyframe bool
}

// Size returns the payload size in bytes, which is what queue watermarks
// account for.
func (p *Packet) Size() int64 {
	return int64(len(p.Data))
}

// StreamInfo describes one stream as enumerated by a Demuxer at open.
// Codec parameters that the container cannot provide are left zero and
// are pinned later by the first decoded frame.
type StreamInfo struct {
	Index int
	Kind  StreamKind
	Codec string // short codec name, e.g. "h264", "hevc", "aac"
	// Language is an ISO 639 code when the container declares one.
	Language string

	Audio AudioFormat
	Video VideoFormat

	// Params carries demuxer-specific codec parameters (for example an
	// *astiav.CodecParameters). Only a decoder from the same backend
	// interprets it; the pipeline passes it through untouched.
	Params any
}

// StreamSet is the ordered list of streams a Demuxer found.
type StreamSet []StreamInfo

// First returns the first stream of the given kind.
func (s StreamSet) First(kind StreamKind) (StreamInfo, bool) {
	for _, st := range s {
		if st.Kind == kind {
			return st, true
		}
	}
	return StreamInfo{}, false
}
