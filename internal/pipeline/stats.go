package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/zsiec/flicker/internal/queue"
)

// Stats holds the counters shared by the goroutines of one session. All
// fields are updated atomically and may be read at any time.
type Stats struct {
	PacketsRead      atomic.Int64
	PacketsRouted    atomic.Int64
	PacketsDiscarded atomic.Int64
	DemuxErrors      atomic.Int64
	ProducerPauses   atomic.Int64

	AudioFrames    atomic.Int64
	AudioBytes     atomic.Int64 // real samples handed to the device
	SilenceBytes   atomic.Int64
	Underruns      atomic.Int64
	LastAudioPTS   atomic.Int64
	VideoFrames    atomic.Int64
	Presented      atomic.Int64
	LastVideoPTS   atomic.Int64
	DecodeErrors   atomic.Int64
	StreamFailures atomic.Int64
}

// Snapshot is a JSON-friendly copy of the session counters.
type Snapshot struct {
	UptimeMs         int64        `json:"uptime_ms"`
	PacketsRead      int64        `json:"packets_read"`
	PacketsRouted    int64        `json:"packets_routed"`
	PacketsDiscarded int64        `json:"packets_discarded"`
	DemuxErrors      int64        `json:"demux_errors"`
	ProducerPauses   int64        `json:"producer_pauses"`
	AudioFrames      int64        `json:"audio_frames"`
	AudioBytes       int64        `json:"audio_bytes"`
	SilenceBytes     int64        `json:"silence_bytes"`
	Underruns        int64        `json:"underruns"`
	LastAudioPTSMs   int64        `json:"last_audio_pts_ms"`
	VideoFrames      int64        `json:"video_frames"`
	Presented        int64        `json:"presented"`
	LastVideoPTSMs   int64        `json:"last_video_pts_ms"`
	DecodeErrors     int64        `json:"decode_errors"`
	StreamFailures   int64        `json:"stream_failures"`
	AudioQueue       *queue.Stats `json:"audio_queue,omitempty"`
	VideoQueue       *queue.Stats `json:"video_queue,omitempty"`
	Drained          bool         `json:"drained"`
	Cancelled        bool         `json:"cancelled"`
}

func (s *Stats) snapshot(start time.Time) Snapshot {
	return Snapshot{
		UptimeMs:         time.Since(start).Milliseconds(),
		PacketsRead:      s.PacketsRead.Load(),
		PacketsRouted:    s.PacketsRouted.Load(),
		PacketsDiscarded: s.PacketsDiscarded.Load(),
		DemuxErrors:      s.DemuxErrors.Load(),
		ProducerPauses:   s.ProducerPauses.Load(),
		AudioFrames:      s.AudioFrames.Load(),
		AudioBytes:       s.AudioBytes.Load(),
		SilenceBytes:     s.SilenceBytes.Load(),
		Underruns:        s.Underruns.Load(),
		LastAudioPTSMs:   time.Duration(s.LastAudioPTS.Load()).Milliseconds(),
		VideoFrames:      s.VideoFrames.Load(),
		Presented:        s.Presented.Load(),
		LastVideoPTSMs:   time.Duration(s.LastVideoPTS.Load()).Milliseconds(),
		DecodeErrors:     s.DecodeErrors.Load(),
		StreamFailures:   s.StreamFailures.Load(),
	}
}
