// Package pipeline moves compressed media from a Demuxer to the audio and
// video sinks of one playback session: a producer goroutine fills bounded
// per-stream queues, the audio device pulls decoded samples through an
// AudioBridge, and a consumer goroutine decodes and presents video.
package pipeline

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/flicker/internal/events"
	"github.com/zsiec/flicker/internal/media"
	"github.com/zsiec/flicker/internal/queue"
	"github.com/zsiec/flicker/internal/shutdown"
)

// DefaultWatermark is the per-queue byte limit above which the producer
// stops reading.
const DefaultWatermark = 15 << 20

// DefaultAudioFormat is the device format used when none is configured.
var DefaultAudioFormat = media.AudioFormat{
	SampleFormat: media.SampleFormatS16,
	Channels:     2,
	SampleRate:   48000,
}

// Options configures a Session.
type Options struct {
	Demuxer media.Demuxer
	Codecs  media.Codecs

	// Audio selects the first audio stream. AudioOut defaults to
	// DefaultAudioFormat.
	Audio          bool
	AudioOut       media.AudioFormat
	AudioWatermark int64
	RefillTimeout  time.Duration

	// Sink selects the first video stream when non-nil. VideoOut must name a
	// pixel format; zero dimensions follow the source.
	Sink           media.VideoSink
	VideoOut       media.VideoFormat
	VideoWatermark int64

	// Notifier receives at most one event of each kind.
	Notifier    events.Notifier
	Coordinator *shutdown.Coordinator
	Logger      *slog.Logger
}

// Session is the shared state of one playback: the cancellation flag, the
// per-stream queues and the goroutines that move packets through them. All
// resources that can fail to open are acquired by Open, before any goroutine
// starts.
type Session struct {
	log     *slog.Logger
	coord   *shutdown.Coordinator
	stats   *Stats
	started time.Time

	audioQ *queue.PacketQueue
	videoQ *queue.PacketQueue
	audio  *AudioBridge
	video  *VideoConsumer

	producer *Producer
	group    errgroup.Group
	running  atomic.Bool

	pending   atomic.Int32
	drained   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Open selects streams, opens their decoders and converters, and wires the
// producer and consumers together. Any failure is returned before a
// goroutine exists, with everything opened so far released.
func Open(opts Options) (s *Session, err error) {
	if opts.Demuxer == nil || opts.Codecs == nil {
		return nil, errors.New("pipeline: demuxer and codecs are required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	coord := opts.Coordinator
	if coord == nil {
		coord = shutdown.New()
	}
	var notify events.Notifier = events.NotifierFunc(func(events.Event) {})
	if opts.Notifier != nil {
		notify = opts.Notifier
	}

	guard := events.NewGuard(notify)

	s = &Session{
		log:     log.With("component", "session"),
		coord:   coord,
		stats:   &Stats{},
		started: time.Now(),
		drained: make(chan struct{}),
	}

	var closers []io.Closer
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i].Close()
			}
			s = nil
		}
	}()

	streams := opts.Demuxer.Streams()
	routes := make(map[int]*queue.PacketQueue)

	if opts.Audio {
		if info, ok := streams.First(media.KindAudio); ok {
			out := opts.AudioOut
			if !out.Complete() {
				out = out.Merge(DefaultAudioFormat)
			}
			dec, err := opts.Codecs.OpenDecoder(info)
			if err != nil {
				return nil, fmt.Errorf("opening %s audio decoder: %w", info.Codec, err)
			}
			closers = append(closers, closerFunc(dec.Close))
			res, err := opts.Codecs.NewResampler()
			if err != nil {
				return nil, fmt.Errorf("allocating resampler: %w", err)
			}
			closers = append(closers, closerFunc(res.Close))

			s.audioQ = queue.New(watermarkOr(opts.AudioWatermark), coord.Done())
			s.audio, err = NewAudioBridge(AudioBridgeConfig{
				Queue:     s.audioQ,
				Decoder:   dec,
				Resampler: res,
				Stream: media.StreamConfig{
					Stream:   info,
					AudioIn:  info.Audio,
					AudioOut: out,
				},
				RefillTimeout: opts.RefillTimeout,
				Stats:         s.stats,
				OnEnd:         s.streamEnded(),
				Notifier:      guard,
				Logger:        log,
			})
			if err != nil {
				return nil, err
			}
			routes[info.Index] = s.audioQ
			log.Info("audio stream selected", "index", info.Index, "codec", info.Codec, "in", info.Audio, "out", out)
		} else {
			log.Info("no audio stream")
		}
	}

	if opts.Sink != nil {
		if info, ok := streams.First(media.KindVideo); ok {
			dec, err := opts.Codecs.OpenDecoder(info)
			if err != nil {
				return nil, fmt.Errorf("opening %s video decoder: %w", info.Codec, err)
			}
			closers = append(closers, closerFunc(dec.Close))
			sc, err := opts.Codecs.NewScaler()
			if err != nil {
				return nil, fmt.Errorf("allocating scaler: %w", err)
			}
			closers = append(closers, closerFunc(sc.Close))

			s.videoQ = queue.New(watermarkOr(opts.VideoWatermark), coord.Done())
			s.video, err = NewVideoConsumer(VideoConsumerConfig{
				Queue:   s.videoQ,
				Decoder: dec,
				Scaler:  sc,
				Sink:    opts.Sink,
				Stream: media.StreamConfig{
					Stream:   info,
					VideoIn:  info.Video,
					VideoOut: opts.VideoOut,
				},
				Stats:    s.stats,
				OnEnd:    s.streamEnded(),
				Notifier: guard,
				Logger:   log,
			})
			if err != nil {
				return nil, err
			}
			routes[info.Index] = s.videoQ
			log.Info("video stream selected", "index", info.Index, "codec", info.Codec, "in", info.Video)
		} else {
			log.Info("no video stream")
		}
	}

	if len(routes) == 0 {
		return nil, errors.New("no playable audio or video stream")
	}

	s.producer = NewProducer(opts.Demuxer, routes, coord, guard, s.stats, log)
	return s, nil
}

// streamEnded returns the end callback for one selected stream. Drained
// closes after every selected stream has called its callback.
func (s *Session) streamEnded() func() {
	s.pending.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			if s.pending.Add(-1) == 0 {
				close(s.drained)
			}
		})
	}
}

// Start launches the producer and, when video is selected, the video
// consumer. The audio path runs on the device's callback and is started by
// whoever owns the device.
func (s *Session) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.group.Go(s.producer.Run)
	if s.video != nil {
		s.group.Go(s.video.Run)
	}
}

// AudioSource returns the reader the audio device pulls from, or nil when no
// audio stream was selected.
func (s *Session) AudioSource() *AudioBridge {
	return s.audio
}

// HasVideo reports whether a video stream was selected.
func (s *Session) HasVideo() bool { return s.video != nil }

// Coordinator returns the session's cancellation flag.
func (s *Session) Coordinator() *shutdown.Coordinator { return s.coord }

// Cancel stops playback. It is safe to call any number of times.
func (s *Session) Cancel() { s.coord.Cancel() }

// Wait blocks until the producer and video consumer have exited. They only
// exit after Cancel.
func (s *Session) Wait() error {
	return s.group.Wait()
}

// Drained is closed once every selected stream has been played to its end
// or has failed.
func (s *Session) Drained() <-chan struct{} { return s.drained }

// Close releases the codec resources the session still holds. Call it after
// Wait has returned and the audio device has stopped pulling.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.video != nil && !s.running.Load() {
			s.video.close()
		}
		if s.audio != nil {
			errs = append(errs, s.audio.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Snapshot {
	snap := s.stats.snapshot(s.started)
	if s.audioQ != nil {
		st := s.audioQ.Stats()
		snap.AudioQueue = &st
	}
	if s.videoQ != nil {
		st := s.videoQ.Stats()
		snap.VideoQueue = &st
	}
	select {
	case <-s.drained:
		snap.Drained = true
	default:
	}
	snap.Cancelled = s.coord.Cancelled()
	return snap
}

func watermarkOr(w int64) int64 {
	if w <= 0 {
		return DefaultWatermark
	}
	return w
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
