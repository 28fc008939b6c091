// Command flicker plays a movie file, standard input or an SRT stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/flicker/internal/audio"
	"github.com/zsiec/flicker/internal/certs"
	"github.com/zsiec/flicker/internal/config"
	"github.com/zsiec/flicker/internal/debugapi"
	"github.com/zsiec/flicker/internal/demux"
	"github.com/zsiec/flicker/internal/display"
	"github.com/zsiec/flicker/internal/events"
	"github.com/zsiec/flicker/internal/ffmpeg"
	"github.com/zsiec/flicker/internal/media"
	"github.com/zsiec/flicker/internal/pipeline"
	"github.com/zsiec/flicker/internal/shutdown"
	"github.com/zsiec/flicker/internal/source"
)

var version = "dev"

// SDL must be driven from the main thread.
func init() { runtime.LockOSThread() }

func main() {
	cfg, err := config.Parse(os.Args[1:], os.Getenv)
	switch {
	case errors.Is(err, flag.ErrHelp):
		os.Exit(0)
	case errors.Is(err, config.ErrNoInput):
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	case err != nil:
		fmt.Fprintln(os.Stderr, "flicker:", err)
		os.Exit(2)
	}

	level := cfg.SlogLevel()
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))

	if err := run(cfg); err != nil {
		slog.Error("playback failed", "error", err)
		os.Exit(1)
	}
}

// videoSink is a VideoSink that reports presentation counters.
type videoSink interface {
	media.VideoSink
	Stats() display.Stats
}

type status struct {
	Version string            `json:"version"`
	Input   string            `json:"input"`
	Session pipeline.Snapshot `json:"session"`
	Source  *source.Stats     `json:"source,omitempty"`
	Demuxer *demux.Stats      `json:"demuxer,omitempty"`
	Display *display.Stats    `json:"display,omitempty"`
}

// player holds everything one playback acquires, in acquisition order.
type player struct {
	cfg    *config.Config
	log    *slog.Logger
	coord  *shutdown.Coordinator
	events *events.Queue

	window  *display.Window
	sink    videoSink
	src     *source.Source
	tsDemux *demux.Demuxer
	avDemux *ffmpeg.Demuxer
	session *pipeline.Session
	device  *audio.Device
}

func run(cfg *config.Config) error {
	log := slog.Default()
	coord := shutdown.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	stopCancel := coord.CancelOnDone(ctx)
	defer stopCancel()

	log.Info("flicker starting", "version", version, "input", cfg.Input, "demuxer", cfg.Demuxer)

	p := &player{cfg: cfg, log: log, coord: coord, events: events.NewQueue()}
	defer func() {
		if cerr := p.close(); cerr != nil {
			log.Warn("teardown", "error", cerr)
		}
	}()

	if err := p.open(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	apiCtx, stopAPI := context.WithCancel(gctx)
	defer func() {
		stopAPI()
		if err := g.Wait(); err != nil {
			log.Warn("debug API", "error", err)
		}
	}()
	if cfg.DebugAPI.Addr != "" {
		api, err := p.debugAPI()
		if err != nil {
			return err
		}
		g.Go(func() error { return api.Start(apiCtx) })
	}

	var fatal error
	handle := func(ev events.Event) {
		switch ev.Kind {
		case events.Ended:
			log.Info("end of input, waiting for buffered media to play out")
			go func() {
				select {
				case <-p.session.Drained():
					log.Info("playback finished")
					coord.Cancel()
				case <-coord.Done():
				}
			}()
		case events.Fatal:
			fatal = ev.Err
			log.Error("playback error", "error", ev.Err)
			coord.Cancel()
		}
	}

	go p.interruptOnCancel()
	p.session.Start()
	if p.device != nil {
		if err := p.device.Start(); err != nil {
			coord.Cancel()
			return fmt.Errorf("start audio: %w", err)
		}
	}
	if p.window != nil {
		go p.forward(p.window)
		if err := p.window.Run(handle); err != nil {
			coord.Cancel()
			fatal = errors.Join(fatal, err)
		}
	} else {
		p.runHeadless(handle)
	}

	if p.device != nil {
		if err := p.device.Err(); err != nil {
			fatal = errors.Join(fatal, fmt.Errorf("audio device: %w", err))
		}
	}
	return fatal
}

// open acquires every resource playback needs. Nothing runs yet when it
// returns, and on error everything acquired so far is released by close.
func (p *player) open(ctx context.Context) error {
	cfg := p.cfg

	if cfg.Video.Enabled && cfg.Video.Display == config.DisplaySDL {
		w, err := display.Open(display.Config{
			Title:       "flicker - " + cfg.Input,
			Width:       cfg.Video.Width,
			Height:      cfg.Video.Height,
			Coordinator: p.coord,
			Logger:      p.log,
		})
		if err != nil {
			return err
		}
		p.window, p.sink = w, w
	} else {
		p.sink = display.NewHeadless(p.coord, display.DefaultMaxGap, p.log)
	}

	dmx, err := p.openDemuxer(ctx)
	if err != nil {
		return err
	}

	var sink media.VideoSink
	if cfg.Video.Enabled {
		sink = p.sink
	}
	p.session, err = pipeline.Open(pipeline.Options{
		Demuxer: dmx,
		Codecs:  ffmpeg.Codecs{Logger: p.log},
		Audio:   cfg.Audio.Enabled,
		AudioOut: media.AudioFormat{
			SampleFormat: media.SampleFormatS16,
			Channels:     cfg.Audio.Channels,
			SampleRate:   cfg.Audio.SampleRate,
		},
		AudioWatermark: cfg.Audio.Watermark,
		RefillTimeout:  cfg.Audio.RefillTimeout,
		Sink:           sink,
		VideoOut: media.VideoFormat{
			PixelFormat: display.OutputFormat,
			Width:       cfg.Video.Width,
			Height:      cfg.Video.Height,
		},
		VideoWatermark: cfg.Video.Watermark,
		Notifier:       p.events,
		Coordinator:    p.coord,
		Logger:         p.log,
	})
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	if src := p.session.AudioSource(); src != nil {
		p.device, err = audio.Open(src.Format(), src, audio.Options{
			Buffer: cfg.Audio.DeviceBuffer,
			Logger: p.log,
		})
		if err != nil {
			return fmt.Errorf("open audio device: %w", err)
		}
	}

	if !p.session.HasVideo() && p.window != nil {
		p.log.Info("no video to show, closing window")
		err := p.window.Close()
		p.window = nil
		p.sink = nil
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *player) openDemuxer(ctx context.Context) (media.Demuxer, error) {
	cfg := p.cfg
	kind := cfg.Demuxer
	if kind == config.DemuxerAuto {
		kind = config.DemuxerFFmpeg
		if source.IsTransportStreamPath(cfg.Input) {
			kind = config.DemuxerTS
		}
	}

	if kind == config.DemuxerFFmpeg {
		url := cfg.Input
		if url == "-" {
			url = "pipe:0"
		}
		d, err := ffmpeg.OpenDemuxer(url, ffmpeg.DemuxerOptions{Logger: p.log})
		if err != nil {
			return nil, err
		}
		p.avDemux = d
		return d, nil
	}

	src, err := source.Open(ctx, cfg.Input, source.Config{
		Latency:  cfg.SRT.Latency,
		StreamID: cfg.SRT.StreamID,
		Logger:   p.log,
	})
	if err != nil {
		return nil, err
	}
	p.src = src

	d, err := demux.Open(src, demux.Options{
		Captions: p.showCaption,
		Logger:   p.log,
	})
	if err != nil {
		return nil, err
	}
	p.tsDemux = d
	return d, nil
}

func (p *player) showCaption(c media.Caption) {
	if p.window != nil {
		p.window.ShowCaption(c)
		return
	}
	p.log.Info("caption", "channel", c.Channel, "pts", c.PTS, "text", c.Text)
}

// forward moves session events onto the window's UI thread.
func (p *player) forward(w *display.Window) {
	for {
		select {
		case ev := <-p.events.C():
			w.Post(ev)
		case <-p.coord.Done():
			return
		}
	}
}

func (p *player) runHeadless(handle func(events.Event)) {
	for {
		select {
		case ev := <-p.events.C():
			handle(ev)
		case <-p.coord.Done():
			return
		}
	}
}

// interruptOnCancel unblocks a producer stuck reading the input once
// playback is cancelled.
func (p *player) interruptOnCancel() {
	<-p.coord.Done()
	if p.avDemux != nil {
		p.avDemux.Interrupt()
	}
	if p.src != nil {
		if err := p.src.Close(); err != nil {
			p.log.Debug("close source", "error", err)
		}
	}
}

func (p *player) debugAPI() (*debugapi.Server, error) {
	host, _, err := net.SplitHostPort(p.cfg.DebugAPI.Addr)
	if err != nil {
		return nil, fmt.Errorf("debug API address: %w", err)
	}
	cert, err := certs.Generate(certs.MaxValidity, host)
	if err != nil {
		return nil, err
	}
	p.log.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)
	return debugapi.New(debugapi.Config{
		Addr:   p.cfg.DebugAPI.Addr,
		H3:     p.cfg.DebugAPI.H3,
		Cert:   cert,
		Status: p.status,
		Logger: p.log,
	})
}

func (p *player) status() any {
	st := status{
		Version: version,
		Input:   p.cfg.Input,
		Session: p.session.Stats(),
	}
	if p.src != nil {
		s := p.src.Stats()
		st.Source = &s
	}
	if p.tsDemux != nil {
		s := p.tsDemux.Stats()
		st.Demuxer = &s
	}
	if p.sink != nil && p.session.HasVideo() {
		s := p.sink.Stats()
		st.Display = &s
	}
	return st
}

// close tears down in reverse acquisition order. It cancels first and waits
// for the pipeline goroutines, so no resource is freed while still in use.
func (p *player) close() error {
	p.coord.Cancel()
	var errs []error
	if p.session != nil {
		errs = append(errs, p.session.Wait())
	}
	if p.device != nil {
		errs = append(errs, p.device.Stop())
	}
	if p.session != nil {
		errs = append(errs, p.session.Close())
	}
	if p.tsDemux != nil {
		errs = append(errs, p.tsDemux.Close())
	}
	if p.avDemux != nil {
		errs = append(errs, p.avDemux.Close())
	}
	if p.src != nil {
		errs = append(errs, p.src.Close())
	}
	if p.window != nil {
		errs = append(errs, p.window.Close())
	}
	return errors.Join(errs...)
}
