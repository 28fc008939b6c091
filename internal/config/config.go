// Package config loads the player configuration from a YAML file, FLICKER_*
// environment variables and command-line flags, in increasing order of
// precedence.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNoInput is returned by Parse when no input was given anywhere.
var ErrNoInput = errors.New("please provide a movie file")

// Demuxer backends.
const (
	DemuxerAuto   = "auto"
	DemuxerTS     = "ts"
	DemuxerFFmpeg = "ffmpeg"
)

// Display backends.
const (
	DisplaySDL  = "sdl"
	DisplayNone = "none"
)

// Config holds the complete player configuration.
type Config struct {
	Input    string         `yaml:"input"`
	Demuxer  string         `yaml:"demuxer"`
	Audio    AudioConfig    `yaml:"audio"`
	Video    VideoConfig    `yaml:"video"`
	SRT      SRTConfig      `yaml:"srt"`
	DebugAPI DebugAPIConfig `yaml:"debug_api"`
	Log      LogConfig      `yaml:"log"`
}

// AudioConfig configures the audio stream and output device.
type AudioConfig struct {
	Enabled       bool          `yaml:"enabled"`
	SampleRate    int           `yaml:"sample_rate"`
	Channels      int           `yaml:"channels"`
	RefillTimeout time.Duration `yaml:"refill_timeout"`
	Watermark     int64         `yaml:"watermark"`
	DeviceBuffer  time.Duration `yaml:"device_buffer"`
}

// VideoConfig configures the video stream and display.
type VideoConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Display   string `yaml:"display"`
	Watermark int64  `yaml:"watermark"`
	Width     int    `yaml:"width"`  // 0 follows the source
	Height    int    `yaml:"height"` // 0 follows the source
}

// SRTConfig configures srt:// inputs.
type SRTConfig struct {
	Latency  time.Duration `yaml:"latency"`
	StreamID string        `yaml:"stream_id"`
}

// DebugAPIConfig configures the status endpoints. An empty Addr disables
// them.
type DebugAPIConfig struct {
	Addr string `yaml:"addr"`
	H3   bool   `yaml:"h3"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	c := &Config{
		Audio: AudioConfig{Enabled: true},
		Video: VideoConfig{Enabled: true},
	}
	c.setDefaults()
	return c
}

// setDefaults applies explicit default values to unset fields.
func (c *Config) setDefaults() {
	if c.Demuxer == "" {
		c.Demuxer = DemuxerAuto
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 48000
	}
	if c.Audio.Channels == 0 {
		c.Audio.Channels = 2
	}
	if c.Audio.RefillTimeout == 0 {
		c.Audio.RefillTimeout = 20 * time.Millisecond
	}
	if c.Audio.Watermark == 0 {
		c.Audio.Watermark = 15 << 20
	}
	if c.Audio.DeviceBuffer == 0 {
		c.Audio.DeviceBuffer = 50 * time.Millisecond
	}
	if c.Video.Display == "" {
		c.Video.Display = DisplaySDL
	}
	if c.Video.Watermark == 0 {
		c.Video.Watermark = 15 << 20
	}
	if c.SRT.Latency == 0 {
		c.SRT.Latency = 120 * time.Millisecond
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Load reads configuration from a YAML file on top of the defaults.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return decode(data)
}

func decode(data []byte) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.setDefaults()
	return cfg, nil
}

// Parse builds the configuration from command-line arguments (without the
// program name) and the environment looked up through getenv. The first
// positional argument is the input.
func Parse(args []string, getenv func(string) string) (*Config, error) {
	fs := flag.NewFlagSet("flicker", flag.ContinueOnError)
	var (
		path       = fs.String("config", "", "YAML configuration file")
		demuxer    = fs.String("demuxer", "", "demuxer backend: auto, ts or ffmpeg")
		noAudio    = fs.Bool("no-audio", false, "do not play audio")
		noVideo    = fs.Bool("no-video", false, "do not play video")
		display    = fs.String("display", "", "video display: sdl or none")
		sampleRate = fs.Int("sample-rate", 0, "audio device sample rate")
		channels   = fs.Int("channels", 0, "audio device channels (1 or 2)")
		width      = fs.Int("width", 0, "output width, 0 follows the source")
		height     = fs.Int("height", 0, "output height, 0 follows the source")
		latency    = fs.Duration("srt-latency", 0, "SRT receiver latency")
		streamID   = fs.String("srt-streamid", "", "SRT stream ID for callers")
		debugAddr  = fs.String("debug-api", "", "debug API listen address")
		h3         = fs.Bool("h3", false, "also serve the debug API over HTTP/3")
		logLevel   = fs.String("log-level", "", "debug, info, warn or error")
		logFormat  = fs.String("log-format", "", "text or json")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfgPath := *path
	if cfgPath == "" {
		cfgPath = getenv("FLICKER_CONFIG")
	}
	cfg := Default()
	if cfgPath != "" {
		var err error
		if cfg, err = Load(cfgPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "demuxer":
			cfg.Demuxer = *demuxer
		case "no-audio":
			cfg.Audio.Enabled = !*noAudio
		case "no-video":
			cfg.Video.Enabled = !*noVideo
		case "display":
			cfg.Video.Display = *display
		case "sample-rate":
			cfg.Audio.SampleRate = *sampleRate
		case "channels":
			cfg.Audio.Channels = *channels
		case "width":
			cfg.Video.Width = *width
		case "height":
			cfg.Video.Height = *height
		case "srt-latency":
			cfg.SRT.Latency = *latency
		case "srt-streamid":
			cfg.SRT.StreamID = *streamID
		case "debug-api":
			cfg.DebugAPI.Addr = *debugAddr
		case "h3":
			cfg.DebugAPI.H3 = *h3
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		}
	})
	if fs.NArg() > 0 {
		cfg.Input = fs.Arg(0)
	}
	if cfg.Input == "" {
		return nil, ErrNoInput
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	c.Input = envOr(getenv, "FLICKER_INPUT", c.Input)
	c.Demuxer = envOr(getenv, "FLICKER_DEMUXER", c.Demuxer)
	c.Video.Display = envOr(getenv, "FLICKER_DISPLAY", c.Video.Display)
	c.SRT.StreamID = envOr(getenv, "FLICKER_SRT_STREAM_ID", c.SRT.StreamID)
	c.DebugAPI.Addr = envOr(getenv, "FLICKER_DEBUG_API_ADDR", c.DebugAPI.Addr)
	c.Log.Level = envOr(getenv, "FLICKER_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr(getenv, "FLICKER_LOG_FORMAT", c.Log.Format)

	var err error
	if c.Audio.Enabled, err = envBool(getenv, "FLICKER_AUDIO", c.Audio.Enabled); err != nil {
		return err
	}
	if c.Video.Enabled, err = envBool(getenv, "FLICKER_VIDEO", c.Video.Enabled); err != nil {
		return err
	}
	if c.DebugAPI.H3, err = envBool(getenv, "FLICKER_DEBUG_API_H3", c.DebugAPI.H3); err != nil {
		return err
	}
	if v := getenv("FLICKER_SRT_LATENCY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FLICKER_SRT_LATENCY: %w", err)
		}
		c.SRT.Latency = d
	}
	return nil
}

func envOr(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(getenv func(string) string, key string, fallback bool) (bool, error) {
	v := getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
