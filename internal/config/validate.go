package config

import (
	"errors"
	"fmt"
)

// Validate checks that all configuration values are within acceptable ranges.
// Returns an error describing the first validation failure found.
func (c *Config) Validate() error {
	switch c.Demuxer {
	case DemuxerAuto, DemuxerTS, DemuxerFFmpeg:
	default:
		return fmt.Errorf("demuxer must be auto, ts or ffmpeg, got %q", c.Demuxer)
	}
	if !c.Audio.Enabled && !c.Video.Enabled {
		return errors.New("audio and video are both disabled")
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Video.Validate(); err != nil {
		return fmt.Errorf("video config: %w", err)
	}
	if c.SRT.Latency < 0 {
		return fmt.Errorf("srt latency must not be negative, got %s", c.SRT.Latency)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Validate checks audio configuration values.
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 8000 and 192000, got %d", a.SampleRate)
	}
	if a.Channels < 1 || a.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", a.Channels)
	}
	if a.RefillTimeout <= 0 {
		return fmt.Errorf("refill_timeout must be positive, got %s", a.RefillTimeout)
	}
	if a.Watermark <= 0 {
		return fmt.Errorf("watermark must be positive, got %d", a.Watermark)
	}
	if a.DeviceBuffer <= 0 {
		return fmt.Errorf("device_buffer must be positive, got %s", a.DeviceBuffer)
	}
	return nil
}

// Validate checks video configuration values.
func (v *VideoConfig) Validate() error {
	switch v.Display {
	case DisplaySDL, DisplayNone:
	default:
		return fmt.Errorf("display must be sdl or none, got %q", v.Display)
	}
	if v.Watermark <= 0 {
		return fmt.Errorf("watermark must be positive, got %d", v.Watermark)
	}
	if v.Width < 0 || v.Height < 0 {
		return fmt.Errorf("size must not be negative, got %dx%d", v.Width, v.Height)
	}
	if (v.Width == 0) != (v.Height == 0) {
		return fmt.Errorf("width and height must be set together, got %dx%d", v.Width, v.Height)
	}
	return nil
}
