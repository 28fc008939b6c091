// Command flicker-push sends a transport stream file to an SRT listener at
// the file's own bitrate. Point it at a player started with srt://:port.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/flicker/internal/mpegts"
)

const (
	chunkSize       = mpegts.PacketSize * 7
	logInterval     = 10 * time.Second
	fallbackLength  = 60 * time.Second
	reconnectPeriod = time.Second
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9000", "SRT listener address")
	streamID := flag.String("streamid", "", "SRT stream ID (default live/<file name>)")
	duration := flag.Duration("duration", 0, "play length of the file; 0 reads it from PES timestamps")
	loop := flag.Bool("loop", false, "start over at the end of the file")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: flicker-push [flags] file.ts")
		flag.PrintDefaults()
		os.Exit(2)
	}
	file := flag.Arg(0)
	if *streamID == "" {
		base := filepath.Base(file)
		*streamID = "live/" + strings.TrimSuffix(base, filepath.Ext(base))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := push(ctx, file, *addr, *streamID, *duration, *loop); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("push failed", "error", err)
		os.Exit(1)
	}
}

func push(ctx context.Context, file, addr, streamID string, length time.Duration, loop bool) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	if len(data)%mpegts.PacketSize != 0 {
		slog.Warn("file size is not a whole number of packets", "size", len(data))
	}
	if length <= 0 {
		if length, err = scanDuration(data); err != nil {
			slog.Warn("cannot read duration from timestamps", "error", err, "assumed", fallbackLength)
			length = fallbackLength
		}
	}
	rate := float64(len(data)) / length.Seconds()
	log := slog.With("stream_id", streamID, "addr", addr)
	log.Info("pushing", "file", file, "bytes", len(data), "duration", length, "bytes_per_sec", int64(rate))

	for {
		cfg := srt.DefaultConfig()
		cfg.StreamID = streamID
		conn, err := srt.Dial(addr, cfg)
		if err != nil {
			log.Warn("connect failed, retrying", "error", err)
			if !sleep(ctx, reconnectPeriod) {
				return ctx.Err()
			}
			continue
		}
		log.Info("connected")
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		err = send(ctx, conn, data, rate, loop, log)
		stop()
		conn.Close()

		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err == nil:
			log.Info("done")
			return nil
		}
		log.Warn("connection lost, reconnecting", "error", err)
		if !sleep(ctx, reconnectPeriod) {
			return ctx.Err()
		}
	}
}

// send writes data in chunks paced to rate bytes per second against one
// clock, so a loop restart causes neither a burst nor a gap.
func send(ctx context.Context, w io.Writer, data []byte, rate float64, loop bool, log *slog.Logger) error {
	start := time.Now()
	lastLog := start
	var sent int64
	for pass := 1; ; pass++ {
		for off := 0; off < len(data); off += chunkSize {
			end := min(off+chunkSize, len(data))
			if _, err := w.Write(data[off:end]); err != nil {
				return err
			}
			sent += int64(end - off)

			due := time.Duration(float64(sent) / rate * float64(time.Second))
			if !sleep(ctx, due-time.Since(start)) {
				return ctx.Err()
			}
			if time.Since(lastLog) >= logInterval {
				log.Info("progress", "pass", pass, "sent_mb", float64(sent)/(1<<20),
					"bytes_per_sec", int64(float64(sent)/time.Since(start).Seconds()))
				lastLog = time.Now()
			}
		}
		if !loop {
			return nil
		}
		log.Debug("restarting from the beginning", "pass", pass)
	}
}

// scanDuration measures the span of PES timestamps on the first PID that
// carries them.
func scanDuration(data []byte) (time.Duration, error) {
	r := mpegts.NewReader(bytes.NewReader(data))
	var pid uint16
	first, last := mpegts.NoTimestamp, mpegts.NoTimestamp
	for {
		u, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		var ue *mpegts.UnitError
		if errors.As(err, &ue) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if u.PES == nil || u.PES.PTS == mpegts.NoTimestamp {
			continue
		}
		if first == mpegts.NoTimestamp {
			pid, first = u.PID, u.PES.PTS
		}
		if u.PID == pid && u.PES.PTS > last {
			last = u.PES.PTS
		}
	}
	if first == mpegts.NoTimestamp || last <= first {
		return 0, errors.New("no usable PES timestamps")
	}
	return (last - first).Duration(), nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
