// Package source opens the byte stream a demuxer reads from: a local file,
// standard input, or an SRT connection in caller or listener mode. Every
// source counts the bytes read through it for the debug API.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies how a source was opened.
type Kind string

// Source kinds.
const (
	KindFile        Kind = "file"
	KindStdin       Kind = "stdin"
	KindSRTCaller   Kind = "srt-caller"
	KindSRTListener Kind = "srt-listener"
)

// Config configures Open.
type Config struct {
	// Latency is the SRT receiver latency. Zero means DefaultLatency.
	Latency time.Duration
	// StreamID is sent by SRT callers when the URI has no streamid.
	StreamID    string
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Stats captures connection-level metrics for a source.
type Stats struct {
	Kind          Kind   `json:"kind"`
	URI           string `json:"uri"`
	StreamKey     string `json:"streamKey,omitempty"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr,omitempty"`
}

// Source is an open input. Reads are counted; Close is idempotent and may be
// called from another goroutine to unblock a pending Read on network
// sources.
type Source struct {
	URI       string
	Kind      Kind
	StreamKey string
	StartedAt time.Time

	r      io.Reader
	closer io.Closer

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value

	closeOnce sync.Once
	closeErr  error
}

// Open opens uri. "-" is standard input; srt:// URIs dial or listen; any
// other value is a file path.
func Open(ctx context.Context, uri string, cfg Config) (*Source, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	switch {
	case uri == "":
		return nil, errors.New("source: empty input")
	case uri == "-":
		return newSource(uri, KindStdin, os.Stdin, nil), nil
	case strings.HasPrefix(uri, "srt://"):
		return openSRT(ctx, uri, cfg)
	default:
		f, err := os.Open(uri)
		if err != nil {
			return nil, fmt.Errorf("source: %w", err)
		}
		return newSource(uri, KindFile, f, f), nil
	}
}

func newSource(uri string, kind Kind, r io.Reader, c io.Closer) *Source {
	return &Source{URI: uri, Kind: kind, StartedAt: time.Now(), r: r, closer: c}
}

// Read reads from the underlying input.
func (s *Source) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.RecordRead(n)
	}
	return n, err
}

// RecordRead increments the byte and read counters.
func (s *Source) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the remote address of a network source.
func (s *Source) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Stats returns a snapshot of the source counters.
func (s *Source) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		Kind:          s.Kind,
		URI:           s.URI,
		StreamKey:     s.StreamKey,
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// TransportStream reports whether the source is expected to carry an MPEG
// transport stream: network and pipe inputs always do, files when their
// extension says so.
func (s *Source) TransportStream() bool {
	return s.Kind != KindFile || IsTransportStreamPath(s.URI)
}

// IsTransportStreamPath reports whether uri names an MPEG-TS input.
func IsTransportStreamPath(uri string) bool {
	if uri == "-" || strings.HasPrefix(uri, "srt://") {
		return true
	}
	switch strings.ToLower(filepath.Ext(uri)) {
	case ".ts", ".m2ts", ".mts":
		return true
	}
	return false
}

// Close closes the underlying input. Standard input is left open.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer.Close()
		}
	})
	return s.closeErr
}
