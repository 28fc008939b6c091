package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// DefaultLatency is the SRT receiver latency used when none is configured.
const DefaultLatency = 120 * time.Millisecond

const defaultDialTimeout = 10 * time.Second

type srtTarget struct {
	addr     string
	listener bool
	streamID string
	latency  time.Duration
}

// parseSRT reads srt://host:port?streamid=..&latency=ms&mode=caller|listener.
// A URI without a host listens.
func parseSRT(raw string) (srtTarget, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return srtTarget{}, fmt.Errorf("source: %w", err)
	}
	if u.Scheme != "srt" || u.Port() == "" {
		return srtTarget{}, fmt.Errorf("source: %q is not srt://host:port", raw)
	}
	q := u.Query()
	t := srtTarget{
		addr:     u.Host,
		listener: u.Hostname() == "",
		streamID: q.Get("streamid"),
	}
	switch mode := q.Get("mode"); mode {
	case "":
	case "listener":
		t.listener = true
	case "caller":
		if t.listener {
			return srtTarget{}, fmt.Errorf("source: caller mode needs a host in %q", raw)
		}
	default:
		return srtTarget{}, fmt.Errorf("source: unknown SRT mode %q", mode)
	}
	if v := q.Get("latency"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return srtTarget{}, fmt.Errorf("source: bad SRT latency %q", v)
		}
		t.latency = time.Duration(ms) * time.Millisecond
	}
	return t, nil
}

// extractStreamKey turns an SRT stream ID into a short key for logs.
func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}

// setNanos stores d into an SRT config field expressed in nanoseconds.
func setNanos[T ~int | ~int64](dst *T, d time.Duration) {
	*dst = T(d.Nanoseconds())
}

func openSRT(ctx context.Context, uri string, cfg Config) (*Source, error) {
	t, err := parseSRT(uri)
	if err != nil {
		return nil, err
	}
	latency := t.latency
	if latency == 0 {
		latency = cfg.Latency
	}
	if latency == 0 {
		latency = DefaultLatency
	}
	sc := srtgo.DefaultConfig()
	setNanos(&sc.Latency, latency)

	if t.listener {
		return listenSRT(ctx, uri, t, sc, cfg)
	}
	if t.streamID == "" {
		t.streamID = cfg.StreamID
	}
	return dialSRT(ctx, uri, t, sc, cfg)
}

// dialSRT connects to a remote SRT listener, bounded by the dial timeout and
// ctx.
func dialSRT(ctx context.Context, uri string, t srtTarget, sc srtgo.Config, cfg Config) (*Source, error) {
	log := cfg.Logger.With("component", "srt-caller")
	sc.StreamID = t.streamID
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	log.Info("dialing", "address", t.addr, "stream_id", t.streamID)

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(t.addr, sc)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("source: SRT dial %s: %w", t.addr, res.err)
		}
		log.Info("connected", "address", t.addr)
		s := newSource(uri, KindSRTCaller, res.conn, res.conn)
		s.StreamKey = extractStreamKey(t.streamID)
		s.SetRemoteAddr(t.addr)
		return s, nil
	case <-timer.C:
		// Drain the dial result in the background and close any leaked connection.
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("source: SRT dial timed out after %s", timeout)
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// listenSRT waits for the first publisher on addr and serves it. The
// listener stays open for the life of the connection and is closed with it.
func listenSRT(ctx context.Context, uri string, t srtTarget, sc srtgo.Config, cfg Config) (*Source, error) {
	log := cfg.Logger.With("component", "srt-listener")
	l, err := srtgo.Listen(t.addr, sc)
	if err != nil {
		return nil, fmt.Errorf("source: SRT listen on %s: %w", t.addr, err)
	}
	log.Info("waiting for publisher", "addr", t.addr)

	if t.streamID != "" {
		want := extractStreamKey(t.streamID)
		l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
			if extractStreamKey(req.StreamID) != want {
				return srtgo.RejPeer
			}
			return 0
		})
	}

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				l.Close()
				return nil, ctx.Err()
			}
			log.Warn("accept error", "error", err)
			continue
		}
		s := newSource(uri, KindSRTListener, conn, closers{conn, l})
		s.StreamKey = extractStreamKey(conn.StreamID())
		s.SetRemoteAddr(conn.RemoteAddr().String())
		log.Info("publish", "stream_key", s.StreamKey, "remote", conn.RemoteAddr())
		return s, nil
	}
}

// closers closes each element in order and joins the errors.
type closers []io.Closer

func (cs closers) Close() error {
	var errs []error
	for _, c := range cs {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
