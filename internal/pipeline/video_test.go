package pipeline

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/flicker/internal/events"
	"github.com/zsiec/flicker/internal/media"
	"github.com/zsiec/flicker/internal/queue"
	"github.com/zsiec/flicker/internal/shutdown"
)

type videoHarness struct {
	coord    *shutdown.Coordinator
	q        *queue.PacketQueue
	dec      *fakeDecoder
	scaler   *fakeScaler
	sink     *fakeSink
	stats    *Stats
	events   *events.Queue
	consumer *VideoConsumer
	released atomic.Int32
	ended    atomic.Int32
	done     chan error
}

func newVideoHarness(t *testing.T, framesPerPacket int, in media.VideoFormat) *videoHarness {
	t.Helper()
	h := &videoHarness{
		coord:  shutdown.New(),
		scaler: &fakeScaler{},
		sink:   &fakeSink{},
		stats:  &Stats{},
		events: events.NewQueue(),
		done:   make(chan error, 1),
	}
	h.dec = &fakeDecoder{split: videoFrames(framesPerPacket, testVideoFormat, &h.released)}
	h.q = queue.New(0, h.coord.Done())
	v, err := NewVideoConsumer(VideoConsumerConfig{
		Queue:   h.q,
		Decoder: h.dec,
		Scaler:  h.scaler,
		Sink:    h.sink,
		Stream: media.StreamConfig{
			Stream:   media.StreamInfo{Kind: media.KindVideo},
			VideoIn:  in,
			VideoOut: testRGBFormat,
		},
		Stats:    h.stats,
		OnEnd:    func() { h.ended.Add(1) },
		Notifier: events.NewGuard(h.events),
	})
	if err != nil {
		t.Fatal(err)
	}
	h.consumer = v
	return h
}

func (h *videoHarness) start() {
	go func() { h.done <- h.consumer.Run() }()
}

func (h *videoHarness) wait(t *testing.T) {
	t.Helper()
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not exit")
	}
}

func TestVideoPresentsEveryFrameThenDrains(t *testing.T) {
	t.Parallel()

	h := newVideoHarness(t, 3, media.VideoFormat{})
	for i := range 4 {
		h.q.Push(packet(0, 100, time.Duration(i)*40*time.Millisecond))
	}
	h.q.Finish()
	h.start()
	h.wait(t)

	if got := h.sink.Len(); got != 12 {
		t.Errorf("presented: got %d, want 12", got)
	}
	if got := h.released.Load(); got != 12 {
		t.Errorf("frames released: got %d, want 12", got)
	}
	if h.ended.Load() != 1 {
		t.Error("drain not reported")
	}
	if h.scaler.out.Width != 64 || h.scaler.out.Height != 48 {
		t.Errorf("output size not pinned from the source: %v", h.scaler.out)
	}
	if !h.dec.closed.Load() || !h.scaler.closed.Load() {
		t.Error("codec handles not released on exit")
	}

	// PTS order is preserved.
	var last time.Duration = -1
	for _, p := range h.sink.got {
		if p.pts <= last {
			t.Fatalf("pts went backwards: %v after %v", p.pts, last)
		}
		last = p.pts
	}
}

func TestVideoCancelWhileBlocked(t *testing.T) {
	t.Parallel()

	h := newVideoHarness(t, 1, testVideoFormat)
	h.start()

	select {
	case <-h.done:
		t.Fatal("consumer exited with nothing to do")
	case <-time.After(20 * time.Millisecond):
	}

	h.coord.Cancel()
	h.wait(t)

	if !h.dec.closed.Load() {
		t.Error("decoder leaked after cancellation")
	}
	if !h.scaler.closed.Load() {
		t.Error("scaler leaked after cancellation")
	}
	if h.ended.Load() != 0 {
		t.Error("cancellation reported as end of stream")
	}
}

func TestVideoSkipsUndecodablePackets(t *testing.T) {
	t.Parallel()

	h := newVideoHarness(t, 1, testVideoFormat)
	h.dec.submitErr = errors.New("corrupt slice")
	h.q.Push(packet(0, 10, 0))
	h.q.Push(packet(0, 10, time.Millisecond))
	h.q.Finish()
	h.start()
	h.wait(t)

	if got := h.stats.DecodeErrors.Load(); got != 2 {
		t.Errorf("decode errors: got %d, want 2", got)
	}
	if got := h.sink.Len(); got != 0 {
		t.Errorf("presented: got %d, want 0", got)
	}
}

func TestVideoFormatChangeFailsStream(t *testing.T) {
	t.Parallel()

	h := newVideoHarness(t, 1, media.VideoFormat{})
	first := videoFrames(1, testVideoFormat, &h.released)
	larger := testVideoFormat
	larger.Width = 1920
	second := videoFrames(1, larger, &h.released)
	n := 0
	h.dec.split = func(p *media.Packet) []media.Frame {
		n++
		if n == 1 {
			return first(p)
		}
		return second(p)
	}

	for i := range 3 {
		h.q.Push(packet(0, 10, time.Duration(i)*time.Millisecond))
	}
	h.q.Finish()
	h.start()
	h.wait(t)

	if got := h.sink.Len(); got != 1 {
		t.Errorf("presented: got %d, want 1", got)
	}
	if got := h.stats.StreamFailures.Load(); got != 1 {
		t.Errorf("stream failures: got %d, want 1", got)
	}
	if h.ended.Load() != 1 {
		t.Error("failure not reported as end of the stream")
	}
	if got := h.q.Len(); got != 0 {
		t.Errorf("failed stream left %d packets queued", got)
	}
	if got := h.released.Load(); got != 2 {
		t.Errorf("frames released: got %d, want 2", got)
	}
	select {
	case ev := <-h.events.C():
		if ev.Kind != events.Fatal || !errors.Is(ev.Err, media.ErrFormatChanged) {
			t.Errorf("got %v, want fatal format change", ev)
		}
	default:
		t.Error("stream failure was not reported")
	}
}

func TestVideoFirstFrameOverridesContainerSize(t *testing.T) {
	t.Parallel()

	h := newVideoHarness(t, 1, media.VideoFormat{PixelFormat: media.PixelFormatYUV420P, Width: 1280, Height: 720})
	if h.scaler.out.Width != 1280 {
		t.Fatalf("scaler output at open: got %v, want the container size", h.scaler.out)
	}
	h.q.Push(packet(0, 10, 0))
	h.q.Finish()
	h.start()
	h.wait(t)

	if got := h.sink.Len(); got != 1 {
		t.Fatalf("presented: got %d, want 1", got)
	}
	want := media.VideoFormat{PixelFormat: media.PixelFormatRGB24, Width: 64, Height: 48}
	if h.scaler.out != want {
		t.Errorf("scaler output: got %v, want %v", h.scaler.out, want)
	}
	if got := h.stats.StreamFailures.Load(); got != 0 {
		t.Errorf("stream failures: got %d, want 0", got)
	}
}
