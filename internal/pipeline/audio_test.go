package pipeline

import (
	"bytes"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/flicker/internal/events"
	"github.com/zsiec/flicker/internal/media"
	"github.com/zsiec/flicker/internal/queue"
	"github.com/zsiec/flicker/internal/shutdown"
)

type audioHarness struct {
	coord  *shutdown.Coordinator
	q      *queue.PacketQueue
	dec    *fakeDecoder
	res    *fakeResampler
	bridge *AudioBridge
	stats  *Stats
	events *events.Queue
	ended  atomic.Int32
}

func newAudioHarness(t *testing.T, framesPerPacket int, in media.AudioFormat) *audioHarness {
	t.Helper()
	h := &audioHarness{
		coord: shutdown.New(),
		res:    &fakeResampler{},
		stats:  &Stats{},
		events: events.NewQueue(),
	}
	var released atomic.Int32
	h.dec = &fakeDecoder{split: audioFrames(framesPerPacket, &released)}
	h.q = queue.New(0, h.coord.Done())
	b, err := NewAudioBridge(AudioBridgeConfig{
		Queue:     h.q,
		Decoder:   h.dec,
		Resampler: h.res,
		Stream: media.StreamConfig{
			Stream:   media.StreamInfo{Kind: media.KindAudio},
			AudioIn:  in,
			AudioOut: testAudioFormat,
		},
		RefillTimeout: 10 * time.Millisecond,
		Stats:         h.stats,
		OnEnd:         func() { h.ended.Add(1) },
		Notifier:      events.NewGuard(h.events),
	})
	if err != nil {
		t.Fatal(err)
	}
	h.bridge = b
	return h
}

// filled returns a packet whose payload is n bytes of v.
func filled(n int, v byte) *media.Packet {
	return &media.Packet{Data: bytes.Repeat([]byte{v}, n), PTS: time.Second}
}

func TestAudioPadsWithSilenceAtEndOfStream(t *testing.T) {
	t.Parallel()

	h := newAudioHarness(t, 1, testAudioFormat)
	h.q.Push(filled(1000, 0x11))
	h.q.Finish()

	buf := bytes.Repeat([]byte{0xff}, 4096)
	n, err := h.bridge.Read(buf)
	if err != nil || n != 4096 {
		t.Fatalf("got n=%d err=%v, want 4096 <nil>", n, err)
	}
	if !bytes.Equal(buf[:1000], bytes.Repeat([]byte{0x11}, 1000)) {
		t.Error("first 1000 bytes are not the decoded samples")
	}
	if !bytes.Equal(buf[1000:], make([]byte, 3096)) {
		t.Error("last 3096 bytes are not silence")
	}
	if got := h.stats.AudioBytes.Load(); got != 1000 {
		t.Errorf("real bytes: got %d, want 1000", got)
	}
	if got := h.stats.SilenceBytes.Load(); got != 3096 {
		t.Errorf("silence bytes: got %d, want 3096", got)
	}
	if got := h.ended.Load(); got != 1 {
		t.Errorf("end callbacks: got %d, want 1", got)
	}

	// Later calls are pure silence and never wait.
	start := time.Now()
	if n, _ := h.bridge.Read(buf); n != len(buf) {
		t.Errorf("got %d, want %d", n, len(buf))
	}
	if d := time.Since(start); d > 5*time.Millisecond {
		t.Errorf("read after end waited %v", d)
	}
	if h.ended.Load() != 1 {
		t.Error("end callback ran twice")
	}
}

func TestAudioStagedBytesSpanCalls(t *testing.T) {
	t.Parallel()

	h := newAudioHarness(t, 1, testAudioFormat)
	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i)
	}
	h.q.Push(&media.Packet{Data: payload})

	a := make([]byte, 1000)
	b := make([]byte, 2000)
	h.bridge.Read(a)
	h.bridge.Read(b)
	if !bytes.Equal(append(a, b...), payload) {
		t.Error("bytes not delivered in order across calls")
	}
	if got := h.dec.submitted; got != 1 {
		t.Errorf("packets submitted: got %d, want 1", got)
	}
}

func TestAudioDrainsEveryFrameOfAPacket(t *testing.T) {
	t.Parallel()

	h := newAudioHarness(t, 4, testAudioFormat)
	h.q.Push(filled(4000, 0x22))
	h.q.Push(filled(4000, 0x33))

	buf := make([]byte, 4000)
	h.bridge.Read(buf)
	if !bytes.Equal(buf, bytes.Repeat([]byte{0x22}, 4000)) {
		t.Error("frames of the first packet were not all staged")
	}
	if got := h.dec.submitted; got != 1 {
		t.Errorf("submitted before the first packet was consumed: got %d, want 1", got)
	}
	if got := h.stats.AudioFrames.Load(); got != 4 {
		t.Errorf("frames staged: got %d, want 4", got)
	}
	if got := h.q.Len(); got != 1 {
		t.Errorf("second packet popped early: queue len %d", got)
	}
}

func TestAudioTimeoutPlaysSilence(t *testing.T) {
	t.Parallel()

	h := newAudioHarness(t, 1, testAudioFormat)
	buf := bytes.Repeat([]byte{0xff}, 512)

	start := time.Now()
	n, _ := h.bridge.Read(buf)
	if n != 512 {
		t.Fatalf("got %d, want 512", n)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("callback blocked for %v", d)
	}
	if !bytes.Equal(buf, make([]byte, 512)) {
		t.Error("underrun not filled with silence")
	}
	if got := h.stats.Underruns.Load(); got != 1 {
		t.Errorf("underruns: got %d, want 1", got)
	}
	if h.ended.Load() != 0 {
		t.Error("timeout treated as end of stream")
	}
}

func TestAudioCancelledPlaysSilence(t *testing.T) {
	t.Parallel()

	h := newAudioHarness(t, 1, testAudioFormat)
	h.q.Push(filled(100, 0x44))
	h.coord.Cancel()

	buf := bytes.Repeat([]byte{0xff}, 256)
	if n, _ := h.bridge.Read(buf); n != 256 {
		t.Fatalf("got %d, want 256", n)
	}
	if !bytes.Equal(buf, make([]byte, 256)) {
		t.Error("cancelled bridge produced samples")
	}
	if got := h.dec.submitted; got != 0 {
		t.Errorf("submitted after cancel: got %d, want 0", got)
	}
}

func TestAudioFormatPinnedThenChangeFailsStream(t *testing.T) {
	t.Parallel()

	// Sample format unknown at open; pinned by the first frame.
	h := newAudioHarness(t, 1, media.AudioFormat{Channels: 2, SampleRate: 48000})
	if h.res.configured != 0 {
		t.Fatalf("resampler configured before the format was known")
	}
	h.q.Push(filled(400, 0x55))
	buf := make([]byte, 400)
	h.bridge.Read(buf)
	if h.res.configured != 1 {
		t.Errorf("configure calls: got %d, want 1", h.res.configured)
	}

	changed := audioFrames(1, nil)
	h.dec.split = func(p *media.Packet) []media.Frame {
		fs := changed(p)
		ff := fs[0].(fakeAudioFrame)
		ff.audio.SampleRate = 44100
		return fs
	}
	h.q.Push(filled(400, 0x66))
	h.q.Push(filled(400, 0x77))
	h.bridge.Read(buf)
	if !bytes.Equal(buf, make([]byte, 400)) {
		t.Error("mismatched frame was played")
	}
	if got := h.stats.StreamFailures.Load(); got != 1 {
		t.Errorf("stream failures: got %d, want 1", got)
	}
	if h.ended.Load() != 1 {
		t.Error("failed stream did not report its end")
	}
	select {
	case ev := <-h.events.C():
		if ev.Kind != events.Fatal || !errors.Is(ev.Err, media.ErrFormatChanged) {
			t.Errorf("got %v, want fatal format change", ev)
		}
	default:
		t.Error("stream failure was not reported")
	}

	// The dead stream drops what is queued so the producer cannot stall on it.
	h.bridge.Read(buf)
	if got := h.q.Len(); got != 0 {
		t.Errorf("queue len after failure: got %d, want 0", got)
	}
}

func TestAudioFirstFrameOverridesContainerFormat(t *testing.T) {
	t.Parallel()

	// HE-AAC: the ADTS header carries the core rate and mono, the decoder
	// outputs the SBR rate in stereo.
	h := newAudioHarness(t, 1, media.AudioFormat{SampleFormat: media.SampleFormatS16, Channels: 1, SampleRate: 24000})
	if h.res.configured != 1 {
		t.Fatalf("configure calls at open: got %d, want 1", h.res.configured)
	}
	h.q.Push(filled(1000, 0x5a))

	buf := make([]byte, 1000)
	h.bridge.Read(buf)
	if !bytes.Equal(buf, bytes.Repeat([]byte{0x5a}, 1000)) {
		t.Error("first frame was not played")
	}
	if got := h.stats.StreamFailures.Load(); got != 0 {
		t.Errorf("stream failures: got %d, want 0", got)
	}
	if h.res.configured != 2 {
		t.Errorf("resampler not reconfigured for the decoded format: %d calls", h.res.configured)
	}
	if got := h.bridge.cfg.AudioIn; got != testAudioFormat {
		t.Errorf("pinned %v, want %v", got, testAudioFormat)
	}
	if len(h.events.C()) != 0 {
		t.Error("override reported as a failure")
	}
}

func TestAudioZeroFramePacketsShareOneDeadline(t *testing.T) {
	t.Parallel()

	h := newAudioHarness(t, 1, testAudioFormat)
	h.dec.split = func(*media.Packet) []media.Frame { return nil }

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(2 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				h.q.Push(filled(10, 0))
			}
		}
	}()

	start := time.Now()
	buf := make([]byte, 256)
	if n, _ := h.bridge.Read(buf); n != len(buf) {
		t.Fatalf("got %d, want %d", n, len(buf))
	}
	// The refill timeout is 10ms; a fresh wait per packet would keep the
	// callback here for as long as packets keep arriving.
	if d := time.Since(start); d > 100*time.Millisecond {
		t.Errorf("callback blocked for %v", d)
	}
	if got := h.stats.Underruns.Load(); got != 1 {
		t.Errorf("underruns: got %d, want 1", got)
	}
}

func TestAudioBridgeClose(t *testing.T) {
	t.Parallel()

	h := newAudioHarness(t, 1, testAudioFormat)
	if err := h.bridge.Close(); err != nil {
		t.Fatal(err)
	}
	if !h.dec.closed.Load() || !h.res.closed.Load() {
		t.Error("decoder or resampler not released")
	}
}
