package pipeline

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/flicker/internal/media"
)

var (
	testAudioFormat = media.AudioFormat{SampleFormat: media.SampleFormatS16, Channels: 2, SampleRate: 48000}
	testVideoFormat = media.VideoFormat{PixelFormat: media.PixelFormatYUV420P, Width: 64, Height: 48}
	testRGBFormat   = media.VideoFormat{PixelFormat: media.PixelFormatRGB24}
)

// fakeDemuxer returns its packets in order, then ErrEndOfStream (or err).
// With repeat set it never ends and returns copies of repeat instead.
type fakeDemuxer struct {
	streams media.StreamSet
	repeat  *media.Packet

	mu    sync.Mutex
	pkts  []*media.Packet
	errs  map[int]error // returned instead of the packet at that read index
	err   error
	reads int
}

func (d *fakeDemuxer) Streams() media.StreamSet { return d.streams }

func (d *fakeDemuxer) NextPacket() (*media.Packet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.reads
	d.reads++
	if err, ok := d.errs[i]; ok {
		return nil, err
	}
	if len(d.pkts) == 0 {
		if d.repeat != nil {
			p := *d.repeat
			return &p, nil
		}
		if d.err != nil {
			return nil, d.err
		}
		return nil, media.ErrEndOfStream
	}
	p := d.pkts[0]
	d.pkts = d.pkts[1:]
	return p, nil
}

func (d *fakeDemuxer) Close() error { return nil }

func (d *fakeDemuxer) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

type fakeFrame struct {
	pts      time.Duration
	audio    media.AudioFormat
	video    media.VideoFormat
	samples  int
	data     []byte
	released *atomic.Int32
}

func (f *fakeFrame) PTS() time.Duration { return f.pts }
func (f *fakeFrame) Release() {
	if f.released != nil {
		f.released.Add(1)
	}
}

type fakeAudioFrame struct{ *fakeFrame }

func (f fakeAudioFrame) AudioFormat() media.AudioFormat { return f.audio }
func (f fakeAudioFrame) Samples() int                   { return f.samples }

type fakeVideoFrame struct{ *fakeFrame }

func (f fakeVideoFrame) VideoFormat() media.VideoFormat { return f.video }

// fakeDecoder turns every packet into the frames returned by split.
type fakeDecoder struct {
	split func(*media.Packet) []media.Frame

	mu        sync.Mutex
	pending   []media.Frame
	flushing  bool
	submitted int
	receives  int
	closed    atomic.Bool
	submitErr error
}

func (d *fakeDecoder) Submit(pkt *media.Packet) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pkt == nil {
		d.flushing = true
		return nil
	}
	d.submitted++
	if d.submitErr != nil {
		return d.submitErr
	}
	d.pending = append(d.pending, d.split(pkt)...)
	return nil
}

func (d *fakeDecoder) Receive() (media.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receives++
	if len(d.pending) > 0 {
		f := d.pending[0]
		d.pending = d.pending[1:]
		return f, nil
	}
	if d.flushing {
		return nil, media.ErrEndOfStream
	}
	return nil, media.ErrWouldBlock
}

func (d *fakeDecoder) Close() error {
	d.closed.Store(true)
	return nil
}

// audioFrames yields n frames, each carrying the packet payload split evenly.
func audioFrames(n int, released *atomic.Int32) func(*media.Packet) []media.Frame {
	return func(p *media.Packet) []media.Frame {
		chunk := len(p.Data) / n
		out := make([]media.Frame, 0, n)
		for i := range n {
			data := p.Data[i*chunk : (i+1)*chunk]
			out = append(out, fakeAudioFrame{&fakeFrame{
				pts:      p.PTS,
				audio:    testAudioFormat,
				samples:  len(data) / testAudioFormat.BytesPerFrame(),
				data:     data,
				released: released,
			}})
		}
		return out
	}
}

func videoFrames(n int, format media.VideoFormat, released *atomic.Int32) func(*media.Packet) []media.Frame {
	return func(p *media.Packet) []media.Frame {
		out := make([]media.Frame, 0, n)
		for i := range n {
			out = append(out, fakeVideoFrame{&fakeFrame{
				pts:      p.PTS + time.Duration(i)*time.Millisecond,
				video:    format,
				released: released,
			}})
		}
		return out
	}
}

// fakeResampler copies the frame's bytes through unchanged.
type fakeResampler struct {
	configured int
	closed     atomic.Bool
}

func (r *fakeResampler) Configure(in, out media.AudioFormat) error {
	r.configured++
	return nil
}

func (r *fakeResampler) Convert(f media.AudioFrame, dst []byte) (int, error) {
	ff, ok := f.(fakeAudioFrame)
	if !ok {
		return 0, errors.New("unexpected frame type")
	}
	return copy(dst, ff.data), nil
}

func (r *fakeResampler) Close() error {
	r.closed.Store(true)
	return nil
}

type fakeScaler struct {
	in, out media.VideoFormat
	closed  atomic.Bool
}

func (s *fakeScaler) Configure(in, out media.VideoFormat) error {
	s.in, s.out = in, out
	return nil
}

func (s *fakeScaler) Convert(f media.VideoFrame) (*media.Picture, error) {
	return &media.Picture{Format: s.out, Stride: s.out.Width * 3, Data: make([]byte, s.out.Width*3*s.out.Height)}, nil
}

func (s *fakeScaler) Close() error {
	s.closed.Store(true)
	return nil
}

type presented struct {
	pic *media.Picture
	pts time.Duration
}

type fakeSink struct {
	mu   sync.Mutex
	got  []presented
	hook func()
}

func (s *fakeSink) Present(pic *media.Picture, pts time.Duration) {
	s.mu.Lock()
	s.got = append(s.got, presented{pic, pts})
	s.mu.Unlock()
	if s.hook != nil {
		s.hook()
	}
}

func (s *fakeSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

type fakeCodecs struct {
	audio      *fakeDecoder
	video      *fakeDecoder
	resampler  *fakeResampler
	scaler     *fakeScaler
	failVideo  error
	failScaler error
}

func (c *fakeCodecs) OpenDecoder(info media.StreamInfo) (media.Decoder, error) {
	if info.Kind == media.KindAudio {
		return c.audio, nil
	}
	if c.failVideo != nil {
		return nil, c.failVideo
	}
	return c.video, nil
}

func (c *fakeCodecs) NewResampler() (media.Resampler, error) { return c.resampler, nil }

func (c *fakeCodecs) NewScaler() (media.Scaler, error) {
	if c.failScaler != nil {
		return nil, c.failScaler
	}
	return c.scaler, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func packet(stream, size int, pts time.Duration) *media.Packet {
	return &media.Packet{Stream: stream, Data: make([]byte, size), PTS: pts, DTS: pts}
}
