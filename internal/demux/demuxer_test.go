package demux

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/zsiec/flicker/internal/media"
	"github.com/zsiec/flicker/internal/mpegts"
)

const (
	pmtPID   = 0x1000
	videoPID = 0x100
	audioPID = 0x101
	dataPID  = 0x102
)

// tsMux writes a minimal transport stream for tests.
type tsMux struct {
	buf bytes.Buffer
	cc  map[uint16]uint8
}

func newTSMux() *tsMux { return &tsMux{cc: make(map[uint16]uint8)} }

// write packetizes payload on pid, stuffing the last packet through its
// adaptation field.
func (m *tsMux) write(pid uint16, payload []byte) {
	first := true
	for first || len(payload) > 0 {
		n := min(184, len(payload))
		af := 184 - n
		pkt := make([]byte, 188)
		pkt[0] = 0x47
		pkt[1] = byte(pid>>8) & 0x1F
		if first {
			pkt[1] |= 0x40
		}
		pkt[2] = byte(pid)
		pkt[3] = 0x10 | m.cc[pid]&0x0F
		if af > 0 {
			pkt[3] |= 0x20
			pkt[4] = byte(af - 1)
			for i := 6; i < 4+af; i++ {
				pkt[i] = 0xFF
			}
		}
		copy(pkt[4+af:], payload[:n])
		m.buf.Write(pkt)
		m.cc[pid]++
		payload = payload[n:]
		first = false
	}
}

func (m *tsMux) section(pid uint16, tableID byte, idExt uint16, body []byte) {
	sectionLen := 5 + len(body) + 4
	s := []byte{tableID, 0xB0 | byte(sectionLen>>8)&0x0F, byte(sectionLen), byte(idExt >> 8), byte(idExt), 0xC1, 0, 0}
	s = append(s, body...)
	s = binary.BigEndian.AppendUint32(s, mpegCRC(s))
	m.write(pid, append([]byte{0x00}, s...))
}

func (m *tsMux) pat() {
	m.section(0, 0x00, 1, []byte{0x00, 0x01, 0xE0 | pmtPID>>8, pmtPID & 0xFF})
}

type esEntry struct {
	pid        uint16
	streamType byte
	lang       string
}

func (m *tsMux) pmt(streams ...esEntry) {
	body := []byte{0xE0 | videoPID>>8, videoPID & 0xFF, 0xF0, 0x00}
	for _, es := range streams {
		var desc []byte
		if es.lang != "" {
			desc = append([]byte{0x0A, 4}, es.lang...)
			desc = append(desc, 0)
		}
		body = append(body, es.streamType, 0xE0|byte(es.pid>>8), byte(es.pid), 0xF0, byte(len(desc)))
		body = append(body, desc...)
	}
	m.section(pmtPID, 0x02, 1, body)
}

// pes writes a PES with a PTS and, for video, a DTS. Audio PES packets are
// bounded, video ones are not.
func (m *tsMux) pes(pid uint16, video bool, pts, dts int64, data []byte) {
	streamID, flags := byte(0xC0), byte(0x80)
	hdr := encodeTS(0x2, pts)
	if video {
		streamID, flags = 0xE0, 0xC0
		hdr = append(encodeTS(0x3, pts), encodeTS(0x1, dts)...)
	}
	p := []byte{0, 0, 1, streamID, 0, 0, 0x80, flags, byte(len(hdr))}
	p = append(p, hdr...)
	p = append(p, data...)
	if !video {
		binary.BigEndian.PutUint16(p[4:], uint16(len(p)-6))
	}
	m.write(pid, p)
}

func encodeTS(prefix byte, v int64) []byte {
	return []byte{
		prefix<<4 | byte(v>>29)&0x0E | 0x01,
		byte(v >> 22),
		byte(v>>14)&0xFE | 0x01,
		byte(v >> 7),
		byte(v<<1) | 0x01,
	}
}

func mpegCRC(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b) << 24
		for range 8 {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

var (
	idrAU   = annexB(sps256x192, []byte{0x68, 0xCE, 0x38, 0x80}, []byte{0x65, 0x88, 0x84, 0x21})
	sliceAU = annexB([]byte{0x41, 0x9A, 0x02, 0x04})
)

func ticks(v int64) time.Duration { return mpegts.Timestamp(v).Duration() }

func TestDemuxer(t *testing.T) {
	t.Parallel()
	m := newTSMux()
	m.pat()
	m.pmt(
		esEntry{videoPID, mpegts.StreamTypeH264, ""},
		esEntry{audioPID, mpegts.StreamTypeAAC, "eng"},
		esEntry{dataPID, mpegts.StreamTypeSCTE35, ""},
	)
	m.pes(videoPID, true, 93003, 90000, idrAU)
	m.pes(audioPID, false, 90000, 0, append(adtsFrame(3, 2, make([]byte, 40)), adtsFrame(3, 2, make([]byte, 30))...))
	m.pes(videoPID, true, 96006, 93003, sliceAU)
	m.pes(audioPID, false, 180000, 0, adtsFrame(3, 2, make([]byte, 20)))

	d, err := Open(bytes.NewReader(m.buf.Bytes()), Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	streams := d.Streams()
	if len(streams) != 3 {
		t.Fatalf("got %d streams, want 3", len(streams))
	}
	wantVideo := media.VideoFormat{PixelFormat: media.PixelFormatYUV420P, Width: 256, Height: 192}
	if s := streams[0]; s.Kind != media.KindVideo || s.Codec != "h264" || s.Video != wantVideo {
		t.Errorf("stream 0 = %+v, want h264 %v", s, wantVideo)
	}
	if s := streams[1]; s.Kind != media.KindAudio || s.Codec != "aac" || s.Audio.SampleRate != 48000 || s.Audio.Channels != 2 || s.Language != "eng" {
		t.Errorf("stream 1 = %+v, want aac 48000 Hz stereo eng", s)
	}
	if s := streams[2]; s.Kind != media.KindUnknown || s.Codec != "scte35" {
		t.Errorf("stream 2 = %+v, want unselectable scte35", s)
	}

	frameDur := time.Duration(1024 * int64(time.Second) / 48000)
	want := []struct {
		stream   int
		pts, dts time.Duration
		key      bool
		size     int
	}{
		{1, time.Second, time.Second, true, 47},
		{1, time.Second + frameDur, time.Second + frameDur, true, 37},
		{0, ticks(93003), time.Second, true, len(idrAU)},
		{1, 2 * time.Second, 2 * time.Second, true, 27},
		{0, ticks(96006), ticks(93003), false, len(sliceAU)},
	}
	for i, w := range want {
		p, err := d.NextPacket()
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		if p.Stream != w.stream || p.PTS != w.pts || p.DTS != w.dts || p.Keyframe != w.key || len(p.Data) != w.size {
			t.Errorf("packet %d = {stream %d pts %v dts %v key %v size %d}, want %+v",
				i, p.Stream, p.PTS, p.DTS, p.Keyframe, len(p.Data), w)
		}
	}
	if _, err := d.NextPacket(); !errors.Is(err, media.ErrEndOfStream) {
		t.Errorf("got %v, want ErrEndOfStream", err)
	}
	if st := d.Stats(); st.Packets != int64(m.buf.Len()/188) || st.CCErrors != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestDemuxer_BadADTSIsRecoverable(t *testing.T) {
	t.Parallel()
	m := newTSMux()
	m.pat()
	m.pmt(esEntry{audioPID, mpegts.StreamTypeAAC, ""})
	m.pes(audioPID, false, 0, 0, adtsFrame(4, 1, make([]byte, 10)))
	m.pes(audioPID, false, 1800, 0, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08})
	m.pes(audioPID, false, 3600, 0, adtsFrame(4, 1, make([]byte, 10)))

	d, err := Open(bytes.NewReader(m.buf.Bytes()), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.NextPacket(); err != nil {
		t.Fatal(err)
	}
	_, err = d.NextPacket()
	if !media.IsRecoverable(err) {
		t.Fatalf("got %v, want recoverable error", err)
	}
	p, err := d.NextPacket()
	if err != nil {
		t.Fatal(err)
	}
	if p.PTS != ticks(3600) {
		t.Errorf("got PTS %v, want %v", p.PTS, ticks(3600))
	}
}

func TestDemuxer_ProbeLimit(t *testing.T) {
	t.Parallel()
	m := newTSMux()
	m.pat()
	m.pmt(esEntry{videoPID, mpegts.StreamTypeH264, ""})
	for i := range int64(3) {
		m.pes(videoPID, true, 3003*i, 3003*i, sliceAU)
	}

	d, err := Open(bytes.NewReader(m.buf.Bytes()), Options{ProbeUnits: 2})
	if err != nil {
		t.Fatal(err)
	}
	if s := d.Streams()[0]; s.Video.Complete() {
		t.Errorf("got video format %v without an SPS", s.Video)
	}
	for i := range 3 {
		p, err := d.NextPacket()
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		if p.Keyframe {
			t.Errorf("packet %d marked keyframe", i)
		}
	}
	if _, err := d.NextPacket(); !errors.Is(err, media.ErrEndOfStream) {
		t.Errorf("got %v, want ErrEndOfStream", err)
	}
}

func TestOpen_NoProgram(t *testing.T) {
	t.Parallel()
	m := newTSMux()
	m.pes(videoPID, true, 0, 0, sliceAU)

	if _, err := Open(bytes.NewReader(m.buf.Bytes()), Options{}); !errors.Is(err, ErrNoProgram) {
		t.Errorf("got %v, want ErrNoProgram", err)
	}
	if _, err := Open(bytes.NewReader(nil), Options{}); !errors.Is(err, ErrNoProgram) {
		t.Errorf("empty input: got %v, want ErrNoProgram", err)
	}
}

func TestOpen_NotTransportStream(t *testing.T) {
	t.Parallel()
	_, err := Open(bytes.NewReader(bytes.Repeat([]byte{0xAB}, 4096)), Options{})
	if !errors.Is(err, mpegts.ErrNoSync) {
		t.Errorf("got %v, want ErrNoSync", err)
	}
}

func TestDemuxer_Close(t *testing.T) {
	t.Parallel()
	m := newTSMux()
	m.pat()
	m.pmt(esEntry{audioPID, mpegts.StreamTypeAAC, ""})
	m.pes(audioPID, false, 0, 0, adtsFrame(3, 2, make([]byte, 10)))

	d, err := Open(bytes.NewReader(m.buf.Bytes()), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := d.NextPacket(); !errors.Is(err, media.ErrEndOfStream) {
		t.Errorf("got %v, want ErrEndOfStream after Close", err)
	}
}

func TestDemuxer_SpliceCues(t *testing.T) {
	t.Parallel()
	cue, err := hex.DecodeString("fc302700000000000000fff00506fe000dbba00011020f43554549000000017fbf0000300101ee197d02")
	if err != nil {
		t.Fatal(err)
	}
	corrupt := append([]byte(nil), cue...)
	corrupt[len(corrupt)-1] ^= 0xFF

	m := newTSMux()
	m.pat()
	m.pmt(esEntry{audioPID, mpegts.StreamTypeAAC, ""}, esEntry{dataPID, mpegts.StreamTypeSCTE35, ""})
	m.pes(audioPID, false, 0, 0, adtsFrame(3, 2, make([]byte, 10)))
	m.write(dataPID, append([]byte{0x00}, cue...))
	m.write(dataPID, append([]byte{0x00}, corrupt...))
	m.pes(audioPID, false, 1920, 0, adtsFrame(3, 2, make([]byte, 10)))

	d, err := Open(bytes.NewReader(m.buf.Bytes()), Options{})
	if err != nil {
		t.Fatal(err)
	}
	for {
		p, err := d.NextPacket()
		if errors.Is(err, media.ErrEndOfStream) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if p.Stream != 0 {
			t.Errorf("got packet for stream %d, want audio only", p.Stream)
		}
	}
	st := d.Stats()
	if st.SpliceCues != 1 {
		t.Errorf("got %d splice cues, want 1", st.SpliceCues)
	}
	if st.BadUnits != 1 {
		t.Errorf("got %d bad units, want 1 for the corrupt cue", st.BadUnits)
	}
}
