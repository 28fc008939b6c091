package demux

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/flicker/internal/media"
	"github.com/zsiec/flicker/internal/mpegts"
	"github.com/zsiec/flicker/internal/scte35"
)

// ErrNoProgram is returned by Open when the input ends before a program map
// is found.
var ErrNoProgram = errors.New("demux: no program map found")

// DefaultProbeUnits bounds how many units Open reads after the program map
// while it waits for every stream to reveal its parameters.
const DefaultProbeUnits = 1000

// Options configures a Demuxer.
type Options struct {
	// ProbeUnits overrides DefaultProbeUnits.
	ProbeUnits int
	// Captions receives CEA-608/708 text found in the video stream. Nil
	// disables caption decoding.
	Captions media.CaptionHandler
	Logger   *slog.Logger
}

// Stats counts demuxer activity. It is safe to read while the demuxer runs.
type Stats struct {
	Packets    int64 `json:"ts_packets"`
	Resyncs    int64 `json:"resyncs"`
	CCErrors   int64 `json:"cc_errors"`
	TEIPackets int64 `json:"tei_packets"`
	BadUnits   int64 `json:"bad_units"`
	Captions   int64 `json:"captions"`
	SpliceCues int64 `json:"splice_cues"`
}

type track struct {
	pid        uint16
	streamType uint8
	info       media.StreamInfo
	probed     bool
}

// Demuxer reads an MPEG transport stream and yields one packet per video
// access unit or AAC frame. It follows the first program of the PAT; the
// stream set is fixed by the first PMT of that program.
//
// NextPacket and Close must be called from one goroutine. Stats may be
// called from any goroutine.
type Demuxer struct {
	log      *slog.Logger
	rd       *mpegts.Reader
	captions *captionDecoder

	pmtPID     uint16
	pmtVersion uint8
	streams    media.StreamSet
	tracks     map[uint16]*track
	pending    []*media.Packet
	closed     bool

	packets, resyncs, ccErrors, tei, badUnits, captionCount, spliceCues, badCues atomic.Int64
}

// Open reads from r until the program map has been parsed and each stream's
// parameters are known, or the probe limit is reached. Packets read while
// probing are kept and returned first by NextPacket. The caller owns r.
func Open(r io.Reader, opts Options) (*Demuxer, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	d := &Demuxer{
		log:    log.With("component", "demux"),
		rd:     mpegts.NewReader(r),
		tracks: make(map[uint16]*track),
	}
	if opts.Captions != nil {
		d.captions = newCaptionDecoder(opts.Captions)
	}

	limit := opts.ProbeUnits
	if limit <= 0 {
		limit = DefaultProbeUnits
	}
	if err := d.probe(limit); err != nil {
		return nil, err
	}

	for _, t := range d.tracks {
		if t.info.Kind != media.KindUnknown && !t.probed {
			d.log.Warn("stream parameters not found while probing", "pid", t.pid, "codec", t.info.Codec)
		}
	}
	for _, s := range d.streams {
		switch s.Kind {
		case media.KindVideo:
			d.log.Info("video stream", "index", s.Index, "codec", s.Codec, "format", s.Video)
		case media.KindAudio:
			d.log.Info("audio stream", "index", s.Index, "codec", s.Codec, "format", s.Audio, "language", s.Language)
		}
	}
	return d, nil
}

func (d *Demuxer) probe(limit int) error {
	for n := 0; d.streams == nil || (!d.probed() && n < limit); {
		u, err := d.rd.Next()
		d.syncStats()
		if err != nil {
			var ue *mpegts.UnitError
			switch {
			case errors.Is(err, io.EOF):
				if d.streams == nil {
					return ErrNoProgram
				}
				return nil
			case errors.As(err, &ue):
				d.log.Debug("skipping bad unit while probing", "pid", ue.PID, "error", err)
				continue
			default:
				return fmt.Errorf("demux: probe: %w", err)
			}
		}
		if d.streams != nil {
			n++
		}
		if err := d.unit(u); err != nil {
			d.log.Debug("skipping unit while probing", "error", err)
		}
	}
	return nil
}

func (d *Demuxer) probed() bool {
	for _, t := range d.tracks {
		if !t.probed {
			return false
		}
	}
	return true
}

// Streams returns the streams of the selected program.
func (d *Demuxer) Streams() media.StreamSet { return d.streams }

// NextPacket returns the next packet. Unparseable units yield a recoverable
// error; the end of input yields media.ErrEndOfStream.
func (d *Demuxer) NextPacket() (*media.Packet, error) {
	for len(d.pending) == 0 {
		if d.closed {
			return nil, media.ErrEndOfStream
		}
		u, err := d.rd.Next()
		d.syncStats()
		if err != nil {
			var ue *mpegts.UnitError
			switch {
			case errors.Is(err, io.EOF):
				return nil, media.ErrEndOfStream
			case errors.As(err, &ue):
				return nil, media.Recoverable(err)
			default:
				return nil, fmt.Errorf("demux: read: %w", err)
			}
		}
		if err := d.unit(u); err != nil {
			return nil, err
		}
	}
	p := d.pending[0]
	d.pending[0] = nil
	d.pending = d.pending[1:]
	return p, nil
}

// Close stops the demuxer. The underlying reader is left to the caller.
func (d *Demuxer) Close() error {
	d.closed = true
	d.pending = nil
	return nil
}

// Stats returns a snapshot of the demuxer counters.
func (d *Demuxer) Stats() Stats {
	return Stats{
		Packets:    d.packets.Load(),
		Resyncs:    d.resyncs.Load(),
		CCErrors:   d.ccErrors.Load(),
		TEIPackets: d.tei.Load(),
		BadUnits:   d.badUnits.Load() + d.badCues.Load(),
		Captions:   d.captionCount.Load(),
		SpliceCues: d.spliceCues.Load(),
	}
}

func (d *Demuxer) syncStats() {
	s := d.rd.Stats()
	d.packets.Store(s.Packets)
	d.resyncs.Store(s.Resyncs)
	d.ccErrors.Store(s.CCErrors)
	d.tei.Store(s.TEIPackets)
	d.badUnits.Store(s.BadUnits)
	if d.captions != nil {
		d.captionCount.Store(d.captions.count)
	}
}

func (d *Demuxer) unit(u *mpegts.Unit) error {
	switch {
	case u.PAT != nil:
		if d.pmtPID == 0 && len(u.PAT.Programs) > 0 {
			d.pmtPID = u.PAT.Programs[0].PMTPID
			d.log.Debug("selected program", "program", u.PAT.Programs[0].Number, "pmt_pid", d.pmtPID)
		}
	case u.PMT != nil:
		if u.PID != d.pmtPID {
			return nil
		}
		if d.streams == nil {
			d.learnPMT(u.PMT)
		} else if u.PMT.Version != d.pmtVersion {
			d.pmtVersion = u.PMT.Version
			d.log.Warn("program map changed; keeping the streams found at open", "version", u.PMT.Version)
		}
	case u.PES != nil:
		t, ok := d.tracks[u.PID]
		if !ok {
			return nil
		}
		if u.Discontinuity {
			d.log.Debug("stream discontinuity", "pid", u.PID)
		}
		return d.pes(t, u.PES)
	case u.Splice != nil:
		if t, ok := d.tracks[u.PID]; ok && t.streamType == mpegts.StreamTypeSCTE35 {
			d.splice(u.PID, u.Splice)
		}
	}
	return nil
}

// splice logs an SCTE-35 cue. Cues are informational; a bad one is
// counted and skipped.
func (d *Demuxer) splice(pid uint16, section []byte) {
	cue, err := scte35.Decode(section)
	if err != nil {
		d.badCues.Add(1)
		d.log.Debug("bad splice cue", "pid", pid, "error", err)
		return
	}
	d.spliceCues.Add(1)
	attrs := []any{"pid", pid, "command", cue.Command}
	if cue.Timed {
		attrs = append(attrs, "at", scte35.Ticks(cue.SpliceTime))
	}
	if cue.Command == scte35.CommandSpliceInsert {
		attrs = append(attrs, "event_id", cue.EventID, "out_of_network", cue.OutOfNetwork)
		if cue.BreakDuration > 0 {
			attrs = append(attrs, "break", cue.BreakDuration)
		}
	}
	for _, seg := range cue.Segments {
		attrs = append(attrs, "segment", seg.Name())
		if seg.Duration > 0 {
			attrs = append(attrs, "segment_duration", seg.Duration)
		}
	}
	d.log.Info("splice cue", attrs...)
}

func (d *Demuxer) learnPMT(pmt *mpegts.PMT) {
	d.pmtVersion = pmt.Version
	d.streams = make(media.StreamSet, 0, len(pmt.Streams))
	for _, es := range pmt.Streams {
		info := media.StreamInfo{Index: len(d.streams), Language: es.Language}
		probed := true
		switch es.StreamType {
		case mpegts.StreamTypeH264:
			info.Kind, info.Codec = media.KindVideo, "h264"
			probed = false
		case mpegts.StreamTypeH265:
			info.Kind, info.Codec = media.KindVideo, "hevc"
		case mpegts.StreamTypeAAC:
			info.Kind, info.Codec = media.KindAudio, "aac"
			probed = false
		case mpegts.StreamTypeMPEG1Audio, mpegts.StreamTypeMPEG2Audio:
			info.Kind, info.Codec = media.KindAudio, "mp2"
		case mpegts.StreamTypeAC3:
			info.Kind, info.Codec = media.KindAudio, "ac3"
		case mpegts.StreamTypeSCTE35:
			info.Codec = "scte35"
		default:
			info.Codec = fmt.Sprintf("stream_type_0x%02x", es.StreamType)
		}
		d.streams = append(d.streams, info)
		d.tracks[es.PID] = &track{pid: es.PID, streamType: es.StreamType, info: info, probed: probed}
	}
}

// setStream records probed parameters on both the track and the stream set.
func (d *Demuxer) setStream(t *track, info media.StreamInfo) {
	t.info = info
	t.probed = true
	d.streams[info.Index] = info
}

func (d *Demuxer) pes(t *track, pes *mpegts.PES) error {
	if len(pes.Data) == 0 || t.info.Kind == media.KindUnknown {
		return nil
	}
	pts := timestamp(pes.PTS)
	dts := pts
	if pes.DTS != mpegts.NoTimestamp {
		dts = timestamp(pes.DTS)
	}

	switch {
	case t.info.Kind == media.KindVideo:
		d.video(t, pes, pts, dts)
	case t.streamType == mpegts.StreamTypeAAC:
		return d.aac(t, pes.Data, pts)
	default:
		d.pending = append(d.pending, &media.Packet{
			Stream: t.info.Index, Data: pes.Data, PTS: pts, DTS: dts, Keyframe: true,
		})
	}
	return nil
}

// video emits the PES as one access unit. Parameter sets and captions are
// read from its NAL units along the way.
func (d *Demuxer) video(t *track, pes *mpegts.PES, pts, dts time.Duration) {
	keyframe := pes.RandomAccess
	if d.captions != nil {
		d.captions.nextFrame()
	}

	hevc := t.streamType == mpegts.StreamTypeH265
	var nalus []NALUnit
	if hevc {
		nalus = ParseAnnexBHEVC(pes.Data)
	} else {
		nalus = ParseAnnexB(pes.Data)
	}
	for _, nalu := range nalus {
		switch {
		case hevc && IsHEVCKeyframe(nalu.Type), !hevc && IsKeyframe(nalu.Type):
			keyframe = true
		case !hevc && nalu.Type == NALTypeSPS && !t.probed:
			sps, err := ParseSPS(nalu.Data)
			if err != nil {
				d.log.Debug("unparseable SPS", "pid", t.pid, "error", err)
				continue
			}
			info := t.info
			info.Video = media.VideoFormat{PixelFormat: sps.PixelFormat(), Width: sps.Width, Height: sps.Height}
			d.setStream(t, info)
			d.log.Debug("parsed SPS", "pid", t.pid, "codec", sps.CodecString(), "width", sps.Width, "height", sps.Height)
		case d.captions != nil && (hevc && nalu.Type == HEVCNALSEIPrefix || !hevc && nalu.Type == NALTypeSEI):
			d.captions.feed(nalu.Data, pts)
		}
	}

	d.pending = append(d.pending, &media.Packet{
		Stream: t.info.Index, Data: pes.Data, PTS: pts, DTS: dts, Keyframe: keyframe,
	})
}

// aac splits an ADTS PES into one packet per frame, spacing timestamps by
// the frame duration.
func (d *Demuxer) aac(t *track, data []byte, pts time.Duration) error {
	frames, err := ParseADTS(data)
	if len(frames) == 0 {
		if err == nil {
			err = ErrInvalidADTS
		}
		return media.Recoverable(fmt.Errorf("demux: PID %d: %w", t.pid, err))
	}
	if err != nil {
		d.log.Debug("ADTS parse stopped early", "pid", t.pid, "error", err)
	}

	if !t.probed {
		info := t.info
		info.Audio.SampleRate = frames[0].SampleRate
		info.Audio.Channels = frames[0].Channels
		d.setStream(t, info)
	}

	var offset int64 // samples since the PES timestamp
	for _, f := range frames {
		framePTS := pts
		if pts != media.NoPTS && f.SampleRate > 0 {
			framePTS += time.Duration(offset * int64(time.Second) / int64(f.SampleRate))
		}
		d.pending = append(d.pending, &media.Packet{
			Stream: t.info.Index, Data: f.Data, PTS: framePTS, DTS: framePTS, Keyframe: true,
		})
		offset += int64(f.Samples)
	}
	return nil
}

func timestamp(ts mpegts.Timestamp) time.Duration {
	if ts == mpegts.NoTimestamp {
		return media.NoPTS
	}
	return ts.Duration()
}
