package demux

import (
	"time"

	"github.com/zsiec/ccx"

	"github.com/zsiec/flicker/internal/media"
)

// cea708Channel offsets CEA-708 service numbers past the four CEA-608
// channels so both share one channel space.
const cea708Channel = 6

// captionDecoder turns caption data carried in video SEI messages into text.
type captionDecoder struct {
	emit   media.CaptionHandler
	cea608 map[int]*ccx.CEA608Decoder
	cea708 map[int]*ccx.CEA708Service
	dtvcc  []byte

	frame    int64 // video access units seen
	lastCtrl [2]controlCode
	count    int64
}

// controlCode remembers the last CEA-608 control pair of one field.
type controlCode struct {
	pair  [2]byte
	frame int64
	armed bool
}

func newCaptionDecoder(emit media.CaptionHandler) *captionDecoder {
	c := &captionDecoder{
		emit:   emit,
		cea608: make(map[int]*ccx.CEA608Decoder),
		cea708: make(map[int]*ccx.CEA708Service),
	}
	for ch := 1; ch <= 4; ch++ {
		c.cea608[ch] = ccx.NewCEA608Decoder()
	}
	for svc := 1; svc <= 6; svc++ {
		c.cea708[svc] = ccx.NewCEA708Service()
	}
	return c
}

// nextFrame marks the start of a new video access unit.
func (c *captionDecoder) nextFrame() { c.frame++ }

// feed decodes one SEI NAL unit.
func (c *captionDecoder) feed(sei []byte, pts time.Duration) {
	cd := ccx.ExtractCaptions(sei)
	if cd == nil {
		return
	}

	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]
		if c.repeatedControl(int(pair.Field), cc1, cc2) {
			continue
		}
		dec := c.cea608[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			c.send(media.Caption{PTS: pts, Channel: pair.Channel, Text: text})
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			c.drainDTVCC(pts)
			c.dtvcc = c.dtvcc[:0]
		}
		c.dtvcc = append(c.dtvcc, t.Data[0], t.Data[1])
	}
}

// repeatedControl reports whether a CEA-608 control code is the redundant
// second transmission of the previous one. Control codes are sent twice in
// consecutive frames and must act once.
func (c *captionDecoder) repeatedControl(field int, cc1, cc2 byte) bool {
	if field < 0 || field >= len(c.lastCtrl) {
		return false
	}
	last := &c.lastCtrl[field]
	if cc1 < 0x10 || cc1 > 0x1F {
		last.armed = false
		return false
	}
	pair := [2]byte{cc1, cc2}
	if last.armed && last.pair == pair && c.frame-last.frame <= 2 {
		last.armed = false
		return true
	}
	*last = controlCode{pair: pair, frame: c.frame, armed: true}
	return false
}

// drainDTVCC decodes the buffered DTVCC packet once it is complete.
func (c *captionDecoder) drainDTVCC(pts time.Duration) {
	if len(c.dtvcc) < 1 {
		return
	}
	size := ccx.DTVCCPacketSize(c.dtvcc[0])
	if len(c.dtvcc) < size {
		return
	}
	for _, block := range ccx.ParseDTVCCPacket(c.dtvcc[:size]) {
		svc := c.cea708[block.ServiceNum]
		if svc == nil || !svc.ProcessBlock(block.Data) {
			continue
		}
		if text := svc.DisplayText(); text != "" {
			c.send(media.Caption{PTS: pts, Channel: block.ServiceNum + cea708Channel, Text: text})
		}
	}
}

func (c *captionDecoder) send(caption media.Caption) {
	c.count++
	if c.emit != nil {
		c.emit(caption)
	}
}
