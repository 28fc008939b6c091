package scte35

import (
	"fmt"
	"time"
)

const (
	tagSegmentation = 0x02
	cueIdentifier   = 0x43554549 // "CUEI"
)

// Segment is a segmentation_descriptor.
type Segment struct {
	EventID  uint32
	Cancel   bool
	TypeID   uint8
	Duration time.Duration // zero when absent
	Num      uint8
	Expected uint8
}

// segmentNames covers the segmentation_type_id values players commonly see.
var segmentNames = map[uint8]string{
	0x00: "not indicated",
	0x01: "content identification",
	0x10: "program start",
	0x11: "program end",
	0x20: "chapter start",
	0x21: "chapter end",
	0x22: "break start",
	0x23: "break end",
	0x30: "provider ad start",
	0x31: "provider ad end",
	0x32: "distributor ad start",
	0x33: "distributor ad end",
	0x34: "provider placement opportunity start",
	0x35: "provider placement opportunity end",
	0x36: "distributor placement opportunity start",
	0x37: "distributor placement opportunity end",
	0x40: "unscheduled event start",
	0x41: "unscheduled event end",
	0x50: "network start",
	0x51: "network end",
}

// Name describes the segmentation type.
func (s Segment) Name() string {
	if n, ok := segmentNames[s.TypeID]; ok {
		return n
	}
	return fmt.Sprintf("type 0x%02x", s.TypeID)
}

// decodeDescriptors returns the segmentation descriptors in a descriptor
// loop. Other descriptors are skipped.
func decodeDescriptors(loop []byte) ([]Segment, error) {
	var segs []Segment
	for len(loop) >= 2 {
		tag, n := loop[0], int(loop[1])
		if 2+n > len(loop) {
			return segs, fmt.Errorf("scte35: descriptor 0x%02x: %w", tag, ErrTruncated)
		}
		body := loop[2 : 2+n]
		loop = loop[2+n:]
		if tag != tagSegmentation || n < 4 {
			continue
		}
		r := &bitReader{data: body}
		if r.uint(32) != cueIdentifier {
			continue
		}
		seg := decodeSegment(r)
		if r.overflow {
			return segs, fmt.Errorf("scte35: segmentation descriptor: %w", ErrTruncated)
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

func decodeSegment(r *bitReader) Segment {
	s := Segment{EventID: uint32(r.uint(32))}
	s.Cancel = r.flag()
	r.skip(7) // segmentation_event_id_compliance_indicator, reserved
	if s.Cancel {
		return s
	}
	program := r.flag()
	hasDuration := r.flag()
	r.skip(6) // delivery_not_restricted_flag and restrictions or reserved
	if !program {
		for range r.uint(8) {
			r.skip(8 + 7 + 33) // component_tag, reserved, pts_offset
		}
	}
	if hasDuration {
		s.Duration = Ticks(r.uint(40))
	}
	r.skip(8) // segmentation_upid_type
	r.skip(int(r.uint(8)) * 8)
	s.TypeID = uint8(r.uint(8))
	s.Num = uint8(r.uint(8))
	s.Expected = uint8(r.uint(8))
	return s
}
