package demux

import (
	"errors"
	"fmt"

	"github.com/zsiec/flicker/internal/media"
)

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	NALTypeSlice      = 1
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeFillerData = 12
)

var errSPSTooShort = errors.New("demux: SPS too short")

// NALUnit is one NAL unit of an Annex B stream.
type NALUnit struct {
	Type byte   // codec-specific: 5 bits for H.264, 6 bits for H.265
	Data []byte // NAL header and payload, without start code
}

// splitAnnexB scans for 3- and 4-byte start codes. Zero bytes directly before
// a start code belong to it, not to the preceding NAL unit.
func splitAnnexB(data []byte, minLen int, nalType func([]byte) byte) []NALUnit {
	if len(data) < 4 {
		return nil
	}
	var units []NALUnit
	start := -1
	emit := func(end int) {
		if start < 0 {
			return
		}
		for end > start && data[end-1] == 0 {
			end--
		}
		if end-start >= minLen {
			units = append(units, NALUnit{Type: nalType(data[start:end]), Data: data[start:end]})
		}
	}

	for i := 0; i+2 < len(data); {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			emit(i)
			i += 3
			start = i
			continue
		}
		i++
	}
	if start >= 0 && start < len(data) {
		emit(len(data))
	}
	return units
}

// ParseAnnexB splits an H.264 Annex B access unit into NAL units.
func ParseAnnexB(data []byte) []NALUnit {
	return splitAnnexB(data, 1, func(d []byte) byte { return d[0] & 0x1F })
}

// IsKeyframe reports whether an H.264 NAL type is an IDR slice.
func IsKeyframe(nalType byte) bool { return nalType == NALTypeIDR }

// SPSInfo holds what the player needs from an H.264 sequence parameter set.
type SPSInfo struct {
	Width        int
	Height       int
	ProfileIDC   byte
	LevelIDC     byte
	ChromaFormat int // 0 mono, 1 4:2:0, 2 4:2:2, 3 4:4:4
	BitDepth     int
}

// CodecString returns the RFC 6381 codec string, e.g. "avc1.64001F".
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X00%02X", s.ProfileIDC, s.LevelIDC)
}

// PixelFormat returns the decoder output format the SPS implies, or
// PixelFormatUnknown when it is not one the pipeline names.
func (s SPSInfo) PixelFormat() media.PixelFormat {
	if s.ChromaFormat == 1 && s.BitDepth == 8 {
		return media.PixelFormatYUV420P
	}
	return media.PixelFormatUnknown
}

// highProfiles carry chroma format, bit depth and scaling matrices.
var highProfiles = map[uint]bool{
	100: true, 110: true, 122: true, 244: true, 44: true, 83: true,
	86: true, 118: true, 128: true, 138: true, 139: true, 134: true,
}

// ParseSPS decodes the SPS fields up to the frame cropping rectangle. nalu
// includes the NAL header byte but no start code.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, errSPSTooShort
	}
	br := newBitReader(unescapeRBSP(nalu[1:]))

	profile := br.bits(8)
	br.skip(8) // constraint flags
	info := SPSInfo{ProfileIDC: byte(profile), LevelIDC: byte(br.bits(8)), ChromaFormat: 1, BitDepth: 8}
	br.ue() // seq_parameter_set_id

	separatePlanes := false
	if highProfiles[profile] {
		info.ChromaFormat = int(br.ue())
		if info.ChromaFormat == 3 {
			separatePlanes = br.flag()
		}
		info.BitDepth = int(br.ue()) + 8
		br.ue() // bit_depth_chroma_minus8
		br.skip(1)
		if br.flag() { // seq_scaling_matrix_present
			lists := 8
			if info.ChromaFormat == 3 {
				lists = 12
			}
			for i := range lists {
				if br.flag() {
					size := 16
					if i >= 6 {
						size = 64
					}
					br.skipScalingList(size)
				}
			}
		}
	}

	br.ue() // log2_max_frame_num_minus4
	switch br.ue() { // pic_order_cnt_type
	case 0:
		br.ue()
	case 1:
		br.skip(1)
		br.se()
		br.se()
		n := br.ue()
		for i := uint(0); i < n && br.err == nil; i++ {
			br.se()
		}
	}
	br.ue()    // max_num_ref_frames
	br.skip(1) // gaps_in_frame_num_allowed

	widthMbs := br.ue() + 1
	heightUnits := br.ue() + 1
	frameMbsOnly := br.bit()
	if frameMbsOnly == 0 {
		br.skip(1)
	}
	br.skip(1) // direct_8x8_inference

	var cropL, cropR, cropT, cropB uint
	if br.flag() {
		cropL, cropR, cropT, cropB = br.ue(), br.ue(), br.ue(), br.ue()
	}
	if br.err != nil {
		return SPSInfo{}, fmt.Errorf("demux: parse SPS: %w", br.err)
	}

	subW, subH := uint(2), uint(2)
	switch {
	case separatePlanes || info.ChromaFormat == 0 || info.ChromaFormat == 3:
		subW, subH = 1, 1
	case info.ChromaFormat == 2:
		subH = 1
	}
	cropY := subH * (2 - frameMbsOnly)

	info.Width = int(widthMbs*16 - subW*(cropL+cropR))
	info.Height = int(heightUnits*16*(2-frameMbsOnly) - cropY*(cropT+cropB))
	return info, nil
}
