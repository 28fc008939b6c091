package demux

import "errors"

// ErrInvalidADTS is returned when an ADTS header is malformed.
var ErrInvalidADTS = errors.New("demux: invalid ADTS header")

// Sampling frequency index table (ISO/IEC 14496-3).
var adtsSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// ADTSFrame is one AAC frame of an ADTS stream.
type ADTSFrame struct {
	Data       []byte // header and payload
	SampleRate int
	Channels   int
	Samples    int // per channel
}

// ParseADTS splits an ADTS byte stream into frames. Bytes before a sync word
// are skipped; a truncated trailing frame is dropped.
func ParseADTS(data []byte) ([]ADTSFrame, error) {
	var frames []ADTSFrame
	for off := 0; len(data)-off >= 7; {
		h := data[off:]
		if h[0] != 0xFF || h[1]&0xF0 != 0xF0 {
			off++
			continue
		}

		headerLen := 7
		if h[1]&0x01 == 0 { // protection_absent == 0: CRC follows
			headerLen = 9
		}
		rateIdx := int(h[2] >> 2 & 0x0F)
		if rateIdx >= len(adtsSampleRates) {
			return frames, ErrInvalidADTS
		}
		frameLen := int(h[3]&0x03)<<11 | int(h[4])<<3 | int(h[5]>>5)
		if frameLen < headerLen {
			return frames, ErrInvalidADTS
		}
		if off+frameLen > len(data) {
			break
		}

		frames = append(frames, ADTSFrame{
			Data:       data[off : off+frameLen],
			SampleRate: adtsSampleRates[rateIdx],
			Channels:   int(h[2]&0x01)<<2 | int(h[3]>>6),
			Samples:    1024 * (int(h[6]&0x03) + 1),
		})
		off += frameLen
	}
	return frames, nil
}
