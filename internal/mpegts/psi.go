package mpegts

import (
	"errors"
	"fmt"
)

const (
	tableIDPAT    = 0x00
	tableIDPMT    = 0x02
	tableIDSCTE35 = 0xFC

	descriptorISO639 = 0x0A
)

var errCRC = errors.New("CRC32 mismatch")

// sections walks the PSI sections of a reassembled payload, starting after
// the pointer field. It stops at stuffing. SCTE-35 sections clear the
// section_syntax_indicator, so it is not checked.
func sections(payload []byte, fn func(tableID byte, section []byte) error) error {
	if len(payload) < 1 {
		return errors.New("mpegts: PSI payload too short")
	}
	offset := 1 + int(payload[0])
	if offset >= len(payload) {
		return errors.New("mpegts: PSI pointer field out of range")
	}

	for offset+3 <= len(payload) {
		tableID := payload[offset]
		if tableID == 0xFF {
			return nil
		}
		end := offset + 3 + (int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2]))
		if end > len(payload) {
			return nil
		}
		if err := fn(tableID, payload[offset:end]); err != nil {
			return err
		}
		offset = end
	}
	return nil
}

// sectionComplete reports whether payload holds every section it announces.
func sectionComplete(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	offset := 1 + int(payload[0])
	for {
		if offset >= len(payload) {
			return offset == len(payload) && offset > 1+int(payload[0])
		}
		if payload[offset] == 0xFF {
			return true
		}
		if offset+3 > len(payload) {
			return false
		}
		offset += 3 + (int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2]))
	}
}

func parsePSI(pid uint16, payload []byte) ([]*Unit, error) {
	var units []*Unit
	err := sections(payload, func(tableID byte, section []byte) error {
		switch tableID {
		case tableIDPAT:
			pat, err := parsePAT(section)
			if err != nil {
				return err
			}
			units = append(units, &Unit{PID: pid, PAT: pat})
		case tableIDPMT:
			pmt, err := parsePMT(section)
			if err != nil {
				return err
			}
			units = append(units, &Unit{PID: pid, PMT: pmt})
		case tableIDSCTE35:
			units = append(units, &Unit{PID: pid, Splice: section})
		}
		return nil
	})
	return units, err
}

// parsePAT decodes a PAT section:
//
//	[0]      table_id
//	[1-2]    syntax(1) zero(1) reserved(2) section_length(12)
//	[3-4]    transport_stream_id
//	[5-7]    version, section_number, last_section_number
//	[8..N-4] 4-byte program entries
//	[N-4..N] CRC32
func parsePAT(data []byte) (*PAT, error) {
	if len(data) < 12 {
		return nil, errors.New("mpegts: PAT too short")
	}
	if CRC32(data) != 0 {
		return nil, fmt.Errorf("mpegts: PAT %w", errCRC)
	}

	pat := &PAT{TransportStreamID: uint16(data[3])<<8 | uint16(data[4])}
	for i := 8; i+4 <= len(data)-4; i += 4 {
		number := uint16(data[i])<<8 | uint16(data[i+1])
		if number == 0 {
			continue // network PID
		}
		pat.Programs = append(pat.Programs, Program{
			Number: number,
			PMTPID: uint16(data[i+2]&0x1F)<<8 | uint16(data[i+3]),
		})
	}
	return pat, nil
}

// parsePMT decodes a PMT section:
//
//	[0-7]    as PAT, with program_number at [3-4]
//	[8-9]    reserved(3) PCR_PID(13)
//	[10-11]  reserved(4) program_info_length(12)
//	[...]    program descriptors, then 5-byte ES entries with ES descriptors
//	[N-4..N] CRC32
func parsePMT(data []byte) (*PMT, error) {
	if len(data) < 16 {
		return nil, errors.New("mpegts: PMT too short")
	}
	if CRC32(data) != 0 {
		return nil, fmt.Errorf("mpegts: PMT %w", errCRC)
	}

	pmt := &PMT{
		ProgramNumber: uint16(data[3])<<8 | uint16(data[4]),
		Version:       data[5] >> 1 & 0x1F,
		PCRPID:        uint16(data[8]&0x1F)<<8 | uint16(data[9]),
	}
	end := len(data) - 4
	offset := 12 + (int(data[10]&0x0F)<<8 | int(data[11]))

	for offset+5 <= end {
		es := ElementaryStream{
			StreamType: data[offset],
			PID:        uint16(data[offset+1]&0x1F)<<8 | uint16(data[offset+2]),
		}
		infoLen := int(data[offset+3]&0x0F)<<8 | int(data[offset+4])
		offset += 5
		if offset+infoLen > end {
			return nil, fmt.Errorf("mpegts: PMT ES info for PID %d overruns section", es.PID)
		}
		es.Language = findLanguage(data[offset : offset+infoLen])
		offset += infoLen
		pmt.Streams = append(pmt.Streams, es)
	}
	return pmt, nil
}

// findLanguage returns the first ISO 639 language code in a descriptor loop.
func findLanguage(desc []byte) string {
	for len(desc) >= 2 {
		tag, n := desc[0], int(desc[1])
		if 2+n > len(desc) {
			return ""
		}
		if tag == descriptorISO639 && n >= 3 {
			return string(desc[2:5])
		}
		desc = desc[2+n:]
	}
	return ""
}
