// Package scte35 decodes SCTE-35 splice_info_section cues as carried on a
// transport stream PID. Only splice_null, splice_insert and time_signal
// commands and segmentation descriptors are interpreted; other commands
// decode to their type alone.
package scte35

import (
	"errors"
	"fmt"
	"time"

	"github.com/zsiec/flicker/internal/mpegts"
)

const tableID = 0xFC

var (
	// ErrTruncated is returned for sections shorter than their fields.
	ErrTruncated = errors.New("scte35: section truncated")
	// ErrEncrypted is returned for sections with encrypted_packet set.
	ErrEncrypted = errors.New("scte35: encrypted section")
)

// Command is a splice_command_type.
type Command uint8

// Splice commands.
const (
	CommandSpliceNull   Command = 0x00
	CommandSpliceInsert Command = 0x05
	CommandTimeSignal   Command = 0x06
)

func (c Command) String() string {
	switch c {
	case CommandSpliceNull:
		return "splice_null"
	case CommandSpliceInsert:
		return "splice_insert"
	case CommandTimeSignal:
		return "time_signal"
	default:
		return fmt.Sprintf("command_0x%02x", uint8(c))
	}
}

// Cue is one decoded splice_info_section.
type Cue struct {
	Command Command
	SAPType uint8
	Tier    uint16

	// Timed reports whether SpliceTime is set. SpliceTime is on the 90 kHz
	// program clock with pts_adjustment already applied.
	Timed      bool
	SpliceTime uint64

	// splice_insert fields.
	EventID       uint32
	Cancel        bool
	OutOfNetwork  bool
	Immediate     bool
	BreakDuration time.Duration
	AutoReturn    bool

	Segments []Segment
}

// Decode parses and CRC-checks one section, starting at its table_id.
func Decode(section []byte) (*Cue, error) {
	if len(section) < 3 {
		return nil, ErrTruncated
	}
	if section[0] != tableID {
		return nil, fmt.Errorf("scte35: table_id 0x%02x", section[0])
	}
	end := 3 + (int(section[1]&0x0F)<<8 | int(section[2]))
	if end > len(section) {
		return nil, ErrTruncated
	}
	section = section[:end]
	if end < 18 {
		return nil, ErrTruncated
	}
	if mpegts.CRC32(section) != 0 {
		return nil, errors.New("scte35: CRC32 mismatch")
	}

	r := &bitReader{data: section[:end-4]}
	r.skip(8 + 1 + 1) // table_id, section_syntax_indicator, private_indicator
	cue := &Cue{SAPType: uint8(r.uint(2))}
	r.skip(12 + 8) // section_length, protocol_version
	if r.flag() {
		return nil, ErrEncrypted
	}
	r.skip(6) // encryption_algorithm
	adjustment := r.uint(33)
	r.skip(8) // cw_index
	cue.Tier = uint16(r.uint(12))
	cmdLen := int(r.uint(12))
	cue.Command = Command(r.uint(8))

	var cmd []byte
	if cmdLen == 0xFFF {
		// Legacy encoders leave the length unset; the command then runs to
		// the descriptor loop, whose position is only known after decoding.
		cmd = section[r.pos/8 : end-4]
	} else {
		cmd = r.bytes(cmdLen)
		if r.overflow {
			return nil, ErrTruncated
		}
	}
	used, err := cue.decodeCommand(cmd)
	if err != nil {
		return nil, err
	}
	if cmdLen == 0xFFF {
		r.skip(used * 8)
	}
	if cue.Timed {
		cue.SpliceTime = (cue.SpliceTime + adjustment) & (1<<33 - 1)
	}

	if r.bitsLeft() < 16 {
		return cue, nil
	}
	loop := r.bytes(int(r.uint(16)))
	if r.overflow {
		return nil, ErrTruncated
	}
	cue.Segments, err = decodeDescriptors(loop)
	if err != nil {
		return nil, err
	}
	return cue, nil
}

// decodeCommand fills the command fields and returns how many bytes of
// data the command used.
func (c *Cue) decodeCommand(data []byte) (int, error) {
	r := &bitReader{data: data}
	switch c.Command {
	case CommandSpliceNull:
		return 0, nil
	case CommandTimeSignal:
		c.Timed, c.SpliceTime = spliceTime(r)
	case CommandSpliceInsert:
		c.decodeInsert(r)
	default:
		return len(data), nil
	}
	if r.overflow {
		return 0, fmt.Errorf("scte35: %s: %w", c.Command, ErrTruncated)
	}
	return r.pos / 8, nil
}

func (c *Cue) decodeInsert(r *bitReader) {
	c.EventID = uint32(r.uint(32))
	c.Cancel = r.flag()
	r.skip(7)
	if c.Cancel {
		return
	}
	c.OutOfNetwork = r.flag()
	program := r.flag()
	hasDuration := r.flag()
	c.Immediate = r.flag()
	r.skip(4)

	if program {
		if !c.Immediate {
			c.Timed, c.SpliceTime = spliceTime(r)
		}
	} else {
		for range r.uint(8) {
			r.skip(8) // component_tag
			if !c.Immediate {
				spliceTime(r)
			}
		}
	}
	if hasDuration {
		c.AutoReturn, c.BreakDuration = breakDuration(r)
	}
	r.skip(16 + 8 + 8) // unique_program_id, avail_num, avails_expected
}

// spliceTime reads a splice_time() structure.
func spliceTime(r *bitReader) (bool, uint64) {
	if !r.flag() {
		r.skip(7)
		return false, 0
	}
	r.skip(6)
	return true, r.uint(33)
}

func breakDuration(r *bitReader) (bool, time.Duration) {
	auto := r.flag()
	r.skip(6)
	return auto, Ticks(r.uint(33))
}

// Ticks converts a 90 kHz tick count to a duration.
func Ticks(t uint64) time.Duration {
	return time.Duration(t/90000)*time.Second + time.Duration(t%90000)*time.Second/90000
}
