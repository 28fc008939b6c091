// Package demux implements a media.Demuxer for MPEG transport streams. It
// follows the first program, enumerates its elementary streams, probes H.264
// parameter sets and ADTS headers for stream formats, and yields one packet
// per video access unit or AAC frame. CEA-608/708 captions carried in video
// SEI messages are decoded on the side.
//
// The codec helpers [ParseAnnexB], [ParseSPS], [ParseAnnexBHEVC] and
// [ParseADTS] are usable on their own.
package demux
