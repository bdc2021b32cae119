// Package h264util converts H.264 (and H.265) elementary streams between
// Annex B framing (start-code delimited, the form RTP depacketizers and
// most encoders hand back) and AVCC framing (4-byte big-endian
// length-prefixed NAL units, the form MP4/fMP4 sample data and WebCodecs
// EncodedVideoChunk payloads require).
//
// Grounded on demux/h264.go's ParseAnnexB (the start-code scanner,
// generalized here to both 3-byte 0x000001 and 4-byte 0x00000001 codes) and
// internal/moq/format.go's AnnexBToAVC1 (the length-prefix packing), which
// already perform this exact conversion for MoQ object payloads; AVCCToAnnexB
// is the reverse direction neither needed, added in the same style for the
// RTP and WHEP output transports, which receive encoded chunks in AVCC and
// must hand their packetizers Annex B.
package h264util

import (
	"encoding/binary"
	"fmt"
)

// SplitAnnexB scans an Annex B byte stream for start codes and returns the
// raw NAL units between them, excluding the start codes themselves. Both
// 3-byte (0x000001) and 4-byte (0x00000001) start codes are recognized, and
// a stream may mix both (long-form before the first IDR's parameter sets,
// short-form afterward, as many encoders emit).
func SplitAnnexB(data []byte) [][]byte {
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct {
		dataStart int
	}
	var positions []scPos
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units [][]byte
	for idx, pos := range positions {
		if pos.dataStart >= n {
			continue
		}
		end := n
		if idx+1 < len(positions) {
			// positions[idx+1].dataStart points past the next start code;
			// back it out to find where this NAL's data actually ends.
			end = nextStartCodeBegin(data, positions[idx+1].dataStart)
		}
		if pos.dataStart >= end {
			continue
		}
		units = append(units, data[pos.dataStart:end])
	}
	return units
}

// nextStartCodeBegin walks back from a known start-code data offset to the
// first byte of that start code, so the preceding NAL's slice doesn't
// include it.
func nextStartCodeBegin(data []byte, dataStart int) int {
	if dataStart >= 4 && data[dataStart-4] == 0 && data[dataStart-3] == 0 && data[dataStart-2] == 0 && data[dataStart-1] == 1 {
		return dataStart - 4
	}
	if dataStart >= 3 && data[dataStart-3] == 0 && data[dataStart-2] == 0 && data[dataStart-1] == 1 {
		return dataStart - 3
	}
	return dataStart
}

// AnnexBToAVCC converts a full Annex B elementary stream (one or more NAL
// units, each prefixed by a start code) into AVCC framing: each NAL
// preceded by its length as a 4-byte big-endian uint32, no start codes.
func AnnexBToAVCC(data []byte) []byte {
	nalus := SplitAnnexB(data)
	var total int
	for _, nalu := range nalus {
		total += 4 + len(nalu)
	}
	out := make([]byte, 0, total)
	var lenBuf [4]byte
	for _, nalu := range nalus {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(nalu)))
		out = append(out, lenBuf[:]...)
		out = append(out, nalu...)
	}
	return out
}

// AVCCToAnnexB converts AVCC-framed data (4-byte length-prefixed NAL units)
// into Annex B, prefixing each NAL with a 4-byte 0x00000001 start code.
// Returns an error if a length prefix runs past the end of data, which
// indicates the input isn't valid AVCC (or is Annex B mistakenly passed in).
func AVCCToAnnexB(data []byte) ([]byte, error) {
	var out []byte
	i := 0
	for i+4 <= len(data) {
		n := int(binary.BigEndian.Uint32(data[i : i+4]))
		i += 4
		if n < 0 || i+n > len(data) {
			return nil, fmt.Errorf("h264util: AVCC length %d at offset %d exceeds buffer of %d bytes", n, i-4, len(data))
		}
		out = append(out, 0, 0, 0, 1)
		out = append(out, data[i:i+n]...)
		i += n
	}
	if i != len(data) {
		return nil, fmt.Errorf("h264util: %d trailing bytes after last AVCC NAL unit", len(data)-i)
	}
	return out, nil
}
