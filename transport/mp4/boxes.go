// Package mp4 implements the MP4 input and output transports named in
// spec §6 External Interfaces: a file-backed reader that demuxes a
// progressive (non-fragmented) MP4's `moov` sample tables and hands
// decoded access units to the orchestrator, with optional looping, and a
// writer that buffers encoded chunks and finalizes a standard `ftyp` +
// `moov` + `mdat` file on Close.
//
// No ISO-BMFF box parser or muxer exists anywhere in this pack's corpus
// (the teacher speaks MPEG-TS and MoQ object framing, never MP4 proper),
// so box scanning, sample-table parsing, and ES descriptor decoding are
// implemented directly here, the same direct-against-the-wire-format
// posture package mpegts and transport/rtmp take for their own container
// formats. transport/rtmp's videoTrack/h264util.ParseAVCDecoderConfig and
// the teacher's internal/moq/format.go (BuildAVCDecoderConfig, reused via
// h264util) carry over for the AVCC/avcC side of this package.
//
// Grounded structurally on zsiec-prism's ingest.Stream/pipe pattern
// (file-backed io.Reader wrapped in the same transport.FrameSource shape
// every other input adapter uses) per this module's own DOMAIN STACK
// wiring.
package mp4

import (
	"encoding/binary"
	"fmt"
	"io"
)

// box is one parsed ISO-BMFF box found by scanning a file-backed range via
// io.ReaderAt, used only at the top level (ftyp/moov/mdat) where reading
// the whole range into memory would mean loading the entire media
// payload.
type box struct {
	typ                string
	bodyStart, bodyEnd int64
}

func scanBoxes(r io.ReaderAt, start, end int64) ([]box, error) {
	var boxes []box
	off := start
	for off < end {
		var hdr [8]byte
		if _, err := r.ReadAt(hdr[:], off); err != nil {
			return nil, err
		}
		size := int64(binary.BigEndian.Uint32(hdr[:4]))
		typ := string(hdr[4:8])
		headerLen := int64(8)
		switch size {
		case 1:
			var ext [8]byte
			if _, err := r.ReadAt(ext[:], off+8); err != nil {
				return nil, err
			}
			size = int64(binary.BigEndian.Uint64(ext[:]))
			headerLen = 16
		case 0:
			size = end - off
		}
		if size < headerLen || off+size > end {
			return nil, fmt.Errorf("mp4: box %q at offset %d has invalid size %d", typ, off, size)
		}
		boxes = append(boxes, box{typ: typ, bodyStart: off + headerLen, bodyEnd: off + size})
		off += size
	}
	return boxes, nil
}

func findBox(boxes []box, typ string) (box, bool) {
	for _, b := range boxes {
		if b.typ == typ {
			return b, true
		}
	}
	return box{}, false
}

func readBoxBody(r io.ReaderAt, b box) ([]byte, error) {
	buf := make([]byte, b.bodyEnd-b.bodyStart)
	if _, err := r.ReadAt(buf, b.bodyStart); err != nil {
		return nil, err
	}
	return buf, nil
}

// memBox is the in-memory counterpart of box, used for everything below
// moov: once moov's body is read into a byte slice, every trak/mdia/minf/
// stbl descent operates on slices of that one buffer rather than further
// file reads.
type memBox struct {
	typ  string
	body []byte
}

func readMemBoxes(data []byte) ([]memBox, error) {
	var boxes []memBox
	i := 0
	for i+8 <= len(data) {
		size := int(binary.BigEndian.Uint32(data[i : i+4]))
		typ := string(data[i+4 : i+8])
		headerLen := 8
		switch size {
		case 1:
			if i+16 > len(data) {
				return nil, fmt.Errorf("mp4: box %q: truncated largesize field", typ)
			}
			size = int(binary.BigEndian.Uint64(data[i+8 : i+16]))
			headerLen = 16
		case 0:
			size = len(data) - i
		}
		if size < headerLen || i+size > len(data) {
			return nil, fmt.Errorf("mp4: box %q at offset %d has invalid size %d", typ, i, size)
		}
		boxes = append(boxes, memBox{typ: typ, body: data[i+headerLen : i+size]})
		i += size
	}
	return boxes, nil
}

func findMemBox(boxes []memBox, typ string) (memBox, bool) {
	for _, b := range boxes {
		if b.typ == typ {
			return b, true
		}
	}
	return memBox{}, false
}
