package mp4

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/mediaforge/compositor-core/h264util"
	"github.com/mediaforge/compositor-core/media"
)

// trackKind discriminates a parsed moov trak's media handler.
type trackKind int

const (
	trackVideo trackKind = iota
	trackAudio
)

// sampleEntry is one decodable access unit's location and timing, resolved
// from a trak's stbl (stsz/stsc/stco/stts/stss) sample tables.
type sampleEntry struct {
	offset   int64
	size     uint32
	pts      media.PTS
	keyframe bool
}

// track is one parsed moov trak: its media kind, out-of-band decoder
// config (SPS/PPS for video, AudioSpecificConfig for audio), and the full
// ordered sample list needed to drive decode.
type track struct {
	kind     trackKind
	sps, pps []byte // video only
	asc      []byte // audio only, raw AudioSpecificConfig bytes
	samples  []sampleEntry
}

// parseTrak parses one trak box's body (already read into memory as part
// of moov) into a track, or returns ok=false for a trak whose handler
// isn't video or audio (e.g. a timed-text or chapter track, which this
// transport doesn't decode).
func parseTrak(trakBody []byte) (t *track, ok bool, err error) {
	trakBoxes, err := readMemBoxes(trakBody)
	if err != nil {
		return nil, false, err
	}
	mdia, found := findMemBox(trakBoxes, "mdia")
	if !found {
		return nil, false, fmt.Errorf("mp4: trak missing mdia box")
	}
	mdiaBoxes, err := readMemBoxes(mdia.body)
	if err != nil {
		return nil, false, err
	}

	mdhd, found := findMemBox(mdiaBoxes, "mdhd")
	if !found {
		return nil, false, fmt.Errorf("mp4: mdia missing mdhd box")
	}
	timescale, err := parseMdhdTimescale(mdhd.body)
	if err != nil {
		return nil, false, err
	}

	hdlr, found := findMemBox(mdiaBoxes, "hdlr")
	if !found || len(hdlr.body) < 12 {
		return nil, false, fmt.Errorf("mp4: mdia missing or malformed hdlr box")
	}
	handlerType := string(hdlr.body[8:12])

	var kind trackKind
	switch handlerType {
	case "vide":
		kind = trackVideo
	case "soun":
		kind = trackAudio
	default:
		return nil, false, nil
	}

	minf, found := findMemBox(mdiaBoxes, "minf")
	if !found {
		return nil, false, fmt.Errorf("mp4: mdia missing minf box")
	}
	minfBoxes, err := readMemBoxes(minf.body)
	if err != nil {
		return nil, false, err
	}
	stbl, found := findMemBox(minfBoxes, "stbl")
	if !found {
		return nil, false, fmt.Errorf("mp4: minf missing stbl box")
	}
	stblBoxes, err := readMemBoxes(stbl.body)
	if err != nil {
		return nil, false, err
	}

	t = &track{kind: kind}
	stsd, found := findMemBox(stblBoxes, "stsd")
	if !found {
		return nil, false, fmt.Errorf("mp4: stbl missing stsd box")
	}
	if kind == trackVideo {
		sps, pps, derr := parseVisualSampleEntry(stsd.body)
		if derr != nil {
			return nil, false, derr
		}
		t.sps, t.pps = sps, pps
	} else {
		asc, derr := parseAudioSampleEntry(stsd.body)
		if derr != nil {
			return nil, false, derr
		}
		t.asc = asc
	}

	durations, err := parseSTTS(mustFind(stblBoxes, "stts"))
	if err != nil {
		return nil, false, err
	}
	sizes, err := parseSTSZ(mustFind(stblBoxes, "stsz"))
	if err != nil {
		return nil, false, err
	}
	chunkOffsets, err := parseChunkOffsets(stblBoxes)
	if err != nil {
		return nil, false, err
	}
	samplesPerChunk, err := parseSTSC(mustFind(stblBoxes, "stsc"), len(chunkOffsets))
	if err != nil {
		return nil, false, err
	}
	var syncSamples map[int]bool
	if stss, found := findMemBox(stblBoxes, "stss"); found {
		syncSamples, err = parseSTSS(stss)
		if err != nil {
			return nil, false, err
		}
	}

	if len(durations) != len(sizes) {
		return nil, false, fmt.Errorf("mp4: trak sample count mismatch: %d durations, %d sizes", len(durations), len(sizes))
	}

	samples := make([]sampleEntry, len(sizes))
	var pts int64
	sampleIdx := 0
	for chunkIdx, chunkOffset := range chunkOffsets {
		running := chunkOffset
		for n := 0; n < samplesPerChunk[chunkIdx]; n++ {
			if sampleIdx >= len(sizes) {
				return nil, false, fmt.Errorf("mp4: stsc describes more samples than stsz/stts provide")
			}
			samples[sampleIdx] = sampleEntry{
				offset:   running,
				size:     sizes[sampleIdx],
				pts:      media.PTS(time.Duration(pts) * time.Second / time.Duration(timescale)),
				keyframe: kind == trackAudio || syncSamples == nil || syncSamples[sampleIdx+1],
			}
			running += int64(sizes[sampleIdx])
			pts += int64(durations[sampleIdx])
			sampleIdx++
		}
	}
	if sampleIdx != len(sizes) {
		return nil, false, fmt.Errorf("mp4: stsc accounts for %d of %d samples", sampleIdx, len(sizes))
	}

	t.samples = samples
	return t, true, nil
}

func mustFind(boxes []memBox, typ string) memBox {
	b, _ := findMemBox(boxes, typ)
	return b
}

func parseMdhdTimescale(body []byte) (uint32, error) {
	if len(body) < 4 {
		return 0, fmt.Errorf("mp4: mdhd too short")
	}
	version := body[0]
	if version == 1 {
		if len(body) < 28 {
			return 0, fmt.Errorf("mp4: mdhd (v1) too short")
		}
		return binary.BigEndian.Uint32(body[20:24]), nil
	}
	if len(body) < 16 {
		return 0, fmt.Errorf("mp4: mdhd (v0) too short")
	}
	return binary.BigEndian.Uint32(body[12:16]), nil
}

// parseVisualSampleEntry reads stsd's single avc1/avc3 entry, returning
// the SPS/PPS from its child avcC box. VisualSampleEntry's fixed fields
// (ISO/IEC 14496-12 §12.1.3.2) are 78 bytes after the 8-byte entry header.
func parseVisualSampleEntry(stsdBody []byte) (sps, pps []byte, err error) {
	entry, err := firstSampleEntry(stsdBody)
	if err != nil {
		return nil, nil, err
	}
	const visualFixedFields = 78
	if len(entry) < visualFixedFields {
		return nil, nil, fmt.Errorf("mp4: avc1 sample entry too short")
	}
	children, err := readMemBoxes(entry[visualFixedFields:])
	if err != nil {
		return nil, nil, err
	}
	avcC, found := findMemBox(children, "avcC")
	if !found {
		return nil, nil, fmt.Errorf("mp4: avc1 sample entry missing avcC box")
	}
	return h264util.ParseAVCDecoderConfig(avcC.body)
}

// parseAudioSampleEntry reads stsd's single mp4a entry, returning the
// AudioSpecificConfig from its child esds box. AudioSampleEntry's fixed
// fields (ISO/IEC 14496-12 §12.2.3.2) are 28 bytes after the entry's own
// 8-byte box header: SampleEntry's reserved[6]+data_reference_index[2],
// then reserved[8]+channelcount[2]+samplesize[2]+pre_defined[2]+
// reserved[2]+samplerate[4].
func parseAudioSampleEntry(stsdBody []byte) ([]byte, error) {
	entry, err := firstSampleEntry(stsdBody)
	if err != nil {
		return nil, err
	}
	const audioFixedFields = 28
	if len(entry) < audioFixedFields {
		return nil, fmt.Errorf("mp4: mp4a sample entry too short")
	}
	children, err := readMemBoxes(entry[audioFixedFields:])
	if err != nil {
		return nil, err
	}
	esds, found := findMemBox(children, "esds")
	if !found {
		return nil, fmt.Errorf("mp4: mp4a sample entry missing esds box")
	}
	return parseESDSAudioConfig(esds.body)
}

// firstSampleEntry returns the first sample description entry's body
// (fixed fields + child boxes), skipping stsd's version/flags/entry_count
// header and the entry's own 8-byte box header (size + format fourcc).
func firstSampleEntry(stsdBody []byte) ([]byte, error) {
	if len(stsdBody) < 8 {
		return nil, fmt.Errorf("mp4: stsd too short")
	}
	entries := stsdBody[8:]
	if len(entries) < 8 {
		return nil, fmt.Errorf("mp4: stsd has no sample entries")
	}
	size := int(binary.BigEndian.Uint32(entries[0:4]))
	if size < 8 || size > len(entries) {
		return nil, fmt.Errorf("mp4: stsd: invalid sample entry size %d", size)
	}
	return entries[8:size], nil
}

func parseSTTS(box memBox) ([]uint32, error) {
	if len(box.body) < 8 {
		return nil, fmt.Errorf("mp4: stts too short")
	}
	count := binary.BigEndian.Uint32(box.body[4:8])
	entries := box.body[8:]
	var durations []uint32
	for i := uint32(0); i < count; i++ {
		if len(entries) < 8 {
			return nil, fmt.Errorf("mp4: stts: truncated entry table")
		}
		sampleCount := binary.BigEndian.Uint32(entries[0:4])
		delta := binary.BigEndian.Uint32(entries[4:8])
		for n := uint32(0); n < sampleCount; n++ {
			durations = append(durations, delta)
		}
		entries = entries[8:]
	}
	return durations, nil
}

func parseSTSZ(box memBox) ([]uint32, error) {
	if len(box.body) < 12 {
		return nil, fmt.Errorf("mp4: stsz too short")
	}
	sampleSize := binary.BigEndian.Uint32(box.body[4:8])
	count := binary.BigEndian.Uint32(box.body[8:12])
	sizes := make([]uint32, count)
	if sampleSize != 0 {
		for i := range sizes {
			sizes[i] = sampleSize
		}
		return sizes, nil
	}
	entries := box.body[12:]
	for i := uint32(0); i < count; i++ {
		if len(entries) < 4 {
			return nil, fmt.Errorf("mp4: stsz: truncated size table")
		}
		sizes[i] = binary.BigEndian.Uint32(entries[0:4])
		entries = entries[4:]
	}
	return sizes, nil
}

func parseChunkOffsets(stblBoxes []memBox) ([]int64, error) {
	if stco, found := findMemBox(stblBoxes, "stco"); found {
		if len(stco.body) < 4 {
			return nil, fmt.Errorf("mp4: stco too short")
		}
		count := binary.BigEndian.Uint32(stco.body[4:8])
		entries := stco.body[8:]
		offsets := make([]int64, count)
		for i := uint32(0); i < count; i++ {
			if len(entries) < 4 {
				return nil, fmt.Errorf("mp4: stco: truncated offset table")
			}
			offsets[i] = int64(binary.BigEndian.Uint32(entries[0:4]))
			entries = entries[4:]
		}
		return offsets, nil
	}
	if co64, found := findMemBox(stblBoxes, "co64"); found {
		if len(co64.body) < 4 {
			return nil, fmt.Errorf("mp4: co64 too short")
		}
		count := binary.BigEndian.Uint32(co64.body[4:8])
		entries := co64.body[8:]
		offsets := make([]int64, count)
		for i := uint32(0); i < count; i++ {
			if len(entries) < 8 {
				return nil, fmt.Errorf("mp4: co64: truncated offset table")
			}
			offsets[i] = int64(binary.BigEndian.Uint64(entries[0:8]))
			entries = entries[8:]
		}
		return offsets, nil
	}
	return nil, fmt.Errorf("mp4: stbl missing both stco and co64")
}

// parseSTSC expands stsc's (first_chunk, samples_per_chunk) run-length
// entries into a per-chunk sample count, one entry per chunk in
// numChunks.
func parseSTSC(box memBox, numChunks int) ([]int, error) {
	if len(box.body) < 8 {
		return nil, fmt.Errorf("mp4: stsc too short")
	}
	count := binary.BigEndian.Uint32(box.body[4:8])
	entries := box.body[8:]
	type run struct{ firstChunk, samplesPerChunk int }
	runs := make([]run, count)
	for i := uint32(0); i < count; i++ {
		if len(entries) < 12 {
			return nil, fmt.Errorf("mp4: stsc: truncated entry table")
		}
		runs[i] = run{
			firstChunk:      int(binary.BigEndian.Uint32(entries[0:4])),
			samplesPerChunk: int(binary.BigEndian.Uint32(entries[4:8])),
		}
		entries = entries[12:]
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("mp4: stsc has no entries")
	}

	perChunk := make([]int, numChunks)
	runIdx := 0
	for c := 1; c <= numChunks; c++ {
		for runIdx+1 < len(runs) && runs[runIdx+1].firstChunk <= c {
			runIdx++
		}
		perChunk[c-1] = runs[runIdx].samplesPerChunk
	}
	return perChunk, nil
}

func parseSTSS(box memBox) (map[int]bool, error) {
	if len(box.body) < 8 {
		return nil, fmt.Errorf("mp4: stss too short")
	}
	count := binary.BigEndian.Uint32(box.body[4:8])
	entries := box.body[8:]
	sync := make(map[int]bool, count)
	for i := uint32(0); i < count; i++ {
		if len(entries) < 4 {
			return nil, fmt.Errorf("mp4: stss: truncated sample number table")
		}
		sync[int(binary.BigEndian.Uint32(entries[0:4]))] = true
		entries = entries[4:]
	}
	return sync, nil
}
