package mp4

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/mediaforge/compositor-core/h264util"
	"github.com/mediaforge/compositor-core/media"
)

// writerSample is one buffered chunk's sample-table bookkeeping, recorded
// as chunks arrive and replayed into stsz/stts/stco/stss once Close knows
// the final mdat layout.
type writerSample struct {
	size     uint32
	duration uint32 // in the track's timescale, filled in by finalizeDurations
	pts      media.PTS
	keyframe bool
}

// trackBuffer accumulates one output track's encoded chunks until Close,
// the same "hold everything, mux once" posture transport.ChunkSink's
// single-Close contract implies for a file format that needs its full
// sample table up front (unlike MPEG-TS or RTMP, MP4's moov can't be
// streamed incrementally without fragmentation, which this writer doesn't
// attempt).
type trackBuffer struct {
	timescale uint32
	data      []byte
	samples   []writerSample
	sps, pps  []byte // video only
	asc       []byte // audio only
}

func (tb *trackBuffer) append(c media.EncodedChunk) {
	tb.samples = append(tb.samples, writerSample{
		size:     uint32(len(c.Data)),
		pts:      c.PTS,
		keyframe: c.IsKeyframe,
	})
	tb.data = append(tb.data, c.Data...)
}

// Writer implements transport.ChunkSink, buffering video and audio chunks
// in memory and writing a standard non-fragmented ftyp+moov+mdat file on
// Close. Grounded structurally on the same buffer-then-finalize shape as
// internal/moq/format.go's catalog builder (accumulate per-track state,
// emit a self-describing header once the full picture is known), here
// adapted from a MoQ catalog to an ISO-BMFF moov.
type Writer struct {
	path  string
	video *trackBuffer
	audio *trackBuffer
}

// NewWriter returns a ChunkSink that writes path on Close. videoTimescale
// and audioSampleRate set the moov mdhd timescales for each track; pass 0
// for a track that won't appear (e.g. an audio-only output). audioConfig
// is the AAC AudioSpecificConfig (ISO/IEC 14496-3 §1.6.2.1) the output's
// audio encoder negotiated — unlike H.264's SPS/PPS, AAC's ASC isn't
// carried inline in the bitstream, so there's no way to recover it by
// scanning encoded chunks the way firstSPSPPSFromAVCC does for video; pass
// nil for a video-only output.
func NewWriter(path string, videoTimescale, audioSampleRate uint32, audioConfig []byte) *Writer {
	w := &Writer{path: path}
	if videoTimescale > 0 {
		w.video = &trackBuffer{timescale: videoTimescale}
	}
	if audioSampleRate > 0 {
		w.audio = &trackBuffer{timescale: audioSampleRate, asc: audioConfig}
	}
	return w
}

// WriteChunk buffers one encoded access unit. Chunks are expected in AVCC
// framing (length-prefixed NALs), the same convention every other
// transport's EncodedChunk carries; the first video keyframe's SPS/PPS
// are pulled out via h264util.ParseAVCDecoderConfig-style length-prefixed
// scanning to build the output avcC box.
func (w *Writer) WriteChunk(c media.EncodedChunk) error {
	switch c.Kind {
	case media.ChunkKindVideo:
		if w.video == nil {
			return fmt.Errorf("mp4: received video chunk but writer has no video track configured")
		}
		if c.IsKeyframe && w.video.sps == nil {
			if sps, pps, ok := firstSPSPPSFromAVCC(c.Data); ok {
				w.video.sps, w.video.pps = sps, pps
			}
		}
		w.video.append(c)
	case media.ChunkKindAudio:
		if w.audio == nil {
			return fmt.Errorf("mp4: received audio chunk but writer has no audio track configured")
		}
		w.audio.append(c)
	default:
		return fmt.Errorf("mp4: unknown chunk kind %v", c.Kind)
	}
	return nil
}

// firstSPSPPSFromAVCC scans one AVCC-framed (4-byte length prefixed) access
// unit for its first SPS (NAL type 7) and PPS (NAL type 8), the inline
// form H.264 keyframes carry when no out-of-band AVCDecoderConfigurationRecord
// is available (unlike RTMP/MP4 input, an encoder's output stream has no
// separate sequence-header message).
func firstSPSPPSFromAVCC(data []byte) (sps, pps []byte, ok bool) {
	for len(data) >= 4 {
		n := binary.BigEndian.Uint32(data[0:4])
		data = data[4:]
		if uint64(n) > uint64(len(data)) || n == 0 {
			return nil, nil, false
		}
		nal := data[:n]
		switch nal[0] & 0x1f {
		case 7:
			sps = append([]byte(nil), nal...)
		case 8:
			pps = append([]byte(nil), nal...)
		}
		data = data[n:]
	}
	return sps, pps, len(sps) > 0 && len(pps) > 0
}

// Close computes each track's stts durations from consecutive sample
// PTSes, then serializes ftyp+moov+mdat and writes path.
func (w *Writer) Close() error {
	if w.video != nil {
		finalizeDurations(w.video)
	}
	if w.audio != nil {
		finalizeDurations(w.audio)
	}

	ftyp := buildFtypBox()

	// stco's offsets are fixed-width uint32 fields regardless of value, so
	// moov's total length doesn't depend on the actual mdat data offset:
	// build once with a placeholder offset purely to measure moov's size,
	// then rebuild with the real offset now knowable from that size.
	placeholderMoov := wrapBox("moov", buildMoovBodyAt(w.video, w.audio, 0))
	mdatDataStart := int64(len(ftyp)) + int64(len(placeholderMoov)) + 8 // +8 for mdat's own header
	moov := wrapBox("moov", buildMoovBodyAt(w.video, w.audio, mdatDataStart))

	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("mp4: create %s: %w", w.path, err)
	}
	defer f.Close()

	if _, err := f.Write(ftyp); err != nil {
		return err
	}
	if _, err := f.Write(moov); err != nil {
		return err
	}
	if _, err := f.Write(buildMdat(w.video, w.audio)); err != nil {
		return err
	}
	return nil
}

func finalizeDurations(tb *trackBuffer) {
	for i := range tb.samples {
		var delta media.PTS
		if i+1 < len(tb.samples) {
			delta = tb.samples[i+1].pts - tb.samples[i].pts
		} else if i > 0 {
			delta = tb.samples[i].pts - tb.samples[i-1].pts
		}
		ticks := delta.Seconds() * float64(tb.timescale)
		tb.samples[i].duration = uint32(ticks)
	}
}

func wrapBox(typ string, body []byte) []byte {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(8+len(body)))
	copy(hdr[4:8], typ)
	return append(hdr[:], body...)
}

func buildFtypBox() []byte {
	body := make([]byte, 0, 16)
	body = append(body, []byte("isom")...) // major_brand
	body = append(body, 0, 0, 2, 0)         // minor_version
	body = append(body, []byte("isom")...) // compatible_brands[0]
	body = append(body, []byte("mp42")...) // compatible_brands[1]
	return wrapBox("ftyp", body)
}

// buildMoovBodyAt assembles mvhd and one trak per configured track, with
// video's sample data (if present) starting at mdatDataStart within the
// file and audio's following immediately after it — a single contiguous
// mdat, video first.
func buildMoovBodyAt(video, audio *trackBuffer, mdatDataStart int64) []byte {
	const globalTimescale = 1000
	duration := uint32(0)
	if d := trackDurationTicks(video, globalTimescale); d > duration {
		duration = d
	}
	if d := trackDurationTicks(audio, globalTimescale); d > duration {
		duration = d
	}

	var body []byte
	body = append(body, wrapBox("mvhd", buildMvhdBody(globalTimescale, duration))...)

	nextTrackID := uint32(1)
	offset := mdatDataStart
	if video != nil {
		body = append(body, wrapBox("trak", buildTrakBody(video, nextTrackID, offset, true))...)
		nextTrackID++
		offset += int64(len(video.data))
	}
	if audio != nil {
		body = append(body, wrapBox("trak", buildTrakBody(audio, nextTrackID, offset, false))...)
	}
	return body
}

func trackDurationTicks(tb *trackBuffer, outTimescale uint32) uint32 {
	if tb == nil || len(tb.samples) == 0 {
		return 0
	}
	last := tb.samples[len(tb.samples)-1]
	total := last.pts + media.PTS(time.Duration(last.duration)*time.Second/time.Duration(tb.timescale))
	return uint32(total.Seconds() * float64(outTimescale))
}

func buildMvhdBody(timescale, duration uint32) []byte {
	buf := make([]byte, 100)
	binary.BigEndian.PutUint32(buf[12:16], timescale)
	binary.BigEndian.PutUint32(buf[16:20], duration)
	binary.BigEndian.PutUint32(buf[20:24], 0x00010000) // rate 1.0
	buf[24] = 1                                        // volume 1.0 (high byte of 8.8 fixed point)
	identity := []uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000} // unity matrix
	for i, v := range identity {
		binary.BigEndian.PutUint32(buf[36+i*4:40+i*4], v)
	}
	binary.BigEndian.PutUint32(buf[96:100], 2) // next_track_ID
	return buf
}

func buildTrakBody(tb *trackBuffer, trackID uint32, dataOffset int64, isVideo bool) []byte {
	var body []byte
	body = append(body, wrapBox("tkhd", buildTkhdBody(trackID, isVideo))...)
	body = append(body, wrapBox("mdia", buildMdiaBody(tb, dataOffset, isVideo))...)
	return body
}

func buildTkhdBody(trackID uint32, isVideo bool) []byte {
	buf := make([]byte, 92)
	buf[3] = 0x07 // flags: enabled | in_movie | in_preview
	binary.BigEndian.PutUint32(buf[8:12], trackID)
	identity := []uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}
	for i, v := range identity {
		binary.BigEndian.PutUint32(buf[40+i*4:44+i*4], v)
	}
	if isVideo {
		binary.BigEndian.PutUint32(buf[84:88], 1280<<16) // width, 16.16 fixed point placeholder
		binary.BigEndian.PutUint32(buf[88:92], 720<<16)  // height
	}
	return buf
}

func buildMdiaBody(tb *trackBuffer, dataOffset int64, isVideo bool) []byte {
	var body []byte
	body = append(body, wrapBox("mdhd", buildMdhdBody(tb))...)
	body = append(body, wrapBox("hdlr", buildHdlrBody(isVideo))...)
	body = append(body, wrapBox("minf", buildMinfBody(tb, dataOffset, isVideo))...)
	return body
}

func buildMdhdBody(tb *trackBuffer) []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint32(buf[12:16], tb.timescale)
	binary.BigEndian.PutUint32(buf[16:20], trackDurationTicks(tb, tb.timescale))
	binary.BigEndian.PutUint16(buf[20:22], 0x55c4) // language "und"
	return buf
}

func buildHdlrBody(isVideo bool) []byte {
	handler := "soun"
	name := "SoundHandler"
	if isVideo {
		handler = "vide"
		name = "VideoHandler"
	}
	buf := make([]byte, 0, 24+len(name)+1)
	buf = append(buf, make([]byte, 8)...) // version/flags + predefined
	buf = append(buf, []byte(handler)...)
	buf = append(buf, make([]byte, 12)...) // reserved
	buf = append(buf, []byte(name)...)
	buf = append(buf, 0)
	return buf
}

func buildMinfBody(tb *trackBuffer, dataOffset int64, isVideo bool) []byte {
	var mediaHeader []byte
	if isVideo {
		mediaHeader = wrapBox("vmhd", []byte{0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0})
	} else {
		mediaHeader = wrapBox("smhd", []byte{0, 0, 0, 0, 0, 0, 0, 0})
	}
	dinf := wrapBox("dinf", wrapBox("dref", buildDrefBody()))
	stbl := wrapBox("stbl", buildStblBody(tb, dataOffset, isVideo))
	var body []byte
	body = append(body, mediaHeader...)
	body = append(body, dinf...)
	body = append(body, stbl...)
	return body
}

func buildDrefBody() []byte {
	body := make([]byte, 0, 20)
	body = append(body, 0, 0, 0, 0) // version/flags
	body = append(body, 0, 0, 0, 1) // entry_count
	body = append(body, wrapBox("url ", []byte{0, 0, 0, 1})...)
	return body
}

func buildStblBody(tb *trackBuffer, dataOffset int64, isVideo bool) []byte {
	var body []byte
	if isVideo {
		body = append(body, wrapBox("stsd", buildStsdVideoBody(tb))...)
	} else {
		body = append(body, wrapBox("stsd", buildStsdAudioBody(tb))...)
	}
	body = append(body, wrapBox("stts", buildSTTSBody(tb))...)
	body = append(body, wrapBox("stsc", buildSTSCBody())...)
	body = append(body, wrapBox("stsz", buildSTSZBody(tb))...)
	body = append(body, wrapBox("stco", buildSTCOBody(tb, dataOffset))...)
	if isVideo {
		if stss := buildSTSSBody(tb); stss != nil {
			body = append(body, wrapBox("stss", stss)...)
		}
	}
	return body
}

func buildStsdVideoBody(tb *trackBuffer) []byte {
	avcC, err := h264util.BuildAVCDecoderConfig(tb.sps, tb.pps)
	if err != nil {
		avcC = nil // no keyframe seen yet; a player can't decode this track regardless
	}
	entry := make([]byte, 78)
	binary.BigEndian.PutUint16(entry[6:8], 1)            // data_reference_index
	binary.BigEndian.PutUint16(entry[24:26], 1280)       // width
	binary.BigEndian.PutUint16(entry[26:28], 720)        // height
	binary.BigEndian.PutUint32(entry[28:32], 0x00480000) // horizresolution 72dpi
	binary.BigEndian.PutUint32(entry[32:36], 0x00480000) // vertresolution
	binary.BigEndian.PutUint16(entry[40:42], 1)          // frame_count
	binary.BigEndian.PutUint16(entry[74:76], 0x18)       // depth
	binary.BigEndian.PutUint16(entry[76:78], 0xffff)     // pre_defined
	entry = append(entry, wrapBox("avcC", avcC)...)

	stsd := make([]byte, 8)
	binary.BigEndian.PutUint32(stsd[4:8], 1) // entry_count
	return append(stsd, wrapBox("avc1", entry)...)
}

func buildStsdAudioBody(tb *trackBuffer) []byte {
	esds := buildESDS(tb.asc)
	entry := make([]byte, 28)
	binary.BigEndian.PutUint16(entry[6:8], 1)                   // data_reference_index
	binary.BigEndian.PutUint16(entry[16:18], 2)                 // channelcount, stereo assumed
	binary.BigEndian.PutUint16(entry[18:20], 16)                // samplesize
	binary.BigEndian.PutUint32(entry[24:28], tb.timescale<<16) // samplerate, 16.16 fixed point
	entry = append(entry, wrapBox("esds", esds)...)

	stsd := make([]byte, 8)
	binary.BigEndian.PutUint32(stsd[4:8], 1) // entry_count
	return append(stsd, wrapBox("mp4a", entry)...)
}

func buildSTTSBody(tb *trackBuffer) []byte {
	type run struct{ count, duration uint32 }
	var runs []run
	for _, s := range tb.samples {
		if len(runs) > 0 && runs[len(runs)-1].duration == s.duration {
			runs[len(runs)-1].count++
			continue
		}
		runs = append(runs, run{count: 1, duration: s.duration})
	}
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[4:8], uint32(len(runs)))
	for _, r := range runs {
		var entry [8]byte
		binary.BigEndian.PutUint32(entry[0:4], r.count)
		binary.BigEndian.PutUint32(entry[4:8], r.duration)
		body = append(body, entry[:]...)
	}
	return body
}

// buildSTSCBody writes a single run covering every sample, one sample per
// chunk: the simplest valid layout, trading a larger stco table for a
// trivial stsc since this writer doesn't attempt interleaved
// multi-sample chunking.
func buildSTSCBody() []byte {
	body := make([]byte, 8, 20)
	binary.BigEndian.PutUint32(body[4:8], 1)
	var entry [12]byte
	binary.BigEndian.PutUint32(entry[0:4], 1)  // first_chunk
	binary.BigEndian.PutUint32(entry[4:8], 1)  // samples_per_chunk
	binary.BigEndian.PutUint32(entry[8:12], 1) // sample_description_index
	return append(body, entry[:]...)
}

func buildSTSZBody(tb *trackBuffer) []byte {
	body := make([]byte, 12)
	binary.BigEndian.PutUint32(body[8:12], uint32(len(tb.samples)))
	for _, s := range tb.samples {
		var sz [4]byte
		binary.BigEndian.PutUint32(sz[:], s.size)
		body = append(body, sz[:]...)
	}
	return body
}

// buildSTCOBody writes one chunk offset per sample (matching
// buildSTSCBody's one-sample-per-chunk layout): dataOffset plus the
// running byte count of this track's samples before it.
func buildSTCOBody(tb *trackBuffer, dataOffset int64) []byte {
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[4:8], uint32(len(tb.samples)))
	var running uint32
	for _, s := range tb.samples {
		var off [4]byte
		binary.BigEndian.PutUint32(off[:], uint32(dataOffset)+running)
		body = append(body, off[:]...)
		running += s.size
	}
	return body
}

func buildSTSSBody(tb *trackBuffer) []byte {
	var nums []uint32
	for i, s := range tb.samples {
		if s.keyframe {
			nums = append(nums, uint32(i+1))
		}
	}
	if len(nums) == len(tb.samples) {
		return nil // every sample syncs; an stss box isn't required (absence means all-sync)
	}
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[4:8], uint32(len(nums)))
	for _, n := range nums {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], n)
		body = append(body, b[:]...)
	}
	return body
}

func buildMdat(video, audio *trackBuffer) []byte {
	var data []byte
	if video != nil {
		data = append(data, video.data...)
	}
	if audio != nil {
		data = append(data, audio.data...)
	}
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(8+len(data)))
	copy(hdr[4:8], "mdat")
	return append(hdr[:], data...)
}
