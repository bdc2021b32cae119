package mp4

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/compositor-core/media"
	"github.com/mediaforge/compositor-core/transport"
)

// avccFrame frames nal as a single-NAL AVCC access unit, the form
// WriteChunk and the decoders below both expect.
func avccFrame(nal []byte) []byte {
	return appendLen(nil, nal)
}

// avccKeyframe builds a keyframe access unit carrying inline SPS/PPS ahead
// of the IDR, the form a real encoder emits and firstSPSPPSFromAVCC scans
// for since there's no out-of-band AVCDecoderConfigurationRecord yet.
func avccKeyframe(idr []byte) []byte {
	var out []byte
	out = appendLen(out, []byte{0x67, 0x42, 0x00, 0x1e, 0xab}) // SPS (type 7)
	out = appendLen(out, []byte{0x68, 0xce, 0x38, 0x80})       // PPS (type 8)
	out = appendLen(out, idr)
	return out
}

func appendLen(dst, nal []byte) []byte {
	n := len(nal)
	dst = append(dst, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	return append(dst, nal...)
}

// recordingSink captures everything a Source.Run delivers, for asserting
// against what a Writer originally buffered.
type recordingSink struct {
	videoPTS  []media.PTS
	keyframes []bool
	audio     []media.InputAudioSamples
	videoEOS  bool
	audioEOS  bool
}

func (s *recordingSink) PutVideoFrame(_ media.InputID, f media.Frame) error {
	s.videoPTS = append(s.videoPTS, f.PTS)
	return nil
}

func (s *recordingSink) PutAudioSamples(_ media.InputID, a media.InputAudioSamples) error {
	s.audio = append(s.audio, a)
	return nil
}

func (s *recordingSink) MarkVideoEOS(media.InputID) { s.videoEOS = true }
func (s *recordingSink) MarkAudioEOS(media.InputID) { s.audioEOS = true }

func TestWriterThenSourceRoundTripsVideoTimestamps(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.mp4")

	w := NewWriter(path, 30000, 0, nil)
	idr := avccKeyframe([]byte{0x65, 0xAA, 0xBB})
	require.NoError(t, w.WriteChunk(media.EncodedChunk{PTS: 0, Data: idr, Kind: media.ChunkKindVideo, IsKeyframe: true}))
	require.NoError(t, w.WriteChunk(media.EncodedChunk{PTS: 33333333, Data: avccFrame([]byte{0x41, 0x01}), Kind: media.ChunkKindVideo}))
	require.NoError(t, w.WriteChunk(media.EncodedChunk{PTS: 66666667, Data: avccFrame([]byte{0x41, 0x02}), Kind: media.ChunkKindVideo}))
	require.NoError(t, w.Close())

	var keyframeFlags []bool
	decodeVideo := func(encoded []byte, pts media.PTS, keyframe bool) (media.Frame, error) {
		keyframeFlags = append(keyframeFlags, keyframe)
		return media.Frame{PTS: pts}, nil
	}

	src := NewSource("in_1", path, false, decodeVideo, nil, nil)
	sink := &recordingSink{}
	require.NoError(t, src.Run(context.Background(), sink))

	require.Len(t, sink.videoPTS, 3)
	assert.InDelta(t, 0, sink.videoPTS[0].Seconds(), 1e-6)
	assert.InDelta(t, 1.0/30, sink.videoPTS[1].Seconds(), 1e-3)
	assert.InDelta(t, 2.0/30, sink.videoPTS[2].Seconds(), 1e-3)
	require.Len(t, keyframeFlags, 3)
	assert.True(t, keyframeFlags[0])
	assert.False(t, keyframeFlags[1])
	assert.True(t, sink.videoEOS)
}

func TestWriterThenSourcePrependsParamSetsOnKeyframe(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.mp4")

	w := NewWriter(path, 30000, 0, nil)
	require.NoError(t, w.WriteChunk(media.EncodedChunk{PTS: 0, Data: avccKeyframe([]byte{0x65, 0xAA}), Kind: media.ChunkKindVideo, IsKeyframe: true}))
	require.NoError(t, w.Close())

	var gotNALCount int
	decodeVideo := func(encoded []byte, pts media.PTS, keyframe bool) (media.Frame, error) {
		for len(encoded) >= 4 {
			n := int(encoded[0])<<24 | int(encoded[1])<<16 | int(encoded[2])<<8 | int(encoded[3])
			encoded = encoded[4+n:]
			gotNALCount++
		}
		return media.Frame{PTS: pts}, nil
	}

	src := NewSource("in_1", path, false, decodeVideo, nil, nil)
	require.NoError(t, src.Run(context.Background(), &recordingSink{}))
	// the stored sample already carries its own inline SPS+PPS+IDR (3 NALs);
	// prependParamSets adds another SPS+PPS copy from the track's avcC ahead
	// of it, since an MP4 reader has no other way to learn parameter sets
	// for a keyframe that isn't the file's very first sample.
	assert.Equal(t, 5, gotNALCount)
}

func TestWriterRejectsChunkForUnconfiguredTrack(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.mp4")
	w := NewWriter(path, 0, 48000, []byte{0x12, 0x10}) // audio-only
	err := w.WriteChunk(media.EncodedChunk{Kind: media.ChunkKindVideo, Data: avccFrame([]byte{0x65})})
	assert.Error(t, err)
}

func TestMergeSamplesRebaseOffsetScalesByLoopCountNotDuration(t *testing.T) {
	t.Parallel()
	video := &track{kind: trackVideo, samples: []sampleEntry{
		{pts: 0, keyframe: true},
		{pts: 33 * media.PTS(1_000_000)},
	}}
	merged, loopDuration := mergeSamples(video, nil)
	require.Len(t, merged, 2)
	assert.Equal(t, 33*media.PTS(1_000_000), loopDuration)

	// a correct per-pass offset is a small multiple of loopDuration, not
	// loopDuration multiplied against itself (the units bug this guards
	// against would put pass 2 multiple hours past pass 1 instead of one
	// loopDuration later).
	for loop := 0; loop < 3; loop++ {
		offset := media.PTS(loop) * loopDuration
		assert.Equal(t, media.PTS(loop)*33*media.PTS(1_000_000), offset)
		assert.Less(t, offset, media.PTS(loop+1)*time.Hour)
	}
}

// TestWriterThenParseMovieRoundTripsAudioSampleEntry guards the
// AudioSampleEntry fixed-field byte count (ISO/IEC 14496-12 §12.2.3.2):
// getting it wrong means esds (and the AudioSpecificConfig inside it)
// gets read from the wrong offset.
func TestWriterThenParseMovieRoundTripsAudioSampleEntry(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.mp4")
	asc := []byte{0x12, 0x10} // opaque AudioSpecificConfig bytes, round-tripped verbatim

	w := NewWriter(path, 0, 48000, asc)
	require.NoError(t, w.WriteChunk(media.EncodedChunk{PTS: 0, Data: []byte{0xDE, 0xAD}, Kind: media.ChunkKindAudio}))
	require.NoError(t, w.WriteChunk(media.EncodedChunk{PTS: 20 * time.Millisecond, Data: []byte{0xBE, 0xEF}, Kind: media.ChunkKindAudio}))
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	video, audio, err := parseMovie(f)
	require.NoError(t, err)
	assert.Nil(t, video)
	require.NotNil(t, audio)
	assert.Equal(t, asc, audio.asc)
	require.Len(t, audio.samples, 2)
	assert.True(t, audio.samples[0].keyframe) // every audio sample syncs
	assert.Equal(t, uint32(2), audio.samples[0].size)
}

var _ transport.FrameSink = (*recordingSink)(nil)
