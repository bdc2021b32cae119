package hls

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/compositor-core/media"
)

// collectingSink records every decoded audio batch's PTS range, in the
// order delivered, and how many times each EOS mark fired.
type collectingSink struct {
	ranges   [][2]media.PTS
	videoEOS int
	audioEOS int
}

func (s *collectingSink) PutVideoFrame(media.InputID, media.Frame) error { return nil }

func (s *collectingSink) PutAudioSamples(_ media.InputID, a media.InputAudioSamples) error {
	s.ranges = append(s.ranges, [2]media.PTS{a.StartPTS, a.EndPTS})
	return nil
}

func (s *collectingSink) MarkVideoEOS(media.InputID) { s.videoEOS++ }
func (s *collectingSink) MarkAudioEOS(media.InputID) { s.audioEOS++ }

// decodeAudioPassthrough turns each raw sample byte into one mono sample
// so endPTS-startPTS tracks 1:1 with payload size without needing a real
// codec.
func decodeAudioPassthrough(encoded []byte, startPTS, endPTS media.PTS) (media.AudioSamples, error) {
	mono := make([]float64, len(encoded))
	return media.AudioSamples{Channels: media.AudioChannelsMono, Mono: mono}, nil
}

func TestHLSWriterThenSourceRoundTripsAcrossSegments(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	w := NewWriter(dir, "index.m3u8", 200*time.Millisecond, 0, 8000, nil)
	// four chunks, 100ms apart: target duration 200ms rolls a new segment
	// once the running chunk is 200ms past the current segment's start,
	// giving two segments of two samples each.
	require.NoError(t, w.WriteChunk(media.EncodedChunk{PTS: 0, Data: []byte{1, 2}, Kind: media.ChunkKindAudio}))
	require.NoError(t, w.WriteChunk(media.EncodedChunk{PTS: 100 * time.Millisecond, Data: []byte{3, 4}, Kind: media.ChunkKindAudio}))
	require.NoError(t, w.WriteChunk(media.EncodedChunk{PTS: 250 * time.Millisecond, Data: []byte{5, 6}, Kind: media.ChunkKindAudio}))
	require.NoError(t, w.WriteChunk(media.EncodedChunk{PTS: 350 * time.Millisecond, Data: []byte{7, 8}, Kind: media.ChunkKindAudio}))
	require.NoError(t, w.Close())

	entries, _, err := func() ([]playlistEntry, string, error) {
		f, err := os.Open(filepath.Join(dir, "index.m3u8"))
		if err != nil {
			return nil, "", err
		}
		defer f.Close()
		return parseMediaPlaylist(f)
	}()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		_, err := os.Stat(filepath.Join(dir, e.filename))
		assert.NoError(t, err)
	}

	sink := &collectingSink{}
	src := NewSource("in_1", filepath.Join(dir, "index.m3u8"), nil, decodeAudioPassthrough, nil)
	require.NoError(t, src.Run(context.Background(), sink))

	require.Len(t, sink.ranges, 4)
	// the second segment's samples must be rebased forward by the first
	// segment's EXTINF duration (100ms) rather than resetting to their own
	// file-local zero; both segments decode identically at the file level
	// since each holds two samples 100ms apart, so the offset is the only
	// thing distinguishing segment 2's ranges from segment 1's.
	assert.Equal(t, [2]media.PTS{0, 100 * time.Millisecond}, sink.ranges[0])
	assert.Equal(t, [2]media.PTS{100 * time.Millisecond, 200 * time.Millisecond}, sink.ranges[1])
	assert.Equal(t, [2]media.PTS{100 * time.Millisecond, 200 * time.Millisecond}, sink.ranges[2])
	assert.Equal(t, [2]media.PTS{200 * time.Millisecond, 300 * time.Millisecond}, sink.ranges[3])
	assert.Equal(t, 1, sink.audioEOS)
	assert.Equal(t, 1, sink.videoEOS)
}
