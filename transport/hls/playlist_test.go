package hls

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteThenParseMediaPlaylistRoundTrip(t *testing.T) {
	t.Parallel()
	entries := []playlistEntry{
		{filename: "segment-0001.mp4", duration: 4 * time.Second},
		{filename: "segment-0002.mp4", duration: 3500 * time.Millisecond},
	}

	var buf bytes.Buffer
	require.NoError(t, writeMediaPlaylist(&buf, entries))

	body := buf.String()
	assert.Contains(t, body, "#EXTM3U")
	assert.Contains(t, body, "#EXT-X-TARGETDURATION:4")
	assert.Contains(t, body, "#EXT-X-ENDLIST")

	got, variant, err := parseMediaPlaylist(strings.NewReader(body))
	require.NoError(t, err)
	assert.Empty(t, variant)
	require.Len(t, got, 2)
	assert.Equal(t, "segment-0001.mp4", got[0].filename)
	assert.InDelta(t, 4.0, got[0].duration.Seconds(), 1e-3)
	assert.Equal(t, "segment-0002.mp4", got[1].filename)
	assert.InDelta(t, 3.5, got[1].duration.Seconds(), 1e-3)
}

func TestParseMasterPlaylistFollowsFirstVariant(t *testing.T) {
	t.Parallel()
	master := "#EXTM3U\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=2000000\n" +
		"variant_720p.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=800000\n" +
		"variant_480p.m3u8\n"

	entries, variant, err := parseMediaPlaylist(strings.NewReader(master))
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, "variant_720p.m3u8", variant)
}

func TestParseMediaPlaylistRejectsMalformedEXTINF(t *testing.T) {
	t.Parallel()
	_, _, err := parseMediaPlaylist(strings.NewReader("#EXTM3U\n#EXTINF:not-a-number,\nseg.mp4\n"))
	assert.Error(t, err)
}

func TestResolveRefRelativeToHTTPBase(t *testing.T) {
	t.Parallel()
	got := resolveRef("https://cdn.example.com/live/index.m3u8", "segment-0001.mp4")
	assert.Equal(t, "https://cdn.example.com/live/segment-0001.mp4", got)
}

func TestResolveRefRelativeToLocalPath(t *testing.T) {
	t.Parallel()
	got := resolveRef("/var/media/stream/index.m3u8", "segment-0001.mp4")
	assert.Equal(t, "/var/media/stream/segment-0001.mp4", got)
}

func TestIsHTTPURL(t *testing.T) {
	t.Parallel()
	assert.True(t, isHTTPURL("http://host/path"))
	assert.True(t, isHTTPURL("https://host/path"))
	assert.False(t, isHTTPURL("/local/path"))
}
