package hls

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/mediaforge/compositor-core/media"
	"github.com/mediaforge/compositor-core/transport"
	"github.com/mediaforge/compositor-core/transport/mp4"
)

// Source is the transport.FrameSource for one HLS input (spec's
// `HLS { url }`): it resolves the playlist (master or media, local path
// or http(s) URL), then demuxes each listed segment in order by handing
// it to transport/mp4's Source unchanged — a segment here is just a
// complete standalone MP4 file, so there's no separate demux path to
// maintain for this transport.
type Source struct {
	id          media.InputID
	url         string
	decodeVideo transport.VideoDecoder
	decodeAudio transport.AudioDecoder
	log         *slog.Logger
	httpClient  *http.Client
}

// NewSource returns a Source for playlistURL, a local file path or an
// http(s) URL to an .m3u8 media or master playlist.
func NewSource(id media.InputID, playlistURL string, decodeVideo transport.VideoDecoder, decodeAudio transport.AudioDecoder, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		id:          id,
		url:         playlistURL,
		decodeVideo: decodeVideo,
		decodeAudio: decodeAudio,
		log:         log.With("component", "hls-source", "input", id, "url", playlistURL),
		httpClient:  &http.Client{},
	}
}

// muteEOSSink forwards PutVideoFrame/PutAudioSamples but swallows
// MarkVideoEOS/MarkAudioEOS: each segment is demuxed by its own
// transport/mp4 Source, which would otherwise mark the input exhausted
// after every single segment instead of only after the last one.
type muteEOSSink struct{ transport.FrameSink }

func (muteEOSSink) MarkVideoEOS(media.InputID) {}
func (muteEOSSink) MarkAudioEOS(media.InputID) {}

// Run resolves the playlist once, then demuxes its segments in order,
// advancing a running PTS offset by each segment's nominal EXTINF
// duration so the decoded timeline stays monotonic across segment
// boundaries (mirroring transport/mp4's own should_loop offset scheme).
func (s *Source) Run(ctx context.Context, sink transport.FrameSink) error {
	defer sink.MarkVideoEOS(s.id)
	defer sink.MarkAudioEOS(s.id)

	entries, base, err := s.resolvePlaylist(ctx)
	if err != nil {
		return fmt.Errorf("hls: %s: %w", s.url, err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("hls: %s: playlist has no segments", s.url)
	}

	muted := muteEOSSink{sink}
	var offset media.PTS
	for i, e := range entries {
		if ctx.Err() != nil {
			return nil
		}
		segPath, cleanup, err := s.resolveSegment(ctx, base, e.filename)
		if err != nil {
			return fmt.Errorf("hls: %s: segment %d (%s): %w", s.url, i, e.filename, err)
		}

		segOffset := offset
		decodeVideo := s.wrapVideoDecoder(segOffset)
		decodeAudio := s.wrapAudioDecoder(segOffset)

		segSource := mp4.NewSource(s.id, segPath, false, decodeVideo, decodeAudio, s.log)
		runErr := segSource.Run(ctx, muted)
		if cleanup != nil {
			cleanup()
		}
		if runErr != nil {
			return fmt.Errorf("hls: %s: segment %d (%s): %w", s.url, i, e.filename, runErr)
		}
		offset += media.PTS(e.duration)
	}
	return nil
}

func (s *Source) wrapVideoDecoder(offset media.PTS) transport.VideoDecoder {
	if s.decodeVideo == nil {
		return nil
	}
	return func(encoded []byte, pts media.PTS, keyframe bool) (media.Frame, error) {
		return s.decodeVideo(encoded, pts+offset, keyframe)
	}
}

func (s *Source) wrapAudioDecoder(offset media.PTS) transport.AudioDecoder {
	if s.decodeAudio == nil {
		return nil
	}
	return func(encoded []byte, startPTS, endPTS media.PTS) (media.AudioSamples, error) {
		return s.decodeAudio(encoded, startPTS+offset, endPTS+offset)
	}
}

// resolvePlaylist fetches s.url, parses it, and — if it turns out to be
// a master playlist — follows its first variant once. base is the
// resolved playlist's own location, used to make each segment's
// filename absolute.
func (s *Source) resolvePlaylist(ctx context.Context) (entries []playlistEntry, base string, err error) {
	current := s.url
	for hop := 0; hop < 2; hop++ {
		body, err := s.fetch(ctx, current)
		if err != nil {
			return nil, "", err
		}
		parsed, variant, err := parseMediaPlaylist(body)
		body.Close()
		if err != nil {
			return nil, "", err
		}
		if len(parsed) > 0 {
			return parsed, current, nil
		}
		if variant == "" {
			return nil, "", fmt.Errorf("playlist has neither segments nor a variant stream")
		}
		current = resolveRef(current, variant)
	}
	return nil, "", fmt.Errorf("master playlist variant chain too deep")
}

func (s *Source) resolveSegment(ctx context.Context, base, filename string) (path string, cleanup func(), err error) {
	ref := resolveRef(base, filename)
	if !isHTTPURL(ref) {
		return ref, nil, nil
	}
	resp, err := s.httpGet(ctx, ref)
	if err != nil {
		return "", nil, err
	}
	defer resp.Close()
	tmp, err := os.CreateTemp("", "hls-segment-*.mp4")
	if err != nil {
		return "", nil, err
	}
	if _, err := io.Copy(tmp, resp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, err
	}
	tmp.Close()
	return tmp.Name(), func() { os.Remove(tmp.Name()) }, nil
}

func (s *Source) fetch(ctx context.Context, ref string) (io.ReadCloser, error) {
	if isHTTPURL(ref) {
		return s.httpGet(ctx, ref)
	}
	return os.Open(ref)
}

func (s *Source) httpGet(ctx context.Context, ref string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: status %s", ref, resp.Status)
	}
	return resp.Body, nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// resolveRef resolves ref against base the way a player resolves a
// playlist's relative segment URIs: URL-relative for an http(s) base,
// filesystem-relative (against base's directory) otherwise.
func resolveRef(base, ref string) string {
	if isHTTPURL(base) {
		baseURL, err := url.Parse(base)
		if err != nil {
			return ref
		}
		refURL, err := url.Parse(ref)
		if err != nil {
			return ref
		}
		return baseURL.ResolveReference(refURL).String()
	}
	if filepath.IsAbs(ref) || isHTTPURL(ref) {
		return ref
	}
	return filepath.Join(filepath.Dir(base), ref)
}
