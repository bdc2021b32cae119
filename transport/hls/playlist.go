// Package hls implements the HLS input and output transports named in
// spec §6 External Interfaces. No m3u8 playlist parser/writer, and no
// fragmented-MP4 segment muxer, exists anywhere in this pack's corpus, so
// both are built directly here in the same hand-rolled-against-the-wire-
// format posture transport/rtmp and transport/mp4 already take for their
// own container formats — this package's segment bodies are in fact
// transport/mp4's standalone (self-describing, one moov per file) MP4
// writer/reader reused unchanged per segment, per this module's own
// DOMAIN STACK wiring ("same io.Reader-based adapter shape" as MP4).
//
// Segments here are produced as complete standalone MP4 files (their own
// ftyp+moov+mdat) rather than CMAF fragments behind an EXT-X-MAP init
// segment — simpler to mux incrementally and still valid HLS content,
// just not the fragmented-MP4 convention most modern HLS packagers use.
package hls

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// playlistEntry is one media segment: its file name (relative to the
// playlist) and approximate wall-clock duration.
type playlistEntry struct {
	filename string
	duration time.Duration
}

// writeMediaPlaylist renders a VOD media playlist (spec.md's MP4/HLS
// writers finalize once at Close, so this is never a live sliding-window
// playlist — every segment named is already complete on disk by the time
// the playlist itself is written).
func writeMediaPlaylist(w io.Writer, entries []playlistEntry) error {
	target := time.Duration(0)
	for _, e := range entries {
		if e.duration > target {
			target = e.duration
		}
	}
	targetSeconds := int(target.Round(time.Second) / time.Second)
	if targetSeconds == 0 {
		targetSeconds = 1
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "#EXTM3U")
	fmt.Fprintln(bw, "#EXT-X-VERSION:3")
	fmt.Fprintf(bw, "#EXT-X-TARGETDURATION:%d\n", targetSeconds)
	fmt.Fprintln(bw, "#EXT-X-MEDIA-SEQUENCE:0")
	fmt.Fprintln(bw, "#EXT-X-PLAYLIST-TYPE:VOD")
	for _, e := range entries {
		fmt.Fprintf(bw, "#EXTINF:%.3f,\n", e.duration.Seconds())
		fmt.Fprintln(bw, e.filename)
	}
	fmt.Fprintln(bw, "#EXT-X-ENDLIST")
	return bw.Flush()
}

// parseMediaPlaylist reads a media playlist's #EXTINF/URI pairs, ignoring
// tags this transport doesn't act on (EXT-X-MAP, EXT-X-DISCONTINUITY,
// EXT-X-KEY — encrypted or fragmented-init segments aren't supported
// inputs here). If the playlist is actually a master playlist (one that
// lists variant streams via #EXT-X-STREAM-INF instead of segments),
// entries is empty and masterVariant carries its first listed variant's
// URI for the caller to fetch and re-parse.
func parseMediaPlaylist(r io.Reader) (entries []playlistEntry, masterVariant string, err error) {
	scanner := bufio.NewScanner(r)
	var pendingDuration time.Duration
	havePending := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#EXTINF:"):
			spec := strings.TrimPrefix(line, "#EXTINF:")
			spec = strings.TrimSuffix(spec, ",")
			if comma := strings.Index(spec, ","); comma >= 0 {
				spec = spec[:comma]
			}
			secs, perr := strconv.ParseFloat(spec, 64)
			if perr != nil {
				return nil, "", fmt.Errorf("hls: malformed EXTINF %q: %w", line, perr)
			}
			pendingDuration = time.Duration(secs * float64(time.Second))
			havePending = true
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			// Next non-comment line is this variant's playlist URI; record
			// the first one seen so a master playlist resolves to it.
			for scanner.Scan() {
				next := strings.TrimSpace(scanner.Text())
				if next == "" || strings.HasPrefix(next, "#") {
					continue
				}
				if masterVariant == "" {
					masterVariant = next
				}
				break
			}
		case strings.HasPrefix(line, "#"):
			continue
		default:
			if havePending {
				entries = append(entries, playlistEntry{filename: line, duration: pendingDuration})
				havePending = false
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, "", fmt.Errorf("hls: reading playlist: %w", err)
	}
	return entries, masterVariant, nil
}
