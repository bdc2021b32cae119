package hls

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mediaforge/compositor-core/media"
	"github.com/mediaforge/compositor-core/transport/mp4"
)

// Writer implements transport.ChunkSink for an HLS output: it rolls
// buffered chunks into a sequence of standalone MP4 segment files (each
// one transport/mp4's own Writer, reused unchanged) and writes a VOD
// media playlist referencing them on Close, per spec.md's "MP4/HLS file
// writers with an output_path" — finalized once, not a live rolling
// window.
type Writer struct {
	dir             string
	playlistName    string
	targetDuration  time.Duration
	videoTimescale  uint32
	audioSampleRate uint32

	audioConfig      []byte
	seq              int
	current          *mp4.Writer
	currentPath      string
	segmentStart     media.PTS
	haveSegmentStart bool
	lastPTS          media.PTS
	entries          []playlistEntry
}

// NewWriter returns a ChunkSink writing numbered segment-NNNN.mp4 files
// and a playlist named playlistName (e.g. "index.m3u8") into dir.
// targetDuration is the nominal per-segment length; a new segment starts
// at the next video keyframe once the current one reaches it (or, for an
// audio-only output, once the next chunk would exceed it). Pass 0 for
// whichever of videoTimescale/audioSampleRate a track won't use, and nil
// audioConfig for a video-only output (see mp4.NewWriter).
func NewWriter(dir, playlistName string, targetDuration time.Duration, videoTimescale, audioSampleRate uint32, audioConfig []byte) *Writer {
	return &Writer{
		dir:             dir,
		playlistName:    playlistName,
		targetDuration:  targetDuration,
		videoTimescale:  videoTimescale,
		audioSampleRate: audioSampleRate,
		audioConfig:     audioConfig,
	}
}

// WriteChunk appends c to the current segment, rolling over to a new one
// first if c would start a new GOP past targetDuration (video) or the
// current segment has already reached targetDuration (audio-only).
func (w *Writer) WriteChunk(c media.EncodedChunk) error {
	if w.current == nil {
		if err := w.openSegment(); err != nil {
			return err
		}
		w.segmentStart = c.PTS
		w.haveSegmentStart = true
	} else if w.shouldRoll(c) {
		if err := w.rollSegment(); err != nil {
			return err
		}
		if err := w.openSegment(); err != nil {
			return err
		}
		w.segmentStart = c.PTS
		w.haveSegmentStart = true
	}

	w.lastPTS = c.PTS
	return w.current.WriteChunk(c)
}

func (w *Writer) shouldRoll(c media.EncodedChunk) bool {
	if !w.haveSegmentStart {
		return false
	}
	elapsed := c.PTS - w.segmentStart
	if elapsed < w.targetDuration {
		return false
	}
	if c.Kind == media.ChunkKindVideo {
		return c.IsKeyframe
	}
	return w.videoTimescale == 0 // audio-only output: nothing to wait for a keyframe on
}

func (w *Writer) openSegment() error {
	w.seq++
	w.currentPath = filepath.Join(w.dir, fmt.Sprintf("segment-%04d.mp4", w.seq))
	w.current = mp4.NewWriter(w.currentPath, w.videoTimescale, w.audioSampleRate, w.audioConfig)
	return nil
}

func (w *Writer) rollSegment() error {
	if err := w.current.Close(); err != nil {
		return fmt.Errorf("hls: closing segment %s: %w", w.currentPath, err)
	}
	w.entries = append(w.entries, playlistEntry{
		filename: filepath.Base(w.currentPath),
		duration: time.Duration(w.lastPTS - w.segmentStart),
	})
	w.current = nil
	w.haveSegmentStart = false
	return nil
}

// Close finalizes the last open segment and writes the playlist.
func (w *Writer) Close() error {
	if w.current != nil {
		if err := w.rollSegment(); err != nil {
			return err
		}
	}
	if len(w.entries) == 0 {
		return fmt.Errorf("hls: no segments written")
	}

	f, err := os.Create(filepath.Join(w.dir, w.playlistName))
	if err != nil {
		return fmt.Errorf("hls: create playlist: %w", err)
	}
	defer f.Close()
	return writeMediaPlaylist(f, w.entries)
}
