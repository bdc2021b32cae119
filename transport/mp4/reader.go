package mp4

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/mediaforge/compositor-core/h264util"
	"github.com/mediaforge/compositor-core/media"
	"github.com/mediaforge/compositor-core/transport"
)

// mergedSample is one sample from either the video or audio track,
// ordered by presentation time for interleaved delivery.
type mergedSample struct {
	entry    sampleEntry
	video    bool
	endPTS   media.PTS // audio only: next sample's PTS (or an estimate for the last one)
}

// Source demuxes one progressive (non-fragmented) MP4 file and delivers
// its video/audio samples in PTS order. If shouldLoop is set, Run restarts
// from the beginning after the last sample, rebasing timestamps forward
// by the file's total duration each pass so PTS keeps increasing across
// loops instead of resetting to zero.
type Source struct {
	id          media.InputID
	path        string
	shouldLoop  bool
	decodeVideo transport.VideoDecoder
	decodeAudio transport.AudioDecoder
	log         *slog.Logger
}

// NewSource returns a Source that reads path (a local MP4 file, per
// spec's `MP4 { source: File(path) }` input) for input id.
func NewSource(id media.InputID, path string, shouldLoop bool, decodeVideo transport.VideoDecoder, decodeAudio transport.AudioDecoder, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		id:          id,
		path:        path,
		shouldLoop:  shouldLoop,
		decodeVideo: decodeVideo,
		decodeAudio: decodeAudio,
		log:         log.With("component", "mp4-source", "input", id, "path", path),
	}
}

// Run parses path's sample tables once, then delivers samples until ctx
// is cancelled (or, absent looping, until the file is exhausted).
func (s *Source) Run(ctx context.Context, sink transport.FrameSink) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("mp4: open %s: %w", s.path, err)
	}
	defer f.Close()
	defer sink.MarkVideoEOS(s.id)
	defer sink.MarkAudioEOS(s.id)

	videoTrack, audioTrack, err := parseMovie(f)
	if err != nil {
		return fmt.Errorf("mp4: %s: %w", s.path, err)
	}
	if videoTrack == nil && audioTrack == nil {
		return fmt.Errorf("mp4: %s: no video or audio track found", s.path)
	}

	merged, loopDuration := mergeSamples(videoTrack, audioTrack)
	if len(merged) == 0 {
		return fmt.Errorf("mp4: %s: no samples to decode", s.path)
	}

	for loop := 0; ; loop++ {
		offset := media.PTS(loop) * loopDuration
		for _, ms := range merged {
			if ctx.Err() != nil {
				return nil
			}
			data := make([]byte, ms.entry.size)
			if _, err := f.ReadAt(data, ms.entry.offset); err != nil {
				return fmt.Errorf("mp4: %s: read sample at offset %d: %w", s.path, ms.entry.offset, err)
			}

			if ms.video {
				if s.decodeVideo == nil {
					continue
				}
				pts := ms.entry.pts + offset
				frame, derr := s.decodeVideo(prependParamSets(videoTrack, data, ms.entry.keyframe), pts, ms.entry.keyframe)
				if derr != nil {
					s.log.Warn("decode failed, dropping video sample", "error", derr)
					continue
				}
				if perr := sink.PutVideoFrame(s.id, frame); perr != nil {
					return perr
				}
			} else {
				if s.decodeAudio == nil {
					continue
				}
				startPTS := ms.entry.pts + offset
				endPTS := ms.endPTS + offset
				samples, derr := s.decodeAudio(data, startPTS, endPTS)
				if derr != nil {
					s.log.Warn("decode failed, dropping audio sample", "error", derr)
					continue
				}
				if perr := sink.PutAudioSamples(s.id, media.InputAudioSamples{StartPTS: startPTS, EndPTS: endPTS, Samples: samples}); perr != nil {
					return perr
				}
			}
		}

		if !s.shouldLoop {
			return nil
		}
		s.log.Debug("looping", "pass", loop+1)
	}
}

// prependParamSets adds the track's SPS/PPS (AVCC length-prefixed) ahead
// of a keyframe's own NAL data, the same convention transport/rtmp uses,
// since an MP4 file's avcC carries parameter sets once up front rather
// than inline per GOP.
func prependParamSets(vt *track, data []byte, keyframe bool) []byte {
	if !keyframe || vt == nil || len(vt.sps) == 0 || len(vt.pps) == 0 {
		return data
	}
	out := make([]byte, 0, len(vt.sps)+4+len(vt.pps)+4+len(data))
	out = h264util.AppendAVCCNAL(out, vt.sps)
	out = h264util.AppendAVCCNAL(out, vt.pps)
	return append(out, data...)
}

func parseMovie(f *os.File) (video, audio *track, err error) {
	st, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	topBoxes, err := scanBoxes(f, 0, st.Size())
	if err != nil {
		return nil, nil, err
	}
	moovBox, found := findBox(topBoxes, "moov")
	if !found {
		return nil, nil, fmt.Errorf("no moov box found (fragmented/streaming MP4 isn't supported)")
	}
	moovBody, err := readBoxBody(f, moovBox)
	if err != nil {
		return nil, nil, err
	}
	moovBoxes, err := readMemBoxes(moovBody)
	if err != nil {
		return nil, nil, err
	}

	for _, b := range moovBoxes {
		if b.typ != "trak" {
			continue
		}
		t, ok, terr := parseTrak(b.body)
		if terr != nil {
			return nil, nil, terr
		}
		if !ok {
			continue
		}
		switch t.kind {
		case trackVideo:
			if video == nil {
				video = t
			}
		case trackAudio:
			if audio == nil {
				audio = t
			}
		}
	}
	return video, audio, nil
}

// mergeSamples interleaves video and audio sample lists in PTS order and
// returns the file's total duration, used to rebase timestamps across loop
// passes: the later of the video track's last sample PTS and the audio
// track's last sample end (the next sample's PTS, or for the final sample
// its PTS plus the gap to the sample before it).
func mergeSamples(video, audio *track) ([]mergedSample, media.PTS) {
	var merged []mergedSample
	var duration media.PTS

	if video != nil {
		for _, e := range video.samples {
			merged = append(merged, mergedSample{entry: e, video: true})
			if e.pts > duration {
				duration = e.pts
			}
		}
	}
	if audio != nil {
		for i, e := range audio.samples {
			end := e.pts
			if i+1 < len(audio.samples) {
				end = audio.samples[i+1].pts
			} else if i > 0 {
				end = e.pts + (e.pts - audio.samples[i-1].pts)
			}
			merged = append(merged, mergedSample{entry: e, video: false, endPTS: end})
			if end > duration {
				duration = end
			}
		}
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].entry.pts < merged[j].entry.pts })
	return merged, duration
}
