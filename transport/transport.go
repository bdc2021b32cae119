// Package transport defines the boundary interfaces between the core
// orchestrator and the pluggable wire-protocol adapters (RTP, WHIP/WHEP,
// RTMP, MP4, HLS, SRT) that the spec places out of scope (spec.md §1,
// "wire-protocol I/O ... treated as byte/packet sources and sinks").
//
// Concrete adapters live in transport/rtp, transport/webrtc,
// transport/rtmp, transport/mp4, transport/hls, and transport/srt; none of
// them import the orchestrator, keeping the dependency pointing one way.
package transport

import (
	"context"

	"github.com/mediaforge/compositor-core/media"
	"github.com/mediaforge/compositor-core/scene"
)

// FrameSink receives decoded video frames and audio sample batches from a
// FrameSource, forwarding them into the orchestrator's Queue.
type FrameSink interface {
	PutVideoFrame(media.InputID, media.Frame) error
	PutAudioSamples(media.InputID, media.InputAudioSamples) error
	MarkVideoEOS(media.InputID)
	MarkAudioEOS(media.InputID)
}

// CaptionSink is FrameSink's optional closed-caption counterpart: an input
// adapter that decodes CEA-608/708 captions (currently only transport/srt,
// via zsiec/ccx) type-asserts its FrameSink against this before delivering
// one, so adapters with no caption source need not care it exists.
type CaptionSink interface {
	PutCaption(media.InputID, media.Caption)
}

// FrameSource is one registered input's decoder/demuxer: it owns its byte
// source and decoding loop, running until ctx is cancelled or the source
// is exhausted, pushing every decoded unit into sink.
type FrameSource interface {
	Run(ctx context.Context, sink FrameSink) error
}

// ChunkSink is one registered output's encoder-facing sink: it accepts
// already-encoded access units and owns whatever wire protocol or file
// write delivers them.
type ChunkSink interface {
	WriteChunk(media.EncodedChunk) error
	Close() error
}

// Renderer composites one video tick's per-input frames against a
// resolved scene snapshot into a single output frame. GPU rendering
// itself is out of scope (spec.md §1); this is the seam a real renderer
// plugs into.
type Renderer interface {
	Render(resolved scene.Component, frames map[media.InputID]media.Frame, pts media.PTS) (media.Frame, error)
}

// VideoTransformer encodes one composited video frame into a wire-ready
// chunk. Codec-specific encode/decode is out of scope (spec.md §1); this
// is the pluggable seam. forceKeyframe is set when a PLI or the periodic
// keyframe interval requires the next chunk to be an IDR (spec §4.6
// "Keyframe forcing").
type VideoTransformer func(frame media.Frame, forceKeyframe bool) (media.EncodedChunk, error)

// AudioTransformer is the audio analog of VideoTransformer.
type AudioTransformer func(media.AudioSamples, media.PTS) (media.EncodedChunk, error)

// VideoDecoder is VideoTransformer's inverse: the pluggable seam an input
// adapter calls to turn one demuxed/depacketized access unit into the
// decoded media.Frame the Queue and Scene State operate on. Like
// VideoTransformer, actual codec decode is out of scope (spec.md §1) —
// adapters accept one of these rather than decoding themselves.
type VideoDecoder func(encoded []byte, pts media.PTS, keyframe bool) (media.Frame, error)

// AudioDecoder is VideoDecoder's audio analog, decoding one demuxed audio
// access unit spanning [startPTS, endPTS) into samples.
type AudioDecoder func(encoded []byte, startPTS, endPTS media.PTS) (media.AudioSamples, error)
