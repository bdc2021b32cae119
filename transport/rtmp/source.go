package rtmp

import (
	"context"
	"log/slog"

	"github.com/mediaforge/compositor-core/media"
	"github.com/mediaforge/compositor-core/transport"
)

// rawVideoMessage and rawAudioMessage are what a connection's read loop
// hands to the Source claiming its stream key: still tag-framed, not yet
// decoded, so parsing stays on Source.Run's goroutine rather than the
// connection's.
type rawVideoMessage struct {
	payload   []byte
	timestamp uint32
}

type rawAudioMessage struct {
	payload   []byte
	timestamp uint32
}

// Source is the transport.FrameSource for one RTMP-published input,
// claimed from a Gateway via InputEndpoint. Like transport/srt's Source,
// it tolerates reconnects: Run waits for the next publish of the same
// stream key rather than returning when one publisher disconnects.
type Source struct {
	key         string
	decodeVideo transport.VideoDecoder
	decodeAudio transport.AudioDecoder
	log         *slog.Logger

	video chan rawVideoMessage
	audio chan rawAudioMessage
}

func newSource(key string, decodeVideo transport.VideoDecoder, decodeAudio transport.AudioDecoder, log *slog.Logger) *Source {
	return &Source{
		key:         key,
		decodeVideo: decodeVideo,
		decodeAudio: decodeAudio,
		log:         log.With("component", "rtmp-source", "stream_key", key),
		video:       make(chan rawVideoMessage),
		audio:       make(chan rawAudioMessage),
	}
}

func (s *Source) deliverVideo(payload []byte, timestamp uint32) {
	s.video <- rawVideoMessage{payload, timestamp}
}
func (s *Source) deliverAudio(payload []byte, timestamp uint32) {
	s.audio <- rawAudioMessage{payload, timestamp}
}

// Run decodes s's stream key's video/audio messages as they arrive from
// whichever connection currently holds it, until ctx is cancelled.
func (s *Source) Run(ctx context.Context, sink transport.FrameSink) error {
	id := media.InputID(s.key)
	defer sink.MarkVideoEOS(id)
	defer sink.MarkAudioEOS(id)

	var vt videoTrack
	var at audioTrack

	for {
		select {
		case <-ctx.Done():
			return nil

		case m := <-s.video:
			if s.decodeVideo == nil {
				continue
			}
			avcc, pts, keyframe, ok, err := vt.parseVideoMessage(m.payload, m.timestamp)
			if err != nil {
				s.log.Warn("malformed video message, dropping", "error", err)
				continue
			}
			if !ok {
				continue
			}
			frame, err := s.decodeVideo(avcc, pts, keyframe)
			if err != nil {
				s.log.Warn("decode failed, dropping access unit", "error", err)
				continue
			}
			if err := sink.PutVideoFrame(id, frame); err != nil {
				return err
			}

		case m := <-s.audio:
			if s.decodeAudio == nil {
				continue
			}
			raw, startPTS, endPTS, ok, err := at.parseAudioMessage(m.payload, m.timestamp)
			if err != nil {
				s.log.Warn("malformed audio message, dropping", "error", err)
				continue
			}
			if !ok {
				continue
			}
			samples, err := s.decodeAudio(raw, startPTS, endPTS)
			if err != nil {
				s.log.Warn("decode failed, dropping audio frame", "error", err)
				continue
			}
			if err := sink.PutAudioSamples(id, media.InputAudioSamples{StartPTS: startPTS, EndPTS: endPTS, Samples: samples}); err != nil {
				return err
			}
		}
	}
}
