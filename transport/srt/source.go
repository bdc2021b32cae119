package srt

import (
	"context"
	"io"
	"log/slog"

	"github.com/mediaforge/compositor-core/demux"
	"github.com/mediaforge/compositor-core/media"
	"github.com/mediaforge/compositor-core/transport"
)

// Source is the transport.FrameSource for one SRT-published input, claimed
// from a Gateway via InputEndpoint. It demuxes each connection's MPEG-TS
// byte stream and tolerates reconnects: after one publisher disconnects,
// Run waits for the next connection bearing the same stream key rather
// than returning, since SRT publishers commonly redial after a network
// blip.
type Source struct {
	key         string
	decodeVideo transport.VideoDecoder
	decodeAudio transport.AudioDecoder
	log         *slog.Logger

	conns chan io.Reader
}

func newSource(key string, decodeVideo transport.VideoDecoder, decodeAudio transport.AudioDecoder, log *slog.Logger) *Source {
	return &Source{
		key:         key,
		decodeVideo: decodeVideo,
		decodeAudio: decodeAudio,
		log:         log.With("component", "srt-source", "stream_key", key),
		conns:       make(chan io.Reader),
	}
}

// deliver hands off a newly accepted connection's byte stream to whichever
// goroutine is blocked in Run waiting for one. Called from the Gateway's
// accept loop; Run is the only reader, so unbuffered handoff is safe.
func (s *Source) deliver(r io.Reader) {
	s.conns <- r
}

// Run demuxes connections for s's stream key as they arrive until ctx is
// cancelled.
func (s *Source) Run(ctx context.Context, sink transport.FrameSink) error {
	id := media.InputID(s.key)
	defer sink.MarkVideoEOS(id)
	defer sink.MarkAudioEOS(id)

	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-s.conns:
			s.log.Info("demuxing connection")
			demuxSink := demux.NewFrameSinkAdapter(id, s.decodeVideo, s.decodeAudio, sink, s.log)
			dmx := demux.NewDemuxer(demuxSink, s.log)
			if err := dmx.Run(ctx, r); err != nil {
				s.log.Warn("demux ended with error", "error", err)
			}
		}
	}
}
