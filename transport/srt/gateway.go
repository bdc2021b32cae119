// Package srt implements the SRT input transport named in spec §6 External
// Interfaces: a listener-mode server accepting publish connections keyed by
// SRT StreamID, and a caller-mode (dialing) puller for a remote SRT source,
// both carrying MPEG-TS (demuxed via package demux) as their payload.
//
// Grounded on zsiec-prism's ingest/srt package (listener/dialer shape,
// srtgo wiring, read-buffer/latency constants) and internal/ingest (the
// Registry rendezvous between the raw SRT byte stream and the demux
// pipeline), adapted from a standalone ingest daemon's dispatch-by-key
// model to this module's one-FrameSource-per-input contract: Gateway owns
// the shared SRT listener, and each registered Source blocks in Run until
// a connection bearing its stream key arrives, demuxes it, and then waits
// for the next one, tolerating reconnects for the life of the process.
package srt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	srtgo "github.com/zsiec/srtgo"

	"github.com/mediaforge/compositor-core/internal/ingest"
	"github.com/mediaforge/compositor-core/internal/stream"
	"github.com/mediaforge/compositor-core/transport"
)

// srtReadBufferSize is the read buffer for SRT socket reads: room for ten
// standard SRT payloads of 1316 bytes, each 7 MPEG-TS packets (188 * 7).
const srtReadBufferSize = 1316 * 10

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// Gateway owns one SRT listener shared by every registered input, accepting
// publish connections and dispatching each by its StreamID to the Source
// that registered for that key.
type Gateway struct {
	addr string
	log  *slog.Logger

	registry *ingest.Registry
	active   *stream.Manager

	mu     sync.Mutex
	inputs map[string]*Source
}

// NewGateway returns a Gateway that will listen on addr once Serve runs.
func NewGateway(addr string, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srt-gateway")
	g := &Gateway{
		addr:   addr,
		log:    log,
		active: stream.NewManager(log),
		inputs: make(map[string]*Source),
	}
	g.registry = ingest.NewRegistry(g.dispatch)
	return g
}

// InputEndpoint registers streamKey as an expected publisher, returning the
// transport.FrameSource the pipeline orchestrator runs for this input.
// decodeVideo/decodeAudio turn demuxed access units into decoded
// media.Frame/media.AudioSamples; either may be nil if that input carries
// only one media kind.
func (g *Gateway) InputEndpoint(streamKey string, decodeVideo transport.VideoDecoder, decodeAudio transport.AudioDecoder, log *slog.Logger) *Source {
	if log == nil {
		log = g.log
	}
	s := newSource(streamKey, decodeVideo, decodeAudio, log)

	g.mu.Lock()
	g.inputs[streamKey] = s
	g.mu.Unlock()

	return s
}

// dispatch is the ingest.Registry's onStream callback, handing each newly
// registered connection's byte stream to the Source that claimed its key.
func (g *Gateway) dispatch(key string, r io.Reader, format ingest.InputFormat) {
	g.mu.Lock()
	s, ok := g.inputs[key]
	g.mu.Unlock()

	if !ok {
		g.log.Warn("publish with unregistered stream key, dropping", "stream_key", key)
		return
	}
	s.deliver(r)
}

// Serve accepts SRT publish connections until ctx is cancelled.
func (g *Gateway) Serve(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(g.addr, cfg)
	if err != nil {
		return fmt.Errorf("srt: listen %s: %w", g.addr, err)
	}
	g.log.Info("listening", "addr", g.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		key := extractStreamKey(req.StreamID)
		g.mu.Lock()
		_, known := g.inputs[key]
		g.mu.Unlock()
		if !known {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			g.log.Warn("accept error", "error", err)
			continue
		}

		key := extractStreamKey(conn.StreamID())
		g.log.Info("publish", "stream_key", key, "remote", conn.RemoteAddr())
		go g.handleConnection(ctx, conn, key)
	}
}

func (g *Gateway) handleConnection(ctx context.Context, conn *srtgo.Conn, streamKey string) {
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if _, created := g.active.Create(streamKey); created {
		g.active.SetCancel(streamKey, cancel)
		defer g.active.Remove(streamKey)
	}

	ingestStream, writer := g.registry.Register(streamKey, ingest.FormatMPEGTS)
	ingestStream.SetRemoteAddr(conn.RemoteAddr().String())
	defer g.registry.Unregister(streamKey)

	buf := make([]byte, srtReadBufferSize)
	for {
		if connCtx.Err() != nil {
			return
		}
		n, err := conn.Read(buf)
		if err != nil {
			g.log.Debug("read error", "stream_key", streamKey, "error", err)
			return
		}
		ingestStream.RecordRead(n)
		if _, err := writer.Write(buf[:n]); err != nil {
			g.log.Debug("pipe write error", "stream_key", streamKey, "error", err)
			return
		}
	}
}

// ActiveStreams returns the stream keys currently publishing, for
// diagnostics.
func (g *Gateway) ActiveStreams() []*stream.Stream { return g.active.List() }

func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
