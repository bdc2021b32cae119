package srt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/mediaforge/compositor-core/demux"
	"github.com/mediaforge/compositor-core/media"
	"github.com/mediaforge/compositor-core/transport"
)

// dialTimeout bounds how long Caller waits for a single dial attempt
// before giving up and retrying.
const dialTimeout = 10 * time.Second

// redialInterval is how long Caller waits after a failed or ended
// connection before dialing again.
const redialInterval = 2 * time.Second

// Caller is the transport.FrameSource for one remote SRT source pulled in
// caller mode: it dials address, demuxes the resulting MPEG-TS stream, and
// keeps redialing until ctx is cancelled.
type Caller struct {
	id          media.InputID
	address     string
	streamID    string
	decodeVideo transport.VideoDecoder
	decodeAudio transport.AudioDecoder
	log         *slog.Logger
}

// NewCaller returns a Caller that dials address (host:port) with the given
// SRT StreamID (defaulting to "live/<id>" if empty) to pull input id.
func NewCaller(id media.InputID, address, streamID string, decodeVideo transport.VideoDecoder, decodeAudio transport.AudioDecoder, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	if streamID == "" {
		streamID = "live/" + string(id)
	}
	return &Caller{
		id:          id,
		address:     address,
		streamID:    streamID,
		decodeVideo: decodeVideo,
		decodeAudio: decodeAudio,
		log:         log.With("component", "srt-caller", "input", id, "address", address),
	}
}

// Run dials and demuxes address until ctx is cancelled, redialing after
// each disconnect.
func (c *Caller) Run(ctx context.Context, sink transport.FrameSink) error {
	defer sink.MarkVideoEOS(c.id)
	defer sink.MarkAudioEOS(c.id)

	for {
		if err := c.pullOnce(ctx, sink); err != nil {
			c.log.Warn("pull failed", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(redialInterval):
		}
	}
}

func (c *Caller) pullOnce(ctx context.Context, sink transport.FrameSink) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = c.streamID

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(c.address, cfg)
		ch <- dialResult{conn, err}
	}()

	var conn *srtgo.Conn
	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("srt: dial %s: %w", c.address, res.err)
		}
		conn = res.conn
	case <-time.After(dialTimeout):
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return fmt.Errorf("srt: dial %s timed out after %s", c.address, dialTimeout)
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return ctx.Err()
	}
	defer conn.Close()

	c.log.Info("connected")

	demuxSink := demux.NewFrameSinkAdapter(c.id, c.decodeVideo, c.decodeAudio, sink, c.log)
	dmx := demux.NewDemuxer(demuxSink, c.log)
	return dmx.Run(ctx, &connReader{conn: conn})
}

// connReader adapts *srtgo.Conn's Read method to io.Reader without
// dragging its Write/Close into demux.Demuxer.Run's io.Reader parameter.
type connReader struct{ conn *srtgo.Conn }

func (r *connReader) Read(p []byte) (int, error) { return r.conn.Read(p) }
