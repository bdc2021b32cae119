// Package rtmp implements the RTMP input transport named in spec §6
// External Interfaces: a TCP listener performing the plain RTMP handshake
// and chunk stream protocol, accepting "publish" connections keyed by
// publishing name, and handing each connection's demuxed H.264/AAC access
// units to the pipeline orchestrator.
//
// No chunk-stream, AMF0, or FLV-tag-framing library exists anywhere in
// this pack's corpus (the teacher and the other example repos speak
// MPEG-TS, RTP, WebRTC, and MoQ, never RTMP), so this package implements
// the wire protocol directly against net.Conn/encoding/binary — the same
// posture package mpegts takes for its own demuxer, just with no
// third-party parser available to lean on here. It is grounded
// structurally on transport/srt's Gateway/Source split: one shared
// listener multiplexing publish connections by a string key, and one
// Source per registered input that blocks in Run until a connection
// bearing its key arrives and tolerates reconnects thereafter.
package rtmp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/mediaforge/compositor-core/internal/stream"
	"github.com/mediaforge/compositor-core/transport"
)

// Fixed chunk stream IDs this server uses for its own outgoing messages.
// Clients don't require any particular choice here, only that messages
// addressed to message stream ID 0 (the connection) vs. the created
// NetStream are distinguishable, which the StreamID field (not the csid)
// carries.
const (
	csidProtocolControl = 2
	csidCommand         = 3
	csidStatus          = 5
)

const netStreamID = 1 // this server only ever creates one stream per connection

// Gateway owns the TCP listener shared by every registered input,
// accepting publish connections and dispatching each by its publishing
// name to the Source that registered for that key.
type Gateway struct {
	addr string
	log  *slog.Logger

	active *stream.Manager

	mu     sync.Mutex
	inputs map[string]*Source
}

// NewGateway returns a Gateway that will listen on addr once Serve runs.
func NewGateway(addr string, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		addr:   addr,
		log:    log.With("component", "rtmp-gateway"),
		active: stream.NewManager(log),
		inputs: make(map[string]*Source),
	}
}

// InputEndpoint registers streamKey (the RTMP publishing name, the last
// path segment of rtmp://host/app/streamKey) as an expected publisher,
// returning the transport.FrameSource the pipeline orchestrator runs for
// this input.
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

// Serve accepts RTMP connections until ctx is cancelled.
func (g *Gateway) Serve(ctx context.Context) error {
	lc := net.ListenConfig{}
	l, err := lc.Listen(ctx, "tcp", g.addr)
	if err != nil {
		return fmt.Errorf("rtmp: listen %s: %w", g.addr, err)
	}
	g.log.Info("listening", "addr", g.addr)

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
			return fmt.Errorf("rtmp: accept: %w", err)
		}
		connCtx, cancel := context.WithCancel(ctx)
		go g.handleConnection(connCtx, cancel, conn)
	}
}

// ActiveStreams reports the publishing names currently assigned a live
// connection, for the debug/status surface.
func (g *Gateway) ActiveStreams() []string {
	list := g.active.List()
	keys := make([]string, 0, len(list))
	for _, s := range list {
		keys = append(keys, s.Key)
	}
	return keys
}

func (g *Gateway) handleConnection(ctx context.Context, cancel context.CancelFunc, conn net.Conn) {
	defer conn.Close()
	defer cancel()

	log := g.log.With("remote_addr", conn.RemoteAddr().String())

	if err := serverHandshake(conn); err != nil {
		log.Warn("handshake failed", "error", err)
		return
	}

	c := &connHandler{
		gateway: g,
		conn:    conn,
		cancel:  cancel,
		cr:      newChunkReader(conn),
		log:     log,
	}
	if err := c.run(ctx); err != nil {
		log.Debug("connection ended", "error", err)
	}
	if c.streamKey != "" {
		g.active.Remove(c.streamKey)
	}
}

// connHandler drives one accepted connection's command/media dispatch
// loop for as long as it stays connected.
type connHandler struct {
	gateway   *Gateway
	conn      net.Conn
	cancel    context.CancelFunc
	cr        *chunkReader
	log       *slog.Logger
	streamKey string
	source    *Source
}

func (c *connHandler) run(ctx context.Context) error {
	if err := writeMessage(c.conn, csidProtocolControl, msgTypeSetChunkSize, 0, uint32BE(writeChunkSize)); err != nil {
		return fmt.Errorf("send Set Chunk Size: %w", err)
	}

	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()

	for {
		msg, err := c.cr.ReadMessage()
		if err != nil {
			return err
		}
		switch msg.TypeID {
		case msgTypeAMF0Command:
			if err := c.handleCommand(msg); err != nil {
				return err
			}
		case msgTypeVideo:
			if c.source != nil {
				c.source.deliverVideo(msg.Payload, msg.Timestamp)
			}
		case msgTypeAudio:
			if c.source != nil {
				c.source.deliverAudio(msg.Payload, msg.Timestamp)
			}
		case msgTypeAMF0Data:
			// Metadata (onMetaData/@setDataFrame): informational only,
			// nothing downstream consumes codec parameters out of it since
			// the AVC/AAC sequence headers carry everything needed.
		}
	}
}

func (c *connHandler) handleCommand(msg message) error {
	values, err := decodeAMF0Values(msg.Payload)
	if err != nil {
		return fmt.Errorf("rtmp: malformed command message: %w", err)
	}
	if len(values) == 0 {
		return fmt.Errorf("rtmp: empty command message")
	}
	name, _ := values[0].(string)
	var txnID float64
	if len(values) > 1 {
		txnID, _ = values[1].(float64)
	}

	switch name {
	case "connect":
		return c.replyConnect(txnID)
	case "createStream":
		return c.replyCreateStream(txnID)
	case "publish":
		var streamName string
		if len(values) > 3 {
			streamName, _ = values[3].(string)
		}
		return c.handlePublish(streamName)
	case "releaseStream", "FCPublish", "FCUnpublish", "deleteStream":
		return nil // acknowledged implicitly; these carry no state this server tracks
	default:
		c.log.Debug("ignoring unhandled command", "name", name)
		return nil
	}
}

func (c *connHandler) replyConnect(txnID float64) error {
	if err := writeMessage(c.conn, csidProtocolControl, msgTypeWindowAckSize, 0, uint32BE(2500000)); err != nil {
		return err
	}
	peerBW := append(uint32BE(2500000), 2) // limit type 2: dynamic
	if err := writeMessage(c.conn, csidProtocolControl, msgTypeSetPeerBandwidth, 0, peerBW); err != nil {
		return err
	}

	payload := new(amf0Writer).String("_result").Number(txnID).
		Object([]string{"fmsVer", "capabilities"}, map[string]any{"fmsVer": "FMS/3,0,1,123", "capabilities": float64(31)}).
		Object([]string{"level", "code", "description", "objectEncoding"}, map[string]any{
			"level":          "status",
			"code":           "NetConnection.Connect.Success",
			"description":    "Connection succeeded.",
			"objectEncoding": float64(0),
		}).Bytes()
	return writeMessage(c.conn, csidCommand, msgTypeAMF0Command, 0, payload)
}

func (c *connHandler) replyCreateStream(txnID float64) error {
	payload := new(amf0Writer).String("_result").Number(txnID).Null().Number(float64(netStreamID)).Bytes()
	return writeMessage(c.conn, csidCommand, msgTypeAMF0Command, 0, payload)
}

func (c *connHandler) handlePublish(streamName string) error {
	if streamName == "" {
		return fmt.Errorf("rtmp: publish with empty stream name")
	}
	c.gateway.mu.Lock()
	s, known := c.gateway.inputs[streamName]
	c.gateway.mu.Unlock()
	if !known {
		return fmt.Errorf("rtmp: publish with unregistered stream key %q", streamName)
	}

	c.streamKey = streamName
	c.source = s
	if _, created := c.gateway.active.Create(streamName); !created {
		// A previous connection for this key hasn't been cleaned up yet
		// (e.g. a fast reconnect racing the old connection's teardown);
		// tracking is diagnostic only, so this doesn't block the publish.
		c.gateway.log.Debug("stream key already tracked as active", "stream_key", streamName)
	} else {
		c.gateway.active.SetCancel(streamName, c.cancel)
	}
	c.log.Info("publish started", "stream_key", streamName)

	payload := new(amf0Writer).String("onStatus").Number(0).Null().
		Object([]string{"level", "code", "description"}, map[string]any{
			"level":       "status",
			"code":        "NetStream.Publish.Start",
			"description": fmt.Sprintf("Publishing %s.", streamName),
		}).Bytes()
	return writeMessage(c.conn, csidStatus, msgTypeAMF0Command, netStreamID, payload)
}

func uint32BE(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
