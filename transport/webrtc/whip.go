// Package webrtc implements the WHIP ingest server, WHEP egress server,
// and WHEP pull client named in spec §6 External Interfaces, all backed
// by pion/webrtc/v4.
//
// Grounded on gtfodev-camsRelay's pkg/bridge/bridge.go for the
// PeerConnection/MediaEngine setup idiom (codec registration, track
// creation, RTCP reader goroutines) — that file builds an outbound
// (publishing) PeerConnection; Gateway's OnTrack side is the mirror image
// for ingest, built the same way pion's own examples and bridge.go both
// construct a PeerConnection: register codecs on a MediaEngine, build an
// API, then negotiate.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/mediaforge/compositor-core/media"
	"github.com/mediaforge/compositor-core/transport"
	"github.com/mediaforge/compositor-core/transport/rtp"
)

// newAPI returns a pion webrtc.API with H.264 and Opus registered, the
// same codec pair bridge.go's CreateSession registers for its outbound
// PeerConnection.
func newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register H264 codec: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register Opus codec: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i)), nil
}

// Gateway is the HTTP(S) server exposing WHIP ingest endpoints
// (`POST /whip/:id`) and WHEP egress endpoints (`POST /whep/:id`), per
// spec §6's exact request/response shape. One Gateway is shared across
// every WHIP/WHEP-backed input and output the orchestrator registers.
type Gateway struct {
	addr   string
	log    *slog.Logger
	srv    *http.Server
	iceURL string

	mu      sync.Mutex
	inputs  map[string]*WHIPEndpoint
	outputs map[string]*WHEPEndpoint
}

// NewGateway returns a Gateway that will listen on addr once Start runs.
// iceServer is a comma-separated list of STUN/TURN server URLs (spec §6's
// STUN_SERVERS env var).
func NewGateway(addr, iceServer string, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	g := &Gateway{
		addr:    addr,
		log:     log.With("component", "webrtc-gateway"),
		iceURL:  iceServer,
		inputs:  make(map[string]*WHIPEndpoint),
		outputs: make(map[string]*WHEPEndpoint),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/whip/", g.handleWHIP)
	mux.HandleFunc("/whep/", g.handleWHEP)
	g.srv = &http.Server{Addr: addr, Handler: mux}
	return g
}

// Start runs the HTTP server until ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	context.AfterFunc(ctx, func() { g.srv.Close() })
	g.log.Info("listening", "addr", g.addr)
	err := g.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (g *Gateway) iceServers() []webrtc.ICEServer {
	if g.iceURL == "" {
		return nil
	}
	return []webrtc.ICEServer{{URLs: strings.Split(g.iceURL, ",")}}
}

// WHIPEndpoint is one registered input's WHIP ingest seam: it satisfies
// transport.FrameSource, blocking in Run until the Gateway hands it a
// negotiated PeerConnection for this input's id, then streams depacketized
// frames until the peer disconnects or ctx is cancelled.
type WHIPEndpoint struct {
	id          media.InputID
	bearerToken string
	decodeVideo transport.VideoDecoder
	decodeAudio transport.AudioDecoder
	log         *slog.Logger

	offers chan whipOffer
}

type whipOffer struct {
	sdp  string
	resp chan whipAnswer
}

type whipAnswer struct {
	sdp string
	err error
}

// Endpoint registers a WHIP ingest endpoint at /whip/<id> and returns the
// transport.FrameSource the orchestrator registers as that input's
// Source. bearerToken, if non-empty, must match the request's
// `Authorization: Bearer <token>` header (spec §6's WHIP options).
func (g *Gateway) Endpoint(id media.InputID, bearerToken string, decodeVideo transport.VideoDecoder, decodeAudio transport.AudioDecoder, log *slog.Logger) *WHIPEndpoint {
	if log == nil {
		log = slog.Default()
	}
	ep := &WHIPEndpoint{
		id:          id,
		bearerToken: bearerToken,
		decodeVideo: decodeVideo,
		decodeAudio: decodeAudio,
		log:         log.With("component", "whip-endpoint", "input", id),
		offers:      make(chan whipOffer),
	}
	g.mu.Lock()
	g.inputs[string(id)] = ep
	g.mu.Unlock()
	return ep
}

func (g *Gateway) handleWHIP(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/whip/")
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	g.mu.Lock()
	ep, ok := g.inputs[id]
	g.mu.Unlock()
	if !ok {
		http.Error(w, "unknown WHIP endpoint", http.StatusNotFound)
		return
	}

	if ep.bearerToken != "" {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+ep.bearerToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp := make(chan whipAnswer, 1)
	select {
	case ep.offers <- whipOffer{sdp: string(body), resp: resp}:
	case <-r.Context().Done():
		return
	case <-time.After(5 * time.Second):
		http.Error(w, "no active WHIP consumer for this input", http.StatusServiceUnavailable)
		return
	}

	ans := <-resp
	if ans.err != nil {
		http.Error(w, ans.err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/sdp")
	w.Header().Set("Location", r.URL.Path)
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(ans.sdp))
}

// Run waits for WHIP offers and serves each as a PeerConnection,
// depacketizing incoming tracks into sink, until ctx is cancelled. It
// loops across reconnects, matching spec §5's "fatal input error ...
// emits EOS" only on ctx cancellation, not on an individual publisher
// disconnecting (a new publisher may reconnect to the same id).
func (ep *WHIPEndpoint) Run(ctx context.Context, sink transport.FrameSink) error {
	defer sink.MarkVideoEOS(ep.id)
	defer sink.MarkAudioEOS(ep.id)

	for {
		select {
		case <-ctx.Done():
			return nil
		case offer := <-ep.offers:
			if err := ep.serveOne(ctx, offer, sink); err != nil {
				ep.log.Warn("WHIP session ended with error", "error", err)
			}
		}
	}
}

func (ep *WHIPEndpoint) serveOne(ctx context.Context, offer whipOffer, sink transport.FrameSink) error {
	api, err := newAPI()
	if err != nil {
		offer.resp <- whipAnswer{err: err}
		return err
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		offer.resp <- whipAnswer{err: err}
		return err
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		switch track.Kind() {
		case webrtc.RTPCodecTypeVideo:
			ep.readVideoTrack(sessionCtx, pc, track, sink)
		case webrtc.RTPCodecTypeAudio:
			ep.readAudioTrack(sessionCtx, track, sink)
		}
		_ = receiver
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed ||
			state == webrtc.PeerConnectionStateDisconnected {
			cancel()
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.sdp}); err != nil {
		offer.resp <- whipAnswer{err: err}
		return err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		offer.resp <- whipAnswer{err: err}
		return err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		offer.resp <- whipAnswer{err: err}
		return err
	}
	select {
	case <-gatherComplete:
	case <-time.After(10 * time.Second):
		offer.resp <- whipAnswer{err: fmt.Errorf("ICE gathering timeout")}
		return fmt.Errorf("ICE gathering timeout")
	}

	offer.resp <- whipAnswer{sdp: pc.LocalDescription().SDP}

	<-sessionCtx.Done()
	return pc.Close()
}

// readVideoTrack depacketizes one incoming video track. Consecutive
// decode failures are treated as the jitter buffer's LostData condition
// (spec §4.6 "Failure semantics"): the depayloader has produced a
// corrupt access unit, so the gateway asks the publisher for a fresh IDR
// via RTCP PLI instead of silently degrading until the next keyframe
// happens to arrive on its own.
func (ep *WHIPEndpoint) readVideoTrack(ctx context.Context, pc *webrtc.PeerConnection, track *webrtc.TrackRemote, sink transport.FrameSink) {
	var dep rtp.H264Depacketizer
	var consecutiveFailures int
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		au, done := dep.Feed(pkt)
		if !done {
			continue
		}
		pts := rtp.RTPTimestampToPTS(pkt.Timestamp)
		keyframe := rtp.ContainsNALType(au, 5)
		frame, err := ep.decodeVideo(au, pts, keyframe)
		if err != nil {
			ep.log.Debug("video decode failed", "error", err)
			consecutiveFailures++
			if consecutiveFailures >= 3 {
				consecutiveFailures = 0
				if err := requestKeyframe(pc, webrtc.SSRC(track.SSRC())); err != nil {
					ep.log.Debug("PLI send failed", "error", err)
				}
			}
			continue
		}
		consecutiveFailures = 0
		if err := sink.PutVideoFrame(ep.id, frame); err != nil {
			return
		}
	}
}

func (ep *WHIPEndpoint) readAudioTrack(ctx context.Context, track *webrtc.TrackRemote, sink transport.FrameSink) {
	const opusFrame = 20 * time.Millisecond
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		start := rtp.RTPTimestampToPTS(pkt.Timestamp)
		end := start + media.PTS(opusFrame)
		samples, err := ep.decodeAudio(pkt.Payload, start, end)
		if err != nil {
			ep.log.Debug("audio decode failed", "error", err)
			continue
		}
		if err := sink.PutAudioSamples(ep.id, media.InputAudioSamples{StartPTS: start, EndPTS: end, Samples: samples}); err != nil {
			return
		}
	}
}

// requestKeyframe sends a PictureLossIndication to the remote peer over
// pc, the RTCP-based mechanism spec §4.6 "Keyframe forcing" describes.
func requestKeyframe(pc *webrtc.PeerConnection, ssrc webrtc.SSRC) error {
	return pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}})
}
