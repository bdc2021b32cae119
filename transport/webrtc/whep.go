// WHEP egress (server) and WHEP ingest (client) halves of the Gateway,
// completing the "symmetrical" output protocol set spec §6 describes:
// every input protocol WHEP names ({endpoint_url, bearer_token?}, pulling
// a remote peer's media in) has an output mirror here (serving viewers who
// pull this compositor's output), built against the same non-trickle
// offer/answer idiom whip.go uses, since both sides already wait for
// ICE gathering to complete before exchanging SDP.
package webrtc

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"

	"github.com/mediaforge/compositor-core/h264util"
	"github.com/mediaforge/compositor-core/media"
	"github.com/mediaforge/compositor-core/transport"
	"github.com/mediaforge/compositor-core/transport/rtp"
)

const whepRTPMTU = 1200

// WHEPEndpoint is one registered output's WHEP egress seam: it satisfies
// transport.ChunkSink, fanning out every encoded chunk to every viewer
// currently subscribed at /whep/<id>.
type WHEPEndpoint struct {
	id  media.OutputID
	log *slog.Logger

	mu   sync.Mutex
	subs map[string]*whepSubscriber
}

type whepSubscriber struct {
	pc    *webrtc.PeerConnection
	video *webrtc.TrackLocalStaticRTP
	audio *webrtc.TrackLocalStaticRTP

	videoPayloader       *codecs.H264Payloader
	videoSeq, audioSeq   uint16
	ssrcVideo, ssrcAudio uint32
}

// OutputEndpoint registers a WHEP egress endpoint at /whep/<id> and returns
// the transport.ChunkSink the orchestrator registers as that output's Sink.
func (g *Gateway) OutputEndpoint(id media.OutputID, log *slog.Logger) *WHEPEndpoint {
	if log == nil {
		log = slog.Default()
	}
	ep := &WHEPEndpoint{
		id:   id,
		log:  log.With("component", "whep-endpoint", "output", id),
		subs: make(map[string]*whepSubscriber),
	}
	g.mu.Lock()
	g.outputs[string(id)] = ep
	g.mu.Unlock()
	return ep
}

func (g *Gateway) handleWHEP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/whep/")
	parts := strings.SplitN(path, "/", 3)

	g.mu.Lock()
	ep, ok := g.outputs[parts[0]]
	g.mu.Unlock()
	if !ok {
		http.Error(w, "unknown WHEP endpoint", http.StatusNotFound)
		return
	}

	switch {
	case r.Method == http.MethodPost && len(parts) == 1:
		ep.handleSubscribe(w, r, g.iceServers())
	case r.Method == http.MethodPatch && len(parts) == 3 && parts[1] == "sessions":
		ep.handleAnswer(w, r, parts[2])
	case r.Method == http.MethodDelete && len(parts) == 3 && parts[1] == "sessions":
		ep.handleTeardown(w, parts[2])
	default:
		http.Error(w, "unsupported WHEP request", http.StatusMethodNotAllowed)
	}
}

// handleSubscribe creates one viewer's PeerConnection, attaches sendonly
// video/audio tracks, and returns the server-generated offer — the
// direction WHEP reverses from WHIP, since here the server holds the
// media and the viewer only answers.
func (ep *WHEPEndpoint) handleSubscribe(w http.ResponseWriter, r *http.Request, ice []webrtc.ICEServer) {
	api, err := newAPI()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	videoTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000}, "video", "compositor")
	if err != nil {
		pc.Close()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	audioTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", "compositor")
	if err != nil {
		pc.Close()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if _, err := pc.AddTrack(videoTrack); err != nil {
		pc.Close()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if _, err := pc.AddTrack(audioTrack); err != nil {
		pc.Close()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	select {
	case <-gatherComplete:
	case <-time.After(10 * time.Second):
		pc.Close()
		http.Error(w, "ICE gathering timeout", http.StatusInternalServerError)
		return
	}

	sid, err := newSessionID()
	if err != nil {
		pc.Close()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sub := &whepSubscriber{
		pc: pc, video: videoTrack, audio: audioTrack,
		videoPayloader: &codecs.H264Payloader{},
		ssrcVideo:      randSSRC(), ssrcAudio: randSSRC(),
	}

	ep.mu.Lock()
	ep.subs[sid] = sub
	ep.mu.Unlock()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed ||
			state == webrtc.PeerConnectionStateDisconnected {
			ep.mu.Lock()
			delete(ep.subs, sid)
			ep.mu.Unlock()
			pc.Close()
		}
	})

	w.Header().Set("Content-Type", "application/sdp")
	w.Header().Set("Location", fmt.Sprintf("/whep/%s/sessions/%s", ep.id, sid))
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(pc.LocalDescription().SDP))
}

func (ep *WHEPEndpoint) handleAnswer(w http.ResponseWriter, r *http.Request, sid string) {
	ep.mu.Lock()
	sub, ok := ep.subs[sid]
	ep.mu.Unlock()
	if !ok {
		http.Error(w, "unknown WHEP session", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := sub.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(body)}); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (ep *WHEPEndpoint) handleTeardown(w http.ResponseWriter, sid string) {
	ep.mu.Lock()
	sub, ok := ep.subs[sid]
	delete(ep.subs, sid)
	ep.mu.Unlock()
	if ok {
		sub.pc.Close()
	}
	w.WriteHeader(http.StatusOK)
}

// WriteChunk implements transport.ChunkSink, packetizing c onto every
// subscribed viewer's track. One subscriber's write failure (a torn-down
// peer connection racing this call) is logged, not propagated — the
// orchestrator's output loop keeps running for the remaining viewers.
func (ep *WHEPEndpoint) WriteChunk(c media.EncodedChunk) error {
	ep.mu.Lock()
	subs := make([]*whepSubscriber, 0, len(ep.subs))
	for _, s := range ep.subs {
		subs = append(subs, s)
	}
	ep.mu.Unlock()

	for _, sub := range subs {
		if err := sub.write(c); err != nil {
			ep.log.Debug("subscriber write failed", "error", err)
		}
	}
	return nil
}

func (ep *WHEPEndpoint) Close() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	for sid, sub := range ep.subs {
		sub.pc.Close()
		delete(ep.subs, sid)
	}
	return nil
}

func (s *whepSubscriber) write(c media.EncodedChunk) error {
	switch c.Kind {
	case media.ChunkKindVideo:
		return s.writeVideo(c)
	case media.ChunkKindAudio:
		return s.writeAudio(c)
	}
	return nil
}

func (s *whepSubscriber) writeVideo(c media.EncodedChunk) error {
	annexB, err := h264util.AVCCToAnnexB(c.Data)
	if err != nil {
		return fmt.Errorf("whep subscriber: %w", err)
	}
	nalus := h264util.SplitAnnexB(annexB)
	ts := rtp.PTSToRTPTimestamp(c.PTS)

	for naluIdx, nalu := range nalus {
		payloads := s.videoPayloader.Payload(whepRTPMTU, nalu)
		for i, payload := range payloads {
			pkt := &pionrtp.Packet{
				Header: pionrtp.Header{
					Version:        2,
					PayloadType:    96,
					SequenceNumber: s.videoSeq,
					Timestamp:      ts,
					SSRC:           s.ssrcVideo,
					Marker:         naluIdx == len(nalus)-1 && i == len(payloads)-1,
				},
				Payload: payload,
			}
			s.videoSeq++
			if err := s.video.WriteRTP(pkt); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *whepSubscriber) writeAudio(c media.EncodedChunk) error {
	pkt := &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: s.audioSeq,
			Timestamp:      rtp.PTSToRTPTimestamp(c.PTS),
			SSRC:           s.ssrcAudio,
			Marker:         true,
		},
		Payload: c.Data,
	}
	s.audioSeq++
	return s.audio.WriteRTP(pkt)
}

func randSSRC() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func newSessionID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// WHEPClient pulls a remote WHEP server's media as one of this
// compositor's own inputs, per spec §6's WHEP input option
// ({endpoint_url, bearer_token?}). It implements transport.FrameSource the
// same way WHIPEndpoint does, but initiates the HTTP exchange itself
// instead of waiting on one.
type WHEPClient struct {
	id          media.InputID
	endpointURL string
	bearerToken string
	decodeVideo transport.VideoDecoder
	decodeAudio transport.AudioDecoder
	iceServers  []webrtc.ICEServer
	log         *slog.Logger
}

// NewWHEPClient returns a WHEPClient that will pull endpointURL once Run
// is started.
func NewWHEPClient(id media.InputID, endpointURL, bearerToken string, decodeVideo transport.VideoDecoder, decodeAudio transport.AudioDecoder, iceServer string, log *slog.Logger) *WHEPClient {
	if log == nil {
		log = slog.Default()
	}
	var ice []webrtc.ICEServer
	if iceServer != "" {
		ice = []webrtc.ICEServer{{URLs: []string{iceServer}}}
	}
	return &WHEPClient{
		id: id, endpointURL: endpointURL, bearerToken: bearerToken,
		decodeVideo: decodeVideo, decodeAudio: decodeAudio, iceServers: ice,
		log: log.With("component", "whep-client", "input", id),
	}
}

// Run pulls endpointURL until ctx is cancelled, reconnecting on session
// failure the same way WHIPEndpoint.Run tolerates a reconnecting
// publisher, since the remote WHEP server may itself restart.
func (c *WHEPClient) Run(ctx context.Context, sink transport.FrameSink) error {
	defer sink.MarkVideoEOS(c.id)
	defer sink.MarkAudioEOS(c.id)

	for {
		if err := c.pullOnce(ctx, sink); err != nil {
			c.log.Warn("WHEP session ended", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func (c *WHEPClient) pullOnce(ctx context.Context, sink transport.FrameSink) error {
	offerSDP, location, err := c.fetchOffer(ctx)
	if err != nil {
		return err
	}

	api, err := newAPI()
	if err != nil {
		return err
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: c.iceServers})
	if err != nil {
		return err
	}
	defer pc.Close()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		switch track.Kind() {
		case webrtc.RTPCodecTypeVideo:
			c.readVideoTrack(sessionCtx, pc, track, sink)
		case webrtc.RTPCodecTypeAudio:
			c.readAudioTrack(sessionCtx, track, sink)
		}
		_ = receiver
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed ||
			state == webrtc.PeerConnectionStateDisconnected {
			cancel()
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		return err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return err
	}
	select {
	case <-gatherComplete:
	case <-time.After(10 * time.Second):
		return errors.New("whep client: ICE gathering timeout")
	}

	if err := c.sendAnswer(ctx, location, pc.LocalDescription().SDP); err != nil {
		return err
	}

	<-sessionCtx.Done()
	return nil
}

func (c *WHEPClient) fetchOffer(ctx context.Context) (sdp, location string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Accept", "application/sdp")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", "", fmt.Errorf("whep client: unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", err
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", "", errors.New("whep client: response missing Location header")
	}
	resolved, err := resolveLocation(c.endpointURL, loc)
	if err != nil {
		return "", "", err
	}
	return string(body), resolved, nil
}

func (c *WHEPClient) sendAnswer(ctx context.Context, location, sdp string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, location, strings.NewReader(sdp))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/sdp")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("whep client: answer rejected, status %s", resp.Status)
	}
	return nil
}

func resolveLocation(base, location string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(ref).String(), nil
}

func (c *WHEPClient) readVideoTrack(ctx context.Context, pc *webrtc.PeerConnection, track *webrtc.TrackRemote, sink transport.FrameSink) {
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
		frame, err := c.decodeVideo(au, pts, keyframe)
		if err != nil {
			c.log.Debug("video decode failed", "error", err)
			consecutiveFailures++
			if consecutiveFailures >= 3 {
				consecutiveFailures = 0
				if err := requestKeyframe(pc, webrtc.SSRC(track.SSRC())); err != nil {
					c.log.Debug("PLI send failed", "error", err)
				}
			}
			continue
		}
		consecutiveFailures = 0
		if err := sink.PutVideoFrame(c.id, frame); err != nil {
			return
		}
	}
}

func (c *WHEPClient) readAudioTrack(ctx context.Context, track *webrtc.TrackRemote, sink transport.FrameSink) {
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
		samples, err := c.decodeAudio(pkt.Payload, start, end)
		if err != nil {
			c.log.Debug("audio decode failed", "error", err)
			continue
		}
		if err := sink.PutAudioSamples(c.id, media.InputAudioSamples{StartPTS: start, EndPTS: end, Samples: samples}); err != nil {
			return
		}
	}
}
