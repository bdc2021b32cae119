// Package rtp implements the plain RTP/UDP transport input and output
// named in spec §6 External Interfaces: one UDP socket carrying H.264 RTP
// packets in, one carrying packetized chunks out, with RTCP receiver
// reports sampled into a loss percentage the pipeline orchestrator's
// packet-loss feedback hook can consume.
//
// Grounded on gtfodev-camsRelay's pkg/rtp/h264.go (FU-A/STAP-A
// depacketization into AVC-framed NAL accumulation) and pkg/bridge/
// bridge.go (pion/rtp H264Payloader packetization, pion/rtcp RTCP
// receiver-report reading), adapted from that package's WebRTC track
// writer to a bare net.PacketConn since this transport has no ICE/DTLS
// layer of its own.
package rtp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	pionrtcp "github.com/pion/rtcp"
	pionrtp "github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/mediaforge/compositor-core/clock"
	"github.com/mediaforge/compositor-core/h264util"
	"github.com/mediaforge/compositor-core/media"
	"github.com/mediaforge/compositor-core/transport"
)

// clockRateVideo is the standard RTP clock rate for H.264 (90 kHz),
// fixed by RFC 6184 rather than negotiated.
const clockRateVideo = 90_000

const (
	naluTypeIDR   = 5
	naluTypeSPS   = 7
	naluTypePPS   = 8
	naluTypeSTAPA = 24
	naluTypeFUA   = 28
)

// H264Depacketizer reassembles FU-A/STAP-A/single-NALU H.264 RTP payloads
// into complete AVCC-framed access units, one per marked packet. It holds
// no socket of its own so transport/webrtc's OnTrack handlers can reuse it
// against a *webrtc.TrackRemote the same way Source uses it against a
// net.PacketConn.
type H264Depacketizer struct {
	fuBuf      []byte
	accessUnit []byte
	sps, pps   []byte
}

// Feed processes one RTP packet, returning the completed AVCC access unit
// and true once a marked packet closes it out.
func (d *H264Depacketizer) Feed(pkt *pionrtp.Packet) ([]byte, bool) {
	nalus, done := d.depacketize(pkt)
	for _, nalu := range nalus {
		d.accessUnit = append(d.accessUnit, lengthPrefix(nalu)...)
		d.accessUnit = append(d.accessUnit, nalu...)
	}
	if !(done && pkt.Marker && len(d.accessUnit) > 0) {
		return nil, false
	}
	au := d.accessUnit
	d.accessUnit = nil
	return au, true
}

func (d *H264Depacketizer) depacketize(pkt *pionrtp.Packet) ([][]byte, bool) {
	if len(pkt.Payload) == 0 {
		return nil, true
	}
	naluType := pkt.Payload[0] & 0x1F

	switch naluType {
	case naluTypeFUA:
		if len(pkt.Payload) < 2 {
			return nil, true
		}
		fuIndicator, fuHeader := pkt.Payload[0], pkt.Payload[1]
		start := fuHeader&0x80 != 0
		end := fuHeader&0x40 != 0
		frag := pkt.Payload[2:]

		if start {
			d.fuBuf = append(d.fuBuf[:0], (fuIndicator&0xE0)|(fuHeader&0x1F))
		}
		d.fuBuf = append(d.fuBuf, frag...)
		if !end {
			return nil, false
		}
		nalu := append([]byte(nil), d.fuBuf...)
		d.rememberParamSets(nalu)
		return [][]byte{nalu}, true

	case naluTypeSTAPA:
		payload := pkt.Payload[1:]
		var units [][]byte
		for len(payload) > 2 {
			size := int(payload[0])<<8 | int(payload[1])
			payload = payload[2:]
			if size > len(payload) {
				break
			}
			nalu := append([]byte(nil), payload[:size]...)
			d.rememberParamSets(nalu)
			units = append(units, nalu)
			payload = payload[size:]
		}
		return units, true

	default:
		nalu := append([]byte(nil), pkt.Payload...)
		d.rememberParamSets(nalu)
		return [][]byte{nalu}, true
	}
}

func (d *H264Depacketizer) rememberParamSets(nalu []byte) {
	switch nalu[0] & 0x1F {
	case naluTypeSPS:
		d.sps = append([]byte(nil), nalu...)
	case naluTypePPS:
		d.pps = append([]byte(nil), nalu...)
	}
}

// ContainsNALType reports whether the AVCC-framed access unit contains a
// NAL unit of the given type.
func ContainsNALType(avcc []byte, naluType byte) bool { return containsNALType(avcc, naluType) }

// RTPTimestampToPTS converts a 90 kHz H.264 RTP timestamp into a media.PTS.
func RTPTimestampToPTS(rtpTS uint32) media.PTS {
	return clock.PTS(time.Duration(rtpTS) * time.Second / clockRateVideo)
}

// PTSToRTPTimestamp is RTPTimestampToPTS's inverse, used by senders.
func PTSToRTPTimestamp(pts media.PTS) uint32 {
	return uint32(time.Duration(pts) * clockRateVideo / time.Second)
}

// Source receives H.264-over-RTP on a UDP socket, reassembles complete
// access units (AVCC-framed, via H264Depacketizer), hands each to a pluggable
// transport.VideoDecoder, and delivers the result to the orchestrator's
// transport.FrameSink.
type Source struct {
	id     media.InputID
	laddr  string
	decode transport.VideoDecoder
	log    *slog.Logger
}

// NewSource returns an RTP Source listening on laddr (host:port) for
// video addressed to id. decode turns each reassembled AVCC access unit
// into a decoded media.Frame; codec decode itself is out of scope, so the
// caller supplies it (mirroring how pipeline.OutputOptions.VideoTransformer
// supplies the reverse, encode, direction).
func NewSource(id media.InputID, laddr string, decode transport.VideoDecoder, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{id: id, laddr: laddr, decode: decode, log: log.With("component", "rtp-source", "input", id)}
}

// Run listens until ctx is cancelled, depacketizing H.264 RTP into frames.
func (s *Source) Run(ctx context.Context, sink transport.FrameSink) error {
	conn, err := net.ListenPacket("udp", s.laddr)
	if err != nil {
		return fmt.Errorf("rtp: listen %s: %w", s.laddr, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var dep H264Depacketizer
	buf := make([]byte, 1500)

	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				sink.MarkVideoEOS(s.id)
				return nil
			}
			return fmt.Errorf("rtp: read: %w", err)
		}

		pkt := &pionrtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.log.Debug("malformed RTP packet", "error", err)
			continue
		}

		accessUnit, done := dep.Feed(pkt)
		if !done {
			continue
		}

		pts := RTPTimestampToPTS(pkt.Timestamp)
		keyframe := ContainsNALType(accessUnit, naluTypeIDR)
		frame, err := s.decode(accessUnit, pts, keyframe)
		if err != nil {
			s.log.Warn("decode failed, dropping access unit", "error", err)
			continue
		}
		if err := sink.PutVideoFrame(s.id, frame); err != nil {
			return err
		}
	}
}

func containsNALType(avcc []byte, naluType byte) bool {
	i := 0
	for i+4 <= len(avcc) {
		n := int(avcc[i])<<24 | int(avcc[i+1])<<16 | int(avcc[i+2])<<8 | int(avcc[i+3])
		i += 4
		if i+n > len(avcc) {
			return false
		}
		if n > 0 && avcc[i]&0x1F == naluType {
			return true
		}
		i += n
	}
	return false
}

func lengthPrefix(nalu []byte) []byte {
	n := len(nalu)
	return []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}

// PacketLossSampler reads the cumulative lost/sent packet counts for use
// with pipeline.OutputOptions.PacketLoss, satisfying that hook's
// func() (lost, sent uint64) shape.
type PacketLossSampler = func() (lost, sent uint64)

// Sink packetizes encoded H.264 chunks into RTP and writes them to a UDP
// remote, reading RTCP receiver reports back on the same socket to
// maintain a running lost/sent counter for PacketLossSampler.
type Sink struct {
	conn      net.Conn
	payloader *codecs.H264Payloader
	ssrc      uint32
	seq       uint16
	log       *slog.Logger

	lost, sent uint64
}

// NewSink dials raddr (host:port) over UDP and returns a Sink ready to
// packetize and send chunks.
func NewSink(raddr string, ssrc uint32, log *slog.Logger) (*Sink, error) {
	conn, err := net.Dial("udp", raddr)
	if err != nil {
		return nil, fmt.Errorf("rtp: dial %s: %w", raddr, err)
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Sink{conn: conn, payloader: &codecs.H264Payloader{}, ssrc: ssrc, log: log.With("component", "rtp-sink")}
	go s.readRTCP()
	return s, nil
}

const rtpMTU = 1200

// WriteChunk splits the chunk's AVCC payload into NAL units and fragments
// each into MTU-sized RTP packets via pion's H264Payloader.
func (s *Sink) WriteChunk(c media.EncodedChunk) error {
	nalus, err := splitAVCC(c.Data)
	if err != nil {
		return fmt.Errorf("rtp sink: %w", err)
	}
	ts := PTSToRTPTimestamp(c.PTS)

	for naluIdx, nalu := range nalus {
		payloads := s.payloader.Payload(rtpMTU, nalu)
		for i, payload := range payloads {
			pkt := &pionrtp.Packet{
				Header: pionrtp.Header{
					Version:        2,
					PayloadType:    96,
					SequenceNumber: s.seq,
					Timestamp:      ts,
					SSRC:           s.ssrc,
					Marker:         naluIdx == len(nalus)-1 && i == len(payloads)-1,
				},
				Payload: payload,
			}
			s.seq++
			b, err := pkt.Marshal()
			if err != nil {
				return err
			}
			if _, err := s.conn.Write(b); err != nil {
				return fmt.Errorf("rtp sink: write: %w", err)
			}
			s.sent++
		}
	}
	return nil
}

func (s *Sink) Close() error { return s.conn.Close() }

// Sample implements PacketLossSampler against the receiver reports
// accumulated by readRTCP.
func (s *Sink) Sample() (lost, sent uint64) { return s.lost, s.sent }

func (s *Sink) readRTCP() {
	buf := make([]byte, 1500)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			return
		}
		pkts, err := pionrtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, p := range pkts {
			rr, ok := p.(*pionrtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, rep := range rr.Reports {
				if rep.SSRC == s.ssrc {
					s.lost = uint64(rep.TotalLost)
				}
			}
		}
	}
}

func splitAVCC(data []byte) ([][]byte, error) {
	annexB, err := h264util.AVCCToAnnexB(data)
	if err != nil {
		return nil, err
	}
	return h264util.SplitAnnexB(annexB), nil
}
