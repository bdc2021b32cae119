// Demuxer splits an MPEG-TS stream carrying H.264 video and AAC audio into
// access units, reusing the NAL/ADTS parsing in h264.go and aac.go against
// the packet/PSI/PES state machine in package mpegts. CEA-608/708 closed
// captions are extracted from H.264 SEI NALUs via zsiec/ccx the same way,
// surfaced on an optional side channel rather than folded into the video
// frame itself.
package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/ccx"

	"github.com/mediaforge/compositor-core/media"
	"github.com/mediaforge/compositor-core/mpegts"
	"github.com/mediaforge/compositor-core/transport"
)

const (
	streamTypeH264 = 0x1B
	streamTypeAAC  = 0x0F

	mpegtsClockRate = 90_000
)

// VideoAccessUnit is one demuxed H.264 access unit, AVCC-framed (each NAL
// unit length-prefixed), ready for a transport.VideoDecoder.
type VideoAccessUnit struct {
	PTS, DTS   media.PTS
	IsKeyframe bool
	AVCC       []byte
}

// AudioAccessUnit is one demuxed AAC frame, still ADTS-framed, ready for a
// transport.AudioDecoder.
type AudioAccessUnit struct {
	StartPTS, EndPTS media.PTS
	TrackIndex       int
	ADTS             []byte
}

// Sink receives a Demuxer's output as it parses the transport stream. Video
// and Audio are required; Caption is optional and, left nil, skips SEI
// caption extraction entirely rather than doing wasted work.
type Sink struct {
	Video   func(VideoAccessUnit) error
	Audio   func(AudioAccessUnit) error
	Caption func(*ccx.CaptionFrame)
}

// Demuxer demuxes one MPEG-TS program into H.264 access units, AAC frames,
// and (optionally) closed captions, delivered synchronously to a Sink.
type Demuxer struct {
	log  *slog.Logger
	sink Sink

	videoPID  uint16
	audioPIDs map[uint16]int

	cea608Decs map[int]*ccx.CEA608Decoder
	cea708Svcs map[int]*ccx.CEA708Service
	dtvccBuf   []byte

	videoCount      uint64
	lastCCCtrl      [2][2]byte
	lastCCWasCtrl   [2]bool
	lastCCCtrlFrame [2]uint64
}

// NewDemuxer returns a Demuxer delivering demuxed access units to sink.
func NewDemuxer(sink Sink, log *slog.Logger) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	d := &Demuxer{
		log:       log.With("component", "ts-demux"),
		sink:      sink,
		audioPIDs: make(map[uint16]int),
	}
	if sink.Caption != nil {
		d.cea608Decs = make(map[int]*ccx.CEA608Decoder, 4)
		for ch := 1; ch <= 4; ch++ {
			d.cea608Decs[ch] = ccx.NewCEA608Decoder()
		}
		d.cea708Svcs = make(map[int]*ccx.CEA708Service, 6)
		for svc := 1; svc <= 6; svc++ {
			d.cea708Svcs[svc] = ccx.NewCEA708Service()
		}
	}
	return d
}

// Run consumes r as an MPEG-TS byte stream until it's exhausted or ctx is
// cancelled, dispatching demuxed access units to the Sink as they're
// parsed. It returns nil on clean EOF or context cancellation.
func (d *Demuxer) Run(ctx context.Context, r io.Reader) error {
	dmx := mpegts.NewDemuxer(ctx, r, mpegts.DemuxerOptPacketSize(188))

	for {
		data, err := dmx.NextData()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			d.log.Debug("skipping unparseable packet group", "error", err)
			continue
		}

		switch {
		case data.PMT != nil:
			d.handlePMT(data.PMT)

		case data.PES != nil && data.FirstPacket != nil:
			pid := data.FirstPacket.Header.PID
			switch {
			case pid == d.videoPID:
				if err := d.handleVideo(data.PES); err != nil {
					return fmt.Errorf("demux: video: %w", err)
				}
			default:
				if track, ok := d.audioPIDs[pid]; ok {
					if err := d.handleAudio(data.PES, track); err != nil {
						return fmt.Errorf("demux: audio: %w", err)
					}
				}
			}
		}
	}
}

func (d *Demuxer) handlePMT(pmt *mpegts.PMTData) {
	for _, es := range pmt.ElementaryStreams {
		switch es.StreamType {
		case streamTypeH264:
			if d.videoPID == 0 {
				d.videoPID = es.ElementaryPID
				d.log.Info("found H.264 video stream", "pid", es.ElementaryPID)
			}
		case streamTypeAAC:
			if _, exists := d.audioPIDs[es.ElementaryPID]; !exists {
				idx := len(d.audioPIDs)
				d.audioPIDs[es.ElementaryPID] = idx
				d.log.Info("found AAC audio stream", "pid", es.ElementaryPID, "trackIndex", idx)
			}
		}
	}
}

func (d *Demuxer) handleVideo(pes *mpegts.PESData) error {
	if len(pes.Data) == 0 || d.sink.Video == nil {
		return nil
	}

	pts, dts := pesTimestamps(pes)

	nalus := ParseAnnexB(pes.Data)
	if len(nalus) == 0 {
		return nil
	}

	var avcc []byte
	isKeyframe := false
	for _, nalu := range nalus {
		switch {
		case nalu.Type == NALTypeAUD || nalu.Type == NALTypeFillerData:
			continue
		case IsSPS(nalu.Type), IsKeyframe(nalu.Type):
			isKeyframe = true
		case nalu.Type == NALTypeSEI:
			d.handleCaptionSEI(nalu.Data, pts)
		}
		avcc = appendLengthPrefixed(avcc, nalu.Data)
	}
	if len(avcc) == 0 {
		return nil
	}
	if isKeyframe {
		d.videoCount++
	}

	return d.sink.Video(VideoAccessUnit{PTS: pts, DTS: dts, IsKeyframe: isKeyframe, AVCC: avcc})
}

func (d *Demuxer) handleAudio(pes *mpegts.PESData, trackIndex int) error {
	if len(pes.Data) == 0 || d.sink.Audio == nil {
		return nil
	}

	pts, _ := pesTimestamps(pes)

	frames, err := ParseADTS(pes.Data)
	if err != nil {
		d.log.Warn("dropping malformed ADTS payload", "error", err)
		return nil
	}

	for _, f := range frames {
		frameDur := time.Duration(0)
		if f.SampleRate > 0 {
			frameDur = time.Second * 1024 / time.Duration(f.SampleRate)
		}
		end := pts + media.PTS(frameDur)
		if err := d.sink.Audio(AudioAccessUnit{StartPTS: pts, EndPTS: end, TrackIndex: trackIndex, ADTS: f.Data}); err != nil {
			return err
		}
		pts = end
	}
	return nil
}

func (d *Demuxer) handleCaptionSEI(seiData []byte, pts media.PTS) {
	if d.sink.Caption == nil {
		return
	}
	cd := ccx.ExtractCaptions(seiData)
	if cd == nil {
		return
	}

	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]
		f := pair.Field

		isCtrl := cc1 >= 0x10 && cc1 <= 0x1F
		if isCtrl {
			cp := [2]byte{cc1, cc2}
			frameGap := d.videoCount - d.lastCCCtrlFrame[f]
			if d.lastCCWasCtrl[f] && d.lastCCCtrl[f] == cp && frameGap <= 2 {
				d.lastCCWasCtrl[f] = false
				continue
			}
			d.lastCCCtrl[f] = cp
			d.lastCCWasCtrl[f] = true
			d.lastCCCtrlFrame[f] = d.videoCount
		} else {
			d.lastCCWasCtrl[f] = false
		}

		dec := d.cea608Decs[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			frame := &ccx.CaptionFrame{PTS: int64(pts), Text: text, Channel: pair.Channel}
			frame.Regions = dec.StyledRegions()
			d.sink.Caption(frame)
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			d.drainDTVCC(pts)
			d.dtvccBuf = d.dtvccBuf[:0]
		}
		d.dtvccBuf = append(d.dtvccBuf, t.Data[0], t.Data[1])
	}
}

func (d *Demuxer) drainDTVCC(pts media.PTS) {
	if len(d.dtvccBuf) < 1 {
		return
	}
	packetSize := ccx.DTVCCPacketSize(d.dtvccBuf[0])
	if len(d.dtvccBuf) < packetSize {
		return
	}

	for _, block := range ccx.ParseDTVCCPacket(d.dtvccBuf[:packetSize]) {
		svc := d.cea708Svcs[block.ServiceNum]
		if svc == nil {
			continue
		}
		if !svc.ProcessBlock(block.Data) {
			continue
		}
		text := svc.DisplayText()
		if text == "" {
			continue
		}
		channel := block.ServiceNum + 6
		frame := &ccx.CaptionFrame{PTS: int64(pts), Text: text, Channel: channel}
		frame.Regions = svc.StyledRegions()
		d.sink.Caption(frame)
	}
}

func pesTimestamps(pes *mpegts.PESData) (pts, dts media.PTS) {
	if pes.Header == nil || pes.Header.OptionalHeader == nil {
		return 0, 0
	}
	oh := pes.Header.OptionalHeader
	if oh.PTS != nil {
		pts = clockRefToPTS(oh.PTS.Base)
	}
	if oh.DTS != nil {
		dts = clockRefToPTS(oh.DTS.Base)
	} else {
		dts = pts
	}
	return pts, dts
}

func clockRefToPTS(base int64) media.PTS {
	return media.PTS(time.Duration(base) * time.Second / mpegtsClockRate)
}

func appendLengthPrefixed(dst []byte, nalu []byte) []byte {
	n := len(nalu)
	dst = append(dst, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	return append(dst, nalu...)
}

// videoDecoderSink adapts a Demuxer's Video/Audio callbacks to a
// transport.FrameSink for a single input, decoding each access unit via the
// injected transport.VideoDecoder/AudioDecoder before handing the result to
// the pipeline orchestrator. Used by transport/srt, which has no transport
// of its own beyond "MPEG-TS arrived on this io.Reader".
type videoDecoderSink struct {
	id          media.InputID
	decodeVideo transport.VideoDecoder
	decodeAudio transport.AudioDecoder
	sink        transport.FrameSink
	log         *slog.Logger
}

// NewFrameSinkAdapter builds a demux.Sink that decodes access units via
// decodeVideo/decodeAudio and forwards the result to dst under id. If dst
// also implements transport.CaptionSink, decoded caption lines are
// forwarded there too; otherwise caption extraction is skipped entirely.
func NewFrameSinkAdapter(id media.InputID, decodeVideo transport.VideoDecoder, decodeAudio transport.AudioDecoder, dst transport.FrameSink, log *slog.Logger) Sink {
	if log == nil {
		log = slog.Default()
	}
	vs := &videoDecoderSink{id: id, decodeVideo: decodeVideo, decodeAudio: decodeAudio, sink: dst, log: log.With("component", "demux-sink", "input", id)}

	var onCaption func(*ccx.CaptionFrame)
	if cs, ok := dst.(transport.CaptionSink); ok {
		onCaption = func(f *ccx.CaptionFrame) {
			cs.PutCaption(id, media.Caption{PTS: media.PTS(f.PTS), Channel: f.Channel, Text: f.Text})
		}
	}

	return Sink{
		Video:   vs.putVideo,
		Audio:   vs.putAudio,
		Caption: onCaption,
	}
}

func (vs *videoDecoderSink) putVideo(au VideoAccessUnit) error {
	frame, err := vs.decodeVideo(au.AVCC, au.PTS, au.IsKeyframe)
	if err != nil {
		vs.log.Warn("video decode failed, dropping access unit", "error", err)
		return nil
	}
	return vs.sink.PutVideoFrame(vs.id, frame)
}

func (vs *videoDecoderSink) putAudio(au AudioAccessUnit) error {
	samples, err := vs.decodeAudio(au.ADTS, au.StartPTS, au.EndPTS)
	if err != nil {
		vs.log.Warn("audio decode failed, dropping frame", "error", err)
		return nil
	}
	return vs.sink.PutAudioSamples(vs.id, samples)
}
