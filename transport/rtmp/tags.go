package rtmp

import (
	"fmt"
	"time"

	"github.com/mediaforge/compositor-core/h264util"
	"github.com/mediaforge/compositor-core/media"
)

// Video/audio message payloads carry the same tag-body layout FLV files
// use for their VIDEODATA/AUDIODATA tags (RTMP predates FLV-as-a-file and
// the two share an encoder lineage), so this is the FLV tag grammar, not
// anything RTMP-specific on top of it.
const (
	frameTypeKey   = 1
	codecIDAVC     = 7
	avcPacketSeq   = 0
	avcPacketNALU  = 1
	soundFormatAAC = 10
	aacPacketSeq   = 0
	aacPacketRaw   = 1
)

// videoTrack holds the decoder-config state a video message needs across
// calls: the SPS/PPS pulled from the AVCDecoderConfigurationRecord
// ("sequence header"), re-prepended to every keyframe access unit since
// RTMP/FLV, unlike MPEG-TS, sends that record exactly once up front rather
// than inline per GOP.
type videoTrack struct {
	sps, pps []byte
}

// parseVideoMessage extracts one decoded access unit from a Video Data
// message payload. ok is false for a sequence-header-only message (no
// frame data, just parameter sets recorded into vt) or an end-of-sequence
// marker.
func (vt *videoTrack) parseVideoMessage(payload []byte, timestamp uint32) (avcc []byte, pts media.PTS, keyframe bool, ok bool, err error) {
	if len(payload) < 5 {
		return nil, 0, false, false, fmt.Errorf("rtmp: video message too short (%d bytes)", len(payload))
	}
	frameType := payload[0] >> 4
	codecID := payload[0] & 0x0f
	if codecID != codecIDAVC {
		return nil, 0, false, false, fmt.Errorf("rtmp: unsupported video codec ID %d (only AVC/H.264 is supported)", codecID)
	}
	packetType := payload[1]
	cts := int32(payload[2])<<16 | int32(payload[3])<<8 | int32(payload[4])
	cts = signExtend24(cts)
	body := payload[5:]

	switch packetType {
	case avcPacketSeq:
		sps, pps, perr := h264util.ParseAVCDecoderConfig(body)
		if perr != nil {
			return nil, 0, false, false, perr
		}
		vt.sps, vt.pps = sps, pps
		return nil, 0, false, false, nil

	case avcPacketNALU:
		keyframe = frameType == frameTypeKey
		out := body
		if keyframe && len(vt.sps) > 0 && len(vt.pps) > 0 {
			out = make([]byte, 0, len(vt.sps)+len(vt.pps)+len(body))
			out = h264util.AppendAVCCNAL(out, vt.sps)
			out = h264util.AppendAVCCNAL(out, vt.pps)
			out = append(out, body...)
		}
		pts = media.PTS(time.Duration(int64(timestamp)+int64(cts)) * time.Millisecond)
		return out, pts, keyframe, true, nil

	default:
		return nil, 0, false, false, nil // end-of-sequence, nothing to decode
	}
}

func signExtend24(v int32) int32 {
	if v&0x800000 != 0 {
		return v | ^int32(0xffffff)
	}
	return v
}

// parseAudioMessage extracts the raw AAC payload from an Audio Data
// message. Unlike demux.Demuxer's MPEG-TS path, RTMP/FLV audio carries
// bare AAC frames with no ADTS header (the AudioSpecificConfig arrives
// once, in the sequence-header message; audioTrack parses it for the
// sample rate needed to compute each frame's end PTS, but nothing
// downstream needs the raw config itself: the transport.AudioDecoder this
// package's Source is constructed with must be one built for this
// transport's raw framing, not the ADTS one demux.NewFrameSinkAdapter
// assumes).
type audioTrack struct {
	sampleRate int
}

// aacSamplesPerFrame is fixed by the AAC-LC frame structure RTMP/FLV
// encoders use; only HE-AAC (SBR) doubles the effective rate, which this
// transport doesn't attempt to detect.
const aacSamplesPerFrame = 1024

// aacSampleRates is the MPEG-4 samplingFrequencyIndex table (ISO/IEC
// 14496-3), indexed 0-12; index 15 (explicit frequency) isn't handled, no
// encoder in this pack's corpus emits it.
var aacSampleRates = [13]int{96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050, 16000, 12000, 11025, 8000, 7350}

func parseAudioSpecificConfig(b []byte) (sampleRate int, err error) {
	if len(b) < 2 {
		return 0, fmt.Errorf("rtmp: AudioSpecificConfig too short")
	}
	freqIdx := (b[0]&0x07)<<1 | b[1]>>7
	if int(freqIdx) >= len(aacSampleRates) {
		return 0, fmt.Errorf("rtmp: AudioSpecificConfig: unsupported sampling frequency index %d", freqIdx)
	}
	return aacSampleRates[freqIdx], nil
}

// parseAudioMessage extracts one raw AAC frame from an Audio Data message,
// spanning [startPTS, endPTS). ok is false for a sequence-header-only
// message (the AudioSpecificConfig, recorded into at.sampleRate).
func (at *audioTrack) parseAudioMessage(payload []byte, timestamp uint32) (raw []byte, startPTS, endPTS media.PTS, ok bool, err error) {
	if len(payload) < 1 {
		return nil, 0, 0, false, fmt.Errorf("rtmp: audio message empty")
	}
	soundFormat := payload[0] >> 4
	if soundFormat != soundFormatAAC {
		return nil, 0, 0, false, fmt.Errorf("rtmp: unsupported audio format %d (only AAC is supported)", soundFormat)
	}
	if len(payload) < 2 {
		return nil, 0, 0, false, fmt.Errorf("rtmp: AAC audio message missing packet type")
	}
	packetType := payload[1]
	if packetType == aacPacketSeq {
		rate, cerr := parseAudioSpecificConfig(payload[2:])
		if cerr != nil {
			return nil, 0, 0, false, cerr
		}
		at.sampleRate = rate
		return nil, 0, 0, false, nil
	}

	rate := at.sampleRate
	if rate == 0 {
		rate = 48000 // no sequence header seen yet; a reasonable default until one arrives
	}
	startPTS = media.PTS(time.Duration(timestamp) * time.Millisecond)
	endPTS = startPTS + media.PTS(time.Duration(aacSamplesPerFrame)*time.Second/time.Duration(rate))
	return payload[2:], startPTS, endPTS, true, nil
}
