package h264util

import (
	"encoding/binary"
	"fmt"
)

// ParseAVCDecoderConfig extracts the first SPS and first PPS NAL unit
// (each including its NAL header byte) from an AVCDecoderConfigurationRecord
// (ISO/IEC 14496-15 §5.2.4.1.1), the "sequence header" RTMP sends once per
// stream and the form MP4's avcC sample-entry box carries verbatim.
func ParseAVCDecoderConfig(b []byte) (sps, pps []byte, err error) {
	if len(b) < 6 {
		return nil, nil, fmt.Errorf("h264util: AVCDecoderConfigurationRecord too short")
	}
	numSPS := int(b[5] & 0x1f)
	i := 6
	for n := 0; n < numSPS; n++ {
		if i+2 > len(b) {
			return nil, nil, fmt.Errorf("h264util: AVCDecoderConfigurationRecord: truncated SPS length")
		}
		l := int(binary.BigEndian.Uint16(b[i : i+2]))
		i += 2
		if i+l > len(b) {
			return nil, nil, fmt.Errorf("h264util: AVCDecoderConfigurationRecord: truncated SPS data")
		}
		if n == 0 {
			sps = append([]byte(nil), b[i:i+l]...)
		}
		i += l
	}
	if i >= len(b) {
		return sps, nil, fmt.Errorf("h264util: AVCDecoderConfigurationRecord: missing PPS count")
	}
	numPPS := int(b[i])
	i++
	for n := 0; n < numPPS; n++ {
		if i+2 > len(b) {
			return nil, nil, fmt.Errorf("h264util: AVCDecoderConfigurationRecord: truncated PPS length")
		}
		l := int(binary.BigEndian.Uint16(b[i : i+2]))
		i += 2
		if i+l > len(b) {
			return nil, nil, fmt.Errorf("h264util: AVCDecoderConfigurationRecord: truncated PPS data")
		}
		if n == 0 {
			pps = append([]byte(nil), b[i:i+l]...)
		}
		i += l
	}
	return sps, pps, nil
}

// BuildAVCDecoderConfig builds an AVCDecoderConfigurationRecord from one
// SPS and one PPS NAL unit (each including its NAL header byte), the
// inverse of ParseAVCDecoderConfig. Grounded on internal/moq/format.go's
// BuildAVCDecoderConfig, adapted here as a shared helper for both
// transport/rtmp's inbound parsing and transport/mp4's avcC box output
// rather than a MoQ-catalog-specific one-off.
func BuildAVCDecoderConfig(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 {
		return nil, fmt.Errorf("h264util: SPS too short to build AVCDecoderConfigurationRecord")
	}
	if len(pps) == 0 {
		return nil, fmt.Errorf("h264util: PPS required to build AVCDecoderConfigurationRecord")
	}

	buf := make([]byte, 0, 11+len(sps)+len(pps))
	buf = append(buf, 1)      // configurationVersion
	buf = append(buf, sps[1]) // AVCProfileIndication
	buf = append(buf, sps[2]) // profile_compatibility
	buf = append(buf, sps[3]) // AVCLevelIndication
	buf = append(buf, 0xFF)   // reserved(6)=111111, lengthSizeMinusOne(2)=11 (4-byte lengths)
	buf = append(buf, 0xE1)   // reserved(3)=111, numOfSequenceParameterSets(5)=1

	buf = append(buf, byte(len(sps)>>8), byte(len(sps)))
	buf = append(buf, sps...)

	buf = append(buf, 1) // numOfPictureParameterSets
	buf = append(buf, byte(len(pps)>>8), byte(len(pps)))
	buf = append(buf, pps...)

	return buf, nil
}

// AppendAVCCNAL appends nalu to dst in AVCC form: a 4-byte big-endian
// length prefix followed by the NAL unit itself, the framing both
// transport/rtmp (re-attaching SPS/PPS ahead of a keyframe) and
// transport/mp4 (same, reading samples already stored in AVCC form)
// need to prepend parameter sets.
func AppendAVCCNAL(dst, nalu []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(nalu)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, nalu...)
}
