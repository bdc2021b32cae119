package mp4

import "fmt"

// MPEG-4 descriptor tags (ISO/IEC 14496-1 §7.2.6.1) relevant to pulling an
// AAC track's AudioSpecificConfig out of its `esds` box.
const (
	descTagES                = 0x03
	descTagDecoderConfig      = 0x04
	descTagDecoderSpecificCfg = 0x05
)

// parseESDSAudioConfig walks an esds box's ES_Descriptor ->
// DecoderConfigDescriptor -> DecoderSpecificInfo chain and returns the
// raw AudioSpecificConfig bytes (the form both demuxed RTMP/MP4 AAC
// tracks otherwise lack, since that header rides out-of-band exactly
// like H.264's SPS/PPS does).
func parseESDSAudioConfig(body []byte) ([]byte, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("mp4: esds box too short")
	}
	data := body[4:] // skip version/flags

	tag, content, _, err := readDescriptor(data)
	if err != nil {
		return nil, fmt.Errorf("mp4: esds: %w", err)
	}
	if tag != descTagES {
		return nil, fmt.Errorf("mp4: esds: expected ES_Descriptor (0x03), got 0x%02x", tag)
	}
	if len(content) < 3 {
		return nil, fmt.Errorf("mp4: esds: ES_Descriptor too short")
	}

	flags := content[2]
	i := 3
	if flags&0x80 != 0 { // streamDependenceFlag
		i += 2
	}
	if flags&0x40 != 0 { // URL_Flag
		if i >= len(content) {
			return nil, fmt.Errorf("mp4: esds: truncated URL length")
		}
		urlLen := int(content[i])
		i += 1 + urlLen
	}
	if flags&0x20 != 0 { // OCRstreamFlag
		i += 2
	}
	if i > len(content) {
		return nil, fmt.Errorf("mp4: esds: ES_Descriptor header overruns content")
	}

	tag, content, _, err = readDescriptor(content[i:])
	if err != nil {
		return nil, fmt.Errorf("mp4: esds: %w", err)
	}
	if tag != descTagDecoderConfig {
		return nil, fmt.Errorf("mp4: esds: expected DecoderConfigDescriptor (0x04), got 0x%02x", tag)
	}
	const decoderConfigFixedFields = 13 // objectTypeIndication+streamType/upStream/reserved+bufferSizeDB(3)+maxBitrate(4)+avgBitrate(4)
	if len(content) < decoderConfigFixedFields {
		return nil, fmt.Errorf("mp4: esds: DecoderConfigDescriptor too short")
	}

	tag, content, _, err = readDescriptor(content[decoderConfigFixedFields:])
	if err != nil {
		return nil, fmt.Errorf("mp4: esds: %w", err)
	}
	if tag != descTagDecoderSpecificCfg {
		return nil, fmt.Errorf("mp4: esds: expected DecoderSpecificInfo (0x05), got 0x%02x", tag)
	}
	return content, nil
}

// readDescriptor reads one tag + variable-length-encoded size + content
// triple from the front of data, returning the remainder as rest. Each
// size byte's top bit signals continuation, matching every MPEG-4
// systems descriptor's length encoding.
func readDescriptor(data []byte) (tag byte, content []byte, rest []byte, err error) {
	if len(data) < 2 {
		return 0, nil, nil, fmt.Errorf("descriptor too short")
	}
	tag = data[0]
	i := 1
	size := 0
	for {
		if i >= len(data) {
			return 0, nil, nil, fmt.Errorf("descriptor: truncated size field")
		}
		b := data[i]
		i++
		size = size<<7 | int(b&0x7f)
		if b&0x80 == 0 {
			break
		}
	}
	if i+size > len(data) {
		return 0, nil, nil, fmt.Errorf("descriptor: size %d exceeds buffer of %d bytes", size, len(data)-i)
	}
	return tag, data[i : i+size], data[i+size:], nil
}

// buildESDS builds a minimal esds box body (version/flags + ES_Descriptor
// wrapping a DecoderConfigDescriptor and the given AudioSpecificConfig as
// its DecoderSpecificInfo) for transport/mp4's output writer. objectTypeAAC
// (0x40, "Audio ISO/IEC 14496-3") and streamTypeAudio (0x15) are the fixed
// values every AAC-in-MP4 file uses.
func buildESDS(asc []byte) []byte {
	const objectTypeAAC = 0x40
	const streamTypeAudioByte = 0x15 // streamType(6 bits)=5 (audio) | upStream(1)=0 | reserved(1)=1

	dsi := writeDescriptor(descTagDecoderSpecificCfg, asc)

	dcd := append([]byte{objectTypeAAC, streamTypeAudioByte, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, dsi...)
	dcdDesc := writeDescriptor(descTagDecoderConfig, dcd)

	slConfig := writeDescriptor(0x06, []byte{0x02}) // SLConfigDescriptor, predefined=MP4

	esBody := append([]byte{0, 0, 0}, dcdDesc...) // ES_ID(2)=0 + flags(1)=0
	esBody = append(esBody, slConfig...)
	esDesc := writeDescriptor(descTagES, esBody)

	return append([]byte{0, 0, 0, 0}, esDesc...) // version/flags
}

func writeDescriptor(tag byte, content []byte) []byte {
	out := []byte{tag}
	n := len(content)
	var sizeBytes []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if len(sizeBytes) > 0 {
			b |= 0x80
		}
		sizeBytes = append([]byte{b}, sizeBytes...)
		if n == 0 {
			break
		}
	}
	out = append(out, sizeBytes...)
	return append(out, content...)
}
