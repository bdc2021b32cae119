package media

// ChunkKind discriminates EncodedChunk's payload type.
type ChunkKind int

const (
	ChunkKindVideo ChunkKind = iota
	ChunkKindAudio
)

// Codec identifies the codec of an EncodedChunk, relevant only to the
// (out-of-scope) encoder/decoder transformers and to transport adapters
// that need to advertise it (e.g. SDP, MoQ catalogs).
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecVP8  Codec = "vp8"
	CodecVP9  Codec = "vp9"
	CodecOpus Codec = "opus"
	CodecAAC  Codec = "aac"
)

// EncodedChunk is a single encoded access unit ready for a wire-protocol
// sink. dts is absent for codecs whose decode order matches presentation
// order.
type EncodedChunk struct {
	PTS        PTS
	DTS        *PTS
	Data       []byte
	Kind       ChunkKind
	Codec      Codec
	IsKeyframe bool
}
