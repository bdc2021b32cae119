package media

import (
	"fmt"

	"github.com/mediaforge/compositor-core/clock"
)

// PTS re-exports clock.PTS so callers throughout the pipeline can depend on
// media alone for the common timestamp type.
type PTS = clock.PTS

// Channel buffer sizes used by both producer threads (decoders) and
// consumers (the Queue's per-input rings) to decouple production from
// consumption. Sized to absorb jitter without excessive memory: ~2 seconds
// of video at 30fps, ~2.5s of 20ms audio batches.
const (
	VideoRingDepth = 60
	AudioRingDepth = 120
)

// Resolution is a frame's pixel dimensions.
type Resolution struct {
	Width  int
	Height int
}

// PixelFormat identifies the planar/packed layout of FrameData.
type PixelFormat int

// Supported pixel formats. Codec-specific decode/encode lives outside this
// module (spec §1); these are the formats a renderer or mixer must be able
// to accept from a decoder.
const (
	PixelFormatYUV420P PixelFormat = iota
	PixelFormatYUV422P
	PixelFormatYUV444P
	PixelFormatRGBA
	PixelFormatBGRA
	PixelFormatARGB
)

// FrameDataKind discriminates the FrameData union.
type FrameDataKind int

const (
	// FrameDataKindPlanar holds a planar YUV buffer.
	FrameDataKindPlanar FrameDataKind = iota
	// FrameDataKindPacked holds interleaved RGBA/BGRA/ARGB bytes.
	FrameDataKindPacked
	// FrameDataKindTexture holds an opaque GPU-texture handle, owned by the
	// renderer. The core never dereferences the handle; it is passed
	// through by value to the renderer unchanged.
	FrameDataKindTexture
)

// PlanarBuffer holds one plane per Y/U/V component for a planar pixel
// format.
type PlanarBuffer struct {
	Format  PixelFormat
	Planes  [][]byte
	Strides []int // row stride of each plane in bytes, parallel to Planes
}

// PackedBuffer holds interleaved pixel bytes for RGBA/BGRA/ARGB formats.
type PackedBuffer struct {
	Format PixelFormat
	Data   []byte
	Stride int
}

// TextureHandle is an opaque reference to a GPU-resident frame. The core
// treats it as an identifier; only the (out-of-scope) renderer interprets
// it.
type TextureHandle struct {
	ID uint64
}

// FrameData is a closed variant over the three frame representations a
// decoder can hand to the compositor. Exactly one field is populated,
// selected by Kind — the Go equivalent of the Design Notes' "tagged
// variant, not subtype polymorphism" guidance, applied to frame payloads
// as well as scene components.
type FrameData struct {
	Kind    FrameDataKind
	Planar  *PlanarBuffer
	Packed  *PackedBuffer
	Texture *TextureHandle
}

// Frame is a single decoded video access unit ready for scene composition.
// Frames are owned by the producer and transferred by value through
// channels; exactly one consumer (the Queue, then the renderer) holds a
// given Frame at a time.
type Frame struct {
	PTS        PTS
	Resolution Resolution
	Data       FrameData
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame{pts=%s res=%dx%d}", f.PTS, f.Resolution.Width, f.Resolution.Height)
}

// ZeroFrame returns an all-zero frame of the given resolution and pixel
// format, used by the Queue when an input has produced nothing yet
// (spec §4.3 tick algorithm, step 2).
func ZeroFrame(pts PTS, res Resolution, format PixelFormat) Frame {
	switch format {
	case PixelFormatRGBA, PixelFormatBGRA, PixelFormatARGB:
		return Frame{
			PTS:        pts,
			Resolution: res,
			Data: FrameData{
				Kind: FrameDataKindPacked,
				Packed: &PackedBuffer{
					Format: format,
					Data:   make([]byte, res.Width*res.Height*4),
					Stride: res.Width * 4,
				},
			},
		}
	default:
		ySize := res.Width * res.Height
		cSize := ySize / 4
		cStride := res.Width / 2
		switch format {
		case PixelFormatYUV422P:
			cSize = ySize / 2
		case PixelFormatYUV444P:
			cSize = ySize
			cStride = res.Width
		}
		return Frame{
			PTS:        pts,
			Resolution: res,
			Data: FrameData{
				Kind: FrameDataKindPlanar,
				Planar: &PlanarBuffer{
					Format:  format,
					Planes:  [][]byte{make([]byte, ySize), make([]byte, cSize), make([]byte, cSize)},
					Strides: []int{res.Width, cStride, cStride},
				},
			},
		}
	}
}
