// Package imagecodec implements the display channel's per-bitmap
// compression selection (spec.md §4.8's decision table) and the
// byte-level compression backends for the two LZ-family methods the
// core owns outright -- "glz" and plain "lz" via zlib, and "lz4" via
// the LZ4 block format. QUIC and JPEG are genuine pixel codecs left
// to the canvas/encoder collaborator (spec.md §1 Non-goals: "does not
// attempt to render pixels itself"); this package only decides WHEN
// they would be selected.
package imagecodec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"

	"github.com/spice-display/corestream/videostream"
)

// Method is the wire compression method finally chosen for a bitmap.
type Method int

const (
	MethodOff Method = iota
	MethodQuic
	MethodGlz
	MethodLz
	MethodLz4
	MethodJpeg
)

func (m Method) String() string {
	switch m {
	case MethodOff:
		return "off"
	case MethodQuic:
		return "quic"
	case MethodGlz:
		return "glz"
	case MethodLz:
		return "lz"
	case MethodLz4:
		return "lz4"
	case MethodJpeg:
		return "jpeg"
	default:
		return "unknown"
	}
}

// Preference is the client/server-configured compression mode that
// feeds the selector, mirroring SPICE_IMAGE_COMPRESSION_*.
type Preference int

const (
	PrefOff Preference = iota
	PrefAutoGLZ
	PrefAutoLZ
	PrefQuic
	PrefGlz
	PrefLz
	PrefLz4
	PrefJpeg
)

// Eligibility carries the per-bitmap facts the decision table
// branches on -- computed by the caller from the parsed
// qxlparse.Image and the drawable's graduality classification, kept
// as plain fields here to avoid a reverse import from qxlparse.
type Eligibility struct {
	HeightStrideProduct   int64
	QuicEligible          bool // not paletted, at least 3x3
	LzEligible            bool
	RGBFormat             bool
	HasGraduality         bool // format has a meaningful graduality sample
	Graduality            videostream.Graduality
	ExtraStrideOrUnstable bool
}

// Select runs spec.md §4.8's first-match decision table and returns
// the method actually used on the wire.
func Select(pref Preference, minSizeToCompress int64, e Eligibility) Method {
	if e.HeightStrideProduct < minSizeToCompress {
		return MethodOff
	}

	switch pref {
	case PrefOff:
		return MethodOff
	case PrefQuic:
		if !e.QuicEligible {
			return MethodOff
		}
		return MethodQuic
	case PrefAutoGLZ, PrefAutoLZ:
		high := e.Graduality == videostream.GradualHigh ||
			(e.Graduality == videostream.GradualInvalid && e.HasGraduality)
		if e.QuicEligible && high {
			return MethodQuic
		}
		if !e.LzEligible {
			return MethodOff
		}
		if e.ExtraStrideOrUnstable {
			return MethodOff
		}
		if pref == PrefAutoGLZ {
			if !e.HasGraduality {
				return MethodLz
			}
			return MethodGlz
		}
		return MethodLz
	case PrefGlz:
		if !e.LzEligible {
			return MethodOff
		}
		if e.ExtraStrideOrUnstable {
			return MethodOff
		}
		if !e.HasGraduality {
			return MethodLz
		}
		return MethodGlz
	case PrefLz:
		if !e.LzEligible || e.ExtraStrideOrUnstable {
			return MethodOff
		}
		return MethodLz
	case PrefLz4:
		if !e.LzEligible || e.ExtraStrideOrUnstable {
			return MethodOff
		}
		if !e.RGBFormat {
			return MethodLz
		}
		return MethodLz4
	case PrefJpeg:
		return MethodJpeg
	default:
		return MethodOff
	}
}

// Compress applies the chosen method's byte-level transform. MethodOff,
// MethodQuic and MethodJpeg are pass-through here -- their actual pixel
// transforms belong to the canvas/encoder collaborator.
func Compress(m Method, data []byte) ([]byte, error) {
	switch m {
	case MethodGlz, MethodLz:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("imagecodec: zlib compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("imagecodec: zlib compress: %w", err)
		}
		return buf.Bytes(), nil
	case MethodLz4:
		out := make([]byte, 1+lz4.CompressBlockBound(len(data)))
		var c lz4.Compressor
		n, err := c.CompressBlock(data, out[1:])
		if err != nil {
			return nil, fmt.Errorf("imagecodec: lz4 compress: %w", err)
		}
		if n == 0 {
			// incompressible -- pierrec's CompressBlock declines to
			// emit a block larger than the input; store it raw.
			out = append(out[:1], data...)
			out[0] = 0
			return out, nil
		}
		out[0] = 1
		return out[:1+n], nil
	default:
		return data, nil
	}
}

// Decompress reverses Compress for the methods this package owns.
func Decompress(m Method, data []byte, originalSize int) ([]byte, error) {
	switch m {
	case MethodGlz, MethodLz:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("imagecodec: zlib decompress: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("imagecodec: zlib decompress: %w", err)
		}
		return out, nil
	case MethodLz4:
		if len(data) == 0 {
			return nil, fmt.Errorf("imagecodec: lz4 decompress: empty input")
		}
		if data[0] == 0 {
			return data[1:], nil
		}
		out := make([]byte, originalSize)
		n, err := lz4.UncompressBlock(data[1:], out)
		if err != nil {
			return nil, fmt.Errorf("imagecodec: lz4 decompress: %w", err)
		}
		return out[:n], nil
	default:
		return data, nil
	}
}
