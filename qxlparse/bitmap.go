package qxlparse

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/spice-display/corestream/config"
)

// ImageType tags the Image union (spec.md §3 Image).
type ImageType uint8

const (
	ImageBitmap ImageType = iota
	ImageSurface
	ImageQUIC
)

const (
	flagCompat16BPP = uint32(1) << 0
	bitmapTopDown   = uint8(1) << 0
	bitmapDirect    = uint8(1) << 1
)

// imageHeaderSize covers descriptor.id/type/flags/width/height.
const imageHeaderSize = 18
const bitmapBodySize = 20 // format(1)+flags(1)+pad(2)+stride(4)+palette(8)+reserved(4)

// ErrZeroArea / ErrBadStride / ErrTooLarge name the bitmap
// consistency failures of spec.md §4.2.
var (
	ErrZeroArea   = errors.New("qxlparse: zero-area bitmap")
	ErrBadStride  = errors.New("qxlparse: stride smaller than ceil(width*bpp/8)")
	ErrTooLarge   = errors.New("qxlparse: height*stride exceeds MAX_DATA_CHUNK")
	ErrNoPalette  = errors.New("qxlparse: missing palette on paletted bitmap")
)

// Image is the fully-owned host representation of a QXLImage.
// Data is a borrowed view into the Guest's backing bytes only when
// Direct is true (the QXL_BITMAP_DIRECT path, spec.md §4.2 "direct"
// mode) and is valid only while the owning command is alive; every
// other path copies eagerly out of chunk lists into Data.
type Image struct {
	Type ImageType

	ID     uint64
	Width  uint32
	Height uint32

	Format  BitmapFormat
	Stride  int32
	TopDown bool
	Direct  bool

	Palette *Palette
	Data    []byte

	SurfaceID uint32
}

// ReadImage parses a QXLImage at addr (0 means "absent", returns
// (nil, nil) like the original's early "if (addr == 0) return NULL").
// flags carries the command's QXL_COMMAND_FLAG bits (compat-16bpp);
// isMask relaxes the "paletted bitmap needs a palette" rule the way
// mask bitmaps do in the original.
func ReadImage(g *Guest, addr uint64, flags uint32, isMask bool, lim config.Limits) (*Image, error) {
	if addr == 0 {
		return nil, nil
	}
	hdr, err := g.Read(addr, imageHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("qxlparse: image header: %w", err)
	}
	id := binary.LittleEndian.Uint64(hdr[0:8])
	typ := ImageType(hdr[8])
	width := uint32(binary.LittleEndian.Uint16(hdr[12:14]))
	height := uint32(binary.LittleEndian.Uint16(hdr[14:16]))

	img := &Image{Type: typ, ID: id, Width: width, Height: height}

	switch typ {
	case ImageBitmap:
		body, err := g.Read(addr+imageHeaderSize, bitmapBodySize)
		if err != nil {
			return nil, fmt.Errorf("qxlparse: bitmap body: %w", err)
		}
		format := BitmapFormat(body[0])
		qxlFlags := body[1]
		stride := int32(binary.LittleEndian.Uint32(body[4:8]))
		paletteAddr := binary.LittleEndian.Uint64(body[8:16])

		img.Format = format
		img.Stride = stride
		img.TopDown = qxlFlags&bitmapTopDown != 0
		img.Direct = qxlFlags&bitmapDirect != 0

		bpp, err := bppOf(format)
		if err != nil {
			return nil, err
		}
		isRGB := format == Fmt16Bit || format == Fmt24Bit || format == Fmt32Bit || format == FmtRGBA
		if !isRGB && paletteAddr == 0 && !isMask {
			return nil, fmt.Errorf("qxlparse: format %d: %w", format, ErrNoPalette)
		}
		if width == 0 || height == 0 {
			return nil, fmt.Errorf("qxlparse: %w", ErrZeroArea)
		}
		if stride < strideFor(int32(width), bpp) {
			return nil, fmt.Errorf("qxlparse: stride=%d want>=%d: %w", stride, strideFor(int32(width), bpp), ErrBadStride)
		}
		bitmapSize := uint64(height) * uint64(stride)
		if bitmapSize > uint64(lim.MaxDataChunk) {
			return nil, fmt.Errorf("qxlparse: %w", ErrTooLarge)
		}

		if paletteAddr != 0 {
			pal, err := ReadPalette(g, paletteAddr, flags&flagCompat16BPP != 0)
			if err != nil {
				return nil, fmt.Errorf("qxlparse: palette: %w", err)
			}
			img.Palette = pal
		}

		dataAddr := addr + imageHeaderSize + bitmapBodySize
		if img.Direct {
			data, err := g.Read(dataAddr, bitmapSize)
			if err != nil {
				return nil, fmt.Errorf("qxlparse: direct bitmap data: %w", err)
			}
			img.Data = data
		} else {
			data, err := ReadChunkList(g, dataAddr, lim)
			if err != nil {
				return nil, fmt.Errorf("qxlparse: chunked bitmap data: %w", err)
			}
			if uint64(len(data)) != bitmapSize {
				return nil, fmt.Errorf("qxlparse: chunked bitmap size mismatch: %w", ErrInvalidSize)
			}
			img.Data = data
		}

	case ImageSurface:
		sid, err := g.Read(addr+imageHeaderSize, 4)
		if err != nil {
			return nil, fmt.Errorf("qxlparse: surface image id: %w", err)
		}
		img.SurfaceID = binary.LittleEndian.Uint32(sid)

	case ImageQUIC:
		dataAddr := addr + imageHeaderSize
		data, err := ReadChunkList(g, dataAddr, lim)
		if err != nil {
			return nil, fmt.Errorf("qxlparse: quic image data: %w", err)
		}
		img.Data = data

	default:
		return nil, fmt.Errorf("qxlparse: image type %d: %w", typ, ErrBadFormat)
	}

	return img, nil
}
