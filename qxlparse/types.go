package qxlparse

import (
	"errors"
	"fmt"
)

// BitmapFormat enumerates the set spec.md §3 Image accepts; anything
// outside it is rejected.
type BitmapFormat uint8

const (
	FmtInvalid BitmapFormat = 0
	Fmt1BitLE  BitmapFormat = 1
	Fmt1BitBE  BitmapFormat = 2
	Fmt4BitLE  BitmapFormat = 3
	Fmt4BitBE  BitmapFormat = 4
	Fmt8Bit    BitmapFormat = 5
	Fmt16Bit   BitmapFormat = 6
	Fmt24Bit   BitmapFormat = 7
	Fmt32Bit   BitmapFormat = 8
	FmtRGBA    BitmapFormat = 9
	Fmt8BitA   BitmapFormat = 10
)

// bitsPerPixel mirrors original_source's
// MAP_BITMAP_FMT_TO_BITS_PER_PIXEL table exactly.
var bitsPerPixel = [...]uint{0, 1, 1, 4, 4, 8, 16, 24, 32, 32, 8}

// ErrBadFormat is returned for a format index outside the enumerated
// set, or format 0 (invalid).
var ErrBadFormat = errors.New("qxlparse: unrecognized bitmap format")

func bppOf(f BitmapFormat) (uint, error) {
	if int(f) <= 0 || int(f) >= len(bitsPerPixel) {
		return 0, fmt.Errorf("qxlparse: format %d: %w", f, ErrBadFormat)
	}
	return bitsPerPixel[f], nil
}

// strideFor computes ceil(width*bpp/8), the minimum legal stride for
// bitmap_consistent.
func strideFor(width int32, bpp uint) int32 {
	return int32((uint64(width)*uint64(bpp) + 7) / 8)
}
