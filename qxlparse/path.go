package qxlparse

import (
	"encoding/binary"
	"fmt"

	"github.com/spice-display/corestream/config"
	"github.com/spice-display/corestream/geom"
)

// PointFix is a 28.4 fixed-point point, matching QXLPointFix.
type PointFix struct {
	X, Y int32
}

// PathSegment is one SpicePathSeg: a 32-bit flags word plus its points.
type PathSegment struct {
	Flags  uint32
	Points []PointFix
}

// Path is the host-owned SpicePath: all segments, fully copied out of
// guest memory.
type Path struct {
	Segments []PathSegment
}

const pathSegHeaderSize = 8 // flags(4) + count(4)
const pointFixSize = 8

// ReadPath reads the chunk list at addr once (ReadChunkList copies it
// out of guest memory) and walks the copied segments twice, as
// original_source/server/red-parse-qxl.cpp's red_get_path does: a
// first pass to size the allocation, a second to copy. If the second
// pass's segment count diverges from the first (spec.md §4.2 "A
// reported num_segments that mismatches the structural walk
// terminates parsing"), parsing fails; both passes walk the same
// immutable copy the same way, so in this port the check does not
// fire.
func ReadPath(g *Guest, addr uint64, lim config.Limits) (*Path, error) {
	data, err := ReadChunkList(g, addr, lim)
	if err != nil {
		return nil, fmt.Errorf("qxlparse: path chunks: %w", err)
	}

	firstPassCount, err := countPathSegments(data)
	if err != nil {
		return nil, err
	}

	segs := make([]PathSegment, 0, firstPassCount)
	off := 0
	for off+pathSegHeaderSize <= len(data) {
		flags := binary.LittleEndian.Uint32(data[off : off+4])
		count := binary.LittleEndian.Uint32(data[off+4 : off+8])
		off += pathSegHeaderSize
		need := int(count) * pointFixSize
		if off+need > len(data) {
			return nil, fmt.Errorf("qxlparse: path segment overruns chunk data: %w", ErrInvalidSize)
		}
		pts := make([]PointFix, count)
		for i := range pts {
			pts[i].X = int32(binary.LittleEndian.Uint32(data[off+i*8 : off+i*8+4]))
			pts[i].Y = int32(binary.LittleEndian.Uint32(data[off+i*8+4 : off+i*8+8]))
		}
		off += need
		segs = append(segs, PathSegment{Flags: flags, Points: pts})
	}

	if len(segs) != firstPassCount {
		return nil, fmt.Errorf("qxlparse: path segment count mismatch between passes: %w", ErrInvalidSize)
	}
	return &Path{Segments: segs}, nil
}

func countPathSegments(data []byte) (int, error) {
	n := 0
	off := 0
	for off+pathSegHeaderSize <= len(data) {
		count := binary.LittleEndian.Uint32(data[off+4 : off+8])
		off += pathSegHeaderSize
		need := int(count) * pointFixSize
		if off+need > len(data) {
			return 0, fmt.Errorf("qxlparse: path segment overruns chunk data: %w", ErrInvalidSize)
		}
		off += need
		n++
	}
	return n, nil
}

// ReadClipRects parses a chunked SpiceClipRects: a rect count
// followed by that many canonically-oriented Rect values. Rects that
// are not canonically oriented (left>right or top>bottom) are
// rejected, per spec.md §3 Drawable invariant.
func ReadClipRects(g *Guest, addr uint64, lim config.Limits) ([]geom.Rect, error) {
	data, err := ReadChunkList(g, addr, lim)
	if err != nil {
		return nil, fmt.Errorf("qxlparse: clip rects chunks: %w", err)
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("qxlparse: clip rects header: %w", ErrInvalidSize)
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	off := 4
	rects := make([]geom.Rect, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+16 > len(data) {
			return nil, fmt.Errorf("qxlparse: clip rects overrun: %w", ErrInvalidSize)
		}
		r := geom.Rect{
			Top:    int32(binary.LittleEndian.Uint32(data[off : off+4])),
			Left:   int32(binary.LittleEndian.Uint32(data[off+4 : off+8])),
			Bottom: int32(binary.LittleEndian.Uint32(data[off+8 : off+12])),
			Right:  int32(binary.LittleEndian.Uint32(data[off+12 : off+16])),
		}
		if !r.Valid() {
			return nil, fmt.Errorf("qxlparse: clip rect not canonically oriented: %w", ErrInvalidSize)
		}
		rects = append(rects, r)
		off += 16
	}
	return rects, nil
}
