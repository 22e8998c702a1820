package qxlparse

import (
	"encoding/binary"
	"fmt"

	"github.com/spice-display/corestream/config"
	"github.com/spice-display/corestream/logger"
)

// CursorType mirrors SPICE_CURSOR_TYPE_*.
type CursorType uint8

const (
	CursorAlpha CursorType = iota
	CursorMono
	CursorColor4
	CursorColor8
	CursorColor16
	CursorColor24
	CursorColor32
)

// Cursor is the fully-owned SpiceCursor (spec.md §3: a sibling of
// Image, carrying a shape rather than a drawable payload). Data is
// retained across migration; ReadCursor keeps no driver or release
// info, so a Cursor never releases the guest resource.
type Cursor struct {
	Unique      uint64
	Type        CursorType
	Width       uint16
	Height      uint16
	HotSpotX    int16
	HotSpotY    int16
	Data        []byte
	DeclaredLen uint32
}

const cursorHeaderSize = 28 // unique(8)+type(1)+pad(3)+w(2)+h(2)+hotx(2)+hoty(2)+data_size(4)+reserved(4); the chunk list follows

// ReadCursor parses a QXLCursor: a fixed header followed by a chunked
// data payload. A circular chunk list (spec.md §8 scenario 1: chunk
// A points to chunk B and B.next = A, both empty) is caught by
// ReadChunkList's chunk-count bound, not by cycle detection; it logs
// once and yields a zero-length Data rather than hanging or
// panicking, matching the original's INVALID_SIZE -> false path
// folded into a single warning here since a cursor with no usable
// data is not itself fatal to the channel (spec.md §7).
func ReadCursor(g *Guest, addr uint64, lim config.Limits) (*Cursor, error) {
	hdr, err := g.Read(addr, cursorHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("qxlparse: cursor header: %w", err)
	}
	c := &Cursor{
		Unique:      binary.LittleEndian.Uint64(hdr[0:8]),
		Type:        CursorType(hdr[8]),
		Width:       binary.LittleEndian.Uint16(hdr[12:14]),
		Height:      binary.LittleEndian.Uint16(hdr[14:16]),
		HotSpotX:    int16(binary.LittleEndian.Uint16(hdr[16:18])),
		HotSpotY:    int16(binary.LittleEndian.Uint16(hdr[18:20])),
		DeclaredLen: binary.LittleEndian.Uint32(hdr[20:24]),
	}

	data, err := ReadChunkList(g, addr+cursorHeaderSize, lim)
	if err != nil {
		logger.Warnf("qxlparse: cursor chunk list invalid (%v), yielding empty cursor data", err)
		c.Data = nil
		return c, nil
	}
	if uint32(len(data)) < c.DeclaredLen {
		c.DeclaredLen = uint32(len(data))
	}
	c.Data = data[:c.DeclaredLen]
	return c, nil
}
