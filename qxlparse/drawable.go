package qxlparse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/spice-display/corestream/config"
	"github.com/spice-display/corestream/device"
	"github.com/spice-display/corestream/geom"
)

// DrawOp is the drawable operation tag (spec.md §3 Drawable): fill,
// opaque blit, copy, transparent, alpha-blend, copy-bits, blend,
// rop3, stroke, text, blackness, invers, whiteness, composite.
type DrawOp uint8

const (
	OpFill DrawOp = iota
	OpOpaque
	OpCopy
	OpTransparent
	OpAlphaBlend
	OpCopyBits
	OpBlend
	OpRop3
	OpStroke
	OpText
	OpBlackness
	OpInvers
	OpWhiteness
	OpComposite
	OpNop
)

// Dialect distinguishes the two wire-compatible drawable headers
// spec.md §4.2 calls out; the only semantic difference is that Compat
// synthesises surface dependency 0 from a copy-bits source position
// (spec.md §9 "Double header dialect for drawables").
type Dialect uint8

const (
	DialectNative Dialect = iota
	DialectCompat
)

var ErrUnknownOp = errors.New("qxlparse: unknown drawable op")
var ErrBadCopyArea = errors.New("qxlparse: copy source area extends beyond source bitmap")

// CopyPayload is shared by QXL_DRAW_COPY and QXL_DRAW_BLEND, since the
// original's red_get_copy_ptr backs both (spec.md DESIGN NOTES call
// these "really the same thing").
type CopyPayload struct {
	SrcBitmap    *Image
	SrcArea      geom.Rect
	RopDescriptor uint8
	ScaleMode    uint8
}

// CopyBitsPayload is QXL_COPY_BITS: a same-surface blit by position.
type CopyBitsPayload struct {
	SrcPos geom.Point
}

// FillPayload, TransparentPayload, AlphaBlendPayload are simplified
// relative to the original's brush/rop/qmask-laden structs: enough to
// preserve the drawable's dependency and release semantics the
// stream detector and pipe care about, without reimplementing the
// canvas rop engine this core explicitly excludes (spec.md §1).
type FillPayload struct {
	RopDescriptor uint8
}
type TransparentPayload struct {
	SrcBitmap *Image
	SrcArea   geom.Rect
	TrueColor uint32
}
type AlphaBlendPayload struct {
	SrcBitmap *Image
	SrcArea   geom.Rect
	Alpha     uint8
}
type GenericPayload struct{}

// Drawable is the fully-owned host representation of spec.md §3.
type Drawable struct {
	BBox   geom.Rect
	Clip   geom.Clip
	Effect uint8
	MMTime uint64

	Op      DrawOp
	Dialect Dialect

	SurfaceID   uint32
	SurfaceDeps [3]int32 // -1 means "no dependency", matching the original
	SurfaceRects [3]geom.Rect

	SelfBitmap     bool
	SelfBitmapArea geom.Rect
	SelfImage      *Image

	Copy        *CopyPayload
	CopyBits    *CopyBitsPayload
	Fill        *FillPayload
	Transparent *TransparentPayload
	AlphaBlend  *AlphaBlendPayload

	refcount int32
	released int32
	release  device.ReleaseInfoExt
	driver   device.Driver
}

// drawableHeaderSize covers release_info(8)+bbox(16)+clip(type4+addr8)+effect(1)+pad+mm_time(8)+surface_id(4).
const drawableHeaderSize = 52
const compatDrawableHeaderSize = 48

// ReadDrawable dispatches on dialect and parses one QXL(Compat)Drawable
// at addr into a fully-owned Drawable. driver is kept only so
// Release() can dispatch exactly once back to the device, per
// spec.md §3 Drawable invariant.
func ReadDrawable(g *Guest, addr uint64, dialect Dialect, flags uint32, opType uint32, lim config.Limits, driver device.Driver) (*Drawable, error) {
	switch dialect {
	case DialectNative:
		return readNativeDrawable(g, addr, flags, opType, lim, driver)
	case DialectCompat:
		return readCompatDrawable(g, addr, flags, opType, lim, driver)
	default:
		return nil, fmt.Errorf("qxlparse: dialect %d: %w", dialect, ErrUnknownOp)
	}
}

func readNativeDrawable(g *Guest, addr uint64, flags uint32, opType uint32, lim config.Limits, driver device.Driver) (*Drawable, error) {
	hdr, err := g.Read(addr, drawableHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("qxlparse: drawable header: %w", err)
	}
	releaseCookie := binary.LittleEndian.Uint64(hdr[0:8])

	d := &Drawable{
		refcount: 1,
		driver:   driver,
		release:  device.ReleaseInfoExt{Info: releaseCookie, GroupID: g.Group},
		Dialect:  DialectNative,
	}
	d.BBox = readRect(hdr[8:24])
	clipType := binary.LittleEndian.Uint32(hdr[24:28])
	clipAddr := binary.LittleEndian.Uint64(hdr[28:36])
	d.Effect = hdr[36]
	d.MMTime = binary.LittleEndian.Uint64(hdr[40:48])
	d.SurfaceID = binary.LittleEndian.Uint32(hdr[48:52])

	if !d.BBox.Valid() {
		return nil, fmt.Errorf("qxlparse: drawable bbox not canonically oriented: %w", ErrInvalidSize)
	}

	if err := readClipInto(g, clipType, clipAddr, lim, &d.Clip); err != nil {
		return nil, err
	}

	for i := range d.SurfaceDeps {
		d.SurfaceDeps[i] = -1
	}

	d.Op = DrawOp(opType)
	payloadAddr := addr + drawableHeaderSize
	if err := readOpPayload(g, d, payloadAddr, flags, lim); err != nil {
		return nil, err
	}
	return d, nil
}

func readCompatDrawable(g *Guest, addr uint64, flags uint32, opType uint32, lim config.Limits, driver device.Driver) (*Drawable, error) {
	hdr, err := g.Read(addr, compatDrawableHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("qxlparse: compat drawable header: %w", err)
	}
	releaseCookie := binary.LittleEndian.Uint64(hdr[0:8])

	d := &Drawable{
		refcount: 1,
		driver:   driver,
		release:  device.ReleaseInfoExt{Info: releaseCookie, GroupID: g.Group},
		Dialect:  DialectCompat,
	}
	d.BBox = readRect(hdr[8:24])
	clipType := binary.LittleEndian.Uint32(hdr[24:28])
	clipAddr := binary.LittleEndian.Uint64(hdr[28:36])
	d.Effect = hdr[36]
	d.MMTime = binary.LittleEndian.Uint64(hdr[40:48])

	if !d.BBox.Valid() {
		return nil, fmt.Errorf("qxlparse: drawable bbox not canonically oriented: %w", ErrInvalidSize)
	}

	if err := readClipInto(g, clipType, clipAddr, lim, &d.Clip); err != nil {
		return nil, err
	}

	for i := range d.SurfaceDeps {
		d.SurfaceDeps[i] = -1
	}

	d.Op = DrawOp(opType)
	payloadAddr := addr + compatDrawableHeaderSize
	if err := readOpPayload(g, d, payloadAddr, flags, lim); err != nil {
		return nil, err
	}

	// spec.md §4.2 / §9: the compat dialect synthesises surface
	// dependency 0 from copy-bits' source position.
	if d.Op == OpCopyBits && d.CopyBits != nil {
		d.SurfaceDeps[0] = 0
		w := d.BBox.Width()
		h := d.BBox.Height()
		d.SurfaceRects[0] = geom.Rect{
			Left:   d.CopyBits.SrcPos.X,
			Top:    d.CopyBits.SrcPos.Y,
			Right:  d.CopyBits.SrcPos.X + w,
			Bottom: d.CopyBits.SrcPos.Y + h,
		}
	}
	return d, nil
}

func readRect(b []byte) geom.Rect {
	return geom.Rect{
		Top:    int32(binary.LittleEndian.Uint32(b[0:4])),
		Left:   int32(binary.LittleEndian.Uint32(b[4:8])),
		Bottom: int32(binary.LittleEndian.Uint32(b[8:12])),
		Right:  int32(binary.LittleEndian.Uint32(b[12:16])),
	}
}

const clipTypeNone = 0
const clipTypeRects = 1

func readClipInto(g *Guest, clipType uint32, addr uint64, lim config.Limits, out *geom.Clip) error {
	switch clipType {
	case clipTypeNone:
		out.Rects = nil
		return nil
	case clipTypeRects:
		rects, err := ReadClipRects(g, addr, lim)
		if err != nil {
			return fmt.Errorf("qxlparse: clip: %w", err)
		}
		out.Rects = rects
		return nil
	default:
		return fmt.Errorf("qxlparse: clip type %d: %w", clipType, ErrUnknownOp)
	}
}

func readOpPayload(g *Guest, d *Drawable, addr uint64, flags uint32, lim config.Limits) error {
	switch d.Op {
	case OpCopy, OpBlend:
		p, err := readCopyPayload(g, addr, flags, lim)
		if err != nil {
			return err
		}
		d.Copy = p
	case OpCopyBits:
		b, err := g.Read(addr, 8)
		if err != nil {
			return fmt.Errorf("qxlparse: copy_bits src_pos: %w", err)
		}
		d.CopyBits = &CopyBitsPayload{SrcPos: geom.Point{
			X: int32(binary.LittleEndian.Uint32(b[0:4])),
			Y: int32(binary.LittleEndian.Uint32(b[4:8])),
		}}
	case OpFill:
		b, err := g.Read(addr, 1)
		if err != nil {
			return fmt.Errorf("qxlparse: fill payload: %w", err)
		}
		d.Fill = &FillPayload{RopDescriptor: b[0]}
	case OpTransparent:
		d.Transparent = &TransparentPayload{}
	case OpAlphaBlend:
		d.AlphaBlend = &AlphaBlendPayload{}
	case OpOpaque, OpRop3, OpStroke, OpText, OpBlackness, OpInvers, OpWhiteness, OpComposite, OpNop:
		// Parsed structurally but their rop/brush/glyph detail is
		// out of this core's scope (spec.md §1: canvas renders
		// pixels); the drawable still carries bbox/clip/release
		// semantics the stream detector and pipe need.
	default:
		return fmt.Errorf("qxlparse: op %d: %w", d.Op, ErrUnknownOp)
	}
	return nil
}

func readCopyPayload(g *Guest, addr uint64, flags uint32, lim config.Limits) (*CopyPayload, error) {
	b, err := g.Read(addr, 8)
	if err != nil {
		return nil, fmt.Errorf("qxlparse: copy header: %w", err)
	}
	srcBitmapAddr := binary.LittleEndian.Uint64(b)
	areaB, err := g.Read(addr+8, 16)
	if err != nil {
		return nil, fmt.Errorf("qxlparse: copy src_area: %w", err)
	}
	srcArea := readRect(areaB)
	ropB, err := g.Read(addr+24, 2)
	if err != nil {
		return nil, fmt.Errorf("qxlparse: copy rop/scale: %w", err)
	}

	img, err := ReadImage(g, srcBitmapAddr, flags, false, lim)
	if err != nil {
		return nil, fmt.Errorf("qxlparse: copy src_bitmap: %w", err)
	}
	if img == nil {
		return nil, fmt.Errorf("qxlparse: copy with no src_bitmap: %w", ErrInvalidSize)
	}

	// "The source area of a copy never extends beyond the source
	// bitmap" (spec.md §3 Drawable invariant), checked exactly as
	// original_source/server/red-parse-qxl.cpp's red_get_copy_ptr.
	if srcArea.Left < 0 || srcArea.Left > srcArea.Right || srcArea.Top < 0 || srcArea.Top > srcArea.Bottom {
		return nil, fmt.Errorf("qxlparse: %w", ErrBadCopyArea)
	}
	if img.Type == ImageBitmap {
		if srcArea.Right > int32(img.Width) || srcArea.Bottom > int32(img.Height) {
			return nil, fmt.Errorf("qxlparse: %w", ErrBadCopyArea)
		}
	}

	return &CopyPayload{
		SrcBitmap:     img,
		SrcArea:       srcArea,
		RopDescriptor: ropB[0],
		ScaleMode:     ropB[1],
	}, nil
}

// Ref bumps the drawable's reference count (spec.md §3).
func (d *Drawable) Ref() { atomic.AddInt32(&d.refcount, 1) }

// Unref decrements the reference count; at zero it dispatches
// release-info to the device exactly once, per spec.md §3's
// "once released its release-info is dispatched to the device
// exactly once" invariant, enforced here with a CAS guard so a
// double Unref (a bug elsewhere) cannot double-release.
func (d *Drawable) Unref() {
	if atomic.AddInt32(&d.refcount, -1) > 0 {
		return
	}
	if atomic.CompareAndSwapInt32(&d.released, 0, 1) && d.driver != nil {
		d.driver.ReleaseResource(d.release)
	}
}
