package qxlparse

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/spice-display/corestream/config"
	"github.com/spice-display/corestream/device"
)

// SurfaceFormat mirrors SPICE_SURFACE_FMT_*.
type SurfaceFormat uint32

const (
	SurfaceFmt1A     SurfaceFormat = 1
	SurfaceFmt8A     SurfaceFormat = 8
	SurfaceFmt16_555 SurfaceFormat = 16
	SurfaceFmt16_565 SurfaceFormat = 17
	SurfaceFmt32xRGB SurfaceFormat = 32
	SurfaceFmt32ARGB SurfaceFormat = 33
)

var ErrInvalidSurface = errors.New("qxlparse: invalid surface command")

func surfaceFormatToBpp(f SurfaceFormat) uint {
	switch f {
	case SurfaceFmt1A:
		return 1
	case SurfaceFmt8A:
		return 8
	case SurfaceFmt16_555, SurfaceFmt16_565:
		return 16
	case SurfaceFmt32xRGB, SurfaceFmt32ARGB:
		return 32
	default:
		return 0
	}
}

// ValidateSurface is red_validate_surface, preserved exactly
// including its int32-stride-may-be-negative handling (stride can be
// negative for bottom-up surfaces) and its MININT32 special case
// (spec.md §8 scenario 2: "stride = INT32_MIN rejected").
func ValidateSurface(width, height uint32, stride int32, format SurfaceFormat, lim config.Limits) bool {
	bpp := surfaceFormatToBpp(format)
	if bpp == 0 {
		return false
	}
	if stride == -(1 << 31) {
		return false
	}
	size := (uint64(width)*uint64(bpp) + 7) / 8
	absStride := uint64(stride)
	if stride < 0 {
		absStride = uint64(-stride)
	}
	if size > absStride {
		return false
	}
	total := uint64(height) * absStride
	return total <= uint64(lim.MaxDataChunk)
}

// SurfaceCmdType mirrors QXL_SURFACE_CMD_CREATE/DESTROY.
type SurfaceCmdType uint8

const (
	SurfaceCmdCreate  SurfaceCmdType = 0
	SurfaceCmdDestroy SurfaceCmdType = 1
)

// SurfaceCmd is the fully-owned RedSurfaceCmd.
type SurfaceCmd struct {
	SurfaceID uint32
	Type      SurfaceCmdType
	Width     uint32
	Height    uint32
	Format    SurfaceFormat
	Stride    int32

	refcount int32
	released int32
	release  device.ReleaseInfoExt
	driver   device.Driver
}

const surfaceCmdHeaderSize = 32

// ReadSurfaceCmd parses a QXLSurfaceCmd, rejecting a create command
// whose geometry fails ValidateSurface with ErrInvalidSurface; the
// partially built command is discarded in that case and no reference
// to it is kept (spec.md §8 scenario 2: "no allocation leaked").
func ReadSurfaceCmd(g *Guest, addr uint64, lim config.Limits, driver device.Driver) (*SurfaceCmd, error) {
	hdr, err := g.Read(addr, surfaceCmdHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("qxlparse: surface cmd header: %w", err)
	}
	releaseCookie := binary.LittleEndian.Uint64(hdr[0:8])
	surfaceID := binary.LittleEndian.Uint32(hdr[8:12])
	cmdType := SurfaceCmdType(hdr[12])
	width := binary.LittleEndian.Uint32(hdr[16:20])
	height := binary.LittleEndian.Uint32(hdr[20:24])
	format := SurfaceFormat(binary.LittleEndian.Uint32(hdr[24:28]))
	stride := int32(binary.LittleEndian.Uint32(hdr[28:32]))

	cmd := &SurfaceCmd{
		SurfaceID: surfaceID,
		Type:      cmdType,
		Width:     width,
		Height:    height,
		Format:    format,
		Stride:    stride,
		refcount:  1,
		driver:    driver,
		release:   device.ReleaseInfoExt{Info: releaseCookie, GroupID: g.Group},
	}

	if cmdType == SurfaceCmdCreate && !ValidateSurface(width, height, stride, format, lim) {
		return nil, fmt.Errorf("qxlparse: %w", ErrInvalidSurface)
	}
	return cmd, nil
}

func (c *SurfaceCmd) Ref() { c.refcount++ }

func (c *SurfaceCmd) Unref() {
	c.refcount--
	if c.refcount > 0 {
		return
	}
	if c.released == 0 {
		c.released = 1
		if c.driver != nil {
			c.driver.ReleaseResource(c.release)
		}
	}
}
