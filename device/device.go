// Package device models the external collaborators spec.md §6
// describes but explicitly places out of scope: the guest
// command-ring driver and the surface/canvas compositor. Everything
// here is an interface the core calls through; nothing in this
// package renders pixels or drives a real device.
package device

import "github.com/spice-display/corestream/geom"

// ReleaseInfoExt identifies one guest resource release, matching
// original_source's RedReleaseInfoExt: an opaque cookie the guest
// gave us plus the memslot group it was issued from.
type ReleaseInfoExt struct {
	Info    uint64
	GroupID int
}

// CommandExt is one QXLCommandExt: a physical address plus the group
// and command type the worker loop needs to dispatch it.
type CommandExt struct {
	Addr    uint64
	GroupID int
	Type    uint32
	Flags   uint32
}

// MonitorsConfig is the guest-reported monitor layout, opaque to the
// core beyond forwarding it.
type MonitorsConfig struct {
	Count   int
	Widths  []uint32
	Heights []uint32
}

// InitInfo is what get_init_info reports at startup (spec.md §6).
type InitInfo struct {
	NumMemslots      int
	NumMemslotGroups int
	MemslotIDBits    uint
	MemslotGenBits   uint
	NSurfaces        int
}

// Driver is the pull interface spec.md §6 names for "the collaborator
// supplying commands", the guest-side command-ring driver.
type Driver interface {
	GetCommand() (CommandExt, bool)
	RequestCommandNotification()
	ReleaseResource(ReleaseInfoExt)
	GetCursorCommand() (CommandExt, bool)
	RequestCursorNotification()
	FlushResources()
	SetClientCapabilities(present bool, caps [58]uint32)
	ClientMonitorsConfig(cfg MonitorsConfig) bool
	AttachedWorker() bool
	SetCompressionLevel(level int)
	GetInitInfo() InitInfo
}

// Canvas is the surface/canvas collaborator spec.md §6 names:
// read-back for lossless upgrade images, and the two draw entry
// points used to flush pending drawables before a read-back.
type Canvas interface {
	ReadBits(dest []byte, stride int, area geom.Rect) error
	Draw(surfaceID uint32) error
	DrawUntil(surfaceID uint32, mmTimeLimit uint64) error
	GLDrawDone()
}
