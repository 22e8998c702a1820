// Package qxlparse walks untrusted guest command descriptors through
// a memslot.Info translator and produces fully-owned host
// representations (spec.md §4.2), grounded on
// original_source/server/red-parse-qxl.cpp.
package qxlparse

import (
	"errors"
	"fmt"

	"github.com/spice-display/corestream/memslot"
)

// ErrInvalidSize is returned wherever the original returns
// INVALID_SIZE: a chunk walk that overflowed its bounds, a memslot
// fault mid-walk, or a structural mismatch between two passes over
// the same guest structure.
var ErrInvalidSize = errors.New("qxlparse: invalid size")

// Guest is the guest-physical-address space a parse session reads
// from: a translator plus the raw backing bytes the translator's
// virtual addresses index into. In this Go port "host-virtual" is
// just an offset into Bytes, since there is no real second address
// space to map into; the translator still performs every bounds
// check spec.md §4.1 requires before any byte is read.
type Guest struct {
	Slots *memslot.Info
	Bytes []byte
	Group int
}

// Read validates [addr, addr+length) through the memslot translator
// and returns a byte slice view into Bytes, never a copy; ownership
// of the returned bytes is established by the caller (qxlparse always
// copies out of it before returning a parsed value, per spec.md
// §4.2's "no resulting structure retains a pointer into guest memory"
// rule, except the documented borrowed-slice case in bitmap.go).
func (g *Guest) Read(addr uint64, length uint64) ([]byte, error) {
	virt, err := g.Slots.Validate(g.Group, addr, length)
	if err != nil {
		return nil, fmt.Errorf("qxlparse: %w", err)
	}
	if virt+length > uint64(len(g.Bytes)) {
		return nil, fmt.Errorf("qxlparse: virt span outside backing buffer: %w", memslot.ErrFault)
	}
	return g.Bytes[virt : virt+length], nil
}
