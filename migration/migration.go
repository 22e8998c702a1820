// Package migration implements the versioned payload a display
// channel client hands off to its replacement on seamless migration
// (spec.md §6 "Migration payload", §4.9), encoded with
// fxamacker/cbor/v2 the way bureau-foundation-bureau's lib/codec
// package configures it: Core Deterministic Encoding on write, unknown
// fields ignored on read.
package migration

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/spice-display/corestream/pixmapcache"
)

// Magic identifies a migration payload header, spec.md §6: "versioned
// header { magic = 'DPLY', version }".
const Magic uint32 = 0x44504c59 // "DPLY"

// Version is the current payload body encoding version. Payloads at
// an older version are rejected by Decode rather than guessed at.
const Version uint16 = 1

// SurfaceLossyEntry records one surface's client-visible lossy region
// for the Lossy migration surfaces payload variant (spec.md §6).
type SurfaceLossyEntry struct {
	SurfaceID uint32   `cbor:"1,keyasint"`
	LossyRect [4]int32 `cbor:"2,keyasint"` // left, top, right, bottom
}

// Surfaces carries the "surfaces_at_client_ptr" payload, in one of two
// shapes depending on whether JPEG compression is enabled on the
// sending side (spec.md §6): Lossless just lists surface ids that are
// known created at the client; Lossy additionally carries each
// surface's lossy region so it can be reconstructed bit-for-bit on the
// receiving side (spec.md §8 scenario 6's testable property).
type Surfaces struct {
	Lossless []uint32            `cbor:"1,keyasint,omitempty"`
	Lossy    []SurfaceLossyEntry `cbor:"2,keyasint,omitempty"`
}

// Header is the fixed-size envelope every migration payload starts
// with.
type Header struct {
	Magic   uint32 `cbor:"1,keyasint"`
	Version uint16 `cbor:"2,keyasint"`
}

// Body is the versioned payload that follows Header, named field for
// field after spec.md §6's body description.
type Body struct {
	PixmapCacheID      uint64                               `cbor:"1,keyasint"`
	PixmapCacheSize    int64                                `cbor:"2,keyasint"`
	PixmapCacheClients [pixmapcache.MaxCacheClients]uint64   `cbor:"3,keyasint"`
	PixmapCacheFreezer bool                                  `cbor:"4,keyasint"`
	GlzDictID          uint8                                 `cbor:"5,keyasint"`
	GlzDictData        []byte                                `cbor:"6,keyasint,omitempty"`
	LowBandwidth       bool                                  `cbor:"7,keyasint"`
	Surfaces           Surfaces                              `cbor:"8,keyasint"`
}

// Payload is the header plus body, the unit Encode/Decode operate on.
// Both travel as one CBOR map so a truncated or foreign blob fails to
// decode outright rather than partially parsing a header only.
type Payload struct {
	Header Header `cbor:"1,keyasint"`
	Body   Body   `cbor:"2,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("migration: cbor encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("migration: cbor decoder initialization failed: " + err.Error())
	}
}

// Encode serializes a migration payload for handoff to the peer that
// will resume this client's state.
func Encode(p Payload) ([]byte, error) {
	out, err := encMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("migration: encode: %w", err)
	}
	return out, nil
}

// Decode validates the header and decodes the body, mirroring
// handle_migrate_data's header check (spec.md §4.9: "validates a
// versioned header") before touching any cache state.
func Decode(data []byte) (Payload, error) {
	var p Payload
	if err := decMode.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("migration: decode: %w", err)
	}
	if p.Header.Magic != Magic {
		return Payload{}, fmt.Errorf("migration: bad magic %#x", p.Header.Magic)
	}
	if p.Header.Version != Version {
		return Payload{}, fmt.Errorf("migration: unsupported version %d", p.Header.Version)
	}
	return p, nil
}

// MergeSyncVectors element-wise maxes two pixmap-cache client sync
// vectors, the rule spec.md §4.9 describes for reattaching a pixmap
// cache across a migration: "merges per-client sync vectors via
// element-wise max".
func MergeSyncVectors(a, b [pixmapcache.MaxCacheClients]uint64) [pixmapcache.MaxCacheClients]uint64 {
	var out [pixmapcache.MaxCacheClients]uint64
	for i := range out {
		if a[i] > b[i] {
			out[i] = a[i]
		} else {
			out[i] = b[i]
		}
	}
	return out
}

// RestoreSurfacesLossy reconstructs per-surface "created at client"
// and "lossy region" bits from a decoded Lossy surfaces payload, the
// round-trip spec.md §8 scenario 6 requires to hold bit-for-bit when
// JPEG is enabled.
func RestoreSurfacesLossy(s Surfaces) (created map[uint32]bool, lossyRegion map[uint32][4]int32) {
	created = make(map[uint32]bool, len(s.Lossy))
	lossyRegion = make(map[uint32][4]int32, len(s.Lossy))
	for _, e := range s.Lossy {
		created[e.SurfaceID] = true
		lossyRegion[e.SurfaceID] = e.LossyRect
	}
	return created, lossyRegion
}

// RestoreSurfacesLossless reconstructs only the "created at client"
// bit from a decoded Lossless surfaces payload (the JPEG-disabled
// variant carries no lossy region at all).
func RestoreSurfacesLossless(s Surfaces) map[uint32]bool {
	created := make(map[uint32]bool, len(s.Lossless))
	for _, id := range s.Lossless {
		created[id] = true
	}
	return created
}
