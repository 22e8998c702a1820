package qxlparse

import (
	"encoding/binary"
	"testing"

	"github.com/spice-display/corestream/config"
	"github.com/spice-display/corestream/memslot"
)

func newGuest(buf []byte) *Guest {
	slots := memslot.NewInfo(1, 1, 1, 1)
	slots.Register(0, 0, 0, uint64(len(buf))+1<<20, 0)
	return &Guest{Slots: slots, Bytes: buf, Group: 0}
}

func putChunkHeader(b []byte, off int, next uint64, size uint32) {
	binary.LittleEndian.PutUint64(b[off:], next)
	binary.LittleEndian.PutUint32(b[off+8:], size)
}

func TestReadChunkListSingle(t *testing.T) {
	payload := []byte("hello world")
	buf := make([]byte, chunkHeaderSize+len(payload))
	putChunkHeader(buf, 0, 0, uint32(len(payload)))
	copy(buf[chunkHeaderSize:], payload)

	g := newGuest(buf)
	got, err := ReadChunkList(g, 0, config.Default())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
}

func TestReadChunkListRejectsTooManyChunks(t *testing.T) {
	// Each chunk is empty (size=0) and points to the next, ending in
	// a cycle back to the first -- a pathological guest list that
	// must be rejected by the chunk-count bound, never by following
	// the cycle (spec.md §9 "Cyclic chunk lists").
	const n = 8
	buf := make([]byte, chunkHeaderSize*n)
	for i := 0; i < n; i++ {
		next := uint64((i + 1) % n * chunkHeaderSize)
		putChunkHeader(buf, i*chunkHeaderSize, next, 0)
	}
	g := newGuest(buf)
	lim := config.Default()
	lim.MaxChunks = 4
	if _, err := ReadChunkList(g, 0, lim); err == nil {
		t.Fatal("expected chunk-count bound to reject a cyclic list")
	}
}

func TestReadChunkListAggregateSizeBoundary(t *testing.T) {
	payload := make([]byte, 16)
	buf := make([]byte, chunkHeaderSize+len(payload))
	putChunkHeader(buf, 0, 0, uint32(len(payload)))
	g := newGuest(buf)

	lim := config.Default()
	lim.MaxDataChunk = 16
	lim.MaxChunks = 4
	if _, err := ReadChunkList(g, 0, lim); err != nil {
		t.Fatalf("exactly MaxDataChunk bytes should parse: %v", err)
	}

	lim.MaxDataChunk = 15
	if _, err := ReadChunkList(g, 0, lim); err == nil {
		t.Fatal("one byte over MaxDataChunk should fail")
	}
}

func TestReadImageBitmapStrideRejected(t *testing.T) {
	// format = Fmt32Bit (bpp=32), width=4 -> min stride = 16. The
	// image sits at address 8, since ReadImage treats address 0 as
	// "no image".
	const at = 8
	buf := make([]byte, at+imageHeaderSize+bitmapBodySize)
	binary.LittleEndian.PutUint16(buf[at+12:at+14], 4) // width
	binary.LittleEndian.PutUint16(buf[at+14:at+16], 4) // height
	buf[at+imageHeaderSize] = byte(Fmt32Bit)
	binary.LittleEndian.PutUint32(buf[at+imageHeaderSize+4:], 15) // stride too small

	g := newGuest(buf)
	if _, err := ReadImage(g, at, 0, false, config.Default()); err == nil {
		t.Fatal("expected stride-too-small rejection")
	}
}

func TestReadImageBitmapZeroArea(t *testing.T) {
	const at = 8 // address 0 means "no image" to ReadImage
	buf := make([]byte, at+imageHeaderSize+bitmapBodySize)
	binary.LittleEndian.PutUint16(buf[at+12:at+14], 0)
	binary.LittleEndian.PutUint16(buf[at+14:at+16], 4)
	buf[at+imageHeaderSize] = byte(Fmt32Bit)
	binary.LittleEndian.PutUint32(buf[at+imageHeaderSize+4:], 16)

	g := newGuest(buf)
	if _, err := ReadImage(g, at, 0, false, config.Default()); err == nil {
		t.Fatal("expected zero-area rejection")
	}
}

func TestValidateSurfaceTooLarge(t *testing.T) {
	// Matches spec.md §8 scenario 2 exactly.
	lim := config.Default()
	ok := ValidateSurface(0x08000004, 0x40000020, 0x08000004*4, SurfaceFmt32xRGB, lim)
	if ok {
		t.Fatal("expected oversized surface to fail validation")
	}
}

func TestValidateSurfaceStrideMinInt32Rejected(t *testing.T) {
	lim := config.Default()
	ok := ValidateSurface(4, 4, -(1 << 31), SurfaceFmt32xRGB, lim)
	if ok {
		t.Fatal("expected INT32_MIN stride to be rejected")
	}
}

func TestValidateSurfaceExactStrideAccepted(t *testing.T) {
	lim := config.Default()
	// width=4, bpp=32 -> required = 16 bytes; stride == required.
	if !ValidateSurface(4, 4, 16, SurfaceFmt32xRGB, lim) {
		t.Fatal("expected exact-fit stride to be accepted")
	}
	if ValidateSurface(4, 4, 15, SurfaceFmt32xRGB, lim) {
		t.Fatal("expected stride one byte short to be rejected")
	}
}

func TestReadCursorCircularEmptyChunksDoesNotCrash(t *testing.T) {
	buf := make([]byte, cursorHeaderSize+2*chunkHeaderSize)
	binary.LittleEndian.PutUint32(buf[20:24], 0) // declared data_size
	// Two empty chunks pointing at each other.
	putChunkHeader(buf, cursorHeaderSize, uint64(cursorHeaderSize+chunkHeaderSize), 0)
	putChunkHeader(buf, cursorHeaderSize+chunkHeaderSize, uint64(cursorHeaderSize), 0)

	g := newGuest(buf)
	lim := config.Default()
	lim.MaxChunks = 4

	c, err := ReadCursor(g, 0, lim)
	if err != nil {
		t.Fatalf("ReadCursor must not hard-fail on a circular chunk list: %v", err)
	}
	if len(c.Data) != 0 {
		t.Fatalf("expected empty cursor data, got %d bytes", len(c.Data))
	}
}
